package pipeline

import "sync"

// artifact is the run-scoped working state for one item: where its rendered
// artifact lives and the metadata needed to store and persist it. The cache
// is created by the coordinator for a single run and dropped at run end; it
// is never persisted.
type artifact struct {
	URL         string
	StagedPath  string
	StoragePath string
	Mission     string
	Year        string
	Ext         string
	CameraModel string
	Lens        string
	Fields      map[string]string
}

type artifactCache struct {
	mu      sync.Mutex
	entries map[string]*artifact
}

func newArtifactCache() *artifactCache {
	return &artifactCache{entries: make(map[string]*artifact)}
}

func (c *artifactCache) get(key string) (*artifact, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	return entry, ok
}

func (c *artifactCache) put(key string, entry *artifact) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry
}
