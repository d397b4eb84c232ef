package itemstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"issbatch/internal/fileutil"
)

var (
	// ErrUnknownItem indicates the key was never registered.
	ErrUnknownItem = errors.New("unknown item")
	// ErrInvalidTransition indicates a stage move the machine forbids.
	ErrInvalidTransition = errors.New("invalid stage transition")
)

// Item is the durable record for one batch item.
type Item struct {
	Key          string    `json:"key"`
	Stage        Stage     `json:"stage"`
	Attempts     int       `json:"attempts"`
	LastError    string    `json:"last_error,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Statistics summarizes the state file for reporting.
type Statistics struct {
	Total       int
	Completed   int
	WithErrors  int
	Outstanding int
	ByStage     map[Stage]int
}

type stateFile struct {
	Version int    `json:"version"`
	Items   []Item `json:"items"`
}

const stateFileVersion = 1

// Store persists per-item stages. All methods are safe for concurrent use.
type Store struct {
	mu    sync.Mutex
	path  string
	items map[string]*Item
	order []string
	now   func() time.Time
}

// Open loads the state file at path, creating an empty store when the file
// does not exist yet.
func Open(path string) (*Store, error) {
	store := &Store{
		path:  path,
		items: make(map[string]*Item),
		now:   time.Now,
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return store, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read item state: %w", err)
	}

	var file stateFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse item state: %w", err)
	}
	for i := range file.Items {
		item := file.Items[i]
		if !item.Stage.IsValid() {
			return nil, fmt.Errorf("item %q: unknown stage %q", item.Key, item.Stage)
		}
		if _, ok := store.items[item.Key]; ok {
			return nil, fmt.Errorf("item %q: duplicate entry", item.Key)
		}
		store.items[item.Key] = &item
		store.order = append(store.order, item.Key)
	}
	return store, nil
}

// Register adds keys that are not yet tracked at StagePending. Keys already
// present are left untouched. It returns the number of newly added items.
func (s *Store) Register(keys ...string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	now := s.now()
	for _, key := range keys {
		if key == "" {
			return added, errors.New("empty item key")
		}
		if _, ok := s.items[key]; ok {
			continue
		}
		s.items[key] = &Item{
			Key:          key,
			Stage:        StagePending,
			RegisteredAt: now,
			UpdatedAt:    now,
		}
		s.order = append(s.order, key)
		added++
	}
	if added == 0 {
		return 0, nil
	}
	return added, s.persistLocked()
}

// Get returns a copy of the item record.
func (s *Store) Get(key string) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[key]
	if !ok {
		return Item{}, fmt.Errorf("%w: %s", ErrUnknownItem, key)
	}
	return *item, nil
}

// Transition moves an item to the target stage, persisting on success. A
// transition the table does not allow returns ErrInvalidTransition and
// leaves the item unchanged.
func (s *Store) Transition(key string, target Stage) error {
	return s.transition(key, target, "")
}

// MarkError moves an item to an error stage and records the failure message.
func (s *Store) MarkError(key string, target Stage, cause error) error {
	if !target.IsError() {
		return fmt.Errorf("%w: %s is not an error stage", ErrInvalidTransition, target)
	}
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	return s.transition(key, target, message)
}

func (s *Store) transition(key string, target Stage, lastError string) error {
	if !target.IsValid() {
		return fmt.Errorf("%w: unknown stage %q", ErrInvalidTransition, target)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownItem, key)
	}
	if !item.Stage.CanTransitionTo(target) {
		return fmt.Errorf("%w: %s -> %s for %s", ErrInvalidTransition, item.Stage, target, key)
	}

	item.Stage = target
	item.UpdatedAt = s.now()
	if target.IsError() {
		item.LastError = lastError
	} else {
		item.LastError = ""
	}
	return s.persistLocked()
}

// ResetErrors returns every errored item to the stage whose work failed and
// increments its attempt counter. It returns the number of items reset.
func (s *Store) ResetErrors() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reset := 0
	now := s.now()
	for _, key := range s.order {
		item := s.items[key]
		if !item.Stage.IsError() {
			continue
		}
		item.Stage = item.Stage.ResetTarget()
		item.Attempts++
		item.UpdatedAt = now
		reset++
	}
	if reset == 0 {
		return 0, nil
	}
	return reset, s.persistLocked()
}

// RollbackToPending returns the given items to pending, regardless of how
// far they got. Cleanup calls this after destroying a failed run's
// artifacts: an item whose stored file and catalog row are gone must redo
// every stage, so leaving it at fetched or stored would point it at output
// that no longer exists. Complete and unknown keys are skipped. Returns
// the number of items rolled back.
func (s *Store) RollbackToPending(keys ...string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rolled := 0
	now := s.now()
	for _, key := range keys {
		item, ok := s.items[key]
		if !ok || item.Stage.IsTerminal() || item.Stage == StagePending {
			continue
		}
		item.Stage = StagePending
		item.LastError = ""
		item.UpdatedAt = now
		rolled++
	}
	if rolled == 0 {
		return 0, nil
	}
	return rolled, s.persistLocked()
}

// SelectByStage returns copies of all items in any of the given stages, in
// registration order.
func (s *Store) SelectByStage(stages ...Stage) []Item {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[Stage]struct{}, len(stages))
	for _, stage := range stages {
		want[stage] = struct{}{}
	}

	var out []Item
	for _, key := range s.order {
		if _, ok := want[s.items[key].Stage]; ok {
			out = append(out, *s.items[key])
		}
	}
	return out
}

// Keys returns all tracked keys in registration order.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Statistics summarizes the current state.
func (s *Store) Statistics() Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Statistics{ByStage: make(map[Stage]int)}
	for _, key := range s.order {
		item := s.items[key]
		stats.Total++
		stats.ByStage[item.Stage]++
		switch {
		case item.Stage.IsTerminal():
			stats.Completed++
		case item.Stage.IsError():
			stats.WithErrors++
		default:
			stats.Outstanding++
		}
	}
	return stats
}

// AllComplete reports whether every tracked item reached StageComplete.
func (s *Store) AllComplete() bool {
	stats := s.Statistics()
	return stats.Total > 0 && stats.Completed == stats.Total
}

// Clear removes every item and deletes the state file.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = make(map[string]*Item)
	s.order = nil
	return fileutil.RemoveIfExists(s.path)
}

func (s *Store) persistLocked() error {
	file := stateFile{Version: stateFileVersion, Items: make([]Item, 0, len(s.order))}
	for _, key := range s.order {
		file.Items = append(file.Items, *s.items[key])
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("encode item state: %w", err)
	}
	if err := fileutil.WriteFileAtomic(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write item state: %w", err)
	}
	return nil
}
