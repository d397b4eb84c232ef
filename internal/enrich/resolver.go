package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"issbatch/internal/batchspec"
	"issbatch/internal/logging"
	"issbatch/internal/provider"
)

// Resolution is the enriched form of one candidate, ready for dispatch.
type Resolution struct {
	Key         string
	Spec        provider.JobSpec
	CameraModel string
	Lens        string
}

// Options tunes the resolver pool.
type Options struct {
	Workers        int
	RequestTimeout time.Duration
	MaxAttempts    int
}

// Resolver fetches metadata for candidates from the imagery metadata API.
type Resolver struct {
	baseURL    string
	apiKey     string
	opts       Options
	httpClient *http.Client
	logger     *slog.Logger
}

// NewResolver builds a resolver against the metadata endpoint at baseURL.
func NewResolver(baseURL, apiKey string, opts Options, logger *slog.Logger) (*Resolver, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, errors.New("metadata base URL is required")
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 8 * time.Second
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Resolver{
		baseURL:    trimmed,
		apiKey:     apiKey,
		opts:       opts,
		httpClient: &http.Client{Timeout: opts.RequestTimeout},
		logger:     logging.NewComponentLogger(logger, "enrich"),
	}, nil
}

// Resolve fetches metadata for every candidate concurrently. It returns the
// successful resolutions in candidate order and a per-key error map for the
// rest; one bad item never aborts the pool.
func (r *Resolver) Resolve(ctx context.Context, candidates []batchspec.Candidate) ([]Resolution, map[string]error) {
	results := make([]*Resolution, len(candidates))
	failures := make(map[string]error)
	var mu sync.Mutex

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(r.opts.Workers)

	for i, candidate := range candidates {
		i, candidate := i, candidate
		group.Go(func() error {
			resolution, err := r.resolveOne(groupCtx, candidate)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures[candidate.Key] = err
				r.logger.Warn("metadata resolution failed",
					logging.String(logging.FieldItemKey, candidate.Key),
					logging.Error(err))
				return nil
			}
			results[i] = &resolution
			return nil
		})
	}
	_ = group.Wait()

	resolved := make([]Resolution, 0, len(candidates))
	for _, result := range results {
		if result != nil {
			resolved = append(resolved, *result)
		}
	}
	return resolved, failures
}

func (r *Resolver) resolveOne(ctx context.Context, candidate batchspec.Candidate) (Resolution, error) {
	var payload struct {
		SourceURL string `json:"source_url"`
		Camera    string `json:"camera"`
		Lens      string `json:"lens"`
	}

	operation := func() error {
		query := url.Values{}
		query.Set("mission", candidate.Mission)
		query.Set("roll", candidate.Roll)
		query.Set("frame", candidate.Frame)

		request, err := http.NewRequestWithContext(ctx, http.MethodGet,
			r.baseURL+"/metadata?"+query.Encode(), nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		if r.apiKey != "" {
			request.Header.Set("Authorization", "Bearer "+r.apiKey)
		}

		response, err := r.httpClient.Do(request)
		if err != nil {
			return err
		}
		defer response.Body.Close()

		switch {
		case response.StatusCode == http.StatusNotFound:
			return backoff.Permanent(fmt.Errorf("no metadata for %s", candidate.Key))
		case response.StatusCode < 200 || response.StatusCode > 299:
			snippet, _ := io.ReadAll(io.LimitReader(response.Body, 256))
			return fmt.Errorf("metadata API returned %d: %s",
				response.StatusCode, strings.TrimSpace(string(snippet)))
		}

		if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
			return fmt.Errorf("decode metadata: %w", err)
		}
		if payload.SourceURL == "" {
			return backoff.Permanent(fmt.Errorf("metadata for %s has no source URL", candidate.Key))
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(r.opts.MaxAttempts-1)),
		ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return Resolution{}, err
	}

	return Resolution{
		Key: candidate.Key,
		Spec: provider.JobSpec{
			Key:    candidate.Key,
			Source: payload.SourceURL,
			Params: candidate.Fields,
		},
		CameraModel: payload.Camera,
		Lens:        payload.Lens,
	}, nil
}
