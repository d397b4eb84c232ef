package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// JobSpec describes one render job to submit.
type JobSpec struct {
	Key    string            `json:"key"`
	Source string            `json:"source"`
	Params map[string]string `json:"params,omitempty"`
}

// Handle identifies a submitted job at the provider.
type Handle struct {
	ID  string
	Key string
}

// JobStatus is the provider's answer to a status poll.
type JobStatus struct {
	State       JobState
	Error       string
	ArtifactURL string
}

// API is the job-provider surface the dispatcher depends on.
type API interface {
	Submit(ctx context.Context, spec JobSpec) (Handle, error)
	Start(ctx context.Context, handle Handle) error
	Status(ctx context.Context, handle Handle) (JobStatus, error)
	Cancel(ctx context.Context, handle Handle) error
}

// Client is the HTTP implementation of API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient builds a client for the provider at baseURL.
func NewClient(baseURL, apiKey string, timeout time.Duration) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, errors.New("provider base URL is required")
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("provider base URL: %w", err)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    trimmed,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Submit registers a job and returns its handle. The job is not running
// until Start is called.
func (c *Client) Submit(ctx context.Context, spec JobSpec) (Handle, error) {
	if spec.Key == "" {
		return Handle{}, errors.New("job spec requires a key")
	}

	var response struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/jobs", spec, &response); err != nil {
		return Handle{}, fmt.Errorf("submit job for %s: %w", spec.Key, err)
	}
	if response.ID == "" {
		return Handle{}, fmt.Errorf("submit job for %s: provider returned no id", spec.Key)
	}
	return Handle{ID: response.ID, Key: spec.Key}, nil
}

// Start asks the provider to begin executing a submitted job.
func (c *Client) Start(ctx context.Context, handle Handle) error {
	if err := c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(handle.ID)+"/start", nil, nil); err != nil {
		return fmt.Errorf("start job %s: %w", handle.ID, err)
	}
	return nil
}

// Status polls the provider for the job's current state.
func (c *Client) Status(ctx context.Context, handle Handle) (JobStatus, error) {
	var response struct {
		State       string `json:"state"`
		Error       string `json:"error"`
		ArtifactURL string `json:"artifact_url"`
	}
	if err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(handle.ID), nil, &response); err != nil {
		return JobStatus{}, fmt.Errorf("status of job %s: %w", handle.ID, err)
	}
	return JobStatus{
		State:       parseState(response.State),
		Error:       response.Error,
		ArtifactURL: response.ArtifactURL,
	}, nil
}

// Cancel aborts a job at the provider. Cancelling an unknown job is not an
// error so cleanup can be retried safely.
func (c *Client) Cancel(ctx context.Context, handle Handle) error {
	err := c.do(ctx, http.MethodDelete, "/jobs/"+url.PathEscape(handle.ID), nil, nil)
	if err != nil && !errors.Is(err, errNotFound) {
		return fmt.Errorf("cancel job %s: %w", handle.ID, err)
	}
	return nil
}

var errNotFound = errors.New("not found")

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		request.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(response.Body, 512))
		return fmt.Errorf("provider returned %d: %s", response.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if out != nil {
		if err := json.NewDecoder(response.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
