// Package discovery queries the imagery search API for the raw records a
// batch specification names. Records come back loosely typed; mapping into
// the canonical schema happens at the ingestion boundary.
package discovery

import (
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

// Client is a thin wrapper over the search API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient builds a search client for the API at baseURL.
func NewClient(baseURL, apiKey string, timeout time.Duration) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, errors.New("search base URL is required")
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:    trimmed,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Search runs one query and returns the raw result records.
func (c *Client) Search(ctx context.Context, mission, camera, filter string) ([]map[string]any, error) {
	if strings.TrimSpace(mission) == "" {
		return nil, errors.New("search requires a mission")
	}

	values := url.Values{}
	values.Set("mission", mission)
	if camera != "" {
		values.Set("camera", camera)
	}
	if filter != "" {
		values.Set("filter", filter)
	}
	values.Set("return", "json")
	if c.apiKey != "" {
		values.Set("key", c.apiKey)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+values.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", mission, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(response.Body, 256))
		return nil, fmt.Errorf("search %s: API returned %d: %s",
			mission, response.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var records []map[string]any
	if err := json.NewDecoder(response.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("search %s: decode response: %w", mission, err)
	}
	return records, nil
}
