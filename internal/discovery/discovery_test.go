package discovery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewClient(server.URL, "secret", 5*time.Second)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestSearchReturnsRawRecords(t *testing.T) {
	var gotQuery string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"frames.mission":"ISS070","frames.roll":"E","frames.frame":1},
			{"frames.mission":"ISS070","frames.roll":"E","frames.frame":2}
		]`))
	}))

	records, err := client.Search(context.Background(), "ISS070", "E", "")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d", len(records))
	}
	if records[0]["frames.mission"] != "ISS070" {
		t.Fatalf("record = %v", records[0])
	}
	for _, fragment := range []string{"mission=ISS070", "camera=E", "key=secret", "return=json"} {
		if !strings.Contains(gotQuery, fragment) {
			t.Fatalf("query %q missing %q", gotQuery, fragment)
		}
	}
}

func TestSearchRequiresMission(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	if _, err := client.Search(context.Background(), "", "", ""); err == nil {
		t.Fatal("expected error for empty mission")
	}
}

func TestSearchSurfacesHTTPError(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	_, err := client.Search(context.Background(), "ISS070", "", "")
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("got %v", err)
	}
}

func TestSearchRejectsMalformedBody(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"not":"an array"}`))
	}))
	if _, err := client.Search(context.Background(), "ISS070", "", ""); err == nil {
		t.Fatal("expected decode error")
	}
}
