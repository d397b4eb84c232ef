package provider

import (
	"context"
	"encoding/json"
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
	client, err := NewClient(server.URL, "test-key", 5*time.Second)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestSubmitAndStart(t *testing.T) {
	var gotAuth, gotStartPath string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/jobs":
			gotAuth = r.Header.Get("Authorization")
			var spec JobSpec
			if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
				t.Errorf("decode spec: %v", err)
			}
			if spec.Key != "ISS070-E-1" {
				t.Errorf("key = %q", spec.Key)
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"id": "job-9"})
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/start"):
			gotStartPath = r.URL.Path
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))

	handle, err := client.Submit(context.Background(), JobSpec{Key: "ISS070-E-1", Source: "http://x"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if handle.ID != "job-9" || handle.Key != "ISS070-E-1" {
		t.Fatalf("handle = %+v", handle)
	}
	if gotAuth != "Bearer test-key" {
		t.Fatalf("auth = %q", gotAuth)
	}

	if err := client.Start(context.Background(), handle); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if gotStartPath != "/jobs/job-9/start" {
		t.Fatalf("start path = %q", gotStartPath)
	}
}

func TestSubmitRejectsMissingID(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{})
	}))
	if _, err := client.Submit(context.Background(), JobSpec{Key: "k"}); err == nil {
		t.Fatal("expected error for empty id")
	}
}

func TestStatusMapsStates(t *testing.T) {
	cases := map[string]JobState{
		"QUEUED":    StateQueued,
		"RUNNING":   StateRunning,
		"READY":     StateReady,
		"COMPLETED": StateCompleted,
		"FAILED":    StateFailed,
		"WEIRD":     StateRunning,
	}
	for wire, want := range cases {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]string{
				"state":        wire,
				"artifact_url": "http://artifact",
			})
		}))
		status, err := client.Status(context.Background(), Handle{ID: "j"})
		if err != nil {
			t.Fatalf("%s: Status: %v", wire, err)
		}
		if status.State != want {
			t.Errorf("%s: state = %s, want %s", wire, status.State, want)
		}
		if status.ArtifactURL != "http://artifact" {
			t.Errorf("%s: artifact = %q", wire, status.ArtifactURL)
		}
	}
}

func TestStatusSurfacesProviderError(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	if _, err := client.Status(context.Background(), Handle{ID: "j"}); err == nil || !strings.Contains(err.Error(), "500") {
		t.Fatalf("got %v", err)
	}
}

func TestCancelToleratesUnknownJob(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no such job", http.StatusNotFound)
	}))
	if err := client.Cancel(context.Background(), Handle{ID: "gone"}); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
}

func TestTerminalStates(t *testing.T) {
	for _, state := range []JobState{StateCompleted, StateFailed, StateStartFailed} {
		if !state.IsTerminal() {
			t.Errorf("%s should be terminal", state)
		}
	}
	for _, state := range []JobState{StateQueued, StateStarted, StateRunning, StateReady} {
		if state.IsTerminal() {
			t.Errorf("%s should not be terminal", state)
		}
	}
}
