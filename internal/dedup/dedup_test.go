package dedup

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"issbatch/internal/batchspec"
)

type fakeLookup struct {
	existing map[string]struct{}
	err      error
	queried  []string
}

func (f *fakeLookup) ExistingKeys(_ context.Context, keys []string) (map[string]struct{}, error) {
	f.queried = append(f.queried, keys...)
	if f.err != nil {
		return nil, f.err
	}
	return f.existing, nil
}

func candidates(keys ...string) []batchspec.Candidate {
	out := make([]batchspec.Candidate, 0, len(keys))
	for _, key := range keys {
		out = append(out, batchspec.Candidate{Key: key})
	}
	return out
}

func TestFilterDropsAlreadyPersisted(t *testing.T) {
	// 50 candidates of which 10 are already persisted leave 40 new ones.
	var input []batchspec.Candidate
	lookup := &fakeLookup{existing: map[string]struct{}{}}
	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("k%02d", i)
		input = append(input, batchspec.Candidate{Key: key})
		if i < 10 {
			lookup.existing[key] = struct{}{}
		}
	}

	result, err := Filter(context.Background(), input, lookup)
	if err != nil {
		t.Fatalf("Filter: %v", err)
	}
	if len(result.Candidates) != 40 {
		t.Fatalf("candidates = %d, want 40", len(result.Candidates))
	}
	if result.Duplicates != 0 || result.Existing != 10 {
		t.Fatalf("duplicates = %d existing = %d", result.Duplicates, result.Existing)
	}
	if len(lookup.queried) != 50 {
		t.Fatalf("lookup saw %d keys, want 50", len(lookup.queried))
	}
}

func TestFilterCountsInBatchDuplicates(t *testing.T) {
	result, err := Filter(context.Background(),
		candidates("a", "a", "b", "a"),
		&fakeLookup{})
	if err != nil {
		t.Fatalf("Filter: %v", err)
	}
	if len(result.Candidates) != 2 || result.Duplicates != 2 {
		t.Fatalf("candidates = %d duplicates = %d", len(result.Candidates), result.Duplicates)
	}
}

func TestFilterPreservesFirstSeenOrder(t *testing.T) {
	result, err := Filter(context.Background(),
		candidates("c", "a", "c", "b"),
		&fakeLookup{})
	if err != nil {
		t.Fatalf("Filter: %v", err)
	}
	got := []string{}
	for _, c := range result.Candidates {
		got = append(got, c.Key)
	}
	want := []string{"c", "a", "b"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestFilterFailsClosedOnLookupError(t *testing.T) {
	lookupErr := errors.New("catalog unavailable")
	_, err := Filter(context.Background(), candidates("a"), &fakeLookup{err: lookupErr})
	if !errors.Is(err, lookupErr) {
		t.Fatalf("got %v, want wrapped lookup error", err)
	}
}

func TestFilterEmptyInput(t *testing.T) {
	lookup := &fakeLookup{}
	result, err := Filter(context.Background(), nil, lookup)
	if err != nil || len(result.Candidates) != 0 {
		t.Fatalf("result = %+v, err = %v", result, err)
	}
	if len(lookup.queried) != 0 {
		t.Fatal("lookup should not be called for empty input")
	}
}
