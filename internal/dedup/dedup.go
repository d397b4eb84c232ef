// Package dedup removes candidates the batch has already seen or persisted.
package dedup

import (
	"context"
	"fmt"

	"issbatch/internal/batchspec"
)

// ExistingKeys is the batch existence check, answered by the catalog.
type ExistingKeys interface {
	ExistingKeys(ctx context.Context, keys []string) (map[string]struct{}, error)
}

// Result holds the filtered candidates and the counts of what was dropped.
type Result struct {
	Candidates []batchspec.Candidate
	Duplicates int
	Existing   int
}

// Filter returns the candidates that are new to the system, preserving
// first-seen order. In-batch repeats of a key count as duplicates; keys the
// lookup reports count as existing. A lookup failure aborts the whole
// filter so unknown keys are never treated as new.
func Filter(ctx context.Context, candidates []batchspec.Candidate, lookup ExistingKeys) (Result, error) {
	var result Result
	if len(candidates) == 0 {
		return result, nil
	}

	seen := make(map[string]struct{}, len(candidates))
	unique := make([]batchspec.Candidate, 0, len(candidates))
	keys := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		if _, ok := seen[candidate.Key]; ok {
			result.Duplicates++
			continue
		}
		seen[candidate.Key] = struct{}{}
		unique = append(unique, candidate)
		keys = append(keys, candidate.Key)
	}

	existing, err := lookup.ExistingKeys(ctx, keys)
	if err != nil {
		return Result{}, fmt.Errorf("existence lookup: %w", err)
	}

	result.Candidates = make([]batchspec.Candidate, 0, len(unique))
	for _, candidate := range unique {
		if _, ok := existing[candidate.Key]; ok {
			result.Existing++
			continue
		}
		result.Candidates = append(result.Candidates, candidate)
	}
	return result, nil
}
