package itemstate

import "fmt"

// Stage identifies how far an item has progressed through the pipeline.
type Stage string

const (
	StagePending  Stage = "pending"
	StageFetched  Stage = "fetched"
	StageStored   Stage = "stored"
	StageComplete Stage = "complete"

	StageErrorFetch   Stage = "error_fetch"
	StageErrorStore   Stage = "error_store"
	StageErrorPersist Stage = "error_persist"
)

// validTransitions maps each stage to the stages it may move to directly.
// Error stages only move back to the stage whose work failed; that path is
// taken by ResetErrors, never by normal progression.
var validTransitions = map[Stage][]Stage{
	StagePending:      {StageFetched, StageErrorFetch},
	StageFetched:      {StageStored, StageErrorStore},
	StageStored:       {StageComplete, StageErrorPersist},
	StageComplete:     {},
	StageErrorFetch:   {StagePending},
	StageErrorStore:   {StageFetched},
	StageErrorPersist: {StageStored},
}

// resetTargets maps each error stage to the stage an item returns to when a
// new run re-arms it. The work that already succeeded is not repeated.
var resetTargets = map[Stage]Stage{
	StageErrorFetch:   StagePending,
	StageErrorStore:   StageFetched,
	StageErrorPersist: StageStored,
}

// IsValid reports whether the stage is one of the known values.
func (s Stage) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// IsError reports whether the stage records a failure.
func (s Stage) IsError() bool {
	_, ok := resetTargets[s]
	return ok
}

// IsTerminal reports whether the item needs no further work.
func (s Stage) IsTerminal() bool {
	return s == StageComplete
}

// CanTransitionTo reports whether moving from s to target is allowed.
func (s Stage) CanTransitionTo(target Stage) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// ResetTarget returns the stage an error stage resets to. It panics when
// called on a non-error stage; callers check IsError first.
func (s Stage) ResetTarget() Stage {
	target, ok := resetTargets[s]
	if !ok {
		panic(fmt.Sprintf("itemstate: %s is not an error stage", s))
	}
	return target
}

// ParseStage converts a stored string into a Stage.
func ParseStage(raw string) (Stage, error) {
	stage := Stage(raw)
	if !stage.IsValid() {
		return "", fmt.Errorf("unknown stage %q", raw)
	}
	return stage, nil
}
