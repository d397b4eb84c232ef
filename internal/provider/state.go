package provider

// JobState is the local view of a provider job's lifecycle. QUEUED through
// FAILED come from the provider; started and start_failed are recorded
// locally by the dispatcher.
type JobState string

const (
	StateQueued      JobState = "queued"
	StateStarted     JobState = "started"
	StateStartFailed JobState = "start_failed"
	StateRunning     JobState = "running"
	StateReady       JobState = "ready"
	StateCompleted   JobState = "completed"
	StateFailed      JobState = "failed"
)

// IsTerminal reports whether the state can no longer change.
func (s JobState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateStartFailed:
		return true
	}
	return false
}

// parseState maps a provider wire state onto the local enum. Unknown states
// are treated as running so polling keeps watching them.
func parseState(raw string) JobState {
	switch raw {
	case "QUEUED", "queued":
		return StateQueued
	case "RUNNING", "running":
		return StateRunning
	case "READY", "ready":
		return StateReady
	case "COMPLETED", "completed":
		return StateCompleted
	case "FAILED", "failed":
		return StateFailed
	default:
		return StateRunning
	}
}
