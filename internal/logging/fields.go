package logging

// Standardized attribute keys shared across components.
const (
	FieldComponent = "component"
	FieldEventType = "event_type"
	FieldErrorHint = "hint"
	FieldStage     = "stage"
	FieldRunID     = "run_id"
	FieldItemKey   = "item_key"
	FieldJobID     = "job_id"
	FieldAttempt   = "attempt"
)
