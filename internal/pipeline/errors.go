package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConfiguration marks failures the operator must fix before any
	// retry can succeed.
	ErrConfiguration = errors.New("configuration error")
	// ErrItem marks a failure confined to a single item; the run continues
	// and the item lands in an error stage.
	ErrItem = errors.New("item failure")
	// ErrBatchFatal marks failures that abort the whole run and trigger
	// cleanup plus retry scheduling.
	ErrBatchFatal = errors.New("batch failure")
)

// Wrap builds an error carrying stage context, tagged with one of the
// sentinel markers above for classification at the run boundary.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrBatchFatal
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// IsFatal reports whether the error must abort the run. Configuration
// errors are fatal too, but skip retry scheduling: re-running with the same
// config cannot succeed.
func IsFatal(err error) bool {
	return errors.Is(err, ErrBatchFatal) || errors.Is(err, ErrConfiguration)
}

// ShouldScheduleRetry reports whether the failure is worth re-arming.
func ShouldScheduleRetry(err error) bool {
	return errors.Is(err, ErrBatchFatal) && !errors.Is(err, ErrConfiguration)
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "pipeline failure"
	}
	return strings.Join(parts, ": ")
}
