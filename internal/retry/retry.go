// Package retry re-arms the whole batch after a fatal run failure using
// the host scheduler, with linear backoff and a bounded attempt count.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"issbatch/internal/hostsched"
	"issbatch/internal/ledger"
	"issbatch/internal/logging"
)

// ErrRetryExhausted is returned when the attempt budget is spent; the
// caller surfaces the batch failure as final.
var ErrRetryExhausted = errors.New("retry attempts exhausted")

// Options tunes the scheduler.
type Options struct {
	// RecordPath is where the RetryRecord lives.
	RecordPath string
	// TaskName names the host schedule.
	TaskName string
	// Command is what the host scheduler runs at the scheduled time.
	Command []string
	// MaxRetries bounds consecutive whole-run retries.
	MaxRetries int
	// BaseInterval is the linear backoff unit: attempt N waits N times
	// this long.
	BaseInterval time.Duration
}

// Scheduler persists retry bookkeeping and arms the host scheduler.
type Scheduler struct {
	opts   Options
	host   hostsched.Scheduler
	logger *slog.Logger
	now    func() time.Time
}

// NewScheduler builds a retry scheduler on top of the host scheduler.
func NewScheduler(opts Options, host hostsched.Scheduler, logger *slog.Logger) (*Scheduler, error) {
	if opts.RecordPath == "" {
		return nil, errors.New("retry record path is required")
	}
	if opts.TaskName == "" {
		return nil, errors.New("retry task name is required")
	}
	if len(opts.Command) == 0 {
		return nil, errors.New("retry command is required")
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BaseInterval <= 0 {
		opts.BaseInterval = 10 * time.Minute
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Scheduler{
		opts:   opts,
		host:   host,
		logger: logging.NewComponentLogger(logger, "retry"),
		now:    time.Now,
	}, nil
}

// ScheduleNext records the next retry attempt and arms the host scheduler
// for it. When the attempt budget is exhausted it deletes the record,
// disarms any schedule, and returns ErrRetryExhausted. It returns the time
// of the armed attempt.
//
// The record is persisted before arming; if arming fails the error is
// reported but the persisted attempt stands, so a manual re-run continues
// the count instead of restarting it.
func (s *Scheduler) ScheduleNext(ctx context.Context) (time.Time, error) {
	attempt := 1
	record, err := ledger.LoadRetry(s.opts.RecordPath)
	switch {
	case err == nil:
		attempt = record.AttemptNumber + 1
	case errors.Is(err, ledger.ErrNotFound):
	default:
		return time.Time{}, err
	}

	if attempt > s.opts.MaxRetries {
		s.logger.Error("giving up after exhausting retries",
			logging.Int(logging.FieldAttempt, attempt-1),
			logging.Int("max_retries", s.opts.MaxRetries))
		if err := ledger.DeleteRetry(s.opts.RecordPath); err != nil {
			return time.Time{}, err
		}
		if err := s.host.Disarm(ctx, s.opts.TaskName); err != nil {
			s.logger.Warn("disarm after exhaustion failed", logging.Error(err))
		}
		return time.Time{}, fmt.Errorf("%w after %d attempts", ErrRetryExhausted, attempt-1)
	}

	now := s.now()
	next := now.Add(time.Duration(attempt) * s.opts.BaseInterval)
	if err := ledger.SaveRetry(s.opts.RecordPath, &ledger.RetryRecord{
		AttemptNumber:     attempt,
		NextExecutionTime: next,
		CreatedAt:         now,
	}); err != nil {
		return time.Time{}, err
	}

	if err := s.host.Arm(ctx, s.opts.TaskName, next, s.opts.Command); err != nil {
		s.logger.Error("arming host scheduler failed; retry record kept",
			logging.Int(logging.FieldAttempt, attempt),
			logging.Error(err))
		return next, fmt.Errorf("arm retry %d: %w", attempt, err)
	}

	s.logger.Info("retry scheduled",
		logging.Int(logging.FieldAttempt, attempt),
		logging.Time("next_execution", next))
	return next, nil
}

// ClearOnSuccess removes the retry record and disarms the schedule after a
// successful run. Both operations tolerate absence.
func (s *Scheduler) ClearOnSuccess(ctx context.Context) error {
	if err := ledger.DeleteRetry(s.opts.RecordPath); err != nil {
		return err
	}
	if err := s.host.Disarm(ctx, s.opts.TaskName); err != nil {
		return fmt.Errorf("disarm %s: %w", s.opts.TaskName, err)
	}
	return nil
}
