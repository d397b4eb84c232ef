package retry

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"issbatch/internal/ledger"
)

type fakeHost struct {
	armed    []string
	armedAt  []time.Time
	disarmed []string
	armErr   error
}

func (f *fakeHost) Arm(_ context.Context, name string, at time.Time, _ []string) error {
	if f.armErr != nil {
		return f.armErr
	}
	f.armed = append(f.armed, name)
	f.armedAt = append(f.armedAt, at)
	return nil
}

func (f *fakeHost) Disarm(_ context.Context, name string) error {
	f.disarmed = append(f.disarmed, name)
	return nil
}

func newTestScheduler(t *testing.T, host *fakeHost, maxRetries int) (*Scheduler, string, time.Time) {
	t.Helper()
	recordPath := filepath.Join(t.TempDir(), "retry_info.json")
	scheduler, err := NewScheduler(Options{
		RecordPath:   recordPath,
		TaskName:     "issbatch-run",
		Command:      []string{"/usr/bin/issbatch", "run"},
		MaxRetries:   maxRetries,
		BaseInterval: 10 * time.Minute,
	}, host, nil)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	scheduler.now = func() time.Time { return now }
	return scheduler, recordPath, now
}

func TestFirstFailureSchedulesAttemptOne(t *testing.T) {
	host := &fakeHost{}
	scheduler, recordPath, now := newTestScheduler(t, host, 6)

	next, err := scheduler.ScheduleNext(context.Background())
	if err != nil {
		t.Fatalf("ScheduleNext: %v", err)
	}
	if want := now.Add(10 * time.Minute); !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}

	record, err := ledger.LoadRetry(recordPath)
	if err != nil {
		t.Fatalf("LoadRetry: %v", err)
	}
	if record.AttemptNumber != 1 {
		t.Fatalf("attempt = %d, want 1", record.AttemptNumber)
	}
	if len(host.armed) != 1 || host.armed[0] != "issbatch-run" {
		t.Fatalf("armed = %v", host.armed)
	}
}

func TestBackoffGrowsLinearly(t *testing.T) {
	host := &fakeHost{}
	scheduler, _, now := newTestScheduler(t, host, 6)

	for attempt := 1; attempt <= 3; attempt++ {
		next, err := scheduler.ScheduleNext(context.Background())
		if err != nil {
			t.Fatalf("attempt %d: %v", attempt, err)
		}
		want := now.Add(time.Duration(attempt) * 10 * time.Minute)
		if !next.Equal(want) {
			t.Fatalf("attempt %d: next = %v, want %v", attempt, next, want)
		}
	}
}

func TestExhaustionDeletesRecord(t *testing.T) {
	host := &fakeHost{}
	scheduler, recordPath, _ := newTestScheduler(t, host, 6)

	if err := ledger.SaveRetry(recordPath, &ledger.RetryRecord{
		AttemptNumber:     6,
		NextExecutionTime: time.Now(),
		CreatedAt:         time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	_, err := scheduler.ScheduleNext(context.Background())
	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("got %v, want ErrRetryExhausted", err)
	}
	if _, err := ledger.LoadRetry(recordPath); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatal("record should be deleted on exhaustion")
	}
	if len(host.disarmed) != 1 {
		t.Fatalf("disarmed = %v", host.disarmed)
	}
	if len(host.armed) != 0 {
		t.Fatal("nothing should be armed on exhaustion")
	}
}

func TestArmFailureKeepsRecord(t *testing.T) {
	host := &fakeHost{armErr: errors.New("systemd unavailable")}
	scheduler, recordPath, _ := newTestScheduler(t, host, 6)

	_, err := scheduler.ScheduleNext(context.Background())
	if err == nil || errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("got %v", err)
	}

	record, loadErr := ledger.LoadRetry(recordPath)
	if loadErr != nil {
		t.Fatalf("record must survive arm failure: %v", loadErr)
	}
	if record.AttemptNumber != 1 {
		t.Fatalf("attempt = %d", record.AttemptNumber)
	}
}

func TestClearOnSuccess(t *testing.T) {
	host := &fakeHost{}
	scheduler, recordPath, _ := newTestScheduler(t, host, 6)

	if _, err := scheduler.ScheduleNext(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := scheduler.ClearOnSuccess(context.Background()); err != nil {
		t.Fatalf("ClearOnSuccess: %v", err)
	}
	if _, err := ledger.LoadRetry(recordPath); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatal("record should be gone")
	}
	if len(host.disarmed) != 1 {
		t.Fatalf("disarmed = %v", host.disarmed)
	}

	// Clearing again is harmless.
	if err := scheduler.ClearOnSuccess(context.Background()); err != nil {
		t.Fatalf("second ClearOnSuccess: %v", err)
	}
}
