package hostsched

import (
	"context"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"
)

// stubCommands replaces commandContext with one that records invocations
// and fakes the given per-binary behavior.
func stubCommands(t *testing.T, failingOutput map[string]string) *[][]string {
	t.Helper()
	var mu sync.Mutex
	var calls [][]string

	original := commandContext
	t.Cleanup(func() { commandContext = original })
	commandContext = func(ctx context.Context, binary string, args ...string) *exec.Cmd {
		mu.Lock()
		calls = append(calls, append([]string{binary}, args...))
		mu.Unlock()
		if output, ok := failingOutput[binary]; ok {
			return exec.CommandContext(ctx, "sh", "-c", "echo "+output+"; exit 1")
		}
		return exec.CommandContext(ctx, "true")
	}
	return &calls
}

func TestArmReplacesThenSchedules(t *testing.T) {
	calls := stubCommands(t, nil)
	scheduler := NewSystemdScheduler(nil)

	at := time.Date(2026, 9, 1, 10, 30, 0, 0, time.Local)
	err := scheduler.Arm(context.Background(), "issbatch-run", at, []string{"/usr/bin/issbatch", "run"})
	if err != nil {
		t.Fatalf("Arm: %v", err)
	}

	if len(*calls) < 2 {
		t.Fatalf("calls = %v", *calls)
	}
	stop := (*calls)[0]
	if stop[0] != "systemctl" || stop[3] != "issbatch-run.timer" {
		t.Fatalf("first call should stop old timer: %v", stop)
	}

	var run []string
	for _, call := range *calls {
		if call[0] == "systemd-run" {
			run = call
		}
	}
	if run == nil {
		t.Fatalf("no systemd-run call: %v", *calls)
	}
	joined := strings.Join(run, " ")
	if !strings.Contains(joined, "--unit=issbatch-run") {
		t.Fatalf("unit flag missing: %s", joined)
	}
	if !strings.Contains(joined, "--on-calendar=2026-09-01 10:30:00") {
		t.Fatalf("calendar flag missing: %s", joined)
	}
	if !strings.Contains(joined, "-- /usr/bin/issbatch run") {
		t.Fatalf("command missing: %s", joined)
	}
}

func TestArmValidatesInput(t *testing.T) {
	stubCommands(t, nil)
	scheduler := NewSystemdScheduler(nil)
	if err := scheduler.Arm(context.Background(), "", time.Now(), []string{"x"}); err == nil {
		t.Fatal("expected error for empty name")
	}
	if err := scheduler.Arm(context.Background(), "n", time.Now(), nil); err == nil {
		t.Fatal("expected error for empty argv")
	}
}

func TestDisarmToleratesMissingUnit(t *testing.T) {
	stubCommands(t, map[string]string{"systemctl": "'Unit issbatch-run.timer not loaded.'"})
	scheduler := NewSystemdScheduler(nil)
	if err := scheduler.Disarm(context.Background(), "issbatch-run"); err != nil {
		t.Fatalf("Disarm: %v", err)
	}
}

func TestDisarmSurfacesRealFailure(t *testing.T) {
	stubCommands(t, map[string]string{"systemctl": "'Access denied'"})
	scheduler := NewSystemdScheduler(nil)
	if err := scheduler.Disarm(context.Background(), "issbatch-run"); err == nil {
		t.Fatal("expected error for real systemctl failure")
	}
}

func TestArmFailureIncludesOutput(t *testing.T) {
	stubCommands(t, map[string]string{"systemd-run": "'Failed to start transient timer unit'"})
	scheduler := NewSystemdScheduler(nil)
	err := scheduler.Arm(context.Background(), "issbatch-run", time.Now(), []string{"x"})
	if err == nil || !strings.Contains(err.Error(), "transient timer") {
		t.Fatalf("got %v", err)
	}
}
