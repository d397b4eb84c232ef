// Package hostsched arms one-shot invocations on the host scheduler so a
// retry survives process exit. The implementation uses systemd user timers.
package hostsched

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"issbatch/internal/logging"
)

var commandContext = exec.CommandContext

// Scheduler arms and disarms named one-shot invocations at absolute times.
type Scheduler interface {
	// Arm schedules argv to run once at the given time, replacing any
	// existing schedule with the same name.
	Arm(ctx context.Context, name string, at time.Time, argv []string) error
	// Disarm removes the named schedule. Removing an absent schedule is
	// not an error.
	Disarm(ctx context.Context, name string) error
}

// SystemdScheduler shells out to systemd-run and systemctl in user scope.
type SystemdScheduler struct {
	logger *slog.Logger
}

// NewSystemdScheduler builds the systemd-backed scheduler.
func NewSystemdScheduler(logger *slog.Logger) *SystemdScheduler {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &SystemdScheduler{logger: logging.NewComponentLogger(logger, "hostsched")}
}

// Arm creates or replaces a transient user timer firing once at the given
// time.
func (s *SystemdScheduler) Arm(ctx context.Context, name string, at time.Time, argv []string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("schedule name is required")
	}
	if len(argv) == 0 {
		return errors.New("schedule command is required")
	}

	// Replace first so re-arming is idempotent.
	if err := s.Disarm(ctx, name); err != nil {
		return err
	}

	args := []string{
		"--user",
		"--unit=" + name,
		"--on-calendar=" + at.Local().Format("2006-01-02 15:04:05"),
		"--timer-property=AccuracySec=1s",
		"--collect",
	}
	args = append(args, "--")
	args = append(args, argv...)

	output, err := runCommand(ctx, "systemd-run", args...)
	if err != nil {
		return fmt.Errorf("arm schedule %s: %w (%s)", name, err, output)
	}

	s.logger.Info("schedule armed",
		logging.String("name", name),
		logging.Time("at", at))
	return nil
}

// Disarm stops and clears the named timer. Unknown units are tolerated.
func (s *SystemdScheduler) Disarm(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("schedule name is required")
	}

	output, err := runCommand(ctx, "systemctl", "--user", "stop", name+".timer")
	if err != nil && !isMissingUnit(output) {
		return fmt.Errorf("disarm schedule %s: %w (%s)", name, err, output)
	}
	// A failed earlier invocation can leave the service unit behind.
	_, _ = runCommand(ctx, "systemctl", "--user", "reset-failed", name+".service")
	return nil
}

func runCommand(ctx context.Context, binary string, args ...string) (string, error) {
	cmd := commandContext(ctx, binary, args...) //nolint:gosec
	output, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(output)), err
}

func isMissingUnit(output string) bool {
	lower := strings.ToLower(output)
	return strings.Contains(lower, "not loaded") || strings.Contains(lower, "not found")
}
