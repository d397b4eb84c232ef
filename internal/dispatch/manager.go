package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"issbatch/internal/logging"
	"issbatch/internal/provider"
)

// ErrInterrupted is returned by Run when Interrupt stopped the batch before
// every job reached a terminal state.
var ErrInterrupted = errors.New("dispatch interrupted")

// Job tracks one provider job and the item that owns it.
type Job struct {
	Key         string
	Spec        provider.JobSpec
	Handle      provider.Handle
	State       provider.JobState
	Error       string
	ArtifactURL string
}

// Progress is an aggregate snapshot emitted after every poll pass.
type Progress struct {
	Pending   int
	Active    int
	Completed int
	Failed    int
}

// Callbacks receive job outcomes as they happen. Nil callbacks are skipped.
type Callbacks struct {
	OnCompleted func(key string, status provider.JobStatus)
	OnFailed    func(key string, status provider.JobStatus)
	OnProgress  func(Progress)
}

// Options tunes the manager.
type Options struct {
	MaxConcurrent int
	PollInterval  time.Duration
	SubmitPause   time.Duration
}

// Manager submits queued jobs in waves of at most MaxConcurrent and polls
// them to completion. One mutex guards all job lists; the interrupt flag is
// consulted before each wave and at the top of each poll pass.
type Manager struct {
	api    provider.API
	opts   Options
	logger *slog.Logger
	pacer  *rate.Limiter

	mu        sync.Mutex
	pending   []*Job
	active    []*Job
	completed []*Job
	failed    []*Job

	interrupted atomic.Bool
}

// NewManager builds a manager over the given provider API.
func NewManager(api provider.API, opts Options, logger *slog.Logger) *Manager {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 15 * time.Second
	}
	if opts.SubmitPause < 0 {
		opts.SubmitPause = 0
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	pause := opts.SubmitPause
	if pause == 0 {
		pause = time.Nanosecond
	}
	return &Manager{
		api:    api,
		opts:   opts,
		logger: logging.NewComponentLogger(logger, "dispatch"),
		pacer:  rate.NewLimiter(rate.Every(pause), 1),
	}
}

// Add queues a job for submission. Only valid before Run.
func (m *Manager) Add(key string, spec provider.JobSpec) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, &Job{Key: key, Spec: spec, State: provider.StateQueued})
}

// Interrupt stops the batch: no further submissions, and the poll loop
// exits at its next pass. Jobs already at the provider are left running;
// cancelling them is the coordinator's decision.
func (m *Manager) Interrupt() {
	m.interrupted.Store(true)
}

// ActiveHandles returns the handles of jobs still live at the provider, so
// the coordinator can cancel them when aborting a run.
func (m *Manager) ActiveHandles() []provider.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	handles := make([]provider.Handle, 0, len(m.active))
	for _, job := range m.active {
		handles = append(handles, job.Handle)
	}
	return handles
}

// Results returns copies of the terminal jobs accumulated so far.
func (m *Manager) Results() (completed, failed []Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range m.completed {
		completed = append(completed, *job)
	}
	for _, job := range m.failed {
		failed = append(failed, *job)
	}
	return completed, failed
}

// Run processes every queued job: a wave of submissions, then polling until
// the wave drains, until nothing is left. It returns ErrInterrupted when
// stopped early and the context error when cancelled.
func (m *Manager) Run(ctx context.Context, callbacks Callbacks) error {
	for {
		if m.interrupted.Load() {
			return ErrInterrupted
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		submitted, remaining := m.submitWave(ctx, callbacks)
		if submitted == 0 && remaining == 0 && m.activeCount() == 0 {
			return nil
		}

		if err := m.pollUntilDrained(ctx, callbacks); err != nil {
			return err
		}
	}
}

// submitWave moves up to MaxConcurrent pending jobs to the provider. It
// returns how many were submitted and how many remain queued.
func (m *Manager) submitWave(ctx context.Context, callbacks Callbacks) (int, int) {
	m.mu.Lock()
	room := m.opts.MaxConcurrent - len(m.active)
	if room > len(m.pending) {
		room = len(m.pending)
	}
	var wave []*Job
	if room > 0 {
		wave = m.pending[:room]
		m.pending = m.pending[room:]
	}
	remaining := len(m.pending)
	m.mu.Unlock()

	if len(wave) == 0 {
		return 0, remaining
	}

	if err := m.pacer.Wait(ctx); err != nil {
		// Context gone; requeue the wave so Results stays truthful.
		m.mu.Lock()
		m.pending = append(wave, m.pending...)
		m.mu.Unlock()
		return 0, remaining + len(wave)
	}

	submitted := 0
	for i, job := range wave {
		if m.interrupted.Load() || ctx.Err() != nil {
			// Requeue the rest of the wave in one piece so submission
			// order survives the interruption.
			m.mu.Lock()
			m.pending = append(append([]*Job(nil), wave[i:]...), m.pending...)
			remaining = len(m.pending)
			m.mu.Unlock()
			break
		}

		handle, err := m.api.Submit(ctx, job.Spec)
		if err == nil {
			job.Handle = handle
			err = m.api.Start(ctx, handle)
		}
		if err != nil {
			job.State = provider.StateStartFailed
			job.Error = err.Error()
			m.mu.Lock()
			m.failed = append(m.failed, job)
			m.mu.Unlock()
			m.logger.Warn("job start failed",
				logging.String(logging.FieldItemKey, job.Key),
				logging.Error(err))
			if callbacks.OnFailed != nil {
				callbacks.OnFailed(job.Key, provider.JobStatus{State: provider.StateStartFailed, Error: job.Error})
			}
			continue
		}

		job.State = provider.StateStarted
		m.mu.Lock()
		m.active = append(m.active, job)
		m.mu.Unlock()
		submitted++
		m.logger.Info("job started",
			logging.String(logging.FieldItemKey, job.Key),
			logging.String(logging.FieldJobID, handle.ID))
	}

	m.logger.Info("wave submitted",
		logging.Int("size", submitted),
		logging.Int("queued", remaining))
	return submitted, remaining
}

// pollUntilDrained polls the active set on the configured interval until it
// is empty or the batch is stopped.
func (m *Manager) pollUntilDrained(ctx context.Context, callbacks Callbacks) error {
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	for {
		if m.interrupted.Load() {
			return ErrInterrupted
		}
		if m.activeCount() == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if m.interrupted.Load() {
			return ErrInterrupted
		}
		m.pollPass(ctx, callbacks)
		m.emitProgress(callbacks)
	}
}

func (m *Manager) pollPass(ctx context.Context, callbacks Callbacks) {
	m.mu.Lock()
	active := make([]*Job, len(m.active))
	copy(active, m.active)
	m.mu.Unlock()

	for _, job := range active {
		status, err := m.api.Status(ctx, job.Handle)
		if err != nil {
			m.logger.Warn("status poll failed",
				logging.String(logging.FieldItemKey, job.Key),
				logging.String(logging.FieldJobID, job.Handle.ID),
				logging.Error(err))
			continue
		}

		job.State = status.State
		job.Error = status.Error
		job.ArtifactURL = status.ArtifactURL
		if !status.State.IsTerminal() {
			continue
		}

		m.retire(job, status.State == provider.StateCompleted)
		switch status.State {
		case provider.StateCompleted:
			m.logger.Info("job completed",
				logging.String(logging.FieldItemKey, job.Key),
				logging.String(logging.FieldJobID, job.Handle.ID))
			if callbacks.OnCompleted != nil {
				callbacks.OnCompleted(job.Key, status)
			}
		default:
			m.logger.Warn("job failed",
				logging.String(logging.FieldItemKey, job.Key),
				logging.String(logging.FieldJobID, job.Handle.ID),
				logging.String("state", string(status.State)),
				logging.String("cause", status.Error))
			if callbacks.OnFailed != nil {
				callbacks.OnFailed(job.Key, status)
			}
		}
	}
}

func (m *Manager) retire(job *Job, completed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, candidate := range m.active {
		if candidate == job {
			m.active = append(m.active[:i], m.active[i+1:]...)
			break
		}
	}
	if completed {
		m.completed = append(m.completed, job)
	} else {
		m.failed = append(m.failed, job)
	}
}

func (m *Manager) activeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

func (m *Manager) emitProgress(callbacks Callbacks) {
	if callbacks.OnProgress == nil {
		return
	}
	m.mu.Lock()
	progress := Progress{
		Pending:   len(m.pending),
		Active:    len(m.active),
		Completed: len(m.completed),
		Failed:    len(m.failed),
	}
	m.mu.Unlock()
	callbacks.OnProgress(progress)
}
