package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nugget/toolbridge/internal/events"
)

// ExecuteFunc is called when a job fires. A non-nil error triggers a
// retry with backoff until the attempts are exhausted.
type ExecuteFunc func(ctx context.Context, jobID string) error

// Config tunes job execution.
type Config struct {
	// JobTimeout bounds a single attempt. Defaults to 2 minutes.
	JobTimeout time.Duration

	// MaxAttempts is the number of tries per firing. Defaults to 3.
	MaxAttempts int

	// Backoff is the delay before the second attempt; it doubles for
	// each further attempt. Defaults to 30 seconds.
	Backoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.JobTimeout <= 0 {
		c.JobTimeout = 2 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Backoff <= 0 {
		c.Backoff = 30 * time.Second
	}
	return c
}

type timerEntry struct {
	timer *time.Timer
	at    time.Time
}

// Scheduler keeps at most one pending timer per job ID.
type Scheduler struct {
	logger  *slog.Logger
	store   *Store
	bus     *events.Bus
	execute ExecuteFunc
	cfg     Config

	mu      sync.Mutex
	timers  map[string]timerEntry // jobID -> timer
	running bool
	stopCh  chan struct{}
	cancel  context.CancelFunc
	base    context.Context
	wg      sync.WaitGroup
}

// New creates a new scheduler. store and bus may be nil.
func New(logger *slog.Logger, store *Store, bus *events.Bus, execute ExecuteFunc, cfg Config) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger:  logger,
		store:   store,
		bus:     bus,
		execute: execute,
		cfg:     cfg.withDefaults(),
		timers:  make(map[string]timerEntry),
	}
}

// Start enables job execution and flags runs interrupted by a previous
// shutdown.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.base, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Unlock()

	if s.store != nil {
		n, err := s.store.MarkInterrupted()
		if err != nil {
			return err
		}
		if n > 0 {
			s.logger.Info("flagged interrupted job runs", "count", n)
		}
	}

	s.logger.Debug("scheduler started")
	return nil
}

// Stop cancels all pending timers and waits for running jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false

	for id, entry := range s.timers {
		entry.timer.Stop()
		delete(s.timers, id)
	}

	close(s.stopCh)
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Schedule sets the job to fire at at, replacing any pending firing.
// A time in the past fires immediately.
func (s *Scheduler) Schedule(jobID string, at time.Time) {
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		s.logger.Debug("scheduler not running, job not scheduled", "job_id", jobID)
		return
	}

	if entry, exists := s.timers[jobID]; exists {
		entry.timer.Stop()
	}

	s.timers[jobID] = timerEntry{
		at: at,
		timer: time.AfterFunc(delay, func() {
			s.onFire(jobID, at)
		}),
	}

	s.logger.Debug("job scheduled",
		"job_id", jobID,
		"next", at,
		"delay", delay,
	)
}

// Cancel removes a pending firing. A run already in progress finishes.
func (s *Scheduler) Cancel(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, exists := s.timers[jobID]; exists {
		entry.timer.Stop()
		delete(s.timers, jobID)
		s.logger.Debug("job cancelled", "job_id", jobID)
	}
}

// Next reports when the job is due, if it is scheduled.
func (s *Scheduler) Next(jobID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.timers[jobID]
	return entry.at, ok
}

// Pending lists scheduled jobs ordered by due time.
func (s *Scheduler) Pending() []Entry {
	s.mu.Lock()
	out := make([]Entry, 0, len(s.timers))
	for id, entry := range s.timers {
		out = append(out, Entry{JobID: id, At: entry.at})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

// onFire is called when a job's timer fires.
func (s *Scheduler) onFire(jobID string, scheduledAt time.Time) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	// A newer Schedule call may have replaced this timer already.
	if entry, ok := s.timers[jobID]; ok && entry.at.Equal(scheduledAt) {
		delete(s.timers, jobID)
	}
	s.wg.Add(1)
	base, stop := s.base, s.stopCh
	s.mu.Unlock()
	defer s.wg.Done()

	s.run(base, stop, jobID, scheduledAt)
}

// run executes a job with retries and records the run.
func (s *Scheduler) run(base context.Context, stop <-chan struct{}, jobID string, scheduledAt time.Time) {
	run := &Run{
		JobID:       jobID,
		ScheduledAt: scheduledAt,
		StartedAt:   time.Now(),
		Status:      StatusRunning,
	}
	if s.store != nil {
		if err := s.store.CreateRun(run); err != nil {
			s.logger.Error("failed to record job run", "job_id", jobID, "error", err)
		}
	}

	s.logger.Info("executing job", "job_id", jobID, "run_id", run.ID)
	s.bus.Emit(events.SourceScheduler, events.KindJobFired, map[string]any{"job_id": jobID})

	var err error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		run.Attempts = attempt
		err = s.attempt(base, jobID)
		if err == nil || attempt == s.cfg.MaxAttempts {
			break
		}

		delay := s.cfg.Backoff << (attempt - 1)
		s.logger.Warn("job attempt failed, retrying",
			"job_id", jobID,
			"attempt", attempt,
			"retry_in", delay,
			"error", err,
		)
		select {
		case <-time.After(delay):
		case <-stop:
			attempt = s.cfg.MaxAttempts
		}
	}

	completed := time.Now()
	run.CompletedAt = &completed
	if err != nil {
		run.Status = StatusFailed
		run.Result = err.Error()
		s.logger.Error("job failed", "job_id", jobID, "attempts", run.Attempts, "error", err)
	} else {
		run.Status = StatusCompleted
		run.Result = "success"
	}

	if s.store != nil {
		if uerr := s.store.UpdateRun(run); uerr != nil {
			s.logger.Error("failed to update job run", "id", run.ID, "error", uerr)
		}
	}

	s.logger.Info("job execution completed",
		"job_id", jobID,
		"run_id", run.ID,
		"status", run.Status,
		"duration", completed.Sub(run.StartedAt),
	)
	s.bus.Emit(events.SourceScheduler, events.KindJobComplete, map[string]any{
		"job_id":      jobID,
		"ok":          err == nil,
		"attempts":    run.Attempts,
		"duration_ms": completed.Sub(run.StartedAt).Milliseconds(),
	})
}

func (s *Scheduler) attempt(base context.Context, jobID string) error {
	if s.execute == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(base, s.cfg.JobTimeout)
	defer cancel()
	return s.execute(ctx, jobID)
}

// Stats returns scheduler statistics.
func (s *Scheduler) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	return map[string]any{
		"running":       s.running,
		"active_timers": len(s.timers),
	}
}
