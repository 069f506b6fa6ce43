package rostersync

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Syncable runs one sync. *Syncer implements it.
type Syncable interface {
	Sync(ctx context.Context) Result
}

// SchedulerConfig tunes a Scheduler.
type SchedulerConfig struct {
	Enabled      bool
	Interval     time.Duration
	InitialDelay time.Duration
}

// Status reports the scheduler state for the admin API.
type Status struct {
	Enabled    bool       `json:"enabled"`
	Interval   string     `json:"interval"`
	Running    bool       `json:"running"`
	LastRun    *time.Time `json:"last_run,omitempty"`
	NextRun    *time.Time `json:"next_run,omitempty"`
	LastResult *Result    `json:"last_result,omitempty"`
}

// Scheduler runs a Syncer on a fixed interval, after an initial delay.
// Runs never overlap: a tick or Trigger that arrives during a run waits
// for it.
type Scheduler struct {
	syncer Syncable
	cfg    SchedulerConfig
	logger *slog.Logger

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}

	runMu sync.Mutex // serializes runs

	mu         sync.Mutex
	running    bool
	lastRun    *time.Time
	nextRun    *time.Time
	lastResult *Result
}

// NewScheduler creates a Scheduler. A zero Interval means 30 minutes and a
// zero InitialDelay means 10 seconds.
func NewScheduler(syncer Syncable, cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Minute
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 10 * time.Second
	}
	return &Scheduler{syncer: syncer, cfg: cfg, logger: logger, done: make(chan struct{})}
}

// Start launches the background loop when the scheduler is enabled.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.cfg.Enabled {
		s.logger.Info("rostersync: scheduler disabled by configuration")
		return
	}
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancelLoop = cancel
	s.setNext(time.Now().Add(s.cfg.InitialDelay))
	s.logger.Info("rostersync: scheduler started", "interval", s.cfg.Interval, "initial_delay", s.cfg.InitialDelay)
	go s.loop(loopCtx)
}

// Stop cancels the loop and waits for an in-flight run to finish or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) {
	if !s.started.Load() {
		return
	}
	s.cancelLoop()
	select {
	case <-s.done:
	case <-ctx.Done():
		s.logger.Warn("rostersync: scheduler stop timed out")
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	timer := time.NewTimer(s.cfg.InitialDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	s.run(ctx, "initial")

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	s.setNext(time.Now().Add(s.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.run(ctx, "scheduled")
			s.setNext(time.Now().Add(s.cfg.Interval))
		}
	}
}

// Trigger runs a sync now, regardless of whether the schedule is enabled.
func (s *Scheduler) Trigger(ctx context.Context) Result {
	return s.run(ctx, "manual")
}

func (s *Scheduler) run(ctx context.Context, reason string) Result {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	s.logger.Info("rostersync: sync starting", "reason", reason)
	res := s.syncer.Sync(ctx)
	if res.Failed > 0 || !res.Success {
		s.logger.Warn("rostersync: sync completed with errors", "reason", reason, "failed", res.Failed, "errors", res.Errors)
	}

	now := time.Now().UTC()
	s.mu.Lock()
	s.running = false
	s.lastRun = &now
	s.lastResult = &res
	s.mu.Unlock()
	return res
}

func (s *Scheduler) setNext(t time.Time) {
	t = t.UTC()
	s.mu.Lock()
	s.nextRun = &t
	s.mu.Unlock()
}

// Status returns a snapshot of the scheduler state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Enabled:    s.cfg.Enabled,
		Interval:   s.cfg.Interval.String(),
		Running:    s.running,
		LastRun:    s.lastRun,
		LastResult: s.lastResult,
	}
	if s.cfg.Enabled {
		st.NextRun = s.nextRun
	}
	return st
}
