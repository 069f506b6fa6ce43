// Package queue runs the Postgres-backed job queue that carries accepted
// webhook events to the processor.
//
// Jobs are claimed with FOR UPDATE SKIP LOCKED and leased for a fixed
// duration, so several workers (in one process or many) can share a queue.
// A job whose handler fails is rescheduled with exponential backoff until its
// attempts are exhausted, then dead-lettered.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/eden3/eden3/internal/model"
	"github.com/eden3/eden3/internal/telemetry"
)

// Store is the persistence the worker needs. *storage.DB implements it.
type Store interface {
	ClaimJobs(ctx context.Context, queue string, limit int, lease time.Duration) ([]model.Job, error)
	CompleteJob(ctx context.Context, id string) error
	RetryJobAt(ctx context.Context, id string, runAt time.Time, msg string) error
	KillJob(ctx context.Context, id, msg string) error
	KillStalledJobs(ctx context.Context, queue string) ([]model.Job, error)
	TrimFinishedJobs(ctx context.Context, queue string, keepCompleted, keepDead int) (int64, error)
	CountJobs(ctx context.Context, queue string) (model.QueueCounts, error)
	RequeueDeadJob(ctx context.Context, id string) (model.Job, error)
}

// Handler processes one claimed job. A non-nil error schedules a retry.
type Handler func(ctx context.Context, job model.Job) error

// Backoff computes the delay before a retry: Base * 2^(attempt-1), capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait after the given (1-based) failed attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// Config tunes a Worker. Zero values fall back to the defaults below.
type Config struct {
	Queue         string
	PollInterval  time.Duration
	BatchSize     int
	Concurrency   int
	Lease         time.Duration
	Backoff       Backoff
	KeepCompleted int
	KeepDead      int
}

func (c Config) withDefaults() Config {
	if c.Queue == "" {
		c.Queue = model.EventsQueue
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.Lease <= 0 {
		c.Lease = 60 * time.Second
	}
	if c.Backoff.Base <= 0 {
		c.Backoff.Base = 2 * time.Second
	}
	if c.Backoff.Max <= 0 {
		c.Backoff.Max = 5 * time.Minute
	}
	if c.KeepCompleted <= 0 {
		c.KeepCompleted = 100
	}
	if c.KeepDead <= 0 {
		c.KeepDead = 50
	}
	return c
}

// housekeepingInterval is how often finished jobs are trimmed and stalled
// jobs past their last attempt are dead-lettered.
const housekeepingInterval = time.Hour

// bookkeepingTimeout bounds the job state write after a handler returns.
const bookkeepingTimeout = 5 * time.Second

// Worker polls one queue and hands due jobs to a Handler.
type Worker struct {
	store   Store
	handler Handler
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	started         atomic.Bool
	cancelLoop      context.CancelFunc
	done            chan struct{}
	once            sync.Once
	wakeCh          chan struct{}
	drainCh         chan context.Context // carries the drain context to pollLoop for the final poll
	lastHousekeep   time.Time
	deadLettered    metric.Int64Counter
	processedResult metric.Int64Counter
}

// NewWorker creates a worker for cfg.Queue.
func NewWorker(store Store, handler Handler, cfg Config, logger *slog.Logger) *Worker {
	return &Worker{
		store:   store,
		handler: handler,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		now:     time.Now,
		done:    make(chan struct{}),
		wakeCh:  make(chan struct{}, 1),
		drainCh: make(chan context.Context, 1),
	}
}

// Start begins the background poll loop. It is safe to call only once;
// subsequent calls are no-ops and log a warning.
func (w *Worker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("queue: Start called more than once, ignoring", "queue", w.cfg.Queue)
		return
	}
	w.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	go w.pollLoop(loopCtx)
}

// Wake asks the poll loop to claim jobs now instead of at the next tick.
func (w *Worker) Wake() {
	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
}

// Drain stops the poll loop after one final batch and blocks until it exits
// or ctx expires. The final batch runs under ctx.
func (w *Worker) Drain(ctx context.Context) {
	if !w.started.Load() {
		return
	}
	select {
	case w.drainCh <- ctx:
	default:
	}
	if w.cancelLoop != nil {
		w.cancelLoop()
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("queue: drain timed out", "queue", w.cfg.Queue)
	}
}

// Counts reports the number of jobs in each state.
func (w *Worker) Counts(ctx context.Context) (model.QueueCounts, error) {
	c, err := w.store.CountJobs(ctx, w.cfg.Queue)
	if err != nil {
		return model.QueueCounts{}, fmt.Errorf("queue: counts: %w", err)
	}
	return c, nil
}

// RequeueDead returns a dead-lettered job to the queue with a fresh attempt
// budget and wakes the poll loop.
func (w *Worker) RequeueDead(ctx context.Context, jobID string) (model.Job, error) {
	j, err := w.store.RequeueDeadJob(ctx, jobID)
	if err != nil {
		return model.Job{}, fmt.Errorf("queue: requeue %s: %w", jobID, err)
	}
	w.logger.Info("queue: dead job requeued", "job_id", j.ID, "event_id", j.EventID)
	w.Wake()
	return j, nil
}

func (w *Worker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			var drainCtx context.Context
			select {
			case drainCtx = <-w.drainCh:
			default:
			}
			if drainCtx != nil {
				w.processBatch(drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				w.processBatch(fallbackCtx)
				cancel()
			}
			w.once.Do(func() { close(w.done) })
			return
		case <-ticker.C:
			w.poll(ctx)
		case <-w.wakeCh:
			w.poll(ctx)
		}
	}
}

func (w *Worker) poll(ctx context.Context) {
	for ctx.Err() == nil {
		// Bounded by the lease so a slow batch cannot outlive its claim.
		batchCtx, cancel := context.WithTimeout(ctx, w.cfg.Lease)
		n := w.processBatch(batchCtx)
		cancel()
		if n < w.cfg.BatchSize {
			break
		}
	}
	if w.now().Sub(w.lastHousekeep) > housekeepingInterval {
		hkCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		w.housekeep(hkCtx)
		cancel()
		w.lastHousekeep = w.now()
	}
}

// processBatch claims one batch and runs it to completion. It returns the
// number of jobs claimed.
func (w *Worker) processBatch(ctx context.Context) int {
	jobs, err := w.store.ClaimJobs(ctx, w.cfg.Queue, w.cfg.BatchSize, w.cfg.Lease)
	if err != nil {
		w.logger.Error("queue: claim jobs", "queue", w.cfg.Queue, "error", err)
		return 0
	}
	if len(jobs) == 0 {
		return 0
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)
	for _, j := range jobs {
		g.Go(func() error {
			w.runJob(gctx, j)
			return nil
		})
	}
	_ = g.Wait()
	return len(jobs)
}

func (w *Worker) runJob(ctx context.Context, j model.Job) {
	logger := w.logger.With("job_id", j.ID, "event_id", j.EventID, "attempts", j.Attempts)

	herr := w.handler(ctx, j)

	// The handler may have run out the lease or been cancelled by shutdown;
	// the job's outcome is still recorded.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()

	if herr == nil {
		if err := w.store.CompleteJob(ctx, j.ID); err != nil {
			logger.Error("queue: complete job", "error", err)
		}
		w.record(ctx, "completed")
		return
	}

	if j.Attempts >= j.MaxAttempts {
		if err := w.store.KillJob(ctx, j.ID, herr.Error()); err != nil {
			logger.Error("queue: dead-letter job", "error", err)
			return
		}
		logger.Warn("queue: job dead-lettered", "event_type", j.EventType, "error", herr)
		w.record(ctx, "dead")
		if w.deadLettered != nil {
			w.deadLettered.Add(ctx, 1)
		}
		return
	}

	delay := w.cfg.Backoff.Delay(j.Attempts)
	if err := w.store.RetryJobAt(ctx, j.ID, w.now().Add(delay), herr.Error()); err != nil {
		logger.Error("queue: schedule retry", "error", err)
		return
	}
	logger.Info("queue: job failed, retry scheduled", "delay", delay, "error", herr)
	w.record(ctx, "retried")
}

func (w *Worker) housekeep(ctx context.Context) {
	stalled, err := w.store.KillStalledJobs(ctx, w.cfg.Queue)
	if err != nil {
		w.logger.Error("queue: kill stalled jobs", "error", err)
	}
	for _, j := range stalled {
		w.logger.Warn("queue: stalled job dead-lettered", "job_id", j.ID, "event_id", j.EventID, "attempts", j.Attempts)
	}

	n, err := w.store.TrimFinishedJobs(ctx, w.cfg.Queue, w.cfg.KeepCompleted, w.cfg.KeepDead)
	if err != nil {
		w.logger.Error("queue: trim finished jobs", "error", err)
		return
	}
	if n > 0 {
		w.logger.Info("queue: trimmed finished jobs", "deleted", n)
	}
}

func (w *Worker) record(ctx context.Context, outcome string) {
	if w.processedResult == nil {
		return
	}
	w.processedResult.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// registerMetrics registers the queue's OTEL instruments.
func (w *Worker) registerMetrics() {
	meter := telemetry.Meter("eden3/queue")

	w.processedResult, _ = meter.Int64Counter("eden3.queue.jobs",
		metric.WithDescription("Jobs finished by outcome (completed, retried, dead)"),
	)
	w.deadLettered, _ = meter.Int64Counter("eden3.queue.dead_lettered",
		metric.WithDescription("Jobs moved to the dead-letter state"),
	)

	var (
		depth metric.Int64ObservableGauge
		dead  metric.Int64ObservableGauge
	)
	depth, _ = meter.Int64ObservableGauge("eden3.queue.depth",
		metric.WithDescription("Jobs waiting, active or awaiting retry"),
	)
	dead, _ = meter.Int64ObservableGauge("eden3.queue.dead",
		metric.WithDescription("Jobs in the dead-letter state"),
	)
	if depth == nil || dead == nil {
		return
	}
	_, _ = meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		c, err := w.store.CountJobs(ctx, w.cfg.Queue)
		if err != nil {
			return nil // Non-fatal: just skip this observation.
		}
		o.ObserveInt64(depth, c.Depth())
		o.ObserveInt64(dead, c.Dead)
		return nil
	}, depth, dead)
}
