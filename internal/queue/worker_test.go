package queue

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eden3/eden3/internal/model"
)

type retryCall struct {
	id    string
	runAt time.Time
	msg   string
}

// fakeStore is an in-memory Store. Claimed jobs are served from pending in
// order and removed once claimed.
type fakeStore struct {
	mu        sync.Mutex
	pending   []model.Job
	completed []string
	retried   []retryCall
	killed    map[string]string
	stalled   []model.Job
	trimmed   int
	claimErr  error
	counts    model.QueueCounts
	requeued  []string
}

func newFakeStore(jobs ...model.Job) *fakeStore {
	return &fakeStore{pending: jobs, killed: make(map[string]string)}
}

func (f *fakeStore) ClaimJobs(_ context.Context, _ string, limit int, _ time.Duration) ([]model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	n := min(limit, len(f.pending))
	out := make([]model.Job, n)
	copy(out, f.pending[:n])
	f.pending = f.pending[n:]
	for i := range out {
		out[i].State = model.JobActive
		out[i].Attempts++
	}
	return out, nil
}

func (f *fakeStore) CompleteJob(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, id)
	return nil
}

func (f *fakeStore) RetryJobAt(ctx context.Context, id string, runAt time.Time, msg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retried = append(f.retried, retryCall{id: id, runAt: runAt, msg: msg})
	return nil
}

func (f *fakeStore) KillJob(ctx context.Context, id, msg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed[id] = msg
	return nil
}

func (f *fakeStore) KillStalledJobs(context.Context, string) ([]model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stalled, nil
}

func (f *fakeStore) TrimFinishedJobs(_ context.Context, _ string, keepCompleted, keepDead int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trimmed++
	return 0, nil
}

func (f *fakeStore) CountJobs(context.Context, string) (model.QueueCounts, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts, nil
}

func (f *fakeStore) RequeueDeadJob(_ context.Context, id string) (model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requeued = append(f.requeued, id)
	return model.Job{ID: id, State: model.JobWaiting}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func job(id string, attempts, maxAttempts int) model.Job {
	return model.Job{ID: id, EventID: id, Queue: model.EventsQueue, State: model.JobWaiting, Attempts: attempts, MaxAttempts: maxAttempts}
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: 2 * time.Second, Max: 5 * time.Minute}
	assert.Equal(t, 2*time.Second, b.Delay(1))
	assert.Equal(t, 4*time.Second, b.Delay(2))
	assert.Equal(t, 8*time.Second, b.Delay(3))
	assert.Equal(t, 2*time.Second, b.Delay(0))
	assert.Equal(t, 5*time.Minute, b.Delay(20))

	capped := Backoff{Base: time.Second, Max: 3 * time.Second}
	assert.Equal(t, 2*time.Second, capped.Delay(2))
	assert.Equal(t, 3*time.Second, capped.Delay(3))
}

func TestConfigDefaults(t *testing.T) {
	c := Config{}.withDefaults()
	assert.Equal(t, model.EventsQueue, c.Queue)
	assert.Equal(t, 2*time.Second, c.Backoff.Base)
	assert.Equal(t, 100, c.KeepCompleted)
	assert.Equal(t, 50, c.KeepDead)
	assert.Equal(t, 10, c.BatchSize)
}

func TestProcessBatch_Success(t *testing.T) {
	store := newFakeStore(job("job_a", 0, 3), job("job_b", 0, 3))
	var mu sync.Mutex
	var seen []string
	w := NewWorker(store, func(_ context.Context, j model.Job) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, j.ID)
		assert.Equal(t, 1, j.Attempts)
		return nil
	}, Config{}, testLogger())

	n := w.processBatch(context.Background())
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"job_a", "job_b"}, seen)
	assert.ElementsMatch(t, []string{"job_a", "job_b"}, store.completed)
	assert.Empty(t, store.retried)
}

func TestProcessBatch_RetryThenDeadLetter(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	boom := errors.New("work not found")

	// First and second attempts fail and are rescheduled at 2s then 4s.
	store := newFakeStore(job("job_a", 0, 3), job("job_b", 1, 3), job("job_c", 2, 3))
	w := NewWorker(store, func(context.Context, model.Job) error { return boom }, Config{}, testLogger())
	w.now = func() time.Time { return now }

	w.processBatch(context.Background())

	require.Len(t, store.retried, 2)
	delays := map[string]time.Duration{}
	for _, r := range store.retried {
		delays[r.id] = r.runAt.Sub(now)
		assert.Equal(t, "work not found", r.msg)
	}
	assert.Equal(t, 2*time.Second, delays["job_a"])
	assert.Equal(t, 4*time.Second, delays["job_b"])

	// The third failure exhausts the budget.
	assert.Equal(t, map[string]string{"job_c": "work not found"}, store.killed)
	assert.Empty(t, store.completed)
}

func TestProcessBatch_ClaimError(t *testing.T) {
	store := newFakeStore()
	store.claimErr = errors.New("connection refused")
	w := NewWorker(store, func(context.Context, model.Job) error {
		t.Fatal("handler must not run")
		return nil
	}, Config{}, testLogger())

	assert.Equal(t, 0, w.processBatch(context.Background()))
}

func TestPoll_RunsHousekeepingOncePerInterval(t *testing.T) {
	store := newFakeStore()
	store.stalled = []model.Job{job("job_stalled", 3, 3)}
	w := NewWorker(store, func(context.Context, model.Job) error { return nil }, Config{}, testLogger())
	now := time.Now()
	w.now = func() time.Time { return now }

	w.poll(context.Background())
	w.poll(context.Background())
	assert.Equal(t, 1, store.trimmed)

	now = now.Add(housekeepingInterval + time.Second)
	w.poll(context.Background())
	assert.Equal(t, 2, store.trimmed)
}

func TestPoll_DrainsFullBatches(t *testing.T) {
	var jobs []model.Job
	for _, id := range []string{"j1", "j2", "j3", "j4", "j5"} {
		jobs = append(jobs, job(id, 0, 3))
	}
	store := newFakeStore(jobs...)
	w := NewWorker(store, func(context.Context, model.Job) error { return nil }, Config{BatchSize: 2}, testLogger())

	w.poll(context.Background())
	assert.Len(t, store.completed, 5)
}

func TestStartDrain(t *testing.T) {
	store := newFakeStore(job("job_a", 0, 3))
	handled := make(chan string, 1)
	w := NewWorker(store, func(_ context.Context, j model.Job) error {
		handled <- j.ID
		return nil
	}, Config{PollInterval: 10 * time.Millisecond}, testLogger())

	ctx := context.Background()
	w.Start(ctx)
	w.Start(ctx) // second call is ignored

	select {
	case id := <-handled:
		assert.Equal(t, "job_a", id)
	case <-time.After(2 * time.Second):
		t.Fatal("job was not processed")
	}

	drainCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	w.Drain(drainCtx)

	select {
	case <-w.done:
	default:
		t.Fatal("poll loop did not exit")
	}
}

func TestDrainWithoutStart(t *testing.T) {
	w := NewWorker(newFakeStore(), func(context.Context, model.Job) error { return nil }, Config{}, testLogger())
	w.Drain(context.Background())
}

func TestRequeueDead(t *testing.T) {
	store := newFakeStore()
	w := NewWorker(store, func(context.Context, model.Job) error { return nil }, Config{}, testLogger())

	j, err := w.RequeueDead(context.Background(), "job_x")
	require.NoError(t, err)
	assert.Equal(t, model.JobWaiting, j.State)
	assert.Equal(t, []string{"job_x"}, store.requeued)

	select {
	case <-w.wakeCh:
	default:
		t.Fatal("requeue should wake the poll loop")
	}
}

func TestCounts(t *testing.T) {
	store := newFakeStore()
	store.counts = model.QueueCounts{Waiting: 2, Active: 1, Failed: 1, Dead: 4}
	w := NewWorker(store, nil, Config{}, testLogger())

	c, err := w.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), c.Depth())
	assert.Equal(t, int64(4), c.Dead)
}

func TestRunJob_RecordsOutcomeAfterContextEnds(t *testing.T) {
	store := newFakeStore()
	w := NewWorker(store, func(ctx context.Context, j model.Job) error {
		<-ctx.Done()
		return ctx.Err()
	}, Config{}, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	w.runJob(ctx, job("job_slow", 1, 3))
	w.runJob(ctx, job("job_last", 3, 3))

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.retried, 1)
	assert.Equal(t, "job_slow", store.retried[0].id)
	assert.Contains(t, store.killed["job_last"], "deadline exceeded")
}

func TestRunJob_CompletesAfterShutdownCancel(t *testing.T) {
	store := newFakeStore()
	ctx, cancel := context.WithCancel(context.Background())
	w := NewWorker(store, func(context.Context, model.Job) error {
		cancel()
		return nil
	}, Config{}, testLogger())

	w.runJob(ctx, job("job_done", 1, 3))

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, []string{"job_done"}, store.completed)
}
