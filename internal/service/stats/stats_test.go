package stats

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eden3/eden3/internal/model"
)

type fakeStore struct {
	counts   model.EventStatusCounts
	recent   []model.Event
	errs     []model.EventErrorSummary
	window   model.EventWindowStats
	since    time.Time
	limitErr int
	err      error
}

func (f *fakeStore) CountEventsByStatus(context.Context) (model.EventStatusCounts, error) {
	return f.counts, f.err
}

func (f *fakeStore) ListRecentEvents(_ context.Context, limit int) ([]model.Event, error) {
	if limit != RecentEventLimit {
		return nil, errors.New("unexpected limit")
	}
	return f.recent, nil
}

func (f *fakeStore) SummarizeEventErrors(_ context.Context, limit int) ([]model.EventErrorSummary, error) {
	f.limitErr = limit
	return f.errs, nil
}

func (f *fakeStore) EventWindowStats(_ context.Context, since time.Time) (model.EventWindowStats, error) {
	f.since = since
	return f.window, nil
}

type fakeQueue struct {
	counts model.QueueCounts
	err    error
}

func (f fakeQueue) Counts(context.Context) (model.QueueCounts, error) { return f.counts, f.err }

func TestStats(t *testing.T) {
	store := &fakeStore{
		counts: model.EventStatusCounts{Pending: 1, Completed: 7, Failed: 2},
		recent: []model.Event{{EventID: "evt_1"}},
		errs:   []model.EventErrorSummary{{Type: "work.sold", Count: 2}},
	}
	s := New(store, fakeQueue{counts: model.QueueCounts{Waiting: 3}})

	got, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.Total)
	assert.Len(t, got.RecentEvents, 1)
	assert.Equal(t, ErrorSummaryLimit, store.limitErr)
	assert.Equal(t, int64(3), got.Queue.Waiting)
}

func TestStats_EmptyListsAreNotNil(t *testing.T) {
	got, err := New(&fakeStore{}, nil).Stats(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, got.RecentEvents)
	assert.NotNil(t, got.Errors)
}

func TestStats_PropagatesErrors(t *testing.T) {
	_, err := New(&fakeStore{err: errors.New("pool closed")}, nil).Stats(context.Background())
	assert.ErrorContains(t, err, "pool closed")

	_, err = New(&fakeStore{}, fakeQueue{err: errors.New("timeout")}).Stats(context.Background())
	assert.ErrorContains(t, err, "queue counts")
}

func TestHealth(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name   string
		window model.EventWindowStats
		depth  int64
		want   string
	}{
		{"empty window", model.EventWindowStats{}, 0, model.HealthHealthy},
		{"all good", model.EventWindowStats{Total: 100, Completed: 99}, 0, model.HealthHealthy},
		{"degraded rate", model.EventWindowStats{Total: 100, Completed: 90}, 0, model.HealthDegraded},
		{"unhealthy rate", model.EventWindowStats{Total: 100, Completed: 85}, 0, model.HealthUnhealthy},
		{"backed up queue", model.EventWindowStats{Total: 10, Completed: 10}, QueueHealthyDepth, model.HealthDegraded},
		{"backed up and failing", model.EventWindowStats{Total: 10, Completed: 1}, QueueHealthyDepth, model.HealthUnhealthy},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := &fakeStore{window: tc.window}
			s := New(store, fakeQueue{counts: model.QueueCounts{Waiting: tc.depth}})
			s.now = func() time.Time { return now }

			h, err := s.Health(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tc.want, h.Status)
			assert.Equal(t, tc.depth < QueueHealthyDepth, h.Queue.Healthy)
			assert.Equal(t, now.Add(-time.Hour), store.since)
			assert.InDelta(t, float64(tc.window.Total)/60, h.EventsPerMinute, 1e-9)
		})
	}
}
