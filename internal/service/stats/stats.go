// Package stats assembles the webhook pipeline health views shared by the
// HTTP API and the MCP tools.
package stats

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eden3/eden3/internal/model"
)

const (
	// RecentEventLimit bounds the events listed by Stats.
	RecentEventLimit = 50
	// ErrorSummaryLimit bounds the error groups listed by Stats.
	ErrorSummaryLimit = 10
	// QueueHealthyDepth is the unfinished-job count at or above which the
	// queue is reported unhealthy.
	QueueHealthyDepth = 1000
	healthWindow      = time.Hour
)

// Store is the event read surface stats needs. *storage.DB implements it.
type Store interface {
	CountEventsByStatus(ctx context.Context) (model.EventStatusCounts, error)
	ListRecentEvents(ctx context.Context, limit int) ([]model.Event, error)
	SummarizeEventErrors(ctx context.Context, limit int) ([]model.EventErrorSummary, error)
	EventWindowStats(ctx context.Context, since time.Time) (model.EventWindowStats, error)
}

// QueueCounter reports job counts. *queue.Worker implements it.
type QueueCounter interface {
	Counts(ctx context.Context) (model.QueueCounts, error)
}

// Service builds stats views.
type Service struct {
	store Store
	queue QueueCounter
	now   func() time.Time
}

// New creates a stats Service. queue may be nil, in which case queue counts
// are reported as zero.
func New(store Store, queue QueueCounter) *Service {
	return &Service{store: store, queue: queue, now: time.Now}
}

// Stats returns event counts by status, the most recent events, the top
// failing event types, and queue counts. The reads run concurrently.
func (s *Service) Stats(ctx context.Context) (model.WebhookStats, error) {
	var out model.WebhookStats
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		c, err := s.store.CountEventsByStatus(gctx)
		if err != nil {
			return fmt.Errorf("stats: count events: %w", err)
		}
		out.Counts = c
		return nil
	})
	g.Go(func() error {
		evs, err := s.store.ListRecentEvents(gctx, RecentEventLimit)
		if err != nil {
			return fmt.Errorf("stats: recent events: %w", err)
		}
		out.RecentEvents = evs
		return nil
	})
	g.Go(func() error {
		errs, err := s.store.SummarizeEventErrors(gctx, ErrorSummaryLimit)
		if err != nil {
			return fmt.Errorf("stats: error summary: %w", err)
		}
		out.Errors = errs
		return nil
	})
	g.Go(func() error {
		q, err := s.queueCounts(gctx)
		out.Queue = q
		return err
	})

	if err := g.Wait(); err != nil {
		return model.WebhookStats{}, err
	}
	out.Total = out.Counts.Total()
	if out.RecentEvents == nil {
		out.RecentEvents = []model.Event{}
	}
	if out.Errors == nil {
		out.Errors = []model.EventErrorSummary{}
	}
	return out, nil
}

// Health classifies the last hour of processing. The success rate decides
// the status; a backed-up queue downgrades healthy to degraded.
func (s *Service) Health(ctx context.Context) (model.WebhookHealth, error) {
	var (
		window model.EventWindowStats
		counts model.QueueCounts
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		w, err := s.store.EventWindowStats(gctx, s.now().Add(-healthWindow))
		if err != nil {
			return fmt.Errorf("stats: window: %w", err)
		}
		window = w
		return nil
	})
	g.Go(func() error {
		c, err := s.queueCounts(gctx)
		counts = c
		return err
	})
	if err := g.Wait(); err != nil {
		return model.WebhookHealth{}, err
	}

	rate := window.SuccessRate()
	h := model.WebhookHealth{
		Status:          model.HealthForSuccessRate(rate),
		SuccessRate:     rate,
		EventsPerMinute: float64(window.Total) / healthWindow.Minutes(),
		LastHour:        window,
		Queue: model.QueueHealth{
			Healthy: counts.Depth() < QueueHealthyDepth,
			Counts:  counts,
		},
	}
	if !h.Queue.Healthy && h.Status == model.HealthHealthy {
		h.Status = model.HealthDegraded
	}
	return h, nil
}

func (s *Service) queueCounts(ctx context.Context) (model.QueueCounts, error) {
	if s.queue == nil {
		return model.QueueCounts{}, nil
	}
	c, err := s.queue.Counts(ctx)
	if err != nil {
		return model.QueueCounts{}, fmt.Errorf("stats: queue counts: %w", err)
	}
	return c, nil
}
