// Package kpi recomputes agent KPIs from their fact rows.
//
// KPIs are never incremented. Every recalculation reads the full aggregate
// for one agent and overwrites the stored row, so running it twice yields the
// same result and concurrent recomputes converge on the last writer.
package kpi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/eden3/eden3/internal/model"
	"github.com/eden3/eden3/internal/storage"
	"github.com/eden3/eden3/internal/telemetry"
)

// TxStore is the transactional read/write surface a recalculation runs
// against. *storage.Tx implements it.
type TxStore interface {
	LoadKPISources(ctx context.Context, agentID uuid.UUID) (model.KPISources, error)
	WriteKPIs(ctx context.Context, k model.AgentKPIs) error
}

// ErrInvalidScore is returned for a quality score outside 0..100.
var ErrInvalidScore = errors.New("kpi: invalid score")

// DefaultParallelism bounds RecalculateAll.
const DefaultParallelism = 4

// Compute derives the KPI row from raw aggregates. Absent aggregates become
// zero, except the activity timestamps which stay nil.
func Compute(agentID uuid.UUID, src model.KPISources, now time.Time) model.AgentKPIs {
	k := model.AgentKPIs{
		AgentID:               agentID,
		TotalWorks:            src.PublishedOrSoldWorks,
		TotalSales:            src.SoldWorks,
		SocialMentions:        src.Mentions,
		TotalTrainingSessions: src.TrainingSessions,
		TotalCollaborations:   src.Collaborations,
		LastActivity:          src.LastEventAt,
		LastTraining:          src.LastTrainingAt,
		UpdatedAt:             now,
	}
	if src.SoldGrossRevenue != nil {
		k.TotalRevenue = *src.SoldGrossRevenue
	}
	if src.AverageScore != nil {
		k.AverageRating = *src.AverageScore
	}
	return k
}

// Recalculator recomputes and persists KPIs.
type Recalculator struct {
	db          *storage.DB
	logger      *slog.Logger
	parallelism int
	now         func() time.Time

	recalcs  metric.Int64Counter
	duration metric.Float64Histogram
}

// New creates a Recalculator. parallelism <= 0 uses DefaultParallelism.
func New(db *storage.DB, logger *slog.Logger, parallelism int) *Recalculator {
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}
	meter := telemetry.Meter("eden3/kpi")
	recalcs, _ := meter.Int64Counter("eden3.kpi.recalculations",
		metric.WithDescription("KPI recalculations by outcome"),
	)
	duration, _ := meter.Float64Histogram("eden3.kpi.duration",
		metric.WithDescription("KPI recalculation duration"),
		metric.WithUnit("ms"),
	)
	return &Recalculator{
		db:          db,
		logger:      logger,
		parallelism: parallelism,
		now:         time.Now,
		recalcs:     recalcs,
		duration:    duration,
	}
}

// Recalculate recomputes agentID's KPIs inside an existing transaction.
// The processor uses this so the fact mutation, the KPI write, and the event
// completion commit together.
func (r *Recalculator) Recalculate(ctx context.Context, tx TxStore, agentID uuid.UUID) (model.AgentKPIs, error) {
	start := r.now()
	k, err := r.recalculate(ctx, tx, agentID)
	r.record(ctx, start, err)
	return k, err
}

func (r *Recalculator) recalculate(ctx context.Context, tx TxStore, agentID uuid.UUID) (model.AgentKPIs, error) {
	src, err := tx.LoadKPISources(ctx, agentID)
	if err != nil {
		return model.AgentKPIs{}, fmt.Errorf("kpi: load sources for %s: %w", agentID, err)
	}
	k := Compute(agentID, src, r.now().UTC())
	if err := tx.WriteKPIs(ctx, k); err != nil {
		return model.AgentKPIs{}, fmt.Errorf("kpi: write %s: %w", agentID, err)
	}
	return k, nil
}

// RecalculateAgent recomputes agentID's KPIs in its own transaction.
func (r *Recalculator) RecalculateAgent(ctx context.Context, agentID uuid.UUID) (model.AgentKPIs, error) {
	var k model.AgentKPIs
	err := r.db.InTxRetry(ctx, func(tx *storage.Tx) error {
		var err error
		k, err = r.Recalculate(ctx, tx, agentID)
		return err
	})
	return k, err
}

// RecordEvaluation stores an out-of-band quality evaluation and recomputes
// the agent's KPIs in the same transaction. The score must lie in 0..100.
func (r *Recalculator) RecordEvaluation(ctx context.Context, q model.QualityEvaluation) (model.AgentKPIs, error) {
	if q.Score < 0 || q.Score > 100 || math.IsNaN(q.Score) {
		return model.AgentKPIs{}, fmt.Errorf("kpi: score %v outside 0..100: %w", q.Score, ErrInvalidScore)
	}
	if q.ID == uuid.Nil {
		q.ID = uuid.New()
	}
	if q.EventID == "" {
		q.EventID = "rubric_" + q.ID.String()
	}
	if q.Timestamp.IsZero() {
		q.Timestamp = r.now().UTC()
	}
	var k model.AgentKPIs
	err := r.db.InTxRetry(ctx, func(tx *storage.Tx) error {
		if err := tx.InsertQualityEvaluation(ctx, q); err != nil {
			return err
		}
		var err error
		k, err = r.Recalculate(ctx, tx, q.AgentID)
		return err
	})
	return k, err
}

// RecalculateAgents recomputes each listed agent, at most r.parallelism at a
// time. Failures are logged and do not stop the others; the number of agents
// recomputed successfully is returned along with the first error.
func (r *Recalculator) RecalculateAgents(ctx context.Context, ids []uuid.UUID) (int, error) {
	results := make([]error, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism)
	for i, id := range ids {
		g.Go(func() error {
			if _, err := r.RecalculateAgent(gctx, id); err != nil {
				r.logger.Warn("kpi: recalculation failed", "agent_id", id, "error", err)
				results[i] = err
			}
			return nil
		})
	}
	_ = g.Wait()

	var ok int
	var first error
	for _, err := range results {
		if err == nil {
			ok++
		} else if first == nil {
			first = err
		}
	}
	return ok, first
}

// RecalculateAll recomputes every non-archived agent.
func (r *Recalculator) RecalculateAll(ctx context.Context) (int, error) {
	ids, err := r.db.ListAgentIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("kpi: list agents: %w", err)
	}
	n, err := r.RecalculateAgents(ctx, ids)
	r.logger.Info("kpi: recalculated all agents", "agents", len(ids), "succeeded", n)
	return n, err
}

func (r *Recalculator) record(ctx context.Context, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	if r.recalcs != nil {
		r.recalcs.Add(ctx, 1, attrs)
	}
	if r.duration != nil {
		r.duration.Record(ctx, float64(r.now().Sub(start).Microseconds())/1000, attrs)
	}
}
