// Package processor applies queued webhook events to the business tables.
//
// Each event is applied in one transaction: the fact mutation, the agent's
// KPI recompute, and the COMPLETED status write commit together or not at
// all. A failure marks the event FAILED and is returned to the queue, whose
// retry policy decides whether the event is tried again.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/eden3/eden3/internal/model"
	"github.com/eden3/eden3/internal/service/kpi"
	"github.com/eden3/eden3/internal/storage"
	"github.com/eden3/eden3/internal/telemetry"
)

// Tx is the transactional surface one event is applied against.
// *storage.Tx implements it.
type Tx interface {
	kpi.TxStore
	InsertWork(ctx context.Context, w model.Work) error
	MarkWorkSold(ctx context.Context, sale model.Sale) error
	InsertTransaction(ctx context.Context, t model.Transaction) error
	InsertTrainingSession(ctx context.Context, s model.TrainingSession) error
	InsertMention(ctx context.Context, m model.Mention) error
	InsertCollaboration(ctx context.Context, c model.Collaboration) error
	InsertQualityEvaluation(ctx context.Context, q model.QualityEvaluation) error
	CompleteEvent(ctx context.Context, eventID string) error
}

// Store is the persistence the processor needs.
type Store interface {
	BeginProcessing(ctx context.Context, eventID string) (model.Event, error)
	FailEvent(ctx context.Context, eventID, msg string) (int, error)
	NotifyEvent(ctx context.Context, n storage.EventNotification) error
	// InEventTx runs fn in a transaction, retrying serialization failures.
	InEventTx(ctx context.Context, fn func(tx Tx) error) error
}

// DBStore adapts *storage.DB to Store.
type DBStore struct {
	*storage.DB
}

// InEventTx implements Store.
func (s DBStore) InEventTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.InTxRetry(ctx, func(tx *storage.Tx) error { return fn(tx) })
}

// BookkeepingTimeout bounds the status writes that follow an attempt.
const BookkeepingTimeout = 5 * time.Second

// Processor applies events. It is safe for concurrent use.
type Processor struct {
	store  Store
	kpis   *kpi.Recalculator
	logger *slog.Logger

	processed metric.Int64Counter
}

// New creates a Processor.
func New(store Store, kpis *kpi.Recalculator, logger *slog.Logger) *Processor {
	processed, _ := telemetry.Meter("eden3/processor").Int64Counter("eden3.events.processed",
		metric.WithDescription("Events processed by type and outcome"),
	)
	return &Processor{store: store, kpis: kpis, logger: logger, processed: processed}
}

// Process handles one queued job. It matches queue.Handler.
//
// An event already COMPLETED is skipped, which makes redelivery harmless.
func (p *Processor) Process(ctx context.Context, job model.Job) error {
	logger := p.logger.With("event_id", job.EventID, "job_id", job.ID, "attempts", job.Attempts)

	ev, err := p.store.BeginProcessing(ctx, job.EventID)
	if errors.Is(err, storage.ErrEventCompleted) {
		logger.Info("processor: event already completed, skipping")
		p.record(ctx, job.EventType, "skipped")
		return nil
	}
	if err != nil {
		return fmt.Errorf("processor: begin %s: %w", job.EventID, err)
	}
	logger = logger.With("event_type", ev.Type, "agent_id", ev.AgentID)

	err = p.apply(ctx, ev, logger)

	// Status bookkeeping must land even when the job's context has expired.
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), BookkeepingTimeout)
	defer cancel()

	if err != nil {
		attempts, ferr := p.store.FailEvent(bctx, ev.EventID, err.Error())
		if ferr != nil {
			logger.Error("processor: mark event failed", "error", ferr)
		}
		logger.Error("processor: event failed", "error", err)
		p.notify(bctx, ev, model.EventFailed, attempts, err.Error(), logger)
		p.record(bctx, ev.Type, "failed")
		return err
	}

	logger.Info("processor: event completed")
	p.notify(bctx, ev, model.EventCompleted, ev.Attempts, "", logger)
	p.record(bctx, ev.Type, "completed")
	return nil
}

func (p *Processor) apply(ctx context.Context, ev model.Event, logger *slog.Logger) error {
	kind, err := model.DecodeEventKind(ev.Type, ev.Payload)
	if err != nil {
		return err
	}
	return p.store.InEventTx(ctx, func(tx Tx) error {
		if err := Apply(ctx, tx, ev, kind, logger); err != nil {
			return err
		}
		if _, err := p.kpis.Recalculate(ctx, tx, ev.AgentID); err != nil {
			return err
		}
		return tx.CompleteEvent(ctx, ev.EventID)
	})
}

// Apply performs the business mutation for one decoded event.
func Apply(ctx context.Context, tx Tx, ev model.Event, kind model.EventKind, logger *slog.Logger) error {
	ts := ev.Timestamp
	switch v := kind.(type) {
	case model.WorkCreated:
		return tx.InsertWork(ctx, workFromEvent(ev, v))

	case model.WorkSold:
		sale, err := saleFromEvent(ev, v)
		if err != nil {
			return err
		}
		if err := tx.MarkWorkSold(ctx, sale); err != nil {
			return err
		}
		return tx.InsertTransaction(ctx, model.Transaction{
			EventID:       ev.EventID,
			WorkID:        sale.WorkID,
			Type:          model.TransactionSale,
			Amount:        sale.SalePrice,
			Currency:      sale.Currency,
			BuyerID:       sale.BuyerID,
			Platform:      sale.Platform,
			RoyaltyAmount: sale.RoyaltyAmount,
			TxHash:        sale.TxHash,
			BlockNumber:   sale.BlockNumber,
			GasUsed:       sale.GasUsed,
			Timestamp:     ts,
		})

	case model.TrainingRecorded:
		return tx.InsertTrainingSession(ctx, model.TrainingSession{
			ID:            v.SessionID,
			EventID:       ev.EventID,
			AgentID:       ev.AgentID,
			TrainerID:     v.TrainerID,
			SessionType:   v.SessionType,
			Duration:      v.Duration.Ptr(),
			FeedbackScore: v.FeedbackScore.Ptr(),
			Improvements:  v.Improvements,
			Notes:         v.Notes,
			Timestamp:     ts,
		})

	case model.MentionRecorded:
		return tx.InsertMention(ctx, model.Mention{
			ID:        uuid.New(),
			EventID:   ev.EventID,
			AgentID:   ev.AgentID,
			Platform:  v.Platform,
			Author:    v.Author,
			Content:   v.Content,
			URL:       v.URL,
			Sentiment: v.Sentiment,
			Reach:     v.Reach.Ptr(),
			Timestamp: ts,
		})

	case model.CollaborationStarted:
		return tx.InsertCollaboration(ctx, model.Collaboration{
			ID:             uuid.New(),
			EventID:        ev.EventID,
			AgentID:        ev.AgentID,
			PartnerAgentID: v.PartnerAgentID,
			Type:           v.Type,
			Description:    v.Description,
			WorkID:         v.WorkID,
			Timestamp:      ts,
		})

	case model.QualityEvaluated:
		if v.Score == nil {
			return fmt.Errorf("quality.evaluation: score is required")
		}
		score := float64(*v.Score)
		if score < 0 || score > 100 {
			return fmt.Errorf("quality.evaluation: score %v outside 0..100", score)
		}
		return tx.InsertQualityEvaluation(ctx, model.QualityEvaluation{
			ID:          uuid.New(),
			EventID:     ev.EventID,
			AgentID:     ev.AgentID,
			Score:       score,
			EvaluatorID: v.EvaluatorID,
			Notes:       v.Notes,
			Timestamp:   ts,
		})

	case model.UnknownEvent:
		logger.Warn("processor: unknown event type, no mutation", "event_type", v.Type)
		return nil

	default:
		return fmt.Errorf("processor: unhandled event kind %T", kind)
	}
}

// workFromEvent builds the published work for a work.created event. A
// missing workId is derived from the event id so a retry reuses it.
func workFromEvent(ev model.Event, v model.WorkCreated) model.Work {
	id := v.WorkID
	if id == "" {
		id = "work_" + ev.EventID
	}
	contentType := v.ContentType
	if contentType == "" {
		contentType = model.DefaultContentType
	}
	medium := v.Medium
	if medium == "" {
		medium = model.DefaultMedium
	}
	ts := ev.Timestamp
	return model.Work{
		ID:              id,
		AgentID:         ev.AgentID,
		Title:           v.Title,
		Description:     v.Description,
		Content:         v.Content,
		ContentType:     contentType,
		ContentMetadata: v.ContentMetadata,
		Medium:          medium,
		Tags:            v.Tags,
		ContentURL:      v.URL,
		ThumbnailURL:    v.ThumbnailURL,
		AIModel:         v.AIModel,
		PromptUsed:      v.PromptUsed,
		GenerationTime:  v.GenerationTime.Ptr(),
		Status:          model.WorkStatusPublished,
		Visibility:      model.VisibilityPublic,
		CreatedAt:       ts,
		PublishedAt:     &ts,
	}
}

func saleFromEvent(ev model.Event, v model.WorkSold) (model.Sale, error) {
	if v.WorkID == "" {
		return model.Sale{}, fmt.Errorf("work.sold: workId is required")
	}
	if v.SalePrice == nil {
		return model.Sale{}, fmt.Errorf("work.sold: salePrice is required")
	}
	if *v.SalePrice < 0 {
		return model.Sale{}, fmt.Errorf("work.sold: salePrice %v is negative", float64(*v.SalePrice))
	}
	if v.RoyaltyAmount != nil && *v.RoyaltyAmount < 0 {
		return model.Sale{}, fmt.Errorf("work.sold: royaltyAmount %v is negative", float64(*v.RoyaltyAmount))
	}
	currency := v.Currency
	if currency == "" {
		currency = model.DefaultCurrency
	}
	return model.Sale{
		EventID:       ev.EventID,
		WorkID:        v.WorkID,
		AgentID:       ev.AgentID,
		SalePrice:     float64(*v.SalePrice),
		Currency:      currency,
		BuyerID:       v.BuyerID,
		Platform:      v.Platform,
		RoyaltyAmount: v.RoyaltyAmount.Ptr(),
		TxHash:        v.TxHash,
		BlockNumber:   v.BlockNumber.Ptr(),
		GasUsed:       v.GasUsed.Ptr(),
		SoldAt:        ev.Timestamp,
	}, nil
}

func (p *Processor) notify(ctx context.Context, ev model.Event, status model.EventStatus, attempts int, msg string, logger *slog.Logger) {
	err := p.store.NotifyEvent(ctx, storage.EventNotification{
		EventID:   ev.EventID,
		Type:      ev.Type,
		AgentID:   ev.AgentID,
		Status:    string(status),
		Attempts:  attempts,
		Error:     msg,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		logger.Warn("processor: notify event status", "error", err)
	}
}

func (p *Processor) record(ctx context.Context, eventType, outcome string) {
	if p.processed == nil {
		return
	}
	if !slices.Contains(model.KnownEventTypes, eventType) {
		eventType = "other"
	}
	p.processed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("outcome", outcome),
	))
}
