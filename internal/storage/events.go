package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/eden3/eden3/internal/model"
)

const eventColumns = `id, event_id, type, agent_id, payload, metadata, status, attempts,
	error_message, timestamp, processed_at, created_at, updated_at`

func eventScanArgs(e *model.Event) []any {
	return []any{
		&e.ID, &e.EventID, &e.Type, &e.AgentID, &e.Payload, &e.Metadata, &e.Status, &e.Attempts,
		&e.ErrorMessage, &e.Timestamp, &e.ProcessedAt, &e.CreatedAt, &e.UpdatedAt,
	}
}

func scanEvents(rows pgx.Rows) ([]model.Event, error) {
	defer rows.Close()
	var events []model.Event
	for rows.Next() {
		var e model.Event
		if err := rows.Scan(eventScanArgs(&e)...); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// CreateEventWithJob records a PENDING event and its processing job in one
// transaction. The events.event_id unique index decides duplicates: when the
// insert affects no row, nothing is written and ErrDuplicateEvent is returned.
func (db *DB) CreateEventWithJob(ctx context.Context, event model.Event, job model.Job) (model.Event, error) {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	now := time.Now().UTC()
	event.CreatedAt = now
	event.UpdatedAt = now
	event.Status = model.EventPending
	event.Attempts = 0

	err := db.InTx(ctx, func(tx *Tx) error {
		tag, err := tx.tx.Exec(ctx,
			`INSERT INTO events (id, event_id, type, agent_id, payload, metadata, status, attempts,
			                     timestamp, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $10)
			 ON CONFLICT (event_id) DO NOTHING`,
			event.ID, event.EventID, event.Type, event.AgentID, []byte(event.Payload), event.Metadata,
			string(event.Status), event.Timestamp, event.CreatedAt, event.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("storage: insert event: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("storage: event %s: %w", event.EventID, ErrDuplicateEvent)
		}
		return tx.InsertJob(ctx, job)
	})
	if err != nil {
		return model.Event{}, err
	}
	return event, nil
}

// BeginProcessing moves an event into PROCESSING and returns it. PENDING and
// FAILED events transition; an event already PROCESSING (a stalled job being
// re-delivered) is returned unchanged. A COMPLETED event returns
// ErrEventCompleted.
func (db *DB) BeginProcessing(ctx context.Context, eventID string) (model.Event, error) {
	var e model.Event
	err := db.pool.QueryRow(ctx,
		`UPDATE events SET status = 'PROCESSING', updated_at = now()
		 WHERE event_id = $1 AND status IN ('PENDING', 'FAILED', 'PROCESSING')
		 RETURNING `+eventColumns,
		eventID,
	).Scan(eventScanArgs(&e)...)
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.Event{}, fmt.Errorf("storage: begin processing: %w", err)
	}

	existing, err := db.GetEvent(ctx, eventID)
	if err != nil {
		return model.Event{}, err
	}
	if existing.Status == model.EventCompleted {
		return existing, fmt.Errorf("storage: event %s: %w", eventID, ErrEventCompleted)
	}
	return model.Event{}, fmt.Errorf("storage: event %s in unexpected status %s", eventID, existing.Status)
}

// CompleteEvent marks a PROCESSING event COMPLETED inside tx.
func (tx *Tx) CompleteEvent(ctx context.Context, eventID string) error {
	tag, err := tx.tx.Exec(ctx,
		`UPDATE events
		 SET status = 'COMPLETED', error_message = NULL, processed_at = now(), updated_at = now()
		 WHERE event_id = $1 AND status = 'PROCESSING'`,
		eventID,
	)
	if err != nil {
		return fmt.Errorf("storage: complete event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: complete event %s: not processing", eventID)
	}
	return nil
}

// FailEvent marks a PROCESSING event FAILED, records msg and increments
// attempts. It returns the new attempt count.
func (db *DB) FailEvent(ctx context.Context, eventID, msg string) (int, error) {
	var attempts int
	err := db.pool.QueryRow(ctx,
		`UPDATE events
		 SET status = 'FAILED', attempts = attempts + 1, error_message = $2, updated_at = now()
		 WHERE event_id = $1 AND status = 'PROCESSING'
		 RETURNING attempts`,
		eventID, msg,
	).Scan(&attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("storage: fail event %s: %w", eventID, ErrNotFound)
		}
		return 0, fmt.Errorf("storage: fail event: %w", err)
	}
	return attempts, nil
}

// GetEvent retrieves an event by its external event_id.
func (db *DB) GetEvent(ctx context.Context, eventID string) (model.Event, error) {
	var e model.Event
	err := db.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM events WHERE event_id = $1`, eventID,
	).Scan(eventScanArgs(&e)...)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Event{}, fmt.Errorf("storage: event %s: %w", eventID, ErrNotFound)
		}
		return model.Event{}, fmt.Errorf("storage: get event: %w", err)
	}
	return e, nil
}

// ListAgentEvents returns an agent's events, newest first.
// limit is clamped to [1, 200] with a default of 50.
func (db *DB) ListAgentEvents(ctx context.Context, agentID uuid.UUID, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE agent_id = $1 ORDER BY timestamp DESC LIMIT $2`,
		agentID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list agent events: %w", err)
	}
	return scanEvents(rows)
}

// ListRecentEvents returns the most recently received events across all agents.
func (db *DB) ListRecentEvents(ctx context.Context, limit int) ([]model.Event, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM events ORDER BY created_at DESC LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list recent events: %w", err)
	}
	return scanEvents(rows)
}

// CountEventsByStatus returns the number of events in each status.
func (db *DB) CountEventsByStatus(ctx context.Context) (model.EventStatusCounts, error) {
	var c model.EventStatusCounts
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FILTER (WHERE status = 'PENDING'),
		        COUNT(*) FILTER (WHERE status = 'PROCESSING'),
		        COUNT(*) FILTER (WHERE status = 'COMPLETED'),
		        COUNT(*) FILTER (WHERE status = 'FAILED')
		 FROM events`,
	).Scan(&c.Pending, &c.Processing, &c.Completed, &c.Failed)
	if err != nil {
		return model.EventStatusCounts{}, fmt.Errorf("storage: count events by status: %w", err)
	}
	return c, nil
}

// SummarizeEventErrors groups FAILED events by type, most frequent first.
func (db *DB) SummarizeEventErrors(ctx context.Context, limit int) ([]model.EventErrorSummary, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT type, COUNT(*),
		        (ARRAY_AGG(COALESCE(error_message, '') ORDER BY updated_at DESC))[1],
		        MAX(updated_at)
		 FROM events
		 WHERE status = 'FAILED'
		 GROUP BY type
		 ORDER BY COUNT(*) DESC, type ASC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: summarize event errors: %w", err)
	}
	defer rows.Close()

	var out []model.EventErrorSummary
	for rows.Next() {
		var s model.EventErrorSummary
		if err := rows.Scan(&s.Type, &s.Count, &s.LastError, &s.LastSeen); err != nil {
			return nil, fmt.Errorf("storage: scan error summary: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// EventWindowStats counts events received since the given time.
func (db *DB) EventWindowStats(ctx context.Context, since time.Time) (model.EventWindowStats, error) {
	var s model.EventWindowStats
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE status = 'COMPLETED'),
		        COUNT(*) FILTER (WHERE status = 'FAILED')
		 FROM events WHERE created_at >= $1`,
		since,
	).Scan(&s.Total, &s.Completed, &s.Failed)
	if err != nil {
		return model.EventWindowStats{}, fmt.Errorf("storage: event window stats: %w", err)
	}
	return s, nil
}
