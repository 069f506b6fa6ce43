package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/eden3/eden3/internal/model"
)

const workColumns = `id, agent_id, title, description, content, content_type, content_metadata, medium,
	tags, content_url, thumbnail_url, ai_model, prompt_used, generation_time, status, visibility,
	quality, sale_price, currency, buyer_id, platform, views, likes, gross_revenue, net_revenue,
	created_at, published_at, sold_at`

// InsertWork records a new work. An id that already exists returns
// ErrDuplicateID; redelivery of the same event never reaches here because
// completed events are skipped.
func (tx *Tx) InsertWork(ctx context.Context, w model.Work) error {
	if w.Tags == nil {
		w.Tags = []string{}
	}
	var contentMetadata any
	if len(w.ContentMetadata) > 0 {
		contentMetadata = []byte(w.ContentMetadata)
	}
	_, err := tx.tx.Exec(ctx,
		`INSERT INTO works (id, agent_id, title, description, content, content_type, content_metadata,
		                    medium, tags, content_url, thumbnail_url, ai_model, prompt_used,
		                    generation_time, status, visibility, created_at, published_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		w.ID, w.AgentID, w.Title, w.Description, w.Content, string(w.ContentType), contentMetadata,
		w.Medium, w.Tags, w.ContentURL, w.ThumbnailURL, w.AIModel, w.PromptUsed,
		w.GenerationTime, string(w.Status), w.Visibility, w.CreatedAt, w.PublishedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("storage: work %s: %w", w.ID, ErrDuplicateID)
	}
	if err != nil {
		return fmt.Errorf("storage: insert work: %w", err)
	}
	return nil
}

// MarkWorkSold transitions a work owned by the sale's agent to SOLD and
// records price, buyer and revenue. sale_price, sold_at and gross_revenue are
// written together.
func (tx *Tx) MarkWorkSold(ctx context.Context, sale model.Sale) error {
	tag, err := tx.tx.Exec(ctx,
		`UPDATE works
		 SET status = 'SOLD', sale_price = $3, currency = $4, buyer_id = $5, platform = $6,
		     sold_at = $7, gross_revenue = $8, net_revenue = $9
		 WHERE id = $1 AND agent_id = $2`,
		sale.WorkID, sale.AgentID, sale.SalePrice, sale.Currency, sale.BuyerID, sale.Platform,
		sale.SoldAt, sale.GrossRevenue(), sale.NetRevenue(),
	)
	if err != nil {
		return fmt.Errorf("storage: mark work sold: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: work %s: %w", sale.WorkID, ErrNotFound)
	}
	return nil
}

// InsertTransaction records a transaction. The event_id unique constraint
// keeps a redelivered work.sold from writing a second row.
func (tx *Tx) InsertTransaction(ctx context.Context, t model.Transaction) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	_, err := tx.tx.Exec(ctx,
		`INSERT INTO transactions (id, event_id, work_id, type, amount, currency, buyer_id, platform,
		                           royalty_amount, tx_hash, block_number, gas_used, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (event_id) DO NOTHING`,
		t.ID, t.EventID, t.WorkID, t.Type, t.Amount, t.Currency, t.BuyerID, t.Platform,
		t.RoyaltyAmount, t.TxHash, t.BlockNumber, t.GasUsed, t.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("storage: insert transaction: %w", err)
	}
	return nil
}

// GetWork retrieves a work by id.
func (db *DB) GetWork(ctx context.Context, id string) (model.Work, error) {
	rows, err := db.pool.Query(ctx, `SELECT `+workColumns+` FROM works WHERE id = $1`, id)
	if err != nil {
		return model.Work{}, fmt.Errorf("storage: get work: %w", err)
	}
	works, err := scanWorks(rows)
	if err != nil {
		return model.Work{}, err
	}
	if len(works) == 0 {
		return model.Work{}, fmt.Errorf("storage: work %s: %w", id, ErrNotFound)
	}
	return works[0], nil
}

// ListAgentWorks returns an agent's works, newest first.
// limit is clamped to [1, 100] with a default of 20.
func (db *DB) ListAgentWorks(ctx context.Context, agentID uuid.UUID, f model.WorkFilter) ([]model.Work, error) {
	if f.Limit <= 0 {
		f.Limit = 20
	}
	if f.Limit > 100 {
		f.Limit = 100
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+workColumns+` FROM works
		 WHERE agent_id = $1 AND ($2::text = '' OR medium = $2)
		 ORDER BY created_at DESC
		 LIMIT $3 OFFSET $4`,
		agentID, f.Medium, f.Limit, f.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list agent works: %w", err)
	}
	return scanWorks(rows)
}

// ListWorkTransactions returns the transactions recorded against a work.
func (db *DB) ListWorkTransactions(ctx context.Context, workID string) ([]model.Transaction, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, event_id, work_id, type, amount, currency, buyer_id, platform,
		        royalty_amount, tx_hash, block_number, gas_used, timestamp
		 FROM transactions WHERE work_id = $1 ORDER BY timestamp ASC`,
		workID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list work transactions: %w", err)
	}
	defer rows.Close()

	var out []model.Transaction
	for rows.Next() {
		var t model.Transaction
		if err := rows.Scan(
			&t.ID, &t.EventID, &t.WorkID, &t.Type, &t.Amount, &t.Currency, &t.BuyerID, &t.Platform,
			&t.RoyaltyAmount, &t.TxHash, &t.BlockNumber, &t.GasUsed, &t.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("storage: scan transaction: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanWorks(rows pgx.Rows) ([]model.Work, error) {
	defer rows.Close()
	var works []model.Work
	for rows.Next() {
		var w model.Work
		var contentMetadata []byte
		if err := rows.Scan(
			&w.ID, &w.AgentID, &w.Title, &w.Description, &w.Content, &w.ContentType, &contentMetadata,
			&w.Medium, &w.Tags, &w.ContentURL, &w.ThumbnailURL, &w.AIModel, &w.PromptUsed,
			&w.GenerationTime, &w.Status, &w.Visibility, &w.Quality, &w.SalePrice, &w.Currency,
			&w.BuyerID, &w.Platform, &w.Views, &w.Likes, &w.GrossRevenue, &w.NetRevenue,
			&w.CreatedAt, &w.PublishedAt, &w.SoldAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan work: %w", err)
		}
		w.ContentMetadata = contentMetadata
		works = append(works, w)
	}
	return works, rows.Err()
}
