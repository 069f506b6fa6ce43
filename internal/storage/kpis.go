package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/eden3/eden3/internal/model"
)

// LoadKPISources reads every aggregate that feeds an agent's KPIs in a single
// statement, so all values come from one snapshot of the fact tables.
func (tx *Tx) LoadKPISources(ctx context.Context, agentID uuid.UUID) (model.KPISources, error) {
	var s model.KPISources
	err := tx.tx.QueryRow(ctx,
		`SELECT
		   (SELECT COUNT(*) FROM works WHERE agent_id = $1 AND status IN ('PUBLISHED', 'SOLD')),
		   (SELECT COUNT(*) FROM works WHERE agent_id = $1 AND status = 'SOLD'),
		   (SELECT SUM(gross_revenue) FROM works WHERE agent_id = $1 AND status = 'SOLD'),
		   (SELECT AVG(score) FROM quality_evaluations WHERE agent_id = $1),
		   (SELECT COUNT(*) FROM mentions WHERE agent_id = $1),
		   (SELECT COUNT(*) FROM training_sessions WHERE agent_id = $1),
		   (SELECT COUNT(*) FROM collaborations WHERE agent_id = $1),
		   (SELECT MAX(timestamp) FROM events WHERE agent_id = $1),
		   (SELECT MAX(timestamp) FROM training_sessions WHERE agent_id = $1)`,
		agentID,
	).Scan(
		&s.PublishedOrSoldWorks, &s.SoldWorks, &s.SoldGrossRevenue, &s.AverageScore,
		&s.Mentions, &s.TrainingSessions, &s.Collaborations, &s.LastEventAt, &s.LastTrainingAt,
	)
	if err != nil {
		return model.KPISources{}, fmt.Errorf("storage: load kpi sources: %w", err)
	}
	return s, nil
}

// WriteKPIs upserts the agent_kpis row and copies the denormalized summary
// onto the agent inside tx. Both writes commit or neither does.
func (tx *Tx) WriteKPIs(ctx context.Context, k model.AgentKPIs) error {
	if _, err := tx.tx.Exec(ctx,
		`INSERT INTO agent_kpis (agent_id, total_works, total_revenue, total_sales, average_rating,
		                         social_mentions, total_training_sessions, total_collaborations,
		                         last_activity, last_training, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (agent_id) DO UPDATE SET
		   total_works = EXCLUDED.total_works,
		   total_revenue = EXCLUDED.total_revenue,
		   total_sales = EXCLUDED.total_sales,
		   average_rating = EXCLUDED.average_rating,
		   social_mentions = EXCLUDED.social_mentions,
		   total_training_sessions = EXCLUDED.total_training_sessions,
		   total_collaborations = EXCLUDED.total_collaborations,
		   last_activity = EXCLUDED.last_activity,
		   last_training = EXCLUDED.last_training,
		   updated_at = EXCLUDED.updated_at`,
		k.AgentID, k.TotalWorks, k.TotalRevenue, k.TotalSales, k.AverageRating,
		k.SocialMentions, k.TotalTrainingSessions, k.TotalCollaborations,
		k.LastActivity, k.LastTraining, k.UpdatedAt,
	); err != nil {
		return fmt.Errorf("storage: upsert agent kpis: %w", err)
	}

	tag, err := tx.tx.Exec(ctx,
		`UPDATE agents SET k_quality = $2, k_revenue = $3, k_mentions = $4, updated_at = $5
		 WHERE id = $1`,
		k.AgentID, k.AverageRating, k.TotalRevenue, k.SocialMentions, k.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: update agent kpi summary: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: agent %s: %w", k.AgentID, ErrNotFound)
	}
	return nil
}

// GetAgentKPIs returns the stored KPI row for an agent.
func (db *DB) GetAgentKPIs(ctx context.Context, agentID uuid.UUID) (model.AgentKPIs, error) {
	var k model.AgentKPIs
	err := db.pool.QueryRow(ctx,
		`SELECT `+kpiColumns+` FROM agent_kpis k WHERE k.agent_id = $1`, agentID,
	).Scan(
		&k.AgentID, &k.TotalWorks, &k.TotalRevenue, &k.TotalSales, &k.AverageRating,
		&k.SocialMentions, &k.TotalTrainingSessions, &k.TotalCollaborations, &k.LastActivity,
		&k.LastTraining, &k.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AgentKPIs{}, fmt.Errorf("storage: kpis for %s: %w", agentID, ErrNotFound)
		}
		return model.AgentKPIs{}, fmt.Errorf("storage: get agent kpis: %w", err)
	}
	return k, nil
}
