package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/eden3/eden3/internal/model"
)

// Fact inserts use ON CONFLICT (event_id) DO NOTHING so the unique event_id
// on each table absorbs redelivery of the event that produced the row. Any
// other key collision is an error.

// InsertTrainingSession records a training session. An empty ID is replaced
// with a generated one.
func (tx *Tx) InsertTrainingSession(ctx context.Context, s model.TrainingSession) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Improvements == nil {
		s.Improvements = []string{}
	}
	_, err := tx.tx.Exec(ctx,
		`INSERT INTO training_sessions (id, event_id, agent_id, trainer_id, session_type, duration,
		                                feedback_score, improvements, notes, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (event_id) DO NOTHING`,
		s.ID, s.EventID, s.AgentID, s.TrainerID, s.SessionType, s.Duration,
		s.FeedbackScore, s.Improvements, s.Notes, s.Timestamp,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("storage: training session %s: %w", s.ID, ErrDuplicateID)
	}
	if err != nil {
		return fmt.Errorf("storage: insert training session: %w", err)
	}
	return nil
}

// InsertMention records a social mention.
func (tx *Tx) InsertMention(ctx context.Context, m model.Mention) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	_, err := tx.tx.Exec(ctx,
		`INSERT INTO mentions (id, event_id, agent_id, platform, author, content, url, sentiment, reach, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (event_id) DO NOTHING`,
		m.ID, m.EventID, m.AgentID, m.Platform, m.Author, m.Content, m.URL, m.Sentiment, m.Reach, m.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("storage: insert mention: %w", err)
	}
	return nil
}

// InsertCollaboration records a collaboration.
func (tx *Tx) InsertCollaboration(ctx context.Context, c model.Collaboration) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	_, err := tx.tx.Exec(ctx,
		`INSERT INTO collaborations (id, event_id, agent_id, partner_agent_id, type, description, work_id, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (event_id) DO NOTHING`,
		c.ID, c.EventID, c.AgentID, c.PartnerAgentID, c.Type, c.Description, c.WorkID, c.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("storage: insert collaboration: %w", err)
	}
	return nil
}

// InsertQualityEvaluation records a quality evaluation.
func (tx *Tx) InsertQualityEvaluation(ctx context.Context, q model.QualityEvaluation) error {
	if q.ID == uuid.Nil {
		q.ID = uuid.New()
	}
	_, err := tx.tx.Exec(ctx,
		`INSERT INTO quality_evaluations (id, event_id, agent_id, score, evaluator_id, notes, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (event_id) DO NOTHING`,
		q.ID, q.EventID, q.AgentID, q.Score, q.EvaluatorID, q.Notes, q.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("storage: insert quality evaluation: %w", err)
	}
	return nil
}
