package model

import (
	"time"

	"github.com/google/uuid"
)

// The fact tables below are append-only. Each row carries the EventID that
// produced it so redelivery of the same event cannot insert twice.

// TrainingSession records one training session for an agent.
type TrainingSession struct {
	ID            string    `json:"id"`
	EventID       string    `json:"event_id"`
	AgentID       uuid.UUID `json:"agent_id"`
	TrainerID     *string   `json:"trainer_id,omitempty"`
	SessionType   *string   `json:"session_type,omitempty"`
	Duration      *int64    `json:"duration,omitempty"`
	FeedbackScore *float64  `json:"feedback_score,omitempty"`
	Improvements  []string  `json:"improvements"`
	Notes         *string   `json:"notes,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Mention records one social media mention of an agent.
type Mention struct {
	ID        uuid.UUID `json:"id"`
	EventID   string    `json:"event_id"`
	AgentID   uuid.UUID `json:"agent_id"`
	Platform  *string   `json:"platform,omitempty"`
	Author    *string   `json:"author,omitempty"`
	Content   *string   `json:"content,omitempty"`
	URL       *string   `json:"url,omitempty"`
	Sentiment *string   `json:"sentiment,omitempty"`
	Reach     *int64    `json:"reach,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Collaboration records a collaboration between an agent and a partner.
type Collaboration struct {
	ID             uuid.UUID `json:"id"`
	EventID        string    `json:"event_id"`
	AgentID        uuid.UUID `json:"agent_id"`
	PartnerAgentID *string   `json:"partner_agent_id,omitempty"`
	Type           *string   `json:"type,omitempty"`
	Description    *string   `json:"description,omitempty"`
	WorkID         *string   `json:"work_id,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// QualityEvaluation records one quality score (0-100) for an agent.
type QualityEvaluation struct {
	ID          uuid.UUID `json:"id"`
	EventID     string    `json:"event_id"`
	AgentID     uuid.UUID `json:"agent_id"`
	Score       float64   `json:"score"`
	EvaluatorID *string   `json:"evaluator_id,omitempty"`
	Notes       *string   `json:"notes,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}
