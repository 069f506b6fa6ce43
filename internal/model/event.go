package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventStatus is the processing state of a webhook event.
type EventStatus string

const (
	EventPending    EventStatus = "PENDING"
	EventProcessing EventStatus = "PROCESSING"
	EventCompleted  EventStatus = "COMPLETED"
	EventFailed     EventStatus = "FAILED"
)

// CanTransition reports whether an event may move from one status to another.
//
//	PENDING    -> PROCESSING
//	PROCESSING -> COMPLETED | FAILED
//	FAILED     -> PROCESSING (queue retry)
//
// Nothing returns to PENDING and COMPLETED is terminal.
func CanTransition(from, to EventStatus) bool {
	switch from {
	case EventPending:
		return to == EventProcessing
	case EventProcessing:
		return to == EventCompleted || to == EventFailed
	case EventFailed:
		return to == EventProcessing
	}
	return false
}

// Event is one durably recorded webhook delivery. EventID is the external
// idempotency key.
type Event struct {
	ID           uuid.UUID       `json:"id"`
	EventID      string          `json:"event_id"`
	Type         string          `json:"type"`
	AgentID      uuid.UUID       `json:"agent_id"`
	Payload      json.RawMessage `json:"payload"`
	Metadata     EventMetadata   `json:"metadata"`
	Status       EventStatus     `json:"status"`
	Attempts     int             `json:"attempts"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	ProcessedAt  *time.Time      `json:"processed_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// EventMetadata records the provenance of an event.
type EventMetadata struct {
	Source          string `json:"source"`
	OriginalAgentID string `json:"originalAgentId"`
}

// EventStatusCounts is the number of events in each status.
type EventStatusCounts struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
}

// Total returns the sum over all statuses.
func (c EventStatusCounts) Total() int64 {
	return c.Pending + c.Processing + c.Completed + c.Failed
}

// EventErrorSummary groups failed events by type.
type EventErrorSummary struct {
	Type      string    `json:"type"`
	Count     int64     `json:"count"`
	LastError string    `json:"last_error"`
	LastSeen  time.Time `json:"last_seen"`
}

// EventWindowStats summarises events created within a recent window.
type EventWindowStats struct {
	Total     int64 `json:"total"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// SuccessRate returns the completed percentage, or 100 when the window is empty.
func (s EventWindowStats) SuccessRate() float64 {
	if s.Total == 0 {
		return 100
	}
	return float64(s.Completed) / float64(s.Total) * 100
}
