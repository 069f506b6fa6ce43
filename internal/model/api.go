package model

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// MaxSlugLen bounds agent slugs accepted from callers.
const MaxSlugLen = 128

var slugPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateSlug checks that s is usable as an agent slug or agent reference.
func ValidateSlug(s string) error {
	if s == "" {
		return fmt.Errorf("slug is required")
	}
	if len(s) > MaxSlugLen {
		return fmt.Errorf("slug exceeds maximum length of %d characters", MaxSlugLen)
	}
	if !slugPattern.MatchString(s) {
		return fmt.Errorf("slug %q contains invalid characters", s)
	}
	return nil
}

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   *int         `json:"total,omitempty"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// WebhookAccepted is the response body of POST /webhook. It keeps the
// {success, message, data} shape webhook senders already parse.
type WebhookAccepted struct {
	Success bool          `json:"success"`
	Message string        `json:"message"`
	Data    WebhookResult `json:"data"`
}

// WebhookResult identifies the queued event.
type WebhookResult struct {
	EventID   string    `json:"eventId"`
	JobID     string    `json:"jobId"`
	Timestamp time.Time `json:"timestamp"`
}

// WebhookStats is the response for GET /webhook-stats.
type WebhookStats struct {
	Counts       EventStatusCounts   `json:"counts"`
	Total        int64               `json:"total"`
	RecentEvents []Event             `json:"recent_events"`
	Errors       []EventErrorSummary `json:"errors"`
	Queue        QueueCounts         `json:"queue"`
}

// Webhook health states.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

// HealthForSuccessRate classifies a success percentage.
func HealthForSuccessRate(rate float64) string {
	switch {
	case rate > 95:
		return HealthHealthy
	case rate > 85:
		return HealthDegraded
	default:
		return HealthUnhealthy
	}
}

// WebhookHealth is the response for GET /webhook-stats/health.
type WebhookHealth struct {
	Status          string           `json:"status"`
	SuccessRate     float64          `json:"success_rate"`
	EventsPerMinute float64          `json:"events_per_minute"`
	LastHour        EventWindowStats `json:"last_hour"`
	Queue           QueueHealth      `json:"queue"`
}

// QueueHealth summarises the processing queue.
type QueueHealth struct {
	Healthy bool        `json:"healthy"`
	Counts  QueueCounts `json:"counts"`
}

// AgentStats is the response for GET /v1/agents/{slug}/stats.
type AgentStats struct {
	Slug      string     `json:"slug"`
	Name      string     `json:"name"`
	KQuality  float64    `json:"k_quality"`
	KRevenue  float64    `json:"k_revenue"`
	KMentions int64      `json:"k_mentions"`
	KPIs      *AgentKPIs `json:"kpis,omitempty"`
}

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	APIKey string `json:"api_key"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RecalculateRequest is the request body for POST /admin/kpis/recalculate.
// An empty AgentSlug recomputes every agent.
type RecalculateRequest struct {
	AgentSlug string `json:"agent_slug,omitempty"`
}

// RecalculateResponse reports how many agents were recomputed.
type RecalculateResponse struct {
	Recalculated int `json:"recalculated"`
}

// DetailedHealth is the response for GET /health/detailed.
type DetailedHealth struct {
	Status    string         `json:"status"`
	Version   string         `json:"version"`
	Uptime    int64          `json:"uptime_seconds"`
	Timestamp time.Time      `json:"timestamp"`
	Database  DatabaseHealth `json:"database"`
	Webhooks  *WebhookHealth `json:"webhooks,omitempty"`
	SSEBroker string         `json:"sse_broker,omitempty"`
	System    SystemHealth   `json:"system"`
}

// DatabaseHealth reports Postgres reachability and pool usage.
type DatabaseHealth struct {
	Status         string  `json:"status"`
	ResponseTimeMs float64 `json:"response_time_ms"`
	AcquiredConns  int32   `json:"acquired_conns"`
	IdleConns      int32   `json:"idle_conns"`
	TotalConns     int32   `json:"total_conns"`
	MaxConns       int32   `json:"max_conns"`
}

// SystemHealth reports process-level figures.
type SystemHealth struct {
	GoVersion  string `json:"go_version"`
	Goroutines int    `json:"goroutines"`
	HeapBytes  uint64 `json:"heap_bytes"`
}

// RubricRequest is the request body for POST /admin/agents/{slug}/rubric.
type RubricRequest struct {
	Score       *float64 `json:"score"`
	EvaluatorID *string  `json:"evaluator_id,omitempty"`
	Notes       *string  `json:"notes,omitempty"`
}

// RubricResponse reports the recorded evaluation and the recomputed KPIs.
type RubricResponse struct {
	AgentID     uuid.UUID `json:"agent_id"`
	Score       float64   `json:"score"`
	EvaluatorID *string   `json:"evaluator_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	KPIs        AgentKPIs `json:"kpis"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Postgres  string `json:"postgres"`
	SSEBroker string `json:"sse_broker,omitempty"`
	Uptime    int64  `json:"uptime_seconds"`
}
