// Package intake accepts webhook deliveries, records them durably, and
// enqueues them for asynchronous processing.
//
// Intake never mutates business data. It authenticates the body, resolves
// the agent, and writes the PENDING event together with its queue job in one
// transaction. Duplicate deliveries are detected by the unique event_id
// index, not by a prior lookup.
package intake

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/eden3/eden3/internal/model"
	"github.com/eden3/eden3/internal/signature"
	"github.com/eden3/eden3/internal/storage"
	"github.com/eden3/eden3/internal/telemetry"
)

var (
	// ErrMissingField is returned when a required header or payload field is absent.
	ErrMissingField = errors.New("missing required field")

	// ErrInvalidPayload is returned when the body is not a usable JSON object.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrInvalidSignature is returned when the HMAC signature does not match.
	ErrInvalidSignature = errors.New("invalid HMAC signature")

	// ErrAgentNotFound is returned when no resolution step finds the agent.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrEventAlreadyProcessed is returned for a repeated event id.
	ErrEventAlreadyProcessed = errors.New("event already processed")
)

// DefaultMaxAttempts is the processing attempt budget of a new job.
const DefaultMaxAttempts = 3

// Store is the persistence intake needs. *storage.DB implements it.
type Store interface {
	AgentLookup
	CreateEventWithJob(ctx context.Context, event model.Event, job model.Job) (model.Event, error)
}

// Request is one webhook delivery.
type Request struct {
	EventID   string
	EventType string
	// Payload is the JSON body. RawBody is the same body exactly as received
	// and is what the signature covers.
	Payload       json.RawMessage
	RawBody       []byte
	Signature     string
	Source        string
	SkipSignature bool
}

// Result identifies the queued event.
type Result struct {
	EventID   string
	JobID     string
	Timestamp time.Time
}

// envelope is the part of every payload intake reads itself.
type envelope struct {
	AgentID   string `json:"agentId"`
	Timestamp string `json:"timestamp"`
}

// Config tunes the intake service.
type Config struct {
	// Queue names the job queue; it must match the worker's.
	Queue       string
	MaxAttempts int
	// OnEnqueue is called after a job is committed, e.g. to wake the worker.
	OnEnqueue func()
}

// Service implements webhook intake.
type Service struct {
	store    Store
	verifier *signature.Verifier
	resolver *Resolver
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	received metric.Int64Counter
}

// New creates an intake Service.
func New(store Store, verifier *signature.Verifier, resolver *Resolver, cfg Config, logger *slog.Logger) *Service {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Queue == "" {
		cfg.Queue = model.EventsQueue
	}
	received, _ := telemetry.Meter("eden3/intake").Int64Counter("eden3.webhook.received",
		metric.WithDescription("Webhook deliveries by outcome"),
	)
	return &Service{
		store:    store,
		verifier: verifier,
		resolver: resolver,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		received: received,
	}
}

// Intake validates and records one delivery. On success the event is PENDING
// and its job is queued; no business mutation has happened yet.
func (s *Service) Intake(ctx context.Context, req Request) (Result, error) {
	res, err := s.intake(ctx, req)
	s.record(ctx, req.EventType, err)
	return res, err
}

func (s *Service) intake(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.EventID) == "" {
		return Result{}, fmt.Errorf("event id: %w", ErrMissingField)
	}
	if strings.TrimSpace(req.EventType) == "" {
		return Result{}, fmt.Errorf("event type: %w", ErrMissingField)
	}
	source := req.Source
	if source == "" {
		source = model.SourceNative
	}

	if !req.SkipSignature {
		body := req.RawBody
		if body == nil {
			body = req.Payload
		}
		if req.Signature == "" || !s.verifier.Verify(body, req.Signature) {
			return Result{}, ErrInvalidSignature
		}
	}

	env, ts, err := s.parseEnvelope(req.Payload)
	if err != nil {
		return Result{}, err
	}

	agent, step, err := s.resolver.Resolve(ctx, env.AgentID, source)
	if err != nil {
		return Result{}, err
	}

	event := model.Event{
		EventID: req.EventID,
		Type:    req.EventType,
		AgentID: agent.ID,
		Payload: req.Payload,
		Metadata: model.EventMetadata{
			Source:          source,
			OriginalAgentID: env.AgentID,
		},
		Timestamp: ts,
	}
	job := model.Job{
		ID:             model.JobIDFor(req.EventID),
		Queue:          s.cfg.Queue,
		EventID:        req.EventID,
		EventType:      req.EventType,
		AgentRef:       env.AgentID,
		Payload:        req.Payload,
		EventTimestamp: ts,
		MaxAttempts:    s.cfg.MaxAttempts,
	}

	if _, err := s.store.CreateEventWithJob(ctx, event, job); err != nil {
		if errors.Is(err, storage.ErrDuplicateEvent) {
			s.logger.Warn("intake: duplicate event", "event_id", req.EventID, "event_type", req.EventType)
			return Result{}, fmt.Errorf("event %s: %w", req.EventID, ErrEventAlreadyProcessed)
		}
		return Result{}, fmt.Errorf("intake: record event: %w", err)
	}

	if s.cfg.OnEnqueue != nil {
		s.cfg.OnEnqueue()
	}

	s.logger.Info("intake: event queued",
		"event_id", req.EventID,
		"event_type", req.EventType,
		"agent_id", agent.ID,
		"agent_ref", env.AgentID,
		"resolved_by", step,
		"source", source,
		"job_id", job.ID,
	)
	return Result{EventID: req.EventID, JobID: job.ID, Timestamp: ts}, nil
}

// parseEnvelope requires a JSON object with a non-empty agentId. The optional
// timestamp must be RFC 3339 and defaults to now.
func (s *Service) parseEnvelope(payload json.RawMessage) (envelope, time.Time, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return envelope{}, time.Time{}, fmt.Errorf("payload must be a JSON object: %w", ErrInvalidPayload)
	}
	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return envelope{}, time.Time{}, fmt.Errorf("payload: %v: %w", err, ErrInvalidPayload)
	}
	if strings.TrimSpace(env.AgentID) == "" {
		return envelope{}, time.Time{}, fmt.Errorf("agentId in payload: %w", ErrMissingField)
	}
	if err := model.ValidateSlug(env.AgentID); err != nil {
		return envelope{}, time.Time{}, fmt.Errorf("agentId: %v: %w", err, ErrInvalidPayload)
	}
	if env.Timestamp == "" {
		return env, s.now().UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339Nano, env.Timestamp)
	if err != nil {
		return envelope{}, time.Time{}, fmt.Errorf("timestamp %q is not RFC 3339: %w", env.Timestamp, ErrInvalidPayload)
	}
	return env, ts.UTC(), nil
}

func (s *Service) record(ctx context.Context, eventType string, err error) {
	if s.received == nil {
		return
	}
	outcome := "accepted"
	switch {
	case err == nil:
	case errors.Is(err, ErrInvalidSignature):
		outcome = "unauthorized"
	case errors.Is(err, ErrEventAlreadyProcessed):
		outcome = "duplicate"
	case errors.Is(err, ErrAgentNotFound):
		outcome = "agent_not_found"
	case errors.Is(err, ErrMissingField), errors.Is(err, ErrInvalidPayload):
		outcome = "invalid"
	default:
		outcome = "error"
	}
	if !slices.Contains(model.KnownEventTypes, eventType) {
		eventType = "other"
	}
	s.received.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("outcome", outcome),
	))
}
