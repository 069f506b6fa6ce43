package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/eden3/eden3/internal/model"
	"github.com/eden3/eden3/internal/service/intake"
)

// Webhook headers.
const (
	headerEventID   = "X-Eden-Event-Id"
	headerEventType = "X-Eden-Event-Type"
	headerSignature = "X-Eden-Signature"
	headerSource    = "X-Eden-Source"
)

const (
	testEventType = "test.event"
	msgQueued     = "Event queued for processing"
	msgTestQueued = "Test event queued for processing"
)

// HandleWebhook handles POST /webhook.
func (h *Handlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		handleDecodeError(w, r, err)
		return
	}

	res, err := h.intake.Intake(r.Context(), intake.Request{
		EventID:   r.Header.Get(headerEventID),
		EventType: r.Header.Get(headerEventType),
		Payload:   json.RawMessage(body),
		RawBody:   body,
		Signature: r.Header.Get(headerSignature),
		Source:    requestSource(r),
	})
	if err != nil {
		h.writeIntakeError(w, r, err)
		return
	}
	writeRaw(w, http.StatusOK, accepted(msgQueued, res))
}

// testEventRequest is the body of POST /webhook/test. Fields other than the
// reserved ones become the event payload; a "data" object is merged in.
type testEventRequest struct {
	EventID   string
	EventType string
	Payload   map[string]any
}

func parseTestEvent(body []byte) (testEventRequest, error) {
	var raw map[string]any
	if len(bytes.TrimSpace(body)) == 0 {
		raw = map[string]any{}
	} else if err := json.Unmarshal(body, &raw); err != nil || raw == nil {
		return testEventRequest{}, fmt.Errorf("body must be a JSON object: %w", intake.ErrInvalidPayload)
	}

	req := testEventRequest{Payload: map[string]any{}}
	if v, ok := raw["eventId"].(string); ok {
		req.EventID = v
	}
	if v, ok := raw["eventType"].(string); ok {
		req.EventType = v
	}
	delete(raw, "eventId")
	delete(raw, "eventType")

	data, hasData := raw["data"].(map[string]any)
	delete(raw, "data")
	for k, v := range raw {
		req.Payload[k] = v
	}
	if hasData {
		for k, v := range data {
			req.Payload[k] = v
		}
	}
	return req, nil
}

// HandleWebhookTest handles POST /webhook/test. It skips signature checking
// and is refused in production.
func (h *Handlers) HandleWebhookTest(w http.ResponseWriter, r *http.Request) {
	if h.production {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "test endpoint is disabled in production")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		handleDecodeError(w, r, err)
		return
	}
	req, err := parseTestEvent(body)
	if err != nil {
		h.writeIntakeError(w, r, err)
		return
	}
	if req.EventID == "" {
		req.EventID = fmt.Sprintf("test_%d", h.now().UnixMilli())
	}
	if req.EventType == "" {
		req.EventType = testEventType
	}
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		writeInternalError(w, r, h.logger, "failed to encode test payload", err)
		return
	}

	res, err := h.intake.Intake(r.Context(), intake.Request{
		EventID:       req.EventID,
		EventType:     req.EventType,
		Payload:       payload,
		Source:        requestSource(r),
		SkipSignature: true,
	})
	if err != nil {
		h.writeIntakeError(w, r, err)
		return
	}
	writeRaw(w, http.StatusOK, accepted(msgTestQueued, res))
}

// HandleWebhookStats handles GET /webhook-stats.
func (h *Handlers) HandleWebhookStats(w http.ResponseWriter, r *http.Request) {
	s, err := h.stats.Stats(r.Context())
	if err != nil {
		writeInternalError(w, r, h.logger, "failed to load webhook stats", err)
		return
	}
	writeJSON(w, r, http.StatusOK, s)
}

// HandleWebhookHealth handles GET /webhook-stats/health.
func (h *Handlers) HandleWebhookHealth(w http.ResponseWriter, r *http.Request) {
	hl, err := h.stats.Health(r.Context())
	if err != nil {
		writeInternalError(w, r, h.logger, "failed to load webhook health", err)
		return
	}
	writeJSON(w, r, http.StatusOK, hl)
}

// writeIntakeError maps intake sentinels to HTTP statuses.
func (h *Handlers) writeIntakeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, intake.ErrMissingField), errors.Is(err, intake.ErrInvalidPayload):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, intake.ErrInvalidSignature):
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid webhook signature")
	case errors.Is(err, intake.ErrAgentNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
	case errors.Is(err, intake.ErrEventAlreadyProcessed):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
	default:
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			handleDecodeError(w, r, err)
			return
		}
		writeInternalError(w, r, h.logger, "failed to accept webhook", err)
	}
}

func requestSource(r *http.Request) string {
	if s := r.Header.Get(headerSource); s != "" {
		return s
	}
	if s := r.URL.Query().Get("source"); s != "" {
		return s
	}
	return model.SourceNative
}

func accepted(msg string, res intake.Result) model.WebhookAccepted {
	return model.WebhookAccepted{
		Success: true,
		Message: msg,
		Data: model.WebhookResult{
			EventID:   res.EventID,
			JobID:     res.JobID,
			Timestamp: res.Timestamp,
		},
	}
}
