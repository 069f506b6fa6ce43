package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Event type tags accepted by the processor.
const (
	EventTypeWorkCreated          = "work.created"
	EventTypeWorkSold             = "work.sold"
	EventTypeAgentTraining        = "agent.training"
	EventTypeSocialMention        = "social.mention"
	EventTypeCollaborationStarted = "collaboration.started"
	EventTypeQualityEvaluation    = "quality.evaluation"
)

// KnownEventTypes lists every event type that decodes to a concrete kind.
var KnownEventTypes = []string{
	EventTypeWorkCreated,
	EventTypeWorkSold,
	EventTypeAgentTraining,
	EventTypeSocialMention,
	EventTypeCollaborationStarted,
	EventTypeQualityEvaluation,
}

// EventKind is the closed set of decoded event payloads. Only types in this
// package implement it.
type EventKind interface {
	eventKind()
	EventType() string
}

// WorkCreated is the payload of a work.created event.
type WorkCreated struct {
	WorkID          string          `json:"workId"`
	Title           string          `json:"title"`
	Description     *string         `json:"description"`
	Content         *string         `json:"content"`
	ContentType     ContentType     `json:"contentType"`
	ContentMetadata json.RawMessage `json:"contentMetadata"`
	Medium          string          `json:"medium"`
	Tags            []string        `json:"tags"`
	URL             *string         `json:"url"`
	ThumbnailURL    *string         `json:"thumbnailUrl"`
	AIModel         *string         `json:"aiModel"`
	PromptUsed      *string         `json:"promptUsed"`
	GenerationTime  *FlexFloat      `json:"generationTime"`
}

// WorkSold is the payload of a work.sold event.
type WorkSold struct {
	WorkID        string     `json:"workId"`
	SalePrice     *FlexFloat `json:"salePrice"`
	Currency      string     `json:"currency"`
	BuyerID       *string    `json:"buyerId"`
	Platform      *string    `json:"platform"`
	TxHash        *string    `json:"txHash"`
	BlockNumber   *FlexInt   `json:"blockNumber"`
	GasUsed       *FlexInt   `json:"gasUsed"`
	RoyaltyAmount *FlexFloat `json:"royaltyAmount"`
}

// TrainingRecorded is the payload of an agent.training event.
type TrainingRecorded struct {
	SessionID     string     `json:"sessionId"`
	TrainerID     *string    `json:"trainerId"`
	SessionType   *string    `json:"sessionType"`
	Duration      *FlexInt   `json:"duration"`
	FeedbackScore *FlexFloat `json:"feedbackScore"`
	Improvements  []string   `json:"improvements"`
	Notes         *string    `json:"notes"`
}

// MentionRecorded is the payload of a social.mention event.
type MentionRecorded struct {
	Platform  *string  `json:"platform"`
	Author    *string  `json:"author"`
	Content   *string  `json:"content"`
	URL       *string  `json:"url"`
	Sentiment *string  `json:"sentiment"`
	Reach     *FlexInt `json:"reach"`
}

// CollaborationStarted is the payload of a collaboration.started event.
type CollaborationStarted struct {
	PartnerAgentID *string `json:"partnerAgentId"`
	Type           *string `json:"type"`
	Description    *string `json:"description"`
	WorkID         *string `json:"workId"`
}

// QualityEvaluated is the payload of a quality.evaluation event.
type QualityEvaluated struct {
	Score       *FlexFloat `json:"score"`
	EvaluatorID *string    `json:"evaluatorId"`
	Notes       *string    `json:"notes"`
}

// UnknownEvent carries an event type the processor does not recognise.
// It completes without mutation.
type UnknownEvent struct {
	Type string
}

func (WorkCreated) eventKind()          {}
func (WorkSold) eventKind()             {}
func (TrainingRecorded) eventKind()     {}
func (MentionRecorded) eventKind()      {}
func (CollaborationStarted) eventKind() {}
func (QualityEvaluated) eventKind()     {}
func (UnknownEvent) eventKind()         {}

func (WorkCreated) EventType() string          { return EventTypeWorkCreated }
func (WorkSold) EventType() string             { return EventTypeWorkSold }
func (TrainingRecorded) EventType() string     { return EventTypeAgentTraining }
func (MentionRecorded) EventType() string      { return EventTypeSocialMention }
func (CollaborationStarted) EventType() string { return EventTypeCollaborationStarted }
func (QualityEvaluated) EventType() string     { return EventTypeQualityEvaluation }
func (u UnknownEvent) EventType() string       { return u.Type }

// DecodeEventKind decodes payload into the variant selected by eventType.
// Unrecognised types decode to UnknownEvent without inspecting the payload.
func DecodeEventKind(eventType string, payload json.RawMessage) (EventKind, error) {
	var kind EventKind
	var err error
	switch eventType {
	case EventTypeWorkCreated:
		var v WorkCreated
		err = decodePayload(payload, &v)
		kind = v
	case EventTypeWorkSold:
		var v WorkSold
		err = decodePayload(payload, &v)
		kind = v
	case EventTypeAgentTraining:
		var v TrainingRecorded
		err = decodePayload(payload, &v)
		kind = v
	case EventTypeSocialMention:
		var v MentionRecorded
		err = decodePayload(payload, &v)
		kind = v
	case EventTypeCollaborationStarted:
		var v CollaborationStarted
		err = decodePayload(payload, &v)
		kind = v
	case EventTypeQualityEvaluation:
		var v QualityEvaluated
		err = decodePayload(payload, &v)
		kind = v
	default:
		return UnknownEvent{Type: eventType}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", eventType, err)
	}
	return kind, nil
}

func decodePayload(payload json.RawMessage, v any) error {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	return json.Unmarshal(payload, v)
}

// FlexFloat is a float that accepts either a JSON number or a numeric string.
// NaN and infinities are rejected.
type FlexFloat float64

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexFloat) UnmarshalJSON(data []byte) error {
	s, ok, err := flexString(data)
	if err != nil || !ok {
		return err
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("invalid number %q", s)
	}
	*f = FlexFloat(v)
	return nil
}

// Ptr returns the value as a *float64, or nil when f is nil.
func (f *FlexFloat) Ptr() *float64 {
	if f == nil {
		return nil
	}
	v := float64(*f)
	return &v
}

// FlexInt is an integer that accepts either a JSON number or a numeric string.
// Fractional values are truncated.
type FlexInt int64

// UnmarshalJSON implements json.Unmarshaler.
func (n *FlexInt) UnmarshalJSON(data []byte) error {
	s, ok, err := flexString(data)
	if err != nil || !ok {
		return err
	}
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		*n = FlexInt(v)
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("invalid integer %q", s)
	}
	*n = FlexInt(int64(v))
	return nil
}

// Ptr returns the value as a *int64, or nil when n is nil.
func (n *FlexInt) Ptr() *int64 {
	if n == nil {
		return nil
	}
	v := int64(*n)
	return &v
}

// flexString unwraps a JSON number or string into its text. ok is false for
// null and the empty string, which leave the target unset.
func flexString(data []byte) (string, bool, error) {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return "", false, nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return "", false, err
		}
		s = strings.TrimSpace(s)
		return s, s != "", nil
	}
	return string(data), true, nil
}
