package model

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// AgentStatus is the lifecycle state of an agent profile.
type AgentStatus string

const (
	AgentOnboarding AgentStatus = "ONBOARDING"
	AgentTraining   AgentStatus = "TRAINING"
	AgentActive     AgentStatus = "ACTIVE"
	AgentPaused     AgentStatus = "PAUSED"
	AgentArchived   AgentStatus = "ARCHIVED"
)

// Valid reports whether s is a known agent status.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentOnboarding, AgentTraining, AgentActive, AgentPaused, AgentArchived:
		return true
	}
	return false
}

// Provenance tags for the platforms agents and events originate from.
const (
	SourceNative     = "eden3-native"
	SourceEdenLegacy = "eden-legacy"
	SourceClaudeSDK  = "claude-sdk"
)

// Agent is a tracked profile that owns works and accumulates KPIs.
// KQuality, KRevenue and KMentions are a denormalized copy of the agent's
// AgentKPIs row and are only ever written by KPI recalculation.
type Agent struct {
	ID           uuid.UUID         `json:"id"`
	Slug         string            `json:"slug"`
	Name         string            `json:"name"`
	Status       AgentStatus       `json:"status"`
	Archetype    string            `json:"archetype,omitempty"`
	Type         string            `json:"type,omitempty"`
	Capabilities []string          `json:"capabilities"`
	Sources      []string          `json:"sources"`
	ExternalIDs  map[string]string `json:"external_ids"`
	KQuality     float64           `json:"k_quality"`
	KRevenue     float64           `json:"k_revenue"`
	KMentions    int64             `json:"k_mentions"`
	LastSyncAt   *time.Time        `json:"last_sync_at,omitempty"`
	Metadata     map[string]any    `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// HasSource reports whether the agent carries the given provenance tag.
func (a Agent) HasSource(source string) bool {
	return slices.Contains(a.Sources, source)
}

// MergeSource records that the agent is known to source under externalID.
// The source is appended to Sources if absent so that the key set of
// ExternalIDs stays a subset of Sources.
func (a *Agent) MergeSource(source, externalID string) {
	if !a.HasSource(source) {
		a.Sources = append(a.Sources, source)
	}
	if externalID == "" {
		return
	}
	if a.ExternalIDs == nil {
		a.ExternalIDs = make(map[string]string)
	}
	a.ExternalIDs[source] = externalID
}

// ValidateProvenance checks that every external id is keyed by a known source.
func (a Agent) ValidateProvenance() error {
	for source := range a.ExternalIDs {
		if !a.HasSource(source) {
			return fmt.Errorf("external id for %q has no matching source", source)
		}
	}
	return nil
}

// AgentKPIs is the derived aggregate for one agent. Every field is a pure
// function of the agent's fact rows.
type AgentKPIs struct {
	AgentID               uuid.UUID  `json:"agent_id"`
	TotalWorks            int64      `json:"total_works"`
	TotalRevenue          float64    `json:"total_revenue"`
	TotalSales            int64      `json:"total_sales"`
	AverageRating         float64    `json:"average_rating"`
	SocialMentions        int64      `json:"social_mentions"`
	TotalTrainingSessions int64      `json:"total_training_sessions"`
	TotalCollaborations   int64      `json:"total_collaborations"`
	LastActivity          *time.Time `json:"last_activity,omitempty"`
	LastTraining          *time.Time `json:"last_training,omitempty"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// AgentFilter narrows agent listings.
type AgentFilter struct {
	Status string // empty = any
	Type   string
	Source string // empty or "all" = any
	Limit  int
	Offset int
}

// AgentWithKPIs is an agent joined with its KPI row, if one exists.
type AgentWithKPIs struct {
	Agent
	KPIs *AgentKPIs `json:"kpis,omitempty"`
}

// KPISources is the raw aggregate read from an agent's fact rows, before
// defaults are applied. Nil pointers mean no contributing rows exist.
type KPISources struct {
	PublishedOrSoldWorks int64
	SoldWorks            int64
	SoldGrossRevenue     *float64
	AverageScore         *float64
	Mentions             int64
	TrainingSessions     int64
	Collaborations       int64
	LastEventAt          *time.Time
	LastTrainingAt       *time.Time
}
