// Package rostersync merges agents from upstream rosters into the EDEN3
// agent table.
//
// A roster contributes provenance only: its source tag, the agent's id on
// that platform, and profile metadata. KPIs are never copied from a roster;
// every synced agent is recomputed from its own fact rows.
package rostersync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/eden3/eden3/internal/model"
	"github.com/eden3/eden3/internal/storage"
)

// Store is the agent persistence the syncer needs. *storage.DB implements it.
type Store interface {
	GetAgentBySlug(ctx context.Context, slug string) (model.Agent, error)
	CreateAgent(ctx context.Context, agent model.Agent) (model.Agent, error)
	UpdateAgentProfile(ctx context.Context, agent model.Agent) error
}

// Recalculator recomputes KPIs. *kpi.Recalculator implements it.
type Recalculator interface {
	RecalculateAgents(ctx context.Context, ids []uuid.UUID) (int, error)
}

// Result summarises one sync run.
type Result struct {
	Success bool      `json:"success"`
	Source  string    `json:"source"`
	Synced  int       `json:"synced"`
	Created int       `json:"created"`
	Failed  int       `json:"failed"`
	Skipped int       `json:"skipped"`
	Errors  []string  `json:"errors"`
	Started time.Time `json:"started_at"`
	Elapsed string    `json:"elapsed"`
}

// Syncer pulls one roster and merges it.
type Syncer struct {
	source RosterSource
	store  Store
	kpis   Recalculator
	policy Policy
	logger *slog.Logger
	now    func() time.Time
}

// NewSyncer creates a Syncer.
func NewSyncer(source RosterSource, store Store, kpis Recalculator, policy Policy, logger *slog.Logger) *Syncer {
	return &Syncer{source: source, store: store, kpis: kpis, policy: policy, logger: logger, now: time.Now}
}

// Sync fetches the roster and merges every canonical agent in it. A failure
// on one agent is recorded and the rest continue. Success is false only when
// the roster itself could not be fetched.
func (s *Syncer) Sync(ctx context.Context) Result {
	start := s.now()
	res := Result{Source: s.source.Name(), Started: start.UTC(), Errors: []string{}}
	defer func() { res.Elapsed = s.now().Sub(start).String() }()

	agents, err := s.source.Fetch(ctx)
	if err != nil {
		msg := fmt.Sprintf("%s roster fetch failed: %v", s.policy.Source, err)
		s.logger.Error("rostersync: fetch roster", "source", res.Source, "error", err)
		res.Errors = append(res.Errors, msg)
		return res
	}
	res.Success = true

	var touched []uuid.UUID
	for _, ra := range agents {
		slug, ok := s.policy.CanonicalSlug(ra.Slug)
		if !ok {
			s.logger.Warn("rostersync: skipping non-canonical agent", "roster_slug", ra.Slug)
			res.Skipped++
			continue
		}
		id, created, err := s.syncAgent(ctx, slug, ra)
		if err != nil {
			res.Failed++
			res.Errors = append(res.Errors, fmt.Sprintf("failed to sync %s: %v", ra.Name, err))
			s.logger.Error("rostersync: sync agent", "slug", slug, "roster_id", ra.ID, "error", err)
			continue
		}
		res.Synced++
		if created {
			res.Created++
		}
		touched = append(touched, id)
	}

	if len(touched) > 0 && s.kpis != nil {
		if _, err := s.kpis.RecalculateAgents(ctx, touched); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("kpi recalculation: %v", err))
		}
	}

	s.logger.Info("rostersync: sync complete",
		"source", res.Source,
		"synced", res.Synced,
		"created", res.Created,
		"failed", res.Failed,
		"skipped", res.Skipped,
	)
	return res
}

// syncAgent merges provenance into the canonical agent, creating it when it
// does not exist yet.
func (s *Syncer) syncAgent(ctx context.Context, slug string, ra RosterAgent) (uuid.UUID, bool, error) {
	now := s.now().UTC()
	meta := s.rosterMetadata(ra, now)

	existing, err := s.store.GetAgentBySlug(ctx, slug)
	switch {
	case err == nil:
		existing.MergeSource(s.policy.Source, ra.ID)
		if existing.Metadata == nil {
			existing.Metadata = map[string]any{}
		}
		maps.Copy(existing.Metadata, meta)
		existing.LastSyncAt = &now
		if err := s.store.UpdateAgentProfile(ctx, existing); err != nil {
			return uuid.Nil, false, err
		}
		return existing.ID, false, nil

	case errors.Is(err, storage.ErrNotFound):
		a := model.Agent{
			Slug:         slug,
			Name:         ra.Name,
			Status:       s.policy.Status(ra.Status),
			Archetype:    s.policy.Archetype(ra.Type),
			Type:         ra.Type,
			Capabilities: ra.Capabilities,
			LastSyncAt:   &now,
			Metadata:     meta,
		}
		if a.Name == "" {
			a.Name = slug
		}
		if ra.Specialization != "" {
			a.Metadata["specialization"] = ra.Specialization
		}
		a.MergeSource(s.policy.Source, ra.ID)
		created, err := s.store.CreateAgent(ctx, a)
		if err != nil {
			return uuid.Nil, false, err
		}
		s.logger.Info("rostersync: created agent from roster", "slug", slug, "roster_id", ra.ID)
		return created.ID, true, nil

	default:
		return uuid.Nil, false, err
	}
}

// rosterMetadata is the per-source metadata block written on every sync,
// keyed by source so several rosters can coexist on one agent.
func (s *Syncer) rosterMetadata(ra RosterAgent, now time.Time) map[string]any {
	block := map[string]any{
		"id":        ra.ID,
		"slug":      ra.Slug,
		"last_sync": now.Format(time.RFC3339),
	}
	if url := s.policy.Profile(ra.Slug); url != "" {
		block["url"] = url
	}
	if ra.Bio != "" {
		block["bio"] = ra.Bio
	} else if ra.Description != "" {
		block["bio"] = ra.Description
	}
	if ra.AvatarURL != "" {
		block["avatar_url"] = ra.AvatarURL
	}
	return map[string]any{s.policy.Source: block}
}
