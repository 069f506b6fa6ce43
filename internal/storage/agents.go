package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/eden3/eden3/internal/model"
)

const agentColumns = `a.id, a.slug, a.name, a.status, a.archetype, a.type, a.capabilities, a.sources,
	a.external_ids, a.k_quality, a.k_revenue, a.k_mentions, a.last_sync_at, a.metadata,
	a.created_at, a.updated_at`

const kpiColumns = `k.agent_id, k.total_works, k.total_revenue, k.total_sales, k.average_rating,
	k.social_mentions, k.total_training_sessions, k.total_collaborations, k.last_activity,
	k.last_training, k.updated_at`

func agentScanArgs(a *model.Agent) []any {
	return []any{
		&a.ID, &a.Slug, &a.Name, &a.Status, &a.Archetype, &a.Type, &a.Capabilities, &a.Sources,
		&a.ExternalIDs, &a.KQuality, &a.KRevenue, &a.KMentions, &a.LastSyncAt, &a.Metadata,
		&a.CreatedAt, &a.UpdatedAt,
	}
}

func getAgent(ctx context.Context, q querier, where string, args ...any) (model.Agent, error) {
	var a model.Agent
	err := q.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents a WHERE `+where, args...).Scan(agentScanArgs(&a)...)
	if err != nil {
		return model.Agent{}, err
	}
	return a, nil
}

// CreateAgent inserts a new agent. Nil collections are stored as empty.
func (db *DB) CreateAgent(ctx context.Context, agent model.Agent) (model.Agent, error) {
	if agent.ID == uuid.Nil {
		agent.ID = uuid.New()
	}
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now
	if agent.Status == "" {
		agent.Status = model.AgentOnboarding
	}
	if agent.Capabilities == nil {
		agent.Capabilities = []string{}
	}
	if agent.Sources == nil {
		agent.Sources = []string{}
	}
	if agent.ExternalIDs == nil {
		agent.ExternalIDs = map[string]string{}
	}
	if agent.Metadata == nil {
		agent.Metadata = map[string]any{}
	}
	if err := agent.ValidateProvenance(); err != nil {
		return model.Agent{}, fmt.Errorf("storage: create agent %s: %w", agent.Slug, err)
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO agents (id, slug, name, status, archetype, type, capabilities, sources,
		                     external_ids, last_sync_at, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		agent.ID, agent.Slug, agent.Name, string(agent.Status), agent.Archetype, agent.Type,
		agent.Capabilities, agent.Sources, agent.ExternalIDs, agent.LastSyncAt, agent.Metadata,
		agent.CreatedAt, agent.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Agent{}, fmt.Errorf("storage: agent %s: %w", agent.Slug, ErrDuplicateAgent)
		}
		return model.Agent{}, fmt.Errorf("storage: create agent: %w", err)
	}
	return agent, nil
}

// UpdateAgentProfile overwrites the roster-managed fields of an existing agent:
// name, status, archetype, type, capabilities, provenance, last_sync_at and
// metadata. KPI fields are never touched here.
func (db *DB) UpdateAgentProfile(ctx context.Context, agent model.Agent) error {
	if err := agent.ValidateProvenance(); err != nil {
		return fmt.Errorf("storage: update agent %s: %w", agent.Slug, err)
	}
	if agent.Metadata == nil {
		agent.Metadata = map[string]any{}
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE agents
		 SET name = $2, status = $3, archetype = $4, type = $5, capabilities = $6,
		     sources = $7, external_ids = $8, last_sync_at = $9, metadata = $10, updated_at = now()
		 WHERE id = $1`,
		agent.ID, agent.Name, string(agent.Status), agent.Archetype, agent.Type, agent.Capabilities,
		agent.Sources, agent.ExternalIDs, agent.LastSyncAt, agent.Metadata,
	)
	if err != nil {
		return fmt.Errorf("storage: update agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: agent %s: %w", agent.ID, ErrNotFound)
	}
	return nil
}

// GetAgentBySlug retrieves an agent by its slug.
func (db *DB) GetAgentBySlug(ctx context.Context, slug string) (model.Agent, error) {
	a, err := getAgent(ctx, db.pool, `a.slug = $1`, slug)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, fmt.Errorf("storage: agent %s: %w", slug, ErrNotFound)
		}
		return model.Agent{}, fmt.Errorf("storage: get agent: %w", err)
	}
	return a, nil
}

// GetAgentByID retrieves an agent by its internal UUID.
func (db *DB) GetAgentByID(ctx context.Context, id uuid.UUID) (model.Agent, error) {
	a, err := getAgent(ctx, db.pool, `a.id = $1`, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, fmt.Errorf("storage: agent %s: %w", id, ErrNotFound)
		}
		return model.Agent{}, fmt.Errorf("storage: get agent by id: %w", err)
	}
	return a, nil
}

// GetAgentByExternalID finds the agent that carries source in its sources and
// maps source to externalID. The containment test is served by the GIN index
// on external_ids.
func (db *DB) GetAgentByExternalID(ctx context.Context, source, externalID string) (model.Agent, error) {
	a, err := getAgent(ctx, db.pool,
		`$1 = ANY(a.sources) AND a.external_ids @> jsonb_build_object($1::text, $2::text)
		 ORDER BY a.created_at ASC LIMIT 1`,
		source, externalID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, fmt.Errorf("storage: agent %s:%s: %w", source, externalID, ErrNotFound)
		}
		return model.Agent{}, fmt.Errorf("storage: get agent by external id: %w", err)
	}
	return a, nil
}

// agentFilterClause builds the WHERE clause shared by ListAgents and CountAgents.
func agentFilterClause(f model.AgentFilter) (string, []any) {
	conds := []string{"TRUE"}
	var args []any
	if f.Status != "" {
		args = append(args, f.Status)
		conds = append(conds, fmt.Sprintf("a.status = $%d", len(args)))
	}
	if f.Type != "" {
		args = append(args, f.Type)
		conds = append(conds, fmt.Sprintf("a.type = $%d", len(args)))
	}
	if f.Source != "" && f.Source != "all" {
		args = append(args, f.Source)
		conds = append(conds, fmt.Sprintf("$%d = ANY(a.sources)", len(args)))
	}
	return strings.Join(conds, " AND "), args
}

// ListAgents returns agents joined with their KPI rows.
// limit is clamped to [1, 100] with a default of 20.
func (db *DB) ListAgents(ctx context.Context, f model.AgentFilter) ([]model.AgentWithKPIs, error) {
	if f.Limit <= 0 {
		f.Limit = 20
	}
	if f.Limit > 100 {
		f.Limit = 100
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	where, args := agentFilterClause(f)
	args = append(args, f.Limit, f.Offset)

	rows, err := db.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s, %s
		 FROM agents a LEFT JOIN agent_kpis k ON k.agent_id = a.id
		 WHERE %s
		 ORDER BY a.slug ASC
		 LIMIT $%d OFFSET $%d`, agentColumns, kpiColumns, where, len(args)-1, len(args)),
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list agents: %w", err)
	}
	defer rows.Close()

	var agents []model.AgentWithKPIs
	for rows.Next() {
		var a model.AgentWithKPIs
		var k nullableKPIs
		if err := rows.Scan(append(agentScanArgs(&a.Agent), k.scanArgs()...)...); err != nil {
			return nil, fmt.Errorf("storage: scan agent: %w", err)
		}
		a.KPIs = k.toModel()
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// CountAgents returns the number of agents matching f, ignoring pagination.
func (db *DB) CountAgents(ctx context.Context, f model.AgentFilter) (int, error) {
	where, args := agentFilterClause(f)
	var count int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM agents a WHERE `+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("storage: count agents: %w", err)
	}
	return count, nil
}

// ListAgentIDs returns the ids of every non-archived agent.
func (db *DB) ListAgentIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id FROM agents WHERE status <> 'ARCHIVED' ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("storage: list agent ids: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan agent id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetAgentWithKPIs retrieves an agent by slug joined with its KPI row.
func (db *DB) GetAgentWithKPIs(ctx context.Context, slug string) (model.AgentWithKPIs, error) {
	var a model.AgentWithKPIs
	var k nullableKPIs
	err := db.pool.QueryRow(ctx,
		`SELECT `+agentColumns+`, `+kpiColumns+`
		 FROM agents a LEFT JOIN agent_kpis k ON k.agent_id = a.id
		 WHERE a.slug = $1`, slug,
	).Scan(append(agentScanArgs(&a.Agent), k.scanArgs()...)...)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AgentWithKPIs{}, fmt.Errorf("storage: agent %s: %w", slug, ErrNotFound)
		}
		return model.AgentWithKPIs{}, fmt.Errorf("storage: get agent with kpis: %w", err)
	}
	a.KPIs = k.toModel()
	return a, nil
}

// nullableKPIs scans agent_kpis through a LEFT JOIN, where every column is
// NULL when the agent has no KPI row yet.
type nullableKPIs struct {
	AgentID               *uuid.UUID
	TotalWorks            *int64
	TotalRevenue          *float64
	TotalSales            *int64
	AverageRating         *float64
	SocialMentions        *int64
	TotalTrainingSessions *int64
	TotalCollaborations   *int64
	LastActivity          *time.Time
	LastTraining          *time.Time
	UpdatedAt             *time.Time
}

func (k *nullableKPIs) scanArgs() []any {
	return []any{
		&k.AgentID, &k.TotalWorks, &k.TotalRevenue, &k.TotalSales, &k.AverageRating,
		&k.SocialMentions, &k.TotalTrainingSessions, &k.TotalCollaborations, &k.LastActivity,
		&k.LastTraining, &k.UpdatedAt,
	}
}

func (k *nullableKPIs) toModel() *model.AgentKPIs {
	if k.AgentID == nil {
		return nil
	}
	return &model.AgentKPIs{
		AgentID:               *k.AgentID,
		TotalWorks:            deref(k.TotalWorks),
		TotalRevenue:          deref(k.TotalRevenue),
		TotalSales:            deref(k.TotalSales),
		AverageRating:         deref(k.AverageRating),
		SocialMentions:        deref(k.SocialMentions),
		TotalTrainingSessions: deref(k.TotalTrainingSessions),
		TotalCollaborations:   deref(k.TotalCollaborations),
		LastActivity:          k.LastActivity,
		LastTraining:          k.LastTraining,
		UpdatedAt:             deref(k.UpdatedAt),
	}
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
