// Package mcp implements the Model Context Protocol server for EDEN3.
//
// The server is read-only. It exposes agent profiles, KPI snapshots, event
// processing status, and pipeline health so assistant clients can answer
// questions about the pipeline without touching the HTTP API.
package mcp

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/eden3/eden3/internal/model"
)

// Store is the read surface the MCP tools need. *storage.DB implements it.
type Store interface {
	ListAgents(ctx context.Context, f model.AgentFilter) ([]model.AgentWithKPIs, error)
	GetAgentWithKPIs(ctx context.Context, slug string) (model.AgentWithKPIs, error)
	ListAgentEvents(ctx context.Context, agentID uuid.UUID, limit int) ([]model.Event, error)
	GetEvent(ctx context.Context, eventID string) (model.Event, error)
}

// StatsProvider builds webhook stats. *stats.Service implements it.
type StatsProvider interface {
	Stats(ctx context.Context) (model.WebhookStats, error)
	Health(ctx context.Context) (model.WebhookHealth, error)
}

// Server wraps the MCP server with the EDEN3 read services.
type Server struct {
	mcpServer *mcpserver.MCPServer
	db        Store
	stats     StatsProvider
	logger    *slog.Logger
	now       func() time.Time
}

// New creates and configures a new MCP server with all resources, tools
// and prompts.
func New(db Store, stats StatsProvider, logger *slog.Logger, version string) *Server {
	s := &Server{
		db:     db,
		stats:  stats,
		logger: logger,
		now:    time.Now,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"eden3",
		version,
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithPromptCapabilities(false),
		mcpserver.WithInstructions(serverInstructions),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

const serverInstructions = `EDEN3 tracks creative AI agents and the KPIs derived from their activity.

Use eden3_list_agents to find agents, eden3_get_agent for one agent's profile
and KPIs, eden3_event_status to check whether a webhook event was processed,
and eden3_webhook_stats for pipeline health. Everything here is read-only.`
