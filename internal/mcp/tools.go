package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/eden3/eden3/internal/model"
	"github.com/eden3/eden3/internal/storage"
)

const (
	defaultListLimit  = 20
	maxListLimit      = 100
	agentRecentEvents = 10
)

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("eden3_list_agents",
			mcplib.WithDescription("List tracked agents with their headline KPIs. Filter by status, type or provenance source."),
			mcplib.WithString("status", mcplib.Description("Lifecycle status"),
				mcplib.Enum(string(model.AgentOnboarding), string(model.AgentTraining), string(model.AgentActive),
					string(model.AgentPaused), string(model.AgentArchived))),
			mcplib.WithString("type", mcplib.Description("Agent type, e.g. visual or governance")),
			mcplib.WithString("source", mcplib.Description("Provenance source, e.g. eden3-native or eden-legacy; all for any")),
			mcplib.WithNumber("limit", mcplib.Description("Maximum results to return (default 20, max 100)")),
			mcplib.WithReadOnlyHintAnnotation(true),
		),
		s.handleListAgents,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("eden3_get_agent",
			mcplib.WithDescription("Get one agent's profile, KPIs and, optionally, its most recent events."),
			mcplib.WithString("slug", mcplib.Description("Agent slug"), mcplib.Required()),
			mcplib.WithBoolean("include_events", mcplib.Description("Include the 10 most recent events")),
			mcplib.WithReadOnlyHintAnnotation(true),
		),
		s.handleGetAgent,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("eden3_event_status",
			mcplib.WithDescription("Look up a webhook event by its event id and report its processing status."),
			mcplib.WithString("event_id", mcplib.Description("The X-Eden-Event-Id the event was sent with"), mcplib.Required()),
			mcplib.WithReadOnlyHintAnnotation(true),
		),
		s.handleEventStatus,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("eden3_webhook_stats",
			mcplib.WithDescription("Report webhook pipeline health: event counts, last-hour success rate, queue depth and top failures."),
			mcplib.WithBoolean("include_recent", mcplib.Description("Include the most recent events")),
			mcplib.WithReadOnlyHintAnnotation(true),
		),
		s.handleWebhookStats,
	)
}

func (s *Server) handleListAgents(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	status := strings.ToUpper(request.GetString("status", ""))
	if status != "" && !model.AgentStatus(status).Valid() {
		return errorResult(fmt.Sprintf("unknown status %q", status)), nil
	}
	limit := request.GetInt("limit", defaultListLimit)
	if limit < 1 {
		limit = 1
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	agents, err := s.db.ListAgents(ctx, model.AgentFilter{
		Status: status,
		Type:   request.GetString("type", ""),
		Source: request.GetString("source", "all"),
		Limit:  limit,
	})
	if err != nil {
		s.logger.Error("mcp: list agents", "error", err)
		return errorResult("failed to list agents"), nil
	}

	now := s.now()
	out := make([]map[string]any, len(agents))
	for i, a := range agents {
		out[i] = compactAgent(a, now)
	}
	return jsonResult(map[string]any{"agents": out, "count": len(out)})
}

func (s *Server) handleGetAgent(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	slug, err := request.RequireString("slug")
	if err != nil {
		return errorResult("slug is required"), nil
	}
	if err := model.ValidateSlug(slug); err != nil {
		return errorResult(fmt.Sprintf("invalid slug: %v", err)), nil
	}

	agent, err := s.db.GetAgentWithKPIs(ctx, slug)
	if errors.Is(err, storage.ErrNotFound) {
		return errorResult(fmt.Sprintf("agent %q not found", slug)), nil
	}
	if err != nil {
		s.logger.Error("mcp: get agent", "slug", slug, "error", err)
		return errorResult("failed to get agent"), nil
	}

	out := compactAgent(agent, s.now())
	if request.GetBool("include_events", false) {
		events, err := s.db.ListAgentEvents(ctx, agent.ID, agentRecentEvents)
		if err != nil {
			s.logger.Error("mcp: agent events", "slug", slug, "error", err)
			return errorResult("failed to list agent events"), nil
		}
		compact := make([]map[string]any, len(events))
		for i, e := range events {
			compact[i] = compactEvent(e)
		}
		out["recent_events"] = compact
	}
	return jsonResult(out)
}

func (s *Server) handleEventStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	eventID, err := request.RequireString("event_id")
	if err != nil || strings.TrimSpace(eventID) == "" {
		return errorResult("event_id is required"), nil
	}

	ev, err := s.db.GetEvent(ctx, eventID)
	if errors.Is(err, storage.ErrNotFound) {
		return errorResult(fmt.Sprintf("event %q not found; it was never accepted", eventID)), nil
	}
	if err != nil {
		s.logger.Error("mcp: get event", "event_id", eventID, "error", err)
		return errorResult("failed to get event"), nil
	}
	return jsonResult(compactEvent(ev))
}

func (s *Server) handleWebhookStats(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	st, err := s.stats.Stats(ctx)
	if err != nil {
		s.logger.Error("mcp: webhook stats", "error", err)
		return errorResult("failed to load webhook stats"), nil
	}
	health, err := s.stats.Health(ctx)
	if err != nil {
		s.logger.Error("mcp: webhook health", "error", err)
		return errorResult("failed to load webhook health"), nil
	}

	out := map[string]any{
		"status":            health.Status,
		"success_rate":      round2(health.SuccessRate),
		"events_per_minute": round2(health.EventsPerMinute),
		"counts":            st.Counts,
		"total":             st.Total,
		"queue":             health.Queue,
		"top_errors":        st.Errors,
	}
	if request.GetBool("include_recent", false) {
		recent := make([]map[string]any, len(st.RecentEvents))
		for i, e := range st.RecentEvents {
			recent[i] = compactEvent(e)
		}
		out["recent_events"] = recent
	}
	return jsonResult(out)
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal result: %w", err)
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
