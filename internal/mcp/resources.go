package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/eden3/eden3/internal/model"
)

const (
	agentKPIsPrefix = "eden3://agents/"
	agentKPIsSuffix = "/kpis"
)

func (s *Server) registerResources() {
	// eden3://agents/{slug}/kpis: one agent's current KPI snapshot.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			agentKPIsPrefix+"{slug}"+agentKPIsSuffix,
			"Agent KPIs",
			mcplib.WithTemplateDescription("Current KPI snapshot for one agent"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleAgentKPIs,
	)
}

// parseAgentKPIsURI extracts the slug from eden3://agents/{slug}/kpis.
func parseAgentKPIsURI(uri string) (string, error) {
	if !strings.HasPrefix(uri, agentKPIsPrefix) || !strings.HasSuffix(uri, agentKPIsSuffix) {
		return "", fmt.Errorf("mcp: invalid agent kpis URI: %s", uri)
	}
	slug := strings.TrimSuffix(strings.TrimPrefix(uri, agentKPIsPrefix), agentKPIsSuffix)
	if slug == "" {
		return "", fmt.Errorf("mcp: empty slug in URI: %s", uri)
	}
	if err := model.ValidateSlug(slug); err != nil {
		return "", fmt.Errorf("mcp: %w", err)
	}
	return slug, nil
}

func (s *Server) handleAgentKPIs(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	slug, err := parseAgentKPIsURI(uri)
	if err != nil {
		return nil, err
	}

	agent, err := s.db.GetAgentWithKPIs(ctx, slug)
	if err != nil {
		return nil, fmt.Errorf("mcp: agent kpis %s: %w", slug, err)
	}

	body := map[string]any{
		"slug":       agent.Slug,
		"k_quality":  round2(agent.KQuality),
		"k_revenue":  round2(agent.KRevenue),
		"k_mentions": agent.KMentions,
	}
	if agent.KPIs != nil {
		body["kpis"] = compactKPIs(*agent.KPIs)
	}
	if note := kpiNote(agent.KPIs, s.now()); note != "" {
		body["note"] = note
	}

	data, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal kpis: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
