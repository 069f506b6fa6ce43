package mcp

import (
	"fmt"
	"math"
	"time"

	"github.com/eden3/eden3/internal/model"
)

const maxCompactError = 200

// compactAgent returns a minimal representation of an agent for MCP responses.
// Drops bookkeeping (metadata blocks, timestamps, internal ids) that
// assistants don't act on.
func compactAgent(a model.AgentWithKPIs, now time.Time) map[string]any {
	m := map[string]any{
		"slug":       a.Slug,
		"name":       a.Name,
		"status":     a.Status,
		"sources":    a.Sources,
		"k_quality":  round2(a.KQuality),
		"k_revenue":  round2(a.KRevenue),
		"k_mentions": a.KMentions,
	}
	if a.Archetype != "" {
		m["archetype"] = a.Archetype
	}
	if a.Type != "" {
		m["type"] = a.Type
	}
	if len(a.ExternalIDs) > 0 {
		m["external_ids"] = a.ExternalIDs
	}
	if a.KPIs != nil {
		m["kpis"] = compactKPIs(*a.KPIs)
	}
	if note := kpiNote(a.KPIs, now); note != "" {
		m["note"] = note
	}
	return m
}

func compactKPIs(k model.AgentKPIs) map[string]any {
	m := map[string]any{
		"total_works":             k.TotalWorks,
		"total_sales":             k.TotalSales,
		"total_revenue":           round2(k.TotalRevenue),
		"average_rating":          round2(k.AverageRating),
		"social_mentions":         k.SocialMentions,
		"total_training_sessions": k.TotalTrainingSessions,
		"total_collaborations":    k.TotalCollaborations,
		"updated_at":              k.UpdatedAt,
	}
	if k.LastActivity != nil {
		m["last_activity"] = k.LastActivity
	}
	return m
}

// kpiNote produces a short human-readable signal about an agent's KPIs.
// Rules are evaluated in priority order; first match wins. Returns "" when
// no rule fires.
func kpiNote(k *model.AgentKPIs, now time.Time) string {
	switch {
	case k == nil:
		return "KPIs have not been calculated yet."
	case k.LastActivity == nil:
		return "No recorded activity."
	case now.Sub(*k.LastActivity) > 30*24*time.Hour:
		days := int(now.Sub(*k.LastActivity).Hours() / 24)
		return fmt.Sprintf("Inactive for %d days.", days)
	case k.TotalWorks > 0 && k.TotalSales == 0:
		return fmt.Sprintf("%d published work(s), none sold.", k.TotalWorks)
	}
	return ""
}

// compactEvent returns the processing view of an event. The payload is
// omitted; callers asking about status rarely need it.
func compactEvent(e model.Event) map[string]any {
	m := map[string]any{
		"event_id":   e.EventID,
		"type":       e.Type,
		"status":     e.Status,
		"attempts":   e.Attempts,
		"source":     e.Metadata.Source,
		"agent_ref":  e.Metadata.OriginalAgentID,
		"timestamp":  e.Timestamp,
		"created_at": e.CreatedAt,
	}
	if e.ErrorMessage != nil && *e.ErrorMessage != "" {
		m["error"] = truncate(*e.ErrorMessage, maxCompactError)
	}
	if e.ProcessedAt != nil {
		m["processed_at"] = e.ProcessedAt
	}
	return m
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

// truncate shortens s to maxLen runes, appending "..." when truncated.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
