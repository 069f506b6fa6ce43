package mcp

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/eden3/eden3/internal/model"
)

func TestCompactAgent(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	recent := now.Add(-time.Hour)
	a := model.AgentWithKPIs{
		Agent: model.Agent{
			ID:          uuid.New(),
			Slug:        "solienne",
			Name:        "Solienne",
			Status:      model.AgentActive,
			Archetype:   "Artist",
			Sources:     []string{model.SourceNative, model.SourceEdenLegacy},
			ExternalIDs: map[string]string{model.SourceEdenLegacy: "eden-solienne-001"},
			KQuality:    87.456,
			Metadata:    map[string]any{"eden-legacy": map[string]any{"bio": "long"}},
		},
		KPIs: &model.AgentKPIs{TotalWorks: 4, TotalSales: 2, TotalRevenue: 1200.5, LastActivity: &recent},
	}

	m := compactAgent(a, now)

	assert.Equal(t, "solienne", m["slug"])
	assert.Equal(t, 87.46, m["k_quality"])
	assert.Equal(t, "Artist", m["archetype"])
	assert.NotNil(t, m["kpis"])
	assert.NotContains(t, m, "metadata")
	assert.NotContains(t, m, "id")
	assert.NotContains(t, m, "note", "no rule fires for an active seller")
}

func TestKPINote(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	old := now.Add(-45 * 24 * time.Hour)
	recent := now.Add(-time.Hour)

	tests := []struct {
		name string
		kpis *model.AgentKPIs
		want string
	}{
		{"not calculated", nil, "KPIs have not been calculated yet."},
		{"no activity", &model.AgentKPIs{}, "No recorded activity."},
		{"inactive", &model.AgentKPIs{LastActivity: &old}, "Inactive for 45 days."},
		{"unsold works", &model.AgentKPIs{LastActivity: &recent, TotalWorks: 3}, "3 published work(s), none sold."},
		{"healthy", &model.AgentKPIs{LastActivity: &recent, TotalWorks: 3, TotalSales: 1}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, kpiNote(tt.kpis, now))
		})
	}
}

func TestCompactEvent(t *testing.T) {
	msg := strings.Repeat("x", 500)
	processed := time.Now()
	e := model.Event{
		EventID:      "evt_1",
		Type:         model.EventTypeWorkSold,
		Status:       model.EventFailed,
		Attempts:     3,
		ErrorMessage: &msg,
		ProcessedAt:  &processed,
		Payload:      []byte(`{"agentId":"abraham"}`),
		Metadata:     model.EventMetadata{Source: model.SourceNative, OriginalAgentID: "abraham"},
	}

	m := compactEvent(e)
	assert.Equal(t, model.EventFailed, m["status"])
	assert.Equal(t, "abraham", m["agent_ref"])
	assert.Len(t, m["error"], maxCompactError+3)
	assert.NotContains(t, m, "payload")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "héllo...", truncate("héllo wörld", 5))
}
