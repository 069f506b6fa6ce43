package model_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eden3/eden3/internal/model"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to model.EventStatus
		ok       bool
	}{
		{model.EventPending, model.EventProcessing, true},
		{model.EventProcessing, model.EventCompleted, true},
		{model.EventProcessing, model.EventFailed, true},
		{model.EventFailed, model.EventProcessing, true},
		{model.EventPending, model.EventCompleted, false},
		{model.EventCompleted, model.EventPending, false},
		{model.EventCompleted, model.EventProcessing, false},
		{model.EventFailed, model.EventPending, false},
		{model.EventProcessing, model.EventPending, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, model.CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestEventWindowStats_SuccessRate(t *testing.T) {
	assert.InDelta(t, 100.0, model.EventWindowStats{}.SuccessRate(), 1e-9)
	assert.InDelta(t, 90.0, model.EventWindowStats{Total: 10, Completed: 9, Failed: 1}.SuccessRate(), 1e-9)
}

func TestHealthForSuccessRate(t *testing.T) {
	assert.Equal(t, model.HealthHealthy, model.HealthForSuccessRate(100))
	assert.Equal(t, model.HealthDegraded, model.HealthForSuccessRate(95))
	assert.Equal(t, model.HealthDegraded, model.HealthForSuccessRate(85.5))
	assert.Equal(t, model.HealthUnhealthy, model.HealthForSuccessRate(85))
}

func TestAgentMergeSource(t *testing.T) {
	a := model.Agent{Slug: "abraham", Sources: []string{model.SourceNative}}

	a.MergeSource(model.SourceEdenLegacy, "eden-abraham")
	assert.Equal(t, []string{model.SourceNative, model.SourceEdenLegacy}, a.Sources)
	assert.Equal(t, "eden-abraham", a.ExternalIDs[model.SourceEdenLegacy])
	require.NoError(t, a.ValidateProvenance())

	// Merging again does not duplicate the source.
	a.MergeSource(model.SourceEdenLegacy, "eden-abraham-2")
	assert.Len(t, a.Sources, 2)
	assert.Equal(t, "eden-abraham-2", a.ExternalIDs[model.SourceEdenLegacy])
}

func TestAgentValidateProvenance(t *testing.T) {
	a := model.Agent{
		Sources:     []string{model.SourceNative},
		ExternalIDs: map[string]string{model.SourceClaudeSDK: "x"},
	}
	err := a.ValidateProvenance()
	require.Error(t, err)
	assert.Contains(t, err.Error(), model.SourceClaudeSDK)
}

func TestValidateSlug(t *testing.T) {
	for _, s := range []string{"abraham", "eden-solienne", "agent_01", "a.b"} {
		require.NoError(t, model.ValidateSlug(s), s)
	}
	for _, s := range []string{"", "-lead", "has space", "slash/y", strings.Repeat("a", model.MaxSlugLen+1)} {
		require.Error(t, model.ValidateSlug(s), s)
	}
}

func TestQueueCountsDepth(t *testing.T) {
	c := model.QueueCounts{Waiting: 2, Active: 1, Failed: 3, Completed: 10, Dead: 4}
	assert.Equal(t, int64(6), c.Depth())
	assert.Equal(t, "job_E1", model.JobIDFor("E1"))
}
