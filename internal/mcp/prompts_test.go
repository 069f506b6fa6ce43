package mcp

import (
	"context"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgentReportPrompt(t *testing.T) {
	s := newTestServer(t, &fakeStore{}, &fakeStats{})

	result, err := s.handleAgentReportPrompt(context.Background(), mcplib.GetPromptRequest{
		Params: mcplib.GetPromptParams{
			Name:      "agent-report",
			Arguments: map[string]string{"slug": "abraham"},
		},
	})
	require.NoError(t, err)
	assert.Contains(t, result.Description, "abraham")
	require.Len(t, result.Messages, 1)
	assert.Equal(t, mcplib.RoleUser, result.Messages[0].Role)

	tc, ok := result.Messages[0].Content.(mcplib.TextContent)
	require.True(t, ok)
	assert.Contains(t, tc.Text, "eden3_get_agent")
	assert.Contains(t, tc.Text, `slug="abraham"`)
}

func TestAgentReportPrompt_MissingSlug(t *testing.T) {
	s := newTestServer(t, &fakeStore{}, &fakeStats{})

	_, err := s.handleAgentReportPrompt(context.Background(), mcplib.GetPromptRequest{
		Params: mcplib.GetPromptParams{Name: "agent-report", Arguments: map[string]string{}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "slug")
}

func TestPipelineTriagePrompt(t *testing.T) {
	s := newTestServer(t, &fakeStore{}, &fakeStats{})

	result, err := s.handlePipelineTriagePrompt(context.Background(), mcplib.GetPromptRequest{})
	require.NoError(t, err)
	require.Len(t, result.Messages, 1)

	tc, ok := result.Messages[0].Content.(mcplib.TextContent)
	require.True(t, ok)
	assert.Contains(t, tc.Text, "eden3_webhook_stats")
	assert.Contains(t, tc.Text, "eden3_event_status")
}
