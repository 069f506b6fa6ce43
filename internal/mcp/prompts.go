package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// agent-report: walks the assistant through a KPI report for one agent.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("agent-report",
			mcplib.WithPromptDescription("Summarize one agent's KPIs and recent activity"),
			mcplib.WithArgument("slug",
				mcplib.ArgumentDescription("Slug of the agent to report on"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleAgentReportPrompt,
	)

	// pipeline-triage: explains how to investigate a failing webhook pipeline.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("pipeline-triage",
			mcplib.WithPromptDescription("Investigate webhook processing failures"),
		),
		s.handlePipelineTriagePrompt,
	)
}

func (s *Server) handleAgentReportPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	slug := request.Params.Arguments["slug"]
	if slug == "" {
		return nil, fmt.Errorf("slug argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("KPI report for %s", slug),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Write a short performance report for the agent %q.

1. CALL eden3_get_agent with slug="%s" and include_events=true.

2. REPORT the headline KPIs:
   - k_quality is the average evaluation score (0-100)
   - k_revenue is gross revenue across sold works
   - k_mentions is the number of recorded social mentions

3. DESCRIBE recent activity from recent_events. Call out any FAILED
   events and their error messages.

4. If the response carries a note (no activity, inactive, unsold works),
   say so plainly and suggest what would change it.

Keep numbers as reported. Do not estimate values that are missing.`, slug, slug),
				},
			},
		},
	}, nil
}

func (s *Server) handlePipelineTriagePrompt(_ context.Context, _ mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "Investigate webhook processing failures",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: `The webhook pipeline may be unhealthy. Investigate it:

1. CALL eden3_webhook_stats with include_recent=true.

2. CHECK status and success_rate. Healthy is above 95%, degraded above 85%.

3. CHECK the queue. A large waiting count means the worker is behind.
   A non-zero dead count means jobs exhausted their retries and need
   an operator to requeue them.

4. GROUP top_errors by event type and explain the likely cause of each.

5. For any specific event the user mentions, CALL eden3_event_status
   with its event_id.

Finish with a short list of recommended actions.`,
				},
			},
		},
	}, nil
}
