//go:build integration

package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eden3/eden3/internal/auth"
	"github.com/eden3/eden3/internal/mcp"
	"github.com/eden3/eden3/internal/model"
	"github.com/eden3/eden3/internal/queue"
	"github.com/eden3/eden3/internal/server"
	"github.com/eden3/eden3/internal/service/intake"
	"github.com/eden3/eden3/internal/service/kpi"
	"github.com/eden3/eden3/internal/service/processor"
	"github.com/eden3/eden3/internal/service/stats"
	"github.com/eden3/eden3/internal/signature"
	"github.com/eden3/eden3/internal/storage"
	"github.com/eden3/eden3/internal/testutil"
)

const (
	testSecret   = "pipeline-secret"
	testAdminKey = "pipeline-admin-key"
	testQueue    = "eden3-events-test"
)

var (
	testSrv    *httptest.Server
	testDB     *storage.DB
	signer     *signature.Verifier
	adminToken string
)

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	ctx, cancel := context.WithCancel(context.Background())
	logger := testutil.TestLogger()

	var err error
	testDB, err = tc.NewTestDB(ctx, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	signer = signature.New(testSecret)
	kpis := kpi.New(testDB, logger, kpi.DefaultParallelism)
	proc := processor.New(processor.DBStore{DB: testDB}, kpis, logger)
	worker := queue.NewWorker(testDB, proc.Process, queue.Config{
		Queue:        testQueue,
		PollInterval: 50 * time.Millisecond,
		Backoff:      queue.Backoff{Base: 50 * time.Millisecond, Max: 200 * time.Millisecond},
	}, logger)
	intakeSvc := intake.New(testDB, signer, intake.NewResolver(testDB, intake.DefaultPolicy()), intake.Config{
		Queue:     testQueue,
		OnEnqueue: worker.Wake,
	}, logger)
	statsSvc := stats.New(testDB, worker)

	jwtMgr, _ := auth.NewJWTManager("", "", time.Hour)
	adminKey, _ := auth.NewAdminKey(testAdminKey)
	broker := server.NewBroker(testDB, logger)
	go broker.Start(ctx)
	worker.Start(ctx)

	srv := server.New(server.ServerConfig{
		DB:                  testDB,
		Intake:              intakeSvc,
		Stats:               statsSvc,
		JWTMgr:              jwtMgr,
		Logger:              logger,
		Queue:               worker,
		KPIs:                kpis,
		AdminKey:            adminKey,
		Broker:              broker,
		MCPServer:           mcp.New(testDB, statsSvc, logger, "test").MCPServer(),
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
	})
	testSrv = httptest.NewServer(srv.Handler())
	adminToken = getAdminToken(testSrv.URL)

	code := m.Run()

	testSrv.Close()
	cancel()
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
	worker.Drain(drainCtx)
	drainCancel()
	testDB.Close(context.Background())
	tc.Terminate()
	os.Exit(code)
}

func getAdminToken(baseURL string) string {
	body, _ := json.Marshal(model.AuthTokenRequest{APIKey: testAdminKey})
	resp, err := http.Post(baseURL+"/auth/token", "application/json", bytes.NewReader(body))
	if err != nil {
		panic(fmt.Sprintf("getAdminToken: request failed: %v", err))
	}
	defer func() { _ = resp.Body.Close() }()
	var out struct {
		Data model.AuthTokenResponse `json:"data"`
	}
	if resp.StatusCode != http.StatusOK {
		panic(fmt.Sprintf("getAdminToken: status %d", resp.StatusCode))
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		panic(fmt.Sprintf("getAdminToken: decode: %v", err))
	}
	return out.Data.Token
}

// sendWebhook posts a signed delivery and returns the response.
func sendWebhook(t *testing.T, eventID, eventType string, payload map[string]any, sig string) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	if sig == "" {
		sig = signer.Sign(body)
	}
	req, err := http.NewRequest(http.MethodPost, testSrv.URL+"/webhook", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Eden-Event-Id", eventID)
	req.Header.Set("X-Eden-Event-Type", eventType)
	req.Header.Set("X-Eden-Signature", sig)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func getJSON(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(testSrv.URL + path)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	if out != nil {
		data, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(data, out), string(data))
	}
	return resp.StatusCode
}

func waitForStatus(t *testing.T, eventID string, want model.EventStatus) model.Event {
	t.Helper()
	var ev model.Event
	require.Eventually(t, func() bool {
		var out struct {
			Data model.Event `json:"data"`
		}
		if getJSON(t, "/v1/events/"+eventID, &out) != http.StatusOK {
			return false
		}
		ev = out.Data
		return ev.Status == want
	}, 10*time.Second, 50*time.Millisecond, "event %s never reached %s", eventID, want)
	return ev
}

func TestWebhookPipeline(t *testing.T) {
	ctx := context.Background()
	slug := testutil.UniqueSlug("pipeline")
	_, err := testutil.CreateAgent(ctx, testDB, slug, nil)
	require.NoError(t, err)

	now := time.Now().UTC().Format(time.RFC3339)
	created := "evt-" + testutil.UniqueSlug("created")
	resp := sendWebhook(t, created, model.EventTypeWorkCreated, map[string]any{
		"agentId":   slug,
		"timestamp": now,
		"workId":    "work-" + created,
		"title":     "First Light",
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var accepted model.WebhookAccepted
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&accepted))
	assert.True(t, accepted.Success)
	assert.Equal(t, created, accepted.Data.EventID)
	assert.Equal(t, model.JobIDFor(created), accepted.Data.JobID)

	done := waitForStatus(t, created, model.EventCompleted)
	assert.NotNil(t, done.ProcessedAt)

	quality := "evt-" + testutil.UniqueSlug("quality")
	resp = sendWebhook(t, quality, model.EventTypeQualityEvaluation, map[string]any{
		"agentId":   slug,
		"timestamp": now,
		"score":     88,
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	waitForStatus(t, quality, model.EventCompleted)

	var agent struct {
		Data model.AgentWithKPIs `json:"data"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, "/v1/agents/"+slug, &agent))
	require.NotNil(t, agent.Data.KPIs)
	assert.EqualValues(t, 1, agent.Data.KPIs.TotalWorks)
	assert.InDelta(t, 88.0, agent.Data.KQuality, 0.001)

	var works struct {
		Data []model.Work `json:"data"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, "/v1/agents/"+slug+"/works", &works))
	require.Len(t, works.Data, 1)
	assert.Equal(t, "First Light", works.Data[0].Title)
}

func TestWebhookDuplicate(t *testing.T) {
	ctx := context.Background()
	slug := testutil.UniqueSlug("dup")
	_, err := testutil.CreateAgent(ctx, testDB, slug, nil)
	require.NoError(t, err)

	eventID := "evt-" + testutil.UniqueSlug("dup")
	payload := map[string]any{"agentId": slug, "timestamp": time.Now().UTC().Format(time.RFC3339), "platform": "x"}

	first := sendWebhook(t, eventID, model.EventTypeSocialMention, payload, "")
	require.Equal(t, http.StatusOK, first.StatusCode)

	second := sendWebhook(t, eventID, model.EventTypeSocialMention, payload, "")
	assert.Equal(t, http.StatusConflict, second.StatusCode)
}

func TestWebhookRejections(t *testing.T) {
	ctx := context.Background()
	slug := testutil.UniqueSlug("reject")
	_, err := testutil.CreateAgent(ctx, testDB, slug, nil)
	require.NoError(t, err)
	ts := time.Now().UTC().Format(time.RFC3339)

	resp := sendWebhook(t, "evt-"+testutil.UniqueSlug("badsig"), model.EventTypeSocialMention,
		map[string]any{"agentId": slug, "timestamp": ts}, "sha256=deadbeef")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = sendWebhook(t, "evt-"+testutil.UniqueSlug("ghost"), model.EventTypeSocialMention,
		map[string]any{"agentId": "no-such-agent-" + slug, "timestamp": ts}, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = sendWebhook(t, "evt-"+testutil.UniqueSlug("noagent"), model.EventTypeSocialMention,
		map[string]any{"timestamp": ts}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Rejected deliveries leave no event behind.
	var apiErr model.APIError
	assert.Equal(t, http.StatusNotFound, getJSON(t, "/v1/events/evt-never-sent-"+slug, &apiErr))
}

func TestFailedEventIsRecorded(t *testing.T) {
	ctx := context.Background()
	slug := testutil.UniqueSlug("fail")
	_, err := testutil.CreateAgent(ctx, testDB, slug, nil)
	require.NoError(t, err)

	// A sale for a work that was never created cannot be applied.
	eventID := "evt-" + testutil.UniqueSlug("orphan-sale")
	resp := sendWebhook(t, eventID, model.EventTypeWorkSold, map[string]any{
		"agentId":   slug,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"workId":    "missing-work",
		"salePrice": 10,
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ev := waitForStatus(t, eventID, model.EventFailed)
	require.NotNil(t, ev.ErrorMessage)
	assert.NotEmpty(t, *ev.ErrorMessage)
}

func TestWorkIDCollisionFails(t *testing.T) {
	ctx := context.Background()
	owner := testutil.UniqueSlug("owner")
	other := testutil.UniqueSlug("other")
	for _, slug := range []string{owner, other} {
		_, err := testutil.CreateAgent(ctx, testDB, slug, nil)
		require.NoError(t, err)
	}
	workID := "work-" + testutil.UniqueSlug("shared")

	first := "evt-" + testutil.UniqueSlug("first")
	resp := sendWebhook(t, first, model.EventTypeWorkCreated, map[string]any{
		"agentId": owner, "workId": workID, "title": "Original",
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	waitForStatus(t, first, model.EventCompleted)

	// A different event reusing the id must not be absorbed as a no-op.
	second := "evt-" + testutil.UniqueSlug("second")
	resp = sendWebhook(t, second, model.EventTypeWorkCreated, map[string]any{
		"agentId": other, "workId": workID, "title": "Impostor",
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ev := waitForStatus(t, second, model.EventFailed)
	require.NotNil(t, ev.ErrorMessage)
	assert.Contains(t, *ev.ErrorMessage, "duplicate id")

	work, err := testDB.GetWork(ctx, workID)
	require.NoError(t, err)
	assert.Equal(t, "Original", work.Title)
}

func TestWebhookStatsEndpoint(t *testing.T) {
	var out struct {
		Data model.WebhookHealth `json:"data"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, "/webhook-stats/health", &out))
	assert.Contains(t, []string{model.HealthHealthy, model.HealthDegraded, model.HealthUnhealthy}, out.Data.Status)
}

func TestAdminEndpoints(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, testSrv.URL+"/admin/queue", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req.Header.Set("Authorization", "Bearer "+adminToken)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, err = http.NewRequest(http.MethodPost, testSrv.URL+"/admin/kpis/recalculate", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestAdminRubricFeedsKPIs(t *testing.T) {
	ctx := context.Background()
	slug := testutil.UniqueSlug("rubric")
	_, err := testutil.CreateAgent(ctx, testDB, slug, nil)
	require.NoError(t, err)

	post := func(score float64) int {
		body, _ := json.Marshal(map[string]any{"score": score, "evaluator_id": "curator"})
		req, err := http.NewRequest(http.MethodPost, testSrv.URL+"/admin/agents/"+slug+"/rubric", bytes.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+adminToken)
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		_ = resp.Body.Close()
		return resp.StatusCode
	}
	require.Equal(t, http.StatusOK, post(70))
	require.Equal(t, http.StatusOK, post(90))
	assert.Equal(t, http.StatusBadRequest, post(150))

	agent, err := testDB.GetAgentWithKPIs(ctx, slug)
	require.NoError(t, err)
	require.NotNil(t, agent.KPIs)
	assert.InDelta(t, 80.0, agent.KPIs.AverageRating, 1e-9)
}

func TestHealthReady(t *testing.T) {
	assert.Equal(t, http.StatusOK, getJSON(t, "/health/ready", nil))

	var detailed struct {
		Data model.DetailedHealth `json:"data"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, "/health/detailed", &detailed))
	assert.Equal(t, "connected", detailed.Data.Database.Status)
	assert.Positive(t, detailed.Data.Database.TotalConns)
	require.NotNil(t, detailed.Data.Webhooks)
}

func newMCPClient(t *testing.T) *mcpclient.Client {
	t.Helper()
	c, err := mcpclient.NewStreamableHttpClient(testSrv.URL + "/mcp")
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestMCPOverHTTP(t *testing.T) {
	ctx := context.Background()
	slug := testutil.UniqueSlug("mcp")
	_, err := testutil.CreateAgent(ctx, testDB, slug, nil)
	require.NoError(t, err)

	c := newMCPClient(t)
	initResult, err := c.Initialize(ctx, mcplib.InitializeRequest{
		Params: mcplib.InitializeParams{
			ProtocolVersion: mcplib.LATEST_PROTOCOL_VERSION,
			ClientInfo:      mcplib.Implementation{Name: "pipeline-test", Version: "1.0.0"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "eden3", initResult.ServerInfo.Name)

	res, err := c.CallTool(ctx, mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      "eden3_get_agent",
			Arguments: map[string]any{"slug": slug},
		},
	})
	require.NoError(t, err)
	require.False(t, res.IsError)
	tc, ok := res.Content[0].(mcplib.TextContent)
	require.True(t, ok)
	assert.Contains(t, tc.Text, slug)
}
