package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/eden3/eden3/internal/auth"
	"github.com/eden3/eden3/internal/model"
	"github.com/eden3/eden3/internal/rostersync"
	"github.com/eden3/eden3/internal/service/intake"
	"github.com/eden3/eden3/internal/storage"
)

const (
	maxQueryLimit  = 200
	maxQueryOffset = 100_000
)

// Store is the read surface the handlers need. *storage.DB implements it.
type Store interface {
	Ping(ctx context.Context) error
	ListAgents(ctx context.Context, f model.AgentFilter) ([]model.AgentWithKPIs, error)
	CountAgents(ctx context.Context, f model.AgentFilter) (int, error)
	GetAgentWithKPIs(ctx context.Context, slug string) (model.AgentWithKPIs, error)
	ListAgentEvents(ctx context.Context, agentID uuid.UUID, limit int) ([]model.Event, error)
	ListAgentWorks(ctx context.Context, agentID uuid.UUID, f model.WorkFilter) ([]model.Work, error)
	GetEvent(ctx context.Context, eventID string) (model.Event, error)
	PoolStats() (storage.PoolStats, bool)
}

// Intaker accepts webhook deliveries. *intake.Service implements it.
type Intaker interface {
	Intake(ctx context.Context, req intake.Request) (intake.Result, error)
}

// StatsProvider builds the webhook stats views. *stats.Service implements it.
type StatsProvider interface {
	Stats(ctx context.Context) (model.WebhookStats, error)
	Health(ctx context.Context) (model.WebhookHealth, error)
}

// QueueAdmin exposes dead-letter management. *queue.Worker implements it.
type QueueAdmin interface {
	Counts(ctx context.Context) (model.QueueCounts, error)
	RequeueDead(ctx context.Context, jobID string) (model.Job, error)
}

// SyncRunner runs roster syncs on demand. *rostersync.Scheduler implements it.
type SyncRunner interface {
	Trigger(ctx context.Context) rostersync.Result
	Status() rostersync.Status
}

// KPIRunner recomputes KPIs on demand. *kpi.Recalculator implements it.
type KPIRunner interface {
	RecalculateAll(ctx context.Context) (int, error)
	RecalculateAgent(ctx context.Context, agentID uuid.UUID) (model.AgentKPIs, error)
	RecordEvaluation(ctx context.Context, q model.QualityEvaluation) (model.AgentKPIs, error)
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  Store
	intake              Intaker
	stats               StatsProvider
	queue               QueueAdmin
	sync                SyncRunner
	kpis                KPIRunner
	jwtMgr              *auth.JWTManager
	adminKey            *auth.AdminKey
	broker              *Broker
	logger              *slog.Logger
	version             string
	maxRequestBodyBytes int64
	production          bool
	startedAt           time.Time
	now                 func() time.Time
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Queue, Sync, KPIs, Broker, AdminKey.
type HandlersDeps struct {
	DB                  Store
	Intake              Intaker
	Stats               StatsProvider
	Queue               QueueAdmin
	Sync                SyncRunner
	KPIs                KPIRunner
	JWTMgr              *auth.JWTManager
	AdminKey            *auth.AdminKey
	Broker              *Broker
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	Production          bool
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:                  d.DB,
		intake:              d.Intake,
		stats:               d.Stats,
		queue:               d.Queue,
		sync:                d.Sync,
		kpis:                d.KPIs,
		jwtMgr:              d.JWTMgr,
		adminKey:            d.AdminKey,
		broker:              d.Broker,
		logger:              d.Logger,
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		production:          d.Production,
		startedAt:           time.Now(),
		now:                 time.Now,
	}
}

// HandleListAgents handles GET /v1/agents.
func (h *Handlers) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := model.AgentFilter{
		Status: strings.ToUpper(q.Get("status")),
		Type:   q.Get("type"),
		Source: q.Get("source"),
		Limit:  queryLimit(r, 20),
		Offset: queryOffset(r),
	}
	if f.Status != "" && !model.AgentStatus(f.Status).Valid() {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown status: "+q.Get("status"))
		return
	}
	if f.Source == "" {
		f.Source = "all"
	}

	agents, err := h.db.ListAgents(r.Context(), f)
	if err != nil {
		writeInternalError(w, r, h.logger, "failed to list agents", err)
		return
	}
	total, err := h.db.CountAgents(r.Context(), f)
	if err != nil {
		writeInternalError(w, r, h.logger, "failed to count agents", err)
		return
	}
	if agents == nil {
		agents = []model.AgentWithKPIs{}
	}
	writeList(w, r, agents, &total, f.Offset+len(agents) < total, f.Limit, f.Offset)
}

// HandleGetAgent handles GET /v1/agents/{slug}.
func (h *Handlers) HandleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, ok := h.agentFromPath(w, r)
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, agent)
}

// HandleAgentFeed handles GET /v1/agents/{slug}/feed.
func (h *Handlers) HandleAgentFeed(w http.ResponseWriter, r *http.Request) {
	agent, ok := h.agentFromPath(w, r)
	if !ok {
		return
	}
	limit := queryLimit(r, 50)
	events, err := h.db.ListAgentEvents(r.Context(), agent.ID, limit)
	if err != nil {
		writeInternalError(w, r, h.logger, "failed to list agent events", err)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeList(w, r, events, nil, len(events) == limit, limit, 0)
}

// HandleAgentWorks handles GET /v1/agents/{slug}/works.
func (h *Handlers) HandleAgentWorks(w http.ResponseWriter, r *http.Request) {
	agent, ok := h.agentFromPath(w, r)
	if !ok {
		return
	}
	f := model.WorkFilter{
		Medium: r.URL.Query().Get("medium"),
		Limit:  queryLimit(r, 20),
		Offset: queryOffset(r),
	}
	works, err := h.db.ListAgentWorks(r.Context(), agent.ID, f)
	if err != nil {
		writeInternalError(w, r, h.logger, "failed to list agent works", err)
		return
	}
	if works == nil {
		works = []model.Work{}
	}
	writeList(w, r, works, nil, len(works) == f.Limit, f.Limit, f.Offset)
}

// HandleAgentStats handles GET /v1/agents/{slug}/stats.
func (h *Handlers) HandleAgentStats(w http.ResponseWriter, r *http.Request) {
	agent, ok := h.agentFromPath(w, r)
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, model.AgentStats{
		Slug:      agent.Slug,
		Name:      agent.Name,
		KQuality:  agent.KQuality,
		KRevenue:  agent.KRevenue,
		KMentions: agent.KMentions,
		KPIs:      agent.KPIs,
	})
}

// agentFromPath loads the agent named by the {slug} path value, writing the
// error response itself when it cannot.
func (h *Handlers) agentFromPath(w http.ResponseWriter, r *http.Request) (model.AgentWithKPIs, bool) {
	slug := r.PathValue("slug")
	if err := model.ValidateSlug(slug); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return model.AgentWithKPIs{}, false
	}
	agent, err := h.db.GetAgentWithKPIs(r.Context(), slug)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "agent not found: "+slug)
		return model.AgentWithKPIs{}, false
	}
	if err != nil {
		writeInternalError(w, r, h.logger, "failed to get agent", err)
		return model.AgentWithKPIs{}, false
	}
	return agent, true
}

// HandleGetEvent handles GET /v1/events/{event_id}.
func (h *Handlers) HandleGetEvent(w http.ResponseWriter, r *http.Request) {
	eventID := r.PathValue("event_id")
	if eventID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "event_id is required")
		return
	}
	ev, err := h.db.GetEvent(r.Context(), eventID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "event not found: "+eventID)
		return
	}
	if err != nil {
		writeInternalError(w, r, h.logger, "failed to get event", err)
		return
	}
	writeJSON(w, r, http.StatusOK, ev)
}

// HandleEventStream handles GET /v1/events/stream (SSE).
func (h *Handlers) HandleEventStream(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError,
			"SSE not available (LISTEN/NOTIFY not configured)")
		return
	}

	rc := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return
	}

	// Long-lived stream: lift the server's WriteTimeout for this connection.
	_ = rc.SetWriteDeadline(time.Time{})

	ch := h.broker.Subscribe()
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			_ = rc.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			_ = rc.Flush()
		}
	}
}

// HandleHealth handles GET /health (liveness). It never touches dependencies.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, model.HealthResponse{
		Status:  model.HealthHealthy,
		Version: h.version,
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	})
}

// HandleReady handles GET /health/ready. It reports 503 until Postgres answers.
func (h *Handlers) HandleReady(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := model.HealthHealthy
	httpStatus := http.StatusOK

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.db.Ping(ctx); err != nil {
		h.logger.Warn("readiness: postgres ping failed", "error", err)
		pgStatus = "disconnected"
		status = model.HealthUnhealthy
		httpStatus = http.StatusServiceUnavailable
	}

	resp := model.HealthResponse{
		Status:   status,
		Version:  h.version,
		Postgres: pgStatus,
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	}
	if h.broker != nil {
		resp.SSEBroker = "running"
	}
	writeJSON(w, r, httpStatus, resp)
}

// HandleDetailedHealth handles GET /health/detailed. It combines the
// readiness probe with pool usage, the webhook pipeline health and process
// figures. Only an unreachable database yields 503; a degraded pipeline is
// reported in the body.
func (h *Handlers) HandleDetailedHealth(w http.ResponseWriter, r *http.Request) {
	resp := model.DetailedHealth{
		Status:    model.HealthHealthy,
		Version:   h.version,
		Uptime:    int64(time.Since(h.startedAt).Seconds()),
		Timestamp: time.Now().UTC(),
		Database:  model.DatabaseHealth{Status: "connected"},
	}
	httpStatus := http.StatusOK

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	start := time.Now()
	if err := h.db.Ping(ctx); err != nil {
		h.logger.Warn("health: postgres ping failed", "error", err)
		resp.Database.Status = "disconnected"
		resp.Status = model.HealthUnhealthy
		httpStatus = http.StatusServiceUnavailable
	}
	resp.Database.ResponseTimeMs = float64(time.Since(start).Microseconds()) / 1000
	if st, ok := h.db.PoolStats(); ok {
		resp.Database.AcquiredConns = st.Acquired
		resp.Database.IdleConns = st.Idle
		resp.Database.TotalConns = st.Total
		resp.Database.MaxConns = st.Max
	}

	if httpStatus == http.StatusOK {
		wh, err := h.stats.Health(ctx)
		if err != nil {
			h.logger.Warn("health: webhook health failed", "error", err)
			resp.Status = model.HealthDegraded
		} else {
			resp.Webhooks = &wh
			resp.Status = wh.Status
		}
	}
	if h.broker != nil {
		resp.SSEBroker = "running"
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	resp.System = model.SystemHealth{
		GoVersion:  runtime.Version(),
		Goroutines: runtime.NumGoroutine(),
		HeapBytes:  mem.HeapAlloc,
	}
	writeJSON(w, r, httpStatus, resp)
}

// queryInt reads an integer query parameter, falling back to defaultVal.
func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func queryOffset(r *http.Request) int {
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		return 0
	}
	if offset > maxQueryOffset {
		return maxQueryOffset
	}
	return offset
}

func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}
