package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/eden3/eden3/internal/auth"
	"github.com/eden3/eden3/internal/ratelimit"
)

// Per-IP request budgets, per minute.
const (
	WebhookRatePerMinute = 1000
	QueryRatePerMinute   = 100
	AuthRatePerMinute    = 20
)

// Server is the EDEN3 HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Limiters holds one limiter per route class. A nil limiter disables
// limiting for its class.
type Limiters struct {
	Webhook ratelimit.Limiter
	Query   ratelimit.Limiter
	Auth    ratelimit.Limiter
}

// DefaultLimiters returns in-memory per-IP limiters at the standard budgets.
func DefaultLimiters() Limiters {
	return Limiters{
		Webhook: ratelimit.PerMinute(WebhookRatePerMinute),
		Query:   ratelimit.PerMinute(QueryRatePerMinute),
		Auth:    ratelimit.PerMinute(AuthRatePerMinute),
	}
}

// Close releases every limiter.
func (l Limiters) Close() {
	for _, lim := range []ratelimit.Limiter{l.Webhook, l.Query, l.Auth} {
		if lim != nil {
			_ = lim.Close()
		}
	}
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Queue, Sync, KPIs, AdminKey, Broker, MCPServer.
type ServerConfig struct {
	// Required dependencies.
	DB     Store
	Intake Intaker
	Stats  StatsProvider
	JWTMgr *auth.JWTManager
	Logger *slog.Logger

	// Optional dependencies (nil = disabled).
	Queue     QueueAdmin
	Sync      SyncRunner
	KPIs      KPIRunner
	AdminKey  *auth.AdminKey
	Broker    *Broker
	MCPServer *mcpserver.MCPServer
	Limiters  Limiters

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	Production          bool
	CORSAllowedOrigins  []string
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		Intake:              cfg.Intake,
		Stats:               cfg.Stats,
		Queue:               cfg.Queue,
		Sync:                cfg.Sync,
		KPIs:                cfg.KPIs,
		JWTMgr:              cfg.JWTMgr,
		AdminKey:            cfg.AdminKey,
		Broker:              cfg.Broker,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		Production:          cfg.Production,
	})

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	limit := func(prefix string, l ratelimit.Limiter) func(http.Handler) http.Handler {
		return ratelimit.Middleware(ratelimit.Rule{Prefix: prefix, Limiter: l}, ratelimit.IPKeyFunc, reqIDFunc, cfg.Logger)
	}
	webhookRL := limit("webhook", cfg.Limiters.Webhook)
	queryRL := limit("query", cfg.Limiters.Query)
	authRL := limit("auth", cfg.Limiters.Auth)

	mux := http.NewServeMux()

	// Webhook intake (signature checked by the intake service).
	mux.Handle("POST /webhook", webhookRL(http.HandlerFunc(h.HandleWebhook)))
	mux.Handle("POST /webhook/test", webhookRL(http.HandlerFunc(h.HandleWebhookTest)))
	mux.Handle("GET /webhook-stats", queryRL(http.HandlerFunc(h.HandleWebhookStats)))
	mux.Handle("GET /webhook-stats/health", queryRL(http.HandlerFunc(h.HandleWebhookHealth)))

	// Public read API.
	mux.Handle("GET /v1/agents", queryRL(http.HandlerFunc(h.HandleListAgents)))
	mux.Handle("GET /v1/agents/{slug}", queryRL(http.HandlerFunc(h.HandleGetAgent)))
	mux.Handle("GET /v1/agents/{slug}/feed", queryRL(http.HandlerFunc(h.HandleAgentFeed)))
	mux.Handle("GET /v1/agents/{slug}/works", queryRL(http.HandlerFunc(h.HandleAgentWorks)))
	mux.Handle("GET /v1/agents/{slug}/stats", queryRL(http.HandlerFunc(h.HandleAgentStats)))
	mux.Handle("GET /v1/events/{event_id}", queryRL(http.HandlerFunc(h.HandleGetEvent)))

	// Live stream (no rate limit, long-lived connection).
	mux.HandleFunc("GET /v1/events/stream", h.HandleEventStream)

	// Auth (rate limited by IP).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Admin (admin JWT required, not rate limited).
	mux.Handle("POST /admin/sync", requireAdmin(http.HandlerFunc(h.HandleAdminSync)))
	mux.Handle("GET /admin/sync/status", requireAdmin(http.HandlerFunc(h.HandleAdminSyncStatus)))
	mux.Handle("POST /admin/kpis/recalculate", requireAdmin(http.HandlerFunc(h.HandleAdminRecalculate)))
	mux.Handle("POST /admin/agents/{slug}/rubric", requireAdmin(http.HandlerFunc(h.HandleAdminRubric)))
	mux.Handle("GET /admin/queue", requireAdmin(http.HandlerFunc(h.HandleAdminQueue)))
	mux.Handle("POST /admin/jobs/{job_id}/retry", requireAdmin(http.HandlerFunc(h.HandleAdminRetryJob)))

	// MCP StreamableHTTP transport (read-only tools, query rate limit).
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", queryRL(mcpserver.NewStreamableHTTPServer(cfg.MCPServer)))
	}

	// Health probes (no auth). Only the detailed view is rate limited.
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /health/ready", h.HandleReady)
	mux.Handle("GET /health/detailed", queryRL(http.HandlerFunc(h.HandleDetailedHealth)))

	// Middleware chain (outermost executes first):
	// request ID → security headers → CORS → tracing → logging → auth → recovery → body limit → handler.
	var handler http.Handler = mux
	handler = maxBodyMiddleware(cfg.MaxRequestBodyBytes, handler)
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = corsMiddleware(cfg.CORSAllowedOrigins)(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
