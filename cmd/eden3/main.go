package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/eden3/eden3/internal/auth"
	"github.com/eden3/eden3/internal/config"
	"github.com/eden3/eden3/internal/mcp"
	"github.com/eden3/eden3/internal/queue"
	"github.com/eden3/eden3/internal/rostersync"
	"github.com/eden3/eden3/internal/server"
	"github.com/eden3/eden3/internal/service/intake"
	"github.com/eden3/eden3/internal/service/kpi"
	"github.com/eden3/eden3/internal/service/processor"
	"github.com/eden3/eden3/internal/service/stats"
	"github.com/eden3/eden3/internal/signature"
	"github.com/eden3/eden3/internal/storage"
	"github.com/eden3/eden3/internal/telemetry"
	"github.com/eden3/eden3/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(os.Getenv("EDEN3_LOG_LEVEL")),
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("eden3 starting", "version", version, "port", cfg.Port, "env", cfg.Environment)

	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
		SampleRatio: cfg.OTELSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close(context.Background())
	db.RegisterPoolMetrics()

	// Applied files are tracked in schema_migrations, so errors here are real.
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	secret := cfg.WebhookSecret
	if secret == "" {
		secret = signature.DevSecret
		logger.Warn("WEBHOOK_SECRET unset, using the development secret")
	}
	verifier := signature.New(secret)

	resolvePolicy, err := intake.LoadPolicy(cfg.ResolutionPolicyPath)
	if err != nil {
		return err
	}

	// Processing pipeline: recalculator, processor, durable queue worker.
	kpis := kpi.New(db, logger, cfg.KPIParallelism)
	proc := processor.New(processor.DBStore{DB: db}, kpis, logger)
	worker := queue.NewWorker(db, proc.Process, queue.Config{
		Queue:         cfg.QueueName,
		PollInterval:  cfg.QueuePollInterval,
		BatchSize:     cfg.QueueBatchSize,
		Concurrency:   cfg.QueueConcurrency,
		Lease:         cfg.QueueLease,
		Backoff:       queue.Backoff{Base: cfg.QueueBackoff, Max: cfg.QueueMaxBackoff},
		KeepCompleted: cfg.QueueKeepCompleted,
		KeepDead:      cfg.QueueKeepFailed,
	}, logger)
	worker.Start(ctx)

	intakeSvc := intake.New(db, verifier, intake.NewResolver(db, resolvePolicy), intake.Config{
		Queue:       cfg.QueueName,
		MaxAttempts: cfg.QueueAttempts,
		OnEnqueue:   worker.Wake,
	}, logger)

	// Roster sync.
	syncPolicy, err := rostersync.LoadPolicy(cfg.SyncPolicyPath)
	if err != nil {
		return err
	}
	source := newRosterSource(cfg, logger)
	scheduler := rostersync.NewScheduler(
		rostersync.NewSyncer(source, db, kpis, syncPolicy, logger),
		rostersync.SchedulerConfig{
			Enabled:      cfg.SyncEnabled,
			Interval:     cfg.SyncInterval,
			InitialDelay: cfg.SyncInitialDelay,
		},
		logger,
	)
	scheduler.Start(ctx)

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	adminKey, err := auth.NewAdminKey(cfg.AdminAPIKey)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if !adminKey.Configured() {
		logger.Warn("EDEN3_ADMIN_API_KEY unset, admin endpoints are unreachable")
	}

	statsSvc := stats.New(db, worker)
	mcpSrv := mcp.New(db, statsSvc, logger, version)

	// SSE broker requires the LISTEN/NOTIFY connection.
	var broker *server.Broker
	if db.HasNotifyConn() {
		broker = server.NewBroker(db, logger)
		go broker.Start(ctx)
	} else {
		logger.Info("SSE broker: disabled (no NOTIFY_URL)")
	}

	var limiters server.Limiters
	if cfg.RateLimitEnabled {
		limiters = server.DefaultLimiters()
		logger.Info("rate limiting: memory (per-IP token bucket)",
			"webhook_per_min", server.WebhookRatePerMinute,
			"query_per_min", server.QueryRatePerMinute,
			"auth_per_min", server.AuthRatePerMinute)
	} else {
		logger.Info("rate limiting: disabled")
	}
	defer limiters.Close()

	srv := server.New(server.ServerConfig{
		DB:                  db,
		Intake:              intakeSvc,
		Stats:               statsSvc,
		JWTMgr:              jwtMgr,
		Logger:              logger,
		Queue:               worker,
		Sync:                scheduler,
		KPIs:                kpis,
		AdminKey:            adminKey,
		Broker:              broker,
		MCPServer:           mcpSrv.MCPServer(),
		Limiters:            limiters,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		Production:          cfg.IsProduction(),
		CORSAllowedOrigins:  cfg.CORSAllowedOrigins,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown. Each phase gets its own slice of the budget so an
	// early phase cannot starve a later one. Order: stop accepting requests,
	// stop the sync scheduler, then let in-flight jobs finish.
	slog.Info("eden3 shutting down")
	phase := cfg.ShutdownTimeout / 3

	httpCtx, httpCancel := context.WithTimeout(context.Background(), phase)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	syncCtx, syncCancel := context.WithTimeout(context.Background(), phase)
	scheduler.Stop(syncCtx)
	syncCancel()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), phase)
	worker.Drain(drainCtx)
	drainCancel()

	slog.Info("eden3 stopped")
	return nil
}

// newRosterSource picks the roster upstream: the legacy HTTP API, then a
// SQLite export, then the built-in fixture.
func newRosterSource(cfg config.Config, logger *slog.Logger) rostersync.RosterSource {
	switch {
	case cfg.LegacyAPIURL != "":
		logger.Info("rostersync: source http", "url", cfg.LegacyAPIURL)
		return rostersync.NewHTTPSource(cfg.LegacyAPIURL,
			rostersync.WithRetry(3, 500*time.Millisecond, 10*time.Second),
			rostersync.WithRateLimit(1, 1),
		)
	case cfg.LegacySQLitePath != "":
		logger.Info("rostersync: source sqlite", "path", cfg.LegacySQLitePath)
		return rostersync.NewSQLiteSource(cfg.LegacySQLitePath)
	default:
		logger.Info("rostersync: source static fixture")
		return rostersync.NewStaticSource(nil)
	}
}
