package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/GTJasonMK/AnyRounterTool/internal/config"
	"github.com/GTJasonMK/AnyRounterTool/internal/handler"
	"github.com/GTJasonMK/AnyRounterTool/internal/infra/browser"
	"github.com/GTJasonMK/AnyRounterTool/internal/infra/client"
	"github.com/GTJasonMK/AnyRounterTool/internal/infra/credentials"
	"github.com/GTJasonMK/AnyRounterTool/internal/infra/observability"
	"github.com/GTJasonMK/AnyRounterTool/internal/infra/recorder"
	"github.com/GTJasonMK/AnyRounterTool/internal/infra/resilience"
	"github.com/GTJasonMK/AnyRounterTool/internal/infra/sessionpool"
	"github.com/GTJasonMK/AnyRounterTool/internal/infra/state"
	"github.com/GTJasonMK/AnyRounterTool/internal/port"
	"github.com/GTJasonMK/AnyRounterTool/internal/service"
)

const usage = `usage: monitor [flags] [serve|check|token]

  serve   run the control API and the periodic checker (default)
  check   run one batch over every account, print the results and exit
  token   print an admin token for the control API

flags:
`

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	subject := flag.String("subject", "admin", "subject of the token minted by 'token'")
	ttl := flag.Duration("ttl", 24*time.Hour, "lifetime of the token minted by 'token'")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	// --- Load .env file (for local development) ---
	_ = config.LoadDotEnv(".env")

	// --- Config ---
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	cmd := flag.Arg(0)
	if cmd == "token" {
		token, err := handler.IssueAdminToken(cfg.JWTSecret, *subject, *ttl)
		if err != nil {
			fmt.Fprintf(os.Stderr, "token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	// --- Logger ---
	logger := observability.NewLogger(cfg.LogLevel, "balance-monitor")
	defer logger.Sync()

	app, err := build(cfg, logger)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}

	code := 0
	switch cmd {
	case "", "serve":
		serve(cfg, app, logger)
	case "check":
		code = runOnce(app)
	default:
		flag.Usage()
		code = 2
	}
	app.close(logger)
	if code != 0 {
		logger.Sync()
		os.Exit(code)
	}
}

// app holds the wired components shared by the subcommands.
type app struct {
	monitor        *service.Monitor
	events         *service.Broadcaster
	pool           *sessionpool.Pool
	recorder       port.Recorder
	metrics        *observability.Metrics
	shutdownTracer func(context.Context) error
}

func build(cfg *config.Config, logger *zap.Logger) (*app, error) {
	logger.Info("configuration loaded",
		zap.Int("port", cfg.Port),
		zap.String("log_level", cfg.LogLevel),
		zap.String("data_dir", cfg.DataDir),
		zap.String("site", cfg.Site.BaseURL),
		zap.String("api", cfg.API.BaseURL),
		zap.Int("pool_max_size", cfg.Pool.MaxSize),
		zap.Duration("account_timeout", cfg.Performance.AccountTimeout),
		zap.Duration("query_interval", cfg.Performance.QueryInterval),
		zap.Bool("fallback_to_web", cfg.API.FallbackToWeb),
		zap.Bool("quota_sync", cfg.Site.QuotaSync),
		zap.Bool("admin_auth", cfg.JWTSecret != ""),
	)
	for _, w := range cfg.Warnings {
		logger.Warn("configuration corrected", zap.String("detail", w))
	}

	// --- Tracing ---
	shutdownTracer, err := observability.InitTracer(cfg.OTLPEndpoint, "balance-monitor", cfg.TracingEnabled)
	if err != nil {
		return nil, err
	}

	// --- Metrics ---
	metrics := observability.NewMetrics()

	// --- State ---
	accounts, err := credentials.Open(cfg.CredentialsFile, logger)
	if err != nil {
		return nil, fmt.Errorf("open credentials: %w", err)
	}

	balances := state.NewBalanceCache(cfg.BalanceCacheFile, logger)
	if n, err := balances.Load(); err != nil {
		logger.Warn("balance cache not loaded", zap.Error(err))
	} else {
		logger.Info("balance cache loaded", zap.Int("entries", n))
	}

	cycle := state.NewDailyCycle(cfg.DailyStateFile, cfg.Performance.RolloverHour, logger)
	if n, err := cycle.Load(); err != nil {
		logger.Warn("daily login state not loaded", zap.Error(err))
	} else {
		logger.Info("daily login state loaded", zap.Int("entries", n))
	}

	var history port.Recorder
	sqlite, err := recorder.NewSQLiteRecorder(cfg.HistoryDB, logger)
	if err != nil {
		logger.Warn("check history disabled", zap.String("path", cfg.HistoryDB), zap.Error(err))
		history = recorder.NewNoopRecorder()
	} else {
		history = sqlite
	}

	// --- Session pool ---
	factory := browser.NewFactory(cfg.Browser, logger)
	pool := sessionpool.New(context.Background(), factory, cfg.Pool, metrics, logger,
		sessionpool.WithCreateRetry(resilience.Config{MaxRetries: 2, InitialBackoff: time.Second}),
	)

	// --- Fast path ---
	httpClient := &http.Client{Timeout: cfg.API.Timeout}
	cb := resilience.NewCircuitBreaker("balance-api", logger)
	limiter := resilience.NewLimiter(cfg.API.RateLimit, cfg.API.RateBurst).
		OnWait(func(time.Duration) { metrics.IncrRateLimitWait() })
	querier := client.NewBalanceClient(httpClient, cfg.API, cb, limiter, metrics, logger)

	// --- Services ---
	events := service.NewBroadcaster(64, logger)
	board := service.NewStatusBoard()

	deps := service.ResolverDeps{
		Board:     board,
		Querier:   querier,
		Pool:      pool,
		Auth:      service.NewAuthenticator(service.DefaultLoginConfig(cfg.Site.BaseURL, cfg.Site.LoginRetries, cfg.Site.RetryDelay), logger),
		Extractor: service.NewExtractor(service.DefaultExtractConfig(cfg.Site.ExtractWait), logger),
		Cycle:     cycle,
		Cache:     balances,
		Recorder:  history,
		Events:    events,
		Metrics:   metrics,
	}
	if cfg.Site.QuotaSync {
		deps.Syncer = service.NewQuotaSyncer(logger)
	}
	resolver := service.NewResolver(deps, service.ResolverConfig{
		AcquireTimeout:     cfg.Pool.AcquireTimeout,
		FallbackToWeb:      cfg.API.FallbackToWeb,
		PostSessionRefresh: cfg.API.PostSessionRefresh,
	}, logger)

	workers := service.WorkerCount(cfg.Performance)
	coordinator := service.NewCoordinator(resolver, pool, workers, cfg.Performance.AccountTimeout, metrics, logger)

	monitor := service.NewMonitor(service.MonitorDeps{
		Accounts:    accounts,
		Board:       board,
		Checker:     resolver,
		Coordinator: coordinator,
		Cache:       balances,
		Cycle:       cycle,
		Recorder:    history,
		Pool:        pool,
	}, logger)

	return &app{
		monitor:        monitor,
		events:         events,
		pool:           pool,
		recorder:       history,
		metrics:        metrics,
		shutdownTracer: shutdownTracer,
	}, nil
}

func (a *app) close(logger *zap.Logger) {
	a.pool.Shutdown()
	if err := a.recorder.Close(); err != nil {
		logger.Warn("failed to close check history", zap.Error(err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.shutdownTracer(ctx); err != nil {
		logger.Warn("failed to flush traces", zap.Error(err))
	}
}

func runOnce(a *app) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	results, stats, err := a.monitor.CheckAll(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "check: %v\n", err)
		return 1
	}
	for _, r := range results {
		mark := "ok  "
		if !r.Success {
			mark = "FAIL"
		}
		fmt.Printf("%s %-32s %-14s %s\n", mark, r.Username, r.Balance, r.Source)
	}
	fmt.Printf("\n%d accounts, %d ok, %d failed, %d timed out in %s (%.2f/s)\n",
		stats.Total, stats.Succeeded, stats.Failed, stats.TimedOut,
		stats.Duration.Round(time.Millisecond), stats.Throughput)
	if stats.Failed > 0 {
		return 1
	}
	return 0
}

func serve(cfg *config.Config, a *app, logger *zap.Logger) {
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// --- Scheduler ---
	scheduler := service.NewScheduler(ctx, a.monitor, a.pool, service.SchedulerConfig{
		QueryInterval: cfg.Performance.QueryInterval,
		SweepInterval: cfg.Pool.SweepInterval,
		MaxIdle:       cfg.Pool.MaxIdle,
	}, logger)
	if err := scheduler.Register(); err != nil {
		logger.Fatal("failed to register scheduled jobs", zap.Error(err))
	}
	scheduler.Start()
	if cfg.Performance.CheckOnStart {
		go scheduler.RunBatchNow()
	}

	// --- Router ---
	router := handler.NewRouter(a.monitor, a.events, a.metrics, cfg.JWTSecret, logger)

	// --- Server ---
	// WriteTimeout stays zero so /v1/events streams and batch checks are not cut off.
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// --- Graceful shutdown ---
	go func() {
		logger.Info("server starting", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("server shutting down...")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	select {
	case <-scheduler.Stop().Done():
	case <-shutdownCtx.Done():
		logger.Warn("scheduled jobs still running at shutdown")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}
