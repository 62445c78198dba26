package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/feedpacer/feedpacer/internal/client"
	"github.com/feedpacer/feedpacer/internal/config"
	"github.com/feedpacer/feedpacer/internal/health"
	"github.com/feedpacer/feedpacer/internal/metrics"
	"github.com/feedpacer/feedpacer/internal/model"
	"github.com/feedpacer/feedpacer/internal/pace"
	"github.com/feedpacer/feedpacer/internal/service"
	"github.com/feedpacer/feedpacer/internal/store"
	"github.com/feedpacer/feedpacer/internal/tasks"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("Starting feedpacer")

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger.Info("Configuration loaded",
		zap.String("store_backend", cfg.Store.Backend),
		zap.String("log_level", cfg.Logging.Level))

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)

	backend, err := openBackend(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize store backend", zap.Error(err))
	}
	defer backend.close()

	seenStore := openSeenStore(cfg, logger)
	if seenStore != nil {
		defer seenStore.Close()
	}

	lockService := service.NewLockService(backend.locks, m, logger)
	admissionService := service.NewAdmissionService(backend.rates, m, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("Received signal, stopping", zap.String("signal", sig.String()))
		cancel()
	}()

	if cfg.Metrics.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle(cfg.Metrics.Path, promhttp.Handler())
			addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			logger.Info("Starting metrics server", zap.String("address", addr))
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	if cfg.Health.Enabled {
		healthChecker := health.NewHealthChecker(backend.pinger, seenStore, logger)
		go func() {
			if err := health.StartHealthServer(healthChecker, cfg.Health.Port, logger); err != nil {
				logger.Error("Health check server failed", zap.Error(err))
			}
		}()
	}

	runner := tasks.NewRunner(ctx, logger)

	command := "locks"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	switch command {
	case "harvest":
		runHarvest(runner, cfg, lockService, admissionService, backend, seenStore, m, logger)
	case "queue":
		runQueue(runner, cfg, lockService, admissionService, backend, seenStore, m, logger)
	case "locks":
		listLocks(ctx, cfg, lockService, logger)
	case "clear-locks":
		clearLocks(ctx, lockService, logger)
	case "remaining":
		showRemaining(ctx, cfg, admissionService, logger)
	case "report":
		showReport(ctx, backend.actions, logger)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\nusage: feedpacer [harvest|queue|locks|clear-locks|remaining|report] <resource-id>\n", command)
		os.Exit(2)
	}

	if err := runner.Shutdown(30 * time.Second); err != nil {
		logger.Warn("Task runner shutdown incomplete", zap.Error(err))
	}
}

// storeBackend bundles the stores of whichever backend the config
// selects.
type storeBackend struct {
	locks    store.LockStore
	rates    store.RateStore
	sessions store.SessionStore
	actions  store.ActionLogStore
	pinger   health.Pinger
	close    func()
}

func openBackend(cfg *config.Config, logger *zap.Logger) (*storeBackend, error) {
	switch cfg.Store.Backend {
	case "postgres":
		pg, err := store.NewPostgres(
			cfg.Database.Host,
			cfg.Database.Port,
			cfg.Database.Database,
			cfg.Database.User,
			cfg.Database.Password,
			cfg.Database.MaxConnections,
			cfg.Database.MinConnections,
			logger,
		)
		if err != nil {
			return nil, err
		}
		if err := pg.EnsureSchema(context.Background()); err != nil {
			pg.Close()
			return nil, err
		}
		sessionStore := store.NewPostgresSessionStore(pg.Pool())
		return &storeBackend{
			locks:    store.NewPostgresLockStore(pg.Pool()),
			rates:    store.NewPostgresRateStore(pg.Pool()),
			sessions: sessionStore,
			actions:  sessionStore,
			pinger:   pg,
			close:    pg.Close,
		}, nil

	case "sqlite":
		db, err := store.NewSQLiteStore(cfg.SQLite.Path, logger)
		if err != nil {
			return nil, err
		}
		return &storeBackend{
			locks:    db,
			rates:    db,
			sessions: db,
			actions:  db,
			pinger:   db,
			close:    func() { db.Close() },
		}, nil

	case "memory":
		return &storeBackend{
			locks: store.NewMemoryLockStore(),
			rates: store.NewMemoryRateStore(),
			close: func() {},
		}, nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func openSeenStore(cfg *config.Config, logger *zap.Logger) store.SeenStore {
	if cfg.Redis.Host == "" {
		return nil
	}
	seen, err := store.NewRedisSeenStore(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		// Dedup is an optimization; the session runs without it.
		logger.Warn("Seen store unavailable, continuing without dedup", zap.Error(err))
		return nil
	}
	return seen
}

func resourceArg(logger *zap.Logger) string {
	if len(os.Args) < 3 {
		logger.Fatal("Missing resource id argument")
	}
	return os.Args[2]
}

func sessionOptions(cfg *config.Config, mode model.SessionMode, kind model.ActionKind) service.SessionOptions {
	return service.SessionOptions{
		Mode: mode,
		Harvest: service.HarvestOptions{
			MaxPages:          cfg.Harvest.MaxPages,
			AggressiveRetries: cfg.Harvest.AggressiveRetries,
			StallBound:        cfg.Harvest.StallBound,
			MaxFetchFailures:  cfg.Harvest.MaxFetchFailures,
			FetchLimit:        cfg.Harvest.FetchLimit,
			Delay:             pace.RandomDelay{Min: cfg.Harvest.DelayMin, Max: cfg.Harvest.DelayMax},
			FailureBackoff:    cfg.Harvest.FailureBackoff,
		},
		Queue: service.QueueOptions{
			ActionLimit: cfg.ActionLimit(string(kind)),
			OnDenied:    service.DeniedPolicy(cfg.Queue.OnDenied),
			StopOnError: cfg.Queue.StopOnError,
			SeenTTL:     cfg.Redis.SeenTTL,
		},
		ActionKind: kind,
		SafeList:   cfg.Session.SafeList,
		BatchSize:  cfg.Queue.BatchSize,
		BatchPause: cfg.Queue.BatchPause,
		Delay:      pace.RandomDelay{Min: cfg.Queue.DelayMin, Max: cfg.Queue.DelayMax},
	}
}

func runHarvest(
	runner *tasks.Runner,
	cfg *config.Config,
	locks *service.LockService,
	admission *service.AdmissionService,
	backend *storeBackend,
	seenStore store.SeenStore,
	m *metrics.Metrics,
	logger *zap.Logger,
) {
	resourceID := resourceArg(logger)

	fetcher, executor := newAutomationClient(cfg, logger)

	harvest := service.NewHarvestService(admission, fetcher, m, logger)
	sessions := service.NewSessionService(locks, admission, harvest, backend.sessions, backend.actions, seenStore, logger)

	var report *service.SessionReport
	handle := runner.Spawn("harvest:"+resourceID, func(ctx context.Context) error {
		var err error
		report, err = sessions.Run(ctx, resourceID, executor, sessionOptions(cfg, model.ModeHarvest, model.ActionUnfollow))
		return err
	})
	if err := handle.Join(context.Background()); err != nil {
		logger.Error("Harvest session ended with error", zap.Error(err))
	}
	if report != nil {
		printReport(report)
	}
}

func runQueue(
	runner *tasks.Runner,
	cfg *config.Config,
	locks *service.LockService,
	admission *service.AdmissionService,
	backend *storeBackend,
	seenStore store.SeenStore,
	m *metrics.Metrics,
	logger *zap.Logger,
) {
	resourceID := resourceArg(logger)

	actions, err := loadActions(os.Stdin)
	if err != nil {
		logger.Fatal("Failed to read actions from stdin", zap.Error(err))
	}
	if len(actions) == 0 {
		logger.Info("No actions to execute")
		return
	}

	_, executor := newAutomationClient(cfg, logger)

	harvest := service.NewHarvestService(admission, nil, m, logger)
	sessions := service.NewSessionService(locks, admission, harvest, backend.sessions, backend.actions, seenStore, logger)
	sessions.EnqueueAll(actions)

	kind := actions[0].Kind
	var report *service.SessionReport
	handle := runner.Spawn("queue:"+resourceID, func(ctx context.Context) error {
		var rerr error
		report, rerr = sessions.Run(ctx, resourceID, executor, sessionOptions(cfg, model.ModeQueue, kind))
		return rerr
	})
	if err := handle.Join(context.Background()); err != nil {
		logger.Error("Queue session ended with error", zap.Error(err))
	}
	if report != nil {
		printReport(report)
	}
}

// newAutomationClient selects the upstream gateway client, or the
// dry-run client when no gateway is configured.
func newAutomationClient(cfg *config.Config, logger *zap.Logger) (service.Fetcher, service.Executor) {
	if cfg.Upstream.BaseURL == "" {
		logger.Warn("No upstream configured, running in dry-run mode")
		dry := client.NewDryRunClient(logger)
		return dry, dry
	}
	up := client.NewUpstreamClient(cfg.Upstream.BaseURL, cfg.Upstream.Token, cfg.Upstream.Timeout, logger)
	return up, up
}

// loadActions decodes a JSON array of queued actions.
func loadActions(r *os.File) ([]model.QueuedAction, error) {
	var actions []model.QueuedAction
	if err := json.NewDecoder(r).Decode(&actions); err != nil {
		return nil, fmt.Errorf("failed to decode actions: %w", err)
	}
	return actions, nil
}

func listLocks(ctx context.Context, cfg *config.Config, locks *service.LockService, logger *zap.Logger) {
	infos, err := locks.ListLocks(ctx)
	if err != nil {
		logger.Fatal("Failed to list locks", zap.Error(err))
	}
	if len(infos) == 0 {
		fmt.Println("no live locks")
		return
	}
	for _, info := range infos {
		flag := ""
		if info.Age > cfg.Session.StaleAfter {
			flag = "  (possibly stale)"
		}
		fmt.Printf("%-24s held by %-40s for %s%s\n", info.ResourceID, info.HolderID, info.Age.Round(time.Second), flag)
	}
}

func clearLocks(ctx context.Context, locks *service.LockService, logger *zap.Logger) {
	n, err := locks.ForceClearAll(ctx)
	if err != nil {
		logger.Fatal("Failed to clear locks", zap.Error(err))
	}
	fmt.Printf("cleared %d lock(s)\n", n)
}

func showRemaining(ctx context.Context, cfg *config.Config, admission *service.AdmissionService, logger *zap.Logger) {
	resourceID := resourceArg(logger)
	remaining, err := admission.Remaining(ctx, resourceID, cfg.Harvest.FetchLimit)
	if err != nil {
		logger.Fatal("Failed to read remaining budget", zap.Error(err))
	}
	fmt.Printf("%s: %d of %d fetches remaining this window\n", resourceID, remaining, cfg.Harvest.FetchLimit)
}

func showReport(ctx context.Context, actions store.ActionLogStore, logger *zap.Logger) {
	if len(os.Args) < 3 {
		logger.Fatal("Missing session id argument")
	}
	sessionID := os.Args[2]
	if actions == nil {
		logger.Fatal("Selected store backend keeps no action log")
	}

	results, err := actions.RecentResults(ctx, sessionID, 50)
	if err != nil {
		logger.Fatal("Failed to read action results", zap.Error(err))
	}
	if len(results) == 0 {
		fmt.Printf("no recorded actions for session %s\n", sessionID)
		return
	}
	for _, r := range results {
		status := "ok"
		if !r.Success {
			status = "failed"
			if r.ErrorKind != "" {
				status = fmt.Sprintf("failed (%s)", r.ErrorKind)
			}
		}
		fmt.Printf("%s  %-10s %-24s %s\n", r.At.Format(time.RFC3339), r.Action.Kind, r.Action.TargetID, status)
	}
}

func printReport(report *service.SessionReport) {
	fmt.Printf("session %s finished: %s\n", report.SessionID, report.Status)
	if report.Harvest.Pages > 0 || report.Harvest.Items > 0 {
		fmt.Printf("  harvest: %d pages, %d items, state=%s complete=%v\n",
			report.Harvest.Pages, report.Harvest.Items, report.Harvest.State, report.Harvest.Complete)
	}
	if report.Actions.Total > 0 {
		fmt.Printf("  actions: %d total, %d ok, %d failed, %d skipped (%.1f%% success)\n",
			report.Actions.Total, report.Actions.Successful, report.Actions.Failed,
			report.Actions.Skipped, report.Actions.SuccessRate())
	}
}
