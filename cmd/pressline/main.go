package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/topnlabs/pressline/internal/browser"
	"github.com/topnlabs/pressline/internal/config"
	"github.com/topnlabs/pressline/internal/platform"
	"github.com/topnlabs/pressline/internal/platform/login"
	"github.com/topnlabs/pressline/internal/platform/zhihu"
	"github.com/topnlabs/pressline/internal/queue"
	"github.com/topnlabs/pressline/internal/server"
	"github.com/topnlabs/pressline/internal/service"
	"github.com/topnlabs/pressline/internal/store"
	"github.com/topnlabs/pressline/pkg/crypto"
	"github.com/topnlabs/pressline/pkg/logger"
)

var (
	configPath string
	version    = "0.1.0"
	gitCommit  = "unknown"
	buildTime  = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "pressline",
	Short: "Pressline - Automated publishing pipeline",
	Long:  `Pressline accepts publish tasks over HTTP, queues them per user, and drives browser sessions that log in and publish articles to supported platforms.`,
	RunE:  runServer,
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run publish workers without the HTTP server",
	RunE:  runWorkers,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Pressline %s\n", version)
		fmt.Printf("Git commit: %s\n", gitCommit)
		fmt.Printf("Build time: %s\n", buildTime)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/server.yaml", "config file path")
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(versionCmd)
}

// app holds everything both the HTTP server and the workers need, built
// once so a single process shares one broker, one browser runtime and
// one QR session registry.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	runtime  *browser.Runtime
	deps     server.Deps
	tasks    *store.TaskStore
	broker   *queue.Broker
	limiter  *queue.RateLimiter
	qrWait   time.Duration
	jobLimit time.Duration
}

func buildApp() (*app, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	appLogger, err := logger.NewLogger(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	db, err := store.NewDatabase(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	if err := store.Migrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	rdb := queue.NewClient(cfg.Redis.Addr, cfg.Redis.Username, cfg.Redis.Password, cfg.Redis.DB)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect redis: %w", err)
	}

	jobTimeout := parseDuration(cfg.Queue.JobTimeout, 10*time.Minute)
	broker := queue.NewBroker(rdb, queue.Options{
		ResultTTL:  parseDuration(cfg.Queue.ResultTTL, time.Hour),
		FailureTTL: parseDuration(cfg.Queue.FailureTTL, 24*time.Hour),
		JobTimeout: jobTimeout,
	})
	limiter := queue.NewRateLimiter(rdb, appLogger, cfg.RateLimit.MaxConcurrentTasks, cfg.RateLimit.MaxTasksPerMinute)

	cipher, err := crypto.NewCipher(cfg.Crypto.Secret)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}

	runtime, err := browser.NewRuntime(&cfg.Browser, appLogger)
	if err != nil {
		return nil, fmt.Errorf("failed to start browser runtime: %w", err)
	}
	cookies, err := browser.NewCookieStore(cfg.Browser.CookiesDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open cookie store: %w", err)
	}

	qrSessions := login.NewRegistry()
	platforms := platform.NewRegistry(appLogger)
	if err := platforms.Register(zhihu.New(runtime, cookies, qrSessions, appLogger)); err != nil {
		return nil, fmt.Errorf("failed to register platform: %w", err)
	}

	tasks := store.NewTaskStore(db)
	manager := service.NewTaskManager(tasks, broker,
		parseDuration(cfg.Queue.StaleThreshold, 15*time.Minute),
		parseDuration(cfg.Queue.TaskRetention, 168*time.Hour),
		appLogger)

	deps := server.Deps{
		DB:         db,
		Manager:    manager,
		Monitoring: service.NewMonitoringService(db, broker, limiter, appLogger),
		Scheduler:  service.NewScheduler(&cfg.Maintenance, manager, appLogger),
		Accounts:   store.NewAccountStore(db),
		History:    store.NewHistoryStore(db),
		Platforms:  platforms,
		QRSessions: qrSessions,
		Cipher:     cipher,
	}

	return &app{
		cfg:      cfg,
		logger:   appLogger,
		runtime:  runtime,
		deps:     deps,
		tasks:    tasks,
		broker:   broker,
		limiter:  limiter,
		qrWait:   parseDuration(cfg.Browser.QRScanWait, 2*time.Minute),
		jobLimit: jobTimeout,
	}, nil
}

// startWorkers launches n worker loops on the group. Each worker gets a
// stable ID so stale-job reconciliation can tell them apart.
func (a *app) startWorkers(ctx context.Context, g *errgroup.Group, n int) {
	hostname, _ := os.Hostname()
	for i := 0; i < n; i++ {
		opts := service.WorkerOptions{
			ID:         fmt.Sprintf("%s-%d", hostname, i),
			JobTimeout: a.jobLimit,
			QRScanWait: a.qrWait,
		}
		w := service.NewWorker(opts, a.tasks, a.deps.History, a.deps.Accounts,
			a.broker, a.deps.Platforms, a.deps.Cipher, a.limiter, a.deps.QRSessions,
			a.logger)
		g.Go(func() error {
			w.Run(ctx)
			return nil
		})
	}
}

func runServer(*cobra.Command, []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.logger.Sync()
	defer a.runtime.Close()

	a.logger.Info("Starting Pressline server", zap.String("version", version))

	srv := server.NewServer(a.cfg, a.deps, a.logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	a.startWorkers(gctx, g, a.cfg.Queue.Workers)

	go func() {
		if err := srv.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Server failed to start", zap.Error(err))
			cancel()
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		a.logger.Info("Shutting down server...")
	case <-ctx.Done():
		a.logger.Info("Server context cancelled")
	}

	if err := srv.Shutdown(ctx); err != nil {
		a.logger.Error("Server forced to shutdown", zap.Error(err))
		return err
	}

	cancel()
	if err := g.Wait(); err != nil {
		return err
	}

	a.logger.Info("Server exited")
	return nil
}

func runWorkers(*cobra.Command, []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.logger.Sync()
	defer a.runtime.Close()

	a.logger.Info("Starting Pressline workers",
		zap.String("version", version),
		zap.Int("workers", a.cfg.Queue.Workers))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	a.startWorkers(gctx, g, a.cfg.Queue.Workers)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	a.logger.Info("Shutting down workers...")
	cancel()
	if err := g.Wait(); err != nil {
		return err
	}

	a.logger.Info("Workers exited")
	return nil
}

// parseDuration reads a config duration string, falling back when the
// field is empty or malformed.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
