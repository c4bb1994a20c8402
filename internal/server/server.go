// Package server provides the main server initialization and run logic.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nebari-dev/launchpad/internal/api"
	"github.com/nebari-dev/launchpad/internal/api/handlers"
	"github.com/nebari-dev/launchpad/internal/config"
	"github.com/nebari-dev/launchpad/internal/db"
	"github.com/nebari-dev/launchpad/internal/deployment"
	"github.com/nebari-dev/launchpad/internal/events"
	"github.com/nebari-dev/launchpad/internal/jobs"
	"github.com/nebari-dev/launchpad/internal/ledger"
	"github.com/nebari-dev/launchpad/internal/logger"
	"github.com/nebari-dev/launchpad/internal/models"
	"github.com/nebari-dev/launchpad/internal/processor"
	"github.com/nebari-dev/launchpad/internal/provider"
	"github.com/nebari-dev/launchpad/internal/queue"
	"github.com/nebari-dev/launchpad/internal/sandbox"
	"github.com/nebari-dev/launchpad/internal/service"
	"github.com/nebari-dev/launchpad/internal/worker"
	"github.com/valkey-io/valkey-go"
	"golang.org/x/sync/errgroup"
)

// Run modes
const (
	ModeServer = "server"
	ModeWorker = "worker"
	ModeBoth   = "both"
)

// Config holds the server configuration options.
type Config struct {
	Port    int    // Port to run the server on (0 = use config default)
	Mode    string // Run mode: server, worker, or both
	Version string // Version string to report
}

// Run starts the configured components and blocks until ctx is canceled or
// one of them fails.
func Run(ctx context.Context, cfg Config) error {
	// Set version in handlers
	if cfg.Version != "" {
		handlers.Version = cfg.Version
	}

	mode := cfg.Mode
	if mode == "" {
		mode = ModeBoth
	}
	runServer := mode == ModeServer || mode == ModeBoth
	runWorker := mode == ModeWorker || mode == ModeBoth
	if !runServer && !runWorker {
		return fmt.Errorf("invalid mode %q: valid modes are server, worker, both", mode)
	}
	handlers.Mode = mode

	// Load configuration
	appCfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Override port from CLI flag if provided
	if cfg.Port != 0 {
		appCfg.Server.Port = cfg.Port
	}

	// Initialize logger
	logger.Init(appCfg.Log.Format, appCfg.Log.Level)
	slog.Info("Starting Launchpad", "version", cfg.Version, "mode", mode)

	// Propagate app log level to database if not explicitly set
	if appCfg.Database.LogLevel == "" {
		appCfg.Database.LogLevel = appCfg.Log.Level
	}

	// Initialize database
	database, err := db.New(appCfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	slog.Info("Database initialized", "driver", appCfg.Database.Driver)

	if err := db.Migrate(database); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	// Initialize broker based on configuration
	broker, valkeyClient, err := createBroker(appCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}
	defer broker.Close()
	slog.Info("Broker initialized", "type", appCfg.Queue.Type)

	if appCfg.Queue.Type == "memory" && mode != ModeBoth {
		slog.Warn("The memory broker is process-local; server and worker must run in the same process", "mode", mode)
	}

	// Job events reach SSE subscribers through the local broker. With Valkey
	// they travel over pub/sub so any API replica can stream any job.
	eventBroker := events.NewBroker()
	var notifier ledger.Notifier = eventBroker
	if valkeyClient != nil {
		notifier = events.NewValkeyPublisher(valkeyClient, slog.Default())
	}

	l := ledger.New(database, ledger.WithNotifier(notifier), ledger.WithLogger(slog.Default()))
	sandboxes := sandbox.New(database, appCfg.Sandbox.Window, sandbox.WithLogger(slog.Default()))
	deployments := deployment.New(database, appCfg.Sandbox.Window, deployment.WithLogger(slog.Default()))
	policy := queue.PolicyFromConfig(appCfg.Queue.Retry)

	g, gctx := errgroup.WithContext(ctx)

	if runWorker {
		prov, err := createProvider(appCfg)
		if err != nil {
			return fmt.Errorf("failed to initialize provider: %w", err)
		}
		slog.Info("Provider initialized", "type", appCfg.Provider.Type)

		w := worker.New(broker, slog.Default(), worker.Options{
			Concurrency:   appCfg.Queue.Concurrency,
			JobTimeout:    appCfg.Queue.JobTimeout,
			Sweeper:       sandboxes,
			SweepInterval: appCfg.Sandbox.SweepInterval,
			Ledger:        l,
			StaleAfter:    appCfg.Queue.StaleAfter,
		})
		sandboxProcessor := processor.NewSandboxProcessor(l, sandboxes, prov, appCfg.Provider.PollInterval, slog.Default())
		deploymentProcessor := processor.NewDeploymentProcessor(l, deployments, prov, appCfg.Provider.PollInterval, slog.Default())
		w.Register(jobs.SandboxQueueName, models.JobTypeCreateSandbox, sandboxProcessor)
		w.Register(jobs.DeploymentQueueName, models.JobTypeCreateDeploymentPreview, deploymentProcessor)
		w.Register(jobs.DeploymentQueueName, models.JobTypeCreateDeploymentRollback, deploymentProcessor)

		g.Go(func() error {
			slog.Info("Worker started", "concurrency", appCfg.Queue.Concurrency)
			if err := w.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("worker failed: %w", err)
			}
			slog.Info("Worker stopped")
			return nil
		})
	}

	if runServer {
		svc := service.New(service.Deps{
			DB:              database,
			Ledger:          l,
			Sandboxes:       sandboxes,
			Deployments:     deployments,
			SandboxQueue:    jobs.NewSandboxQueue(l, broker, policy, slog.Default()),
			DeploymentQueue: jobs.NewDeploymentQueue(l, broker, policy, slog.Default()),
			Defaults: service.SandboxDefaults{
				TemplateRef: appCfg.Sandbox.DefaultTemplate,
				VCPUs:       appCfg.Sandbox.DefaultVCPUs,
				MemoryMB:    appCfg.Sandbox.DefaultMemoryMB,
				Timeout:     appCfg.Sandbox.DefaultTimeout,
				Region:      appCfg.Sandbox.Region,
				Runtime:     appCfg.Sandbox.Runtime,
			},
			Logger: slog.Default(),
		})

		if valkeyClient != nil {
			g.Go(func() error {
				if err := events.Relay(gctx, valkeyClient, eventBroker, slog.Default()); err != nil {
					return fmt.Errorf("event relay failed: %w", err)
				}
				return nil
			})
		}

		router := api.NewRouter(appCfg, svc, eventBroker)
		addr := fmt.Sprintf(":%d", appCfg.Server.Port)
		srv := &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
			// Open event streams end with the process
			BaseContext: func(net.Listener) context.Context { return gctx },
		}

		g.Go(func() error {
			slog.Info("Server listening", "address", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server forced to shutdown: %w", err)
			}
			slog.Info("Server stopped")
			return nil
		})
	}

	err = g.Wait()
	slog.Info("Launchpad exited")
	return err
}

// RunWithSignalHandling starts the server and handles OS signals for graceful shutdown.
func RunWithSignalHandling(cfg Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return Run(ctx, cfg)
}

// Migrate opens the configured database and applies the schema.
func Migrate() error {
	appCfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger.Init(appCfg.Log.Format, appCfg.Log.Level)
	if appCfg.Database.LogLevel == "" {
		appCfg.Database.LogLevel = appCfg.Log.Level
	}

	database, err := db.New(appCfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	if err := db.Migrate(database); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Info("Database migrations completed", "driver", appCfg.Database.Driver)
	return nil
}

// createBroker creates the broker selected by queue.type. The Valkey client
// is returned as well so job events can share the connection.
func createBroker(cfg *config.Config) (queue.Broker, valkey.Client, error) {
	switch cfg.Queue.Type {
	case "memory":
		return queue.NewMemoryBroker(cfg.Queue.BufferSize, cfg.Queue.PollTimeout), nil, nil
	case "valkey":
		if cfg.Queue.ValkeyAddr == "" {
			return nil, nil, fmt.Errorf("valkey address is required when queue type is valkey")
		}
		b, err := queue.NewValkeyBroker(cfg.Queue.ValkeyAddr, cfg.Queue.KeyPrefix, cfg.Queue.PollTimeout)
		if err != nil {
			return nil, nil, err
		}
		return b, b.GetClient(), nil
	case "amqp":
		if cfg.Queue.AMQPURL == "" {
			return nil, nil, fmt.Errorf("amqp url is required when queue type is amqp")
		}
		b, err := queue.NewAMQPBroker(cfg.Queue.AMQPURL, cfg.Queue.KeyPrefix, cfg.Queue.Concurrency, cfg.Queue.PollTimeout)
		if err != nil {
			return nil, nil, err
		}
		return b, nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported queue type: %s (supported: memory, valkey, amqp)", cfg.Queue.Type)
	}
}

// createProvider creates the compute provider selected by provider.type
func createProvider(cfg *config.Config) (provider.Provider, error) {
	switch cfg.Provider.Type {
	case "fake":
		return provider.WithMetrics(provider.NewFake()), nil
	case "http":
		if cfg.Provider.BaseURL == "" || cfg.Provider.Token == "" {
			return nil, fmt.Errorf("provider base_url and token are required when provider type is http")
		}
		client := provider.NewHTTPClient(cfg.Provider.BaseURL, cfg.Provider.Token, cfg.Provider.TeamID, cfg.Provider.RequestTimeout)
		return provider.WithMetrics(client), nil
	default:
		return nil, fmt.Errorf("unsupported provider type: %s (supported: fake, http)", cfg.Provider.Type)
	}
}
