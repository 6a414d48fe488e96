// Remsy exception-processing server — provides the HTTP API, runs the
// worker mesh, and drives exceptions through the agent chain.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"

	"github.com/exceptionops/remsy/pkg/agent"
	"github.com/exceptionops/remsy/pkg/api"
	"github.com/exceptionops/remsy/pkg/audit"
	"github.com/exceptionops/remsy/pkg/breaker"
	"github.com/exceptionops/remsy/pkg/config"
	"github.com/exceptionops/remsy/pkg/events"
	"github.com/exceptionops/remsy/pkg/llm"
	_ "github.com/exceptionops/remsy/pkg/llm/providers" // register HTTP providers
	"github.com/exceptionops/remsy/pkg/pack"
	"github.com/exceptionops/remsy/pkg/playbook"
	"github.com/exceptionops/remsy/pkg/queue"
	"github.com/exceptionops/remsy/pkg/store"
	"github.com/exceptionops/remsy/pkg/tools"
	"github.com/exceptionops/remsy/pkg/version"
)

func main() {
	// Parse command-line flags
	configPath := flag.String("config", "",
		"Path to configuration file (defaults to $REMSY_CONFIG_PATH)")
	envFile := flag.String("env-file", ".env", "Path to .env file")
	flag.Parse()

	// Load .env before anything reads the environment
	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envFile, "error", err)
	} else {
		slog.Info("Loaded environment", "path", *envFile)
	}

	ctx := context.Background()

	// 1. Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := cfg.Log.NewLogger(os.Stdout)
	slog.SetDefault(logger)

	slog.Info("Starting remsy",
		"version", version.GitCommit,
		"addr", cfg.Server.Addr,
		"dry_run", cfg.Execution.DryRun())

	// 2. Stores: Postgres when a database is configured, in-memory otherwise
	var stores *store.Stores
	var dbClient *store.Client
	if cfg.Database.URL != "" {
		dbCfg, err := store.LoadConfigFromEnv()
		if err != nil {
			slog.Error("Failed to load database config", "error", err)
			os.Exit(1)
		}
		dbCfg.URL = cfg.Database.URL

		dbClient, err = store.NewClient(ctx, dbCfg)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := dbClient.Close(); err != nil {
				slog.Error("Error closing database client", "error", err)
			}
		}()
		stores = store.NewPostgresStores(dbClient)
		slog.Info("Connected to PostgreSQL database")
	} else {
		stores = store.NewMemoryStores()
		slog.Warn("No database configured; exception state is in-memory and lost on restart")
	}

	// 3. Audit trail: store-backed sink plus the optional JSONL file
	var auditSink audit.Sink = stores.Audit
	if cfg.Audit.LogPath != "" {
		fileSink, err := audit.NewFileSink(cfg.Audit.LogPath)
		if err != nil {
			slog.Error("Failed to open audit log", "path", cfg.Audit.LogPath, "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := fileSink.Close(); err != nil {
				slog.Error("Error closing audit log", "error", err)
			}
		}()
		auditSink = audit.NewFanOut(stores.Audit, fileSink)
		slog.Info("Audit log enabled", "path", cfg.Audit.LogPath)
	}

	// 4. Pack registry from the packs directory
	registry, err := pack.Initialize(ctx, cfg.Packs.Dir)
	if err != nil {
		slog.Error("Failed to initialize pack registry", "error", err)
		os.Exit(1)
	}
	stats := registry.Stats()
	slog.Info("Pack registry ready",
		"domain_bindings", stats.DomainBindings,
		"domain_versions", stats.DomainVersions,
		"policy_bindings", stats.PolicyBindings,
		"policy_versions", stats.PolicyVersions)

	validator, err := pack.NewValidator()
	if err != nil {
		slog.Error("Failed to compile pack schemas", "error", err)
		os.Exit(1)
	}

	// 5. LLM routing fabric and the breaker executor over it
	fabric := llm.NewFabric(
		llm.WithConfigPath(cfg.Routing.ConfigPath),
		llm.WithPackGeneration(registry.Generation),
		llm.WithLogger(logger),
	)
	executor := breaker.NewExecutor(fabric,
		breaker.WithAuditSink(auditSink),
		breaker.WithLogger(logger),
	)

	// 6. Event broker: JetStream when NATS is configured, in-process otherwise
	var broker events.Broker
	if cfg.Broker.NATSURL != "" {
		nc, err := nats.Connect(cfg.Broker.NATSURL, nats.Name("remsy"))
		if err != nil {
			slog.Error("Failed to connect to NATS", "url", cfg.Broker.NATSURL, "error", err)
			os.Exit(1)
		}
		defer nc.Close()

		broker, err = events.NewJetStreamBroker(ctx, nc,
			events.WithJetStreamLogger(logger),
			events.WithJetStreamMaxDeliver(cfg.Queue.MaxDeliver),
		)
		if err != nil {
			slog.Error("Failed to initialize JetStream broker", "error", err)
			os.Exit(1)
		}
		slog.Info("Connected to NATS JetStream", "url", cfg.Broker.NATSURL)
	} else {
		broker = events.NewMemoryBroker(
			events.WithMemoryLogger(logger),
			events.WithMemoryMaxDeliver(cfg.Queue.MaxDeliver),
			events.WithMemoryRedeliveryDelay(cfg.Queue.RedeliveryDelay.Std()),
		)
		slog.Warn("No NATS configured; using the in-process event bus")
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := broker.Close(closeCtx); err != nil {
			slog.Error("Error closing event broker", "error", err)
		}
	}()

	// 7. Tool invoker, playbook engine, and the agent stages
	invoker := tools.NewInvoker(
		tools.WithAuditSink(auditSink),
		tools.WithLogger(logger),
		tools.WithLiveMode(cfg.Execution.Live),
	)
	engine := playbook.NewEngine(invoker,
		playbook.WithAuditSink(auditSink),
		playbook.WithLogger(logger),
	)

	stageOpts := []agent.Option{
		agent.WithAuditSink(auditSink),
		agent.WithLogger(logger),
	}
	feedbackCfg := agent.FeedbackConfig{
		FalsePositiveThreshold: cfg.Feedback.FalsePositiveThreshold,
		FalseNegativeThreshold: cfg.Feedback.FalseNegativeThreshold,
		MinSampleSize:          cfg.Feedback.MinSampleSize,
	}
	slog.Info("Agent stages initialized")

	// 8. Start worker mesh (before HTTP server)
	pool := queue.NewMesh(queue.Deps{
		Registry:   registry,
		Stores:     stores,
		Broker:     broker,
		Sink:       auditSink,
		Triage:     agent.NewTriage(executor, stageOpts...),
		Policy:     agent.NewPolicy(executor, stageOpts...),
		Supervisor: agent.NewSupervisor(executor, stageOpts...),
		Feedback:   agent.NewFeedback(executor, stores.Feedback, feedbackCfg, stageOpts...),
		Engine:     engine,
		DryRun:     cfg.Execution.DryRun(),
		Log:        logger,
	},
		queue.WithConcurrency(cfg.Queue.Concurrency),
		queue.WithPoolLogger(logger),
	)
	if err := pool.Start(ctx); err != nil {
		slog.Error("Failed to start worker mesh", "error", err)
		os.Exit(1)
	}

	// 9. Create HTTP server
	httpServer := api.NewServer(api.Deps{
		Stores:       stores,
		Client:       dbClient,
		Registry:     registry,
		Validator:    validator,
		Broker:       broker,
		Fabric:       fabric,
		Pool:         pool,
		Log:          logger,
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
	})

	// 10. Start HTTP server (non-blocking)
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.Server.Addr)
		if err := httpServer.Start(cfg.Server.Addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Remsy started successfully",
		"concurrency", cfg.Queue.Concurrency,
		"dry_run", cfg.Execution.DryRun())

	// 11. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 12. Graceful shutdown
	meshCtx, meshCancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout.Std())
	defer meshCancel()

	// Stop the mesh first so in-flight exceptions finish their current step
	done := make(chan struct{})
	go func() {
		if err := pool.Stop(meshCtx); err != nil {
			slog.Error("Worker mesh stop error", "error", err)
		}
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Worker mesh stopped gracefully")
	case <-meshCtx.Done():
		slog.Warn("Worker mesh shutdown timeout exceeded — unacked events will be redelivered")
	}

	// Stop HTTP server with its own timeout budget
	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
