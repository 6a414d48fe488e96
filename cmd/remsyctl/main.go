// remsyctl runs one exception through the agent chain synchronously, using
// pack files from a local directory and in-memory stores. It is the smoke-run
// companion to the server: same stages, same packs, answer on stdout.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/exceptionops/remsy/pkg/agent"
	"github.com/exceptionops/remsy/pkg/audit"
	"github.com/exceptionops/remsy/pkg/breaker"
	"github.com/exceptionops/remsy/pkg/config"
	"github.com/exceptionops/remsy/pkg/llm"
	_ "github.com/exceptionops/remsy/pkg/llm/providers" // register HTTP providers
	"github.com/exceptionops/remsy/pkg/models"
	"github.com/exceptionops/remsy/pkg/pack"
	"github.com/exceptionops/remsy/pkg/pipeline"
	"github.com/exceptionops/remsy/pkg/playbook"
	"github.com/exceptionops/remsy/pkg/store"
	"github.com/exceptionops/remsy/pkg/tools"
)

// runOutput is what remsyctl prints on success.
type runOutput struct {
	ExceptionID string                          `json:"exceptionId"`
	TenantID    string                          `json:"tenantId"`
	Domain      string                          `json:"domain"`
	Status      models.ExceptionStatus          `json:"status"`
	Type        string                          `json:"exceptionType,omitempty"`
	Severity    models.Severity                 `json:"severity,omitempty"`
	Decisions   map[string]models.AgentDecision `json:"decisions"`
	Report      *playbook.RunReport             `json:"runReport,omitempty"`
	Events      []models.CanonicalEvent         `json:"events,omitempty"`
}

func main() {
	configPath := flag.String("config", "",
		"Path to configuration file (defaults to $REMSY_CONFIG_PATH)")
	envFile := flag.String("env-file", ".env", "Path to .env file")
	packsDir := flag.String("packs", "",
		"Packs directory (overrides the configured one)")
	tenantID := flag.String("tenant", "", "Tenant the exception belongs to")
	domain := flag.String("domain", "", "Business domain of the exception")
	exceptionID := flag.String("id", "", "Exception id (generated when empty)")
	payloadFile := flag.String("payload", "",
		"Path to the raw payload JSON; '-' reads stdin, empty means no payload")
	live := flag.Bool("live", false,
		"Execute playbook tools against live endpoints instead of simulating")
	withEvents := flag.Bool("events", false, "Include the canonical event log in the output")
	timeout := flag.Duration("timeout", 2*time.Minute, "Overall run timeout")
	flag.Parse()

	if err := godotenv.Load(*envFile); err == nil {
		slog.Info("Loaded environment", "path", *envFile)
	}

	if *tenantID == "" || *domain == "" {
		fmt.Fprintln(os.Stderr, "remsyctl: -tenant and -domain are required")
		flag.Usage()
		os.Exit(2)
	}

	// 1. Load configuration; the log goes to stderr so stdout stays JSON
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger := cfg.Log.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	// 2. Pack registry from the packs directory
	dir := cfg.Packs.Dir
	if *packsDir != "" {
		dir = *packsDir
	}
	registry, err := pack.Initialize(ctx, dir)
	if err != nil {
		slog.Error("Failed to initialize pack registry", "error", err)
		os.Exit(1)
	}

	// 3. Routing fabric, breaker executor, in-memory state
	fabric := llm.NewFabric(
		llm.WithConfigPath(cfg.Routing.ConfigPath),
		llm.WithPackGeneration(registry.Generation),
		llm.WithLogger(logger),
	)
	stores := store.NewMemoryStores()
	sink := audit.NewMemorySink()
	executor := breaker.NewExecutor(fabric,
		breaker.WithAuditSink(sink),
		breaker.WithLogger(logger),
	)

	// 4. Stages and the synchronous runner
	invoker := tools.NewInvoker(
		tools.WithAuditSink(sink),
		tools.WithLogger(logger),
		tools.WithLiveMode(*live),
	)
	engine := playbook.NewEngine(invoker,
		playbook.WithAuditSink(sink),
		playbook.WithLogger(logger),
	)
	stageOpts := []agent.Option{
		agent.WithAuditSink(sink),
		agent.WithLogger(logger),
	}
	runner := pipeline.NewRunner(registry, pipeline.Stages{
		Triage:     agent.NewTriage(executor, stageOpts...),
		Policy:     agent.NewPolicy(executor, stageOpts...),
		Resolution: agent.NewResolution(executor, engine, stageOpts...),
		Supervisor: agent.NewSupervisor(executor, stageOpts...),
		Feedback: agent.NewFeedback(executor, stores.Feedback,
			agent.FeedbackConfig{
				FalsePositiveThreshold: cfg.Feedback.FalsePositiveThreshold,
				FalseNegativeThreshold: cfg.Feedback.FalseNegativeThreshold,
				MinSampleSize:          cfg.Feedback.MinSampleSize,
			}, stageOpts...),
	}, stores.Exceptions,
		pipeline.WithEventLog(stores.Events),
		pipeline.WithAuditSink(sink),
		pipeline.WithDryRun(!*live),
		pipeline.WithLogger(logger),
	)

	// 5. Build the exception and run the chain
	payload, err := readPayload(*payloadFile)
	if err != nil {
		slog.Error("Failed to read payload", "error", err)
		os.Exit(1)
	}
	id := *exceptionID
	if id == "" {
		id = uuid.NewString()
	}
	exc := models.NewException(id, *tenantID, "remsyctl", *domain, payload)
	if err := stores.Exceptions.Create(ctx, exc); err != nil {
		slog.Error("Failed to store exception", "error", err)
		os.Exit(1)
	}

	result, err := runner.Run(ctx, exc)
	if err != nil {
		slog.Error("Pipeline run failed", "exception_id", id, "error", err)
		os.Exit(1)
	}

	// 6. Print the outcome
	out := runOutput{
		ExceptionID: result.Exception.ExceptionID,
		TenantID:    result.Exception.TenantID,
		Domain:      result.Exception.Domain,
		Status:      result.Exception.Status,
		Type:        result.Exception.ExceptionType,
		Severity:    result.Exception.Severity,
		Decisions:   result.Decisions,
		Report:      result.Report,
	}
	if *withEvents {
		evs, err := stores.Events.EventsFor(ctx, result.Exception.TenantID, result.Exception.ExceptionID)
		if err != nil {
			slog.Warn("Failed to read the event log", "error", err)
		}
		out.Events = evs
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		slog.Error("Failed to encode run output", "error", err)
		os.Exit(1)
	}
}

// readPayload loads the raw payload map from a file, stdin ("-"), or returns
// nil for the empty path.
func readPayload(path string) (map[string]any, error) {
	if path == "" {
		return nil, nil
	}
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	payload := make(map[string]any)
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse payload JSON: %w", err)
	}
	return payload, nil
}
