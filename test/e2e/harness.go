// Package e2e exercises the full exception-processing loop end to end: packs
// registered over HTTP, exceptions ingested over HTTP, the worker mesh
// driving the agent chain over the in-process broker, and terminal statuses
// observed through the query API.
package e2e

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/exceptionops/remsy/pkg/agent"
	"github.com/exceptionops/remsy/pkg/api"
	"github.com/exceptionops/remsy/pkg/audit"
	"github.com/exceptionops/remsy/pkg/breaker"
	"github.com/exceptionops/remsy/pkg/events"
	"github.com/exceptionops/remsy/pkg/llm"
	_ "github.com/exceptionops/remsy/pkg/llm/providers" // register HTTP providers
	"github.com/exceptionops/remsy/pkg/pack"
	"github.com/exceptionops/remsy/pkg/playbook"
	"github.com/exceptionops/remsy/pkg/queue"
	"github.com/exceptionops/remsy/pkg/store"
	"github.com/exceptionops/remsy/pkg/tools"
)

// testAppConfig collects the knobs the options set before boot.
type testAppConfig struct {
	routing   *llm.RoutingConfig
	transport http.RoundTripper
	retry     *breaker.RetryConfig
}

// TestAppOption configures the test application before it boots.
type TestAppOption func(*testAppConfig)

// WithRoutingConfig replaces the default dummy-only routing table. Scenarios
// that script provider traffic route to an HTTP provider here.
func WithRoutingConfig(cfg *llm.RoutingConfig) TestAppOption {
	return func(c *testAppConfig) { c.routing = cfg }
}

// WithTransport installs the HTTP round tripper provider clients call.
// Combined with WithRoutingConfig it makes LLM traffic fully scripted.
func WithTransport(rt http.RoundTripper) TestAppOption {
	return func(c *testAppConfig) { c.transport = rt }
}

// WithRetryConfig overrides the executor retry policy, letting failure
// scenarios exhaust providers without real backoff waits.
func WithRetryConfig(cfg breaker.RetryConfig) TestAppOption {
	return func(c *testAppConfig) { c.retry = &cfg }
}

// TestApp is one fully wired in-memory deployment: HTTP API, worker mesh,
// broker, stores, and audit trail, with LLM routing pinned to the dummy
// provider unless a scenario overrides it.
type TestApp struct {
	t *testing.T

	Server   *httptest.Server
	Stores   *store.Stores
	Audit    *audit.MemorySink
	Broker   *events.MemoryBroker
	Registry *pack.Registry
	Fabric   *llm.Fabric
	Pool     *queue.Pool
}

// NewTestApp boots the platform the way cmd/remsy does, substituting the
// in-memory store, broker, and audit sink, and serving the API from an
// httptest server. Everything is torn down via t.Cleanup.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	cfg := &testAppConfig{
		// The dummy provider is pinned so ambient LLM_PROVIDER settings
		// cannot leak real traffic into a test run.
		routing: &llm.RoutingConfig{DefaultProvider: llm.ProviderDummy},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	// 1. Stores and the audit trail, all in-memory.
	sink := audit.NewMemorySink()
	stores := store.NewMemoryStores()
	stores.Audit = sink

	// 2. Pack registry and validator; scenarios register packs over HTTP.
	registry := pack.NewRegistry()
	validator, err := pack.NewValidator()
	require.NoError(t, err, "compile pack schemas")

	// 3. Routing fabric and the breaker executor over it.
	fabricOpts := []llm.FabricOption{
		llm.WithRoutingConfig(cfg.routing),
		llm.WithPackGeneration(registry.Generation),
		llm.WithLogger(logger),
	}
	if cfg.transport != nil {
		fabricOpts = append(fabricOpts, llm.WithHTTPClient(&http.Client{Transport: cfg.transport}))
	}
	fabric := llm.NewFabric(fabricOpts...)

	executorOpts := []breaker.ExecutorOption{
		breaker.WithAuditSink(sink),
		breaker.WithLogger(logger),
	}
	if cfg.retry != nil {
		executorOpts = append(executorOpts, breaker.WithRetry(*cfg.retry))
	}
	executor := breaker.NewExecutor(fabric, executorOpts...)

	// 4. In-process broker with a short redelivery delay so retry paths
	// settle within the test window.
	broker := events.NewMemoryBroker(
		events.WithMemoryLogger(logger),
		events.WithMemoryRedeliveryDelay(time.Millisecond),
	)

	// 5. Tool invoker and playbook engine; execution stays dry-run.
	invoker := tools.NewInvoker(
		tools.WithAuditSink(sink),
		tools.WithLogger(logger),
	)
	engine := playbook.NewEngine(invoker,
		playbook.WithAuditSink(sink),
		playbook.WithLogger(logger),
	)

	// 6. Agent stages and the worker mesh.
	stageOpts := []agent.Option{
		agent.WithAuditSink(sink),
		agent.WithLogger(logger),
	}
	pool := queue.NewMesh(queue.Deps{
		Registry:   registry,
		Stores:     stores,
		Broker:     broker,
		Sink:       sink,
		Triage:     agent.NewTriage(executor, stageOpts...),
		Policy:     agent.NewPolicy(executor, stageOpts...),
		Supervisor: agent.NewSupervisor(executor, stageOpts...),
		Feedback:   agent.NewFeedback(executor, stores.Feedback, agent.FeedbackConfig{}, stageOpts...),
		Engine:     engine,
		DryRun:     true,
		Log:        logger,
	},
		queue.WithConcurrency(4),
		queue.WithPoolLogger(logger),
	)
	require.NoError(t, pool.Start(ctx), "start worker mesh")

	// 7. HTTP API over httptest.
	server := api.NewServer(api.Deps{
		Stores:    stores,
		Registry:  registry,
		Validator: validator,
		Broker:    broker,
		Fabric:    fabric,
		Pool:      pool,
		Log:       logger,
	})
	ts := httptest.NewServer(server.Handler())

	app := &TestApp{
		t:        t,
		Server:   ts,
		Stores:   stores,
		Audit:    sink,
		Broker:   broker,
		Registry: registry,
		Fabric:   fabric,
		Pool:     pool,
	}

	t.Cleanup(func() {
		ts.Close()
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := pool.Stop(stopCtx); err != nil {
			t.Logf("worker mesh stop: %v", err)
		}
		if err := broker.Close(stopCtx); err != nil {
			t.Logf("broker close: %v", err)
		}
	})
	return app
}
