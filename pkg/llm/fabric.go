package llm

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/exceptionops/remsy/pkg/masking"
	"github.com/exceptionops/remsy/pkg/metrics"
	"github.com/exceptionops/remsy/pkg/models"
)

// Selection source labels, recorded on routing decisions for diagnostics.
const (
	SourceTenant      = "tenant"
	SourceDomain      = "domain"
	SourceArgument    = "argument"
	SourceConfig      = "config"
	SourceEnvironment = "environment"
	SourceDefault     = "default"
)

// Selection is a resolved routing decision for one (tenant, domain) pair.
type Selection struct {
	TenantID      string
	Domain        string
	Provider      string
	Model         string
	FallbackChain []string

	// Source records which precedence level supplied the provider.
	Source string
}

type routeKey struct {
	tenant string
	domain string
}

type cacheEntry struct {
	provider string
	model    string
	version  uint64
	packGen  uint64
	client   Client
}

// Fabric resolves providers for routing keys and caches constructed clients.
// The cache is read-mostly: lookups take a shared lock, and reloads swap the
// config pointer and drop every entry in one critical section, so a lookup
// never observes a partially applied reload.
type Fabric struct {
	mu    sync.RWMutex
	cfg   *RoutingConfig
	cache map[routeKey]*cacheEntry

	// version bumps on every routing config reload. Cached entries carry the
	// version they were built under and are rebuilt when it moves.
	version atomic.Uint64

	// packGen exposes the pack registry's generation counter so that pack
	// activations also invalidate cached clients.
	packGen func() uint64

	sanitizer  *masking.Service
	httpClient *http.Client
	configPath string
	cfgSet     bool
	log        *slog.Logger
}

// FabricOption configures a Fabric.
type FabricOption func(*Fabric)

// WithConfigPath sets the routing config file path. Defaults to the
// LLM_ROUTING_CONFIG_PATH environment variable.
func WithConfigPath(path string) FabricOption {
	return func(f *Fabric) {
		f.configPath = path
	}
}

// WithRoutingConfig injects a routing config directly, skipping the file load.
func WithRoutingConfig(cfg *RoutingConfig) FabricOption {
	return func(f *Fabric) {
		f.cfg = cfg
		f.cfgSet = true
	}
}

// WithSanitizer sets the prompt sanitization service.
func WithSanitizer(s *masking.Service) FabricOption {
	return func(f *Fabric) {
		f.sanitizer = s
	}
}

// WithHTTPClient sets the HTTP client shared by provider calls.
func WithHTTPClient(c *http.Client) FabricOption {
	return func(f *Fabric) {
		f.httpClient = c
	}
}

// WithPackGeneration wires the pack registry's generation counter into cache
// invalidation, so activating a pack version forces fresh clients.
func WithPackGeneration(fn func() uint64) FabricOption {
	return func(f *Fabric) {
		f.packGen = fn
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) FabricOption {
	return func(f *Fabric) {
		f.log = log
	}
}

// NewFabric creates the routing fabric. Without WithRoutingConfig the config
// is loaded from the configured path (or LLM_ROUTING_CONFIG_PATH); a missing
// or invalid file leaves the fabric running on environment defaults.
func NewFabric(opts ...FabricOption) *Fabric {
	f := &Fabric{
		cache:      make(map[routeKey]*cacheEntry),
		packGen:    func() uint64 { return 0 },
		sanitizer:  masking.NewService(),
		httpClient: &http.Client{Timeout: 120 * time.Second},
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.log = f.log.With("component", "llm_fabric")

	if !f.cfgSet {
		if f.configPath == "" {
			f.configPath = os.Getenv(EnvRoutingConfigPath)
		}
		f.cfg = LoadRoutingConfig(f.configPath, f.log)
	}
	return f
}

// Version returns the current routing config version.
func (f *Fabric) Version() uint64 {
	return f.version.Load()
}

// Resolve applies the routing precedence for a key and records the decision
// latency. explicit is the call-site provider argument, if any.
func (f *Fabric) Resolve(tenantID, domain, explicit string) Selection {
	start := time.Now()
	sel := f.resolve(tenantID, domain, explicit)
	metrics.ObserveRoutingDecision(tenantID, domain, time.Since(start))
	return sel
}

// resolve applies the precedence chain: tenant override, domain override,
// explicit call argument, config default, environment default, dummy.
func (f *Fabric) resolve(tenantID, domain, explicit string) Selection {
	f.mu.RLock()
	cfg := f.cfg
	f.mu.RUnlock()

	sel := Selection{TenantID: tenantID, Domain: domain}

	tenantOv, hasTenant := cfg.TenantOverride(tenantID)
	domainOv, hasDomain := cfg.DomainOverride(domain)

	switch {
	case hasTenant && tenantOv.Provider != "":
		sel.Provider, sel.Source = tenantOv.Provider, SourceTenant
	case hasDomain && domainOv.Provider != "":
		sel.Provider, sel.Source = domainOv.Provider, SourceDomain
	case explicit != "":
		sel.Provider, sel.Source = explicit, SourceArgument
	case cfg != nil && cfg.DefaultProvider != "":
		sel.Provider, sel.Source = cfg.DefaultProvider, SourceConfig
	case os.Getenv(EnvProvider) != "":
		sel.Provider, sel.Source = os.Getenv(EnvProvider), SourceEnvironment
	default:
		sel.Provider, sel.Source = ProviderDummy, SourceDefault
	}

	switch {
	case hasTenant && tenantOv.Model != "":
		sel.Model = tenantOv.Model
	case hasDomain && domainOv.Model != "":
		sel.Model = domainOv.Model
	case cfg != nil && cfg.DefaultModel != "":
		sel.Model = cfg.DefaultModel
	case os.Getenv(EnvModel) != "":
		sel.Model = os.Getenv(EnvModel)
	default:
		sel.Model = defaultModel(sel.Provider)
	}

	switch {
	case hasTenant && len(tenantOv.FallbackChain) > 0:
		sel.FallbackChain = tenantOv.FallbackChain
	case hasDomain && len(domainOv.FallbackChain) > 0:
		sel.FallbackChain = domainOv.FallbackChain
	case cfg != nil && len(cfg.DefaultFallbackChain) > 0:
		sel.FallbackChain = cfg.DefaultFallbackChain
	}

	return sel
}

// Chain returns the resolved fallback chain for a routing key, or nil when
// none is configured.
func (f *Fabric) Chain(tenantID, domain string) []string {
	return f.resolve(tenantID, domain, "").FallbackChain
}

// LoadProvider returns the client serving a routing key, constructing and
// caching one on first use. Cached clients survive until the routing config
// or the pack registry generation moves.
func (f *Fabric) LoadProvider(tenantID, domain string) Client {
	key := routeKey{tenant: tenantID, domain: domain}
	version := f.version.Load()
	packGen := f.packGen()

	f.mu.RLock()
	entry, ok := f.cache[key]
	f.mu.RUnlock()
	if ok && entry.version == version && entry.packGen == packGen {
		return entry.client
	}

	sel := f.Resolve(tenantID, domain, "")
	client := f.BuildClient(sel.Provider, sel.Model, domain)

	f.mu.Lock()
	if cur, ok := f.cache[key]; ok && cur.version == version && cur.packGen == packGen {
		f.mu.Unlock()
		return cur.client
	}
	f.cache[key] = &cacheEntry{
		provider: client.Provider(),
		model:    client.Model(),
		version:  version,
		packGen:  packGen,
		client:   client,
	}
	f.mu.Unlock()

	metrics.RecordProviderSelection(tenantID, domain, client.Provider(), client.Model())
	f.log.Info("LLM provider selected",
		"tenant_id", tenantID,
		"domain", domain,
		"provider", client.Provider(),
		"model", client.Model(),
		"source", sel.Source)
	return client
}

// BuildClient constructs an uncached client for an explicit provider and
// model. The fallback chain walker uses this to try each provider in turn.
// An empty model picks the provider's default. Every client is wrapped so
// outbound prompts pass domain sanitization.
func (f *Fabric) BuildClient(provider, model, domain string) Client {
	if model == "" {
		model = defaultModel(provider)
	}
	return &sanitizingClient{
		inner:  f.newInnerClient(provider, model),
		domain: domain,
		masker: f.sanitizer,
	}
}

func (f *Fabric) newInnerClient(provider, model string) Client {
	if provider == "" || provider == ProviderDummy {
		return NewDummyClient(model)
	}
	p := GetProvider(provider)
	if p == nil {
		f.log.Warn("Unknown LLM provider, falling back to dummy", "provider", provider)
		return NewDummyClient(model)
	}
	return newHTTPClient(p, model, f.httpClient, f.log)
}

// ReloadRoutingConfig re-reads the config from the fabric's path, bumps the
// global version, and drops every cached client in one atomic swap.
func (f *Fabric) ReloadRoutingConfig() {
	cfg := LoadRoutingConfig(f.configPath, f.log)

	f.mu.Lock()
	f.cfg = cfg
	f.cache = make(map[routeKey]*cacheEntry)
	f.version.Add(1)
	f.mu.Unlock()

	f.log.Info("LLM routing config reloaded",
		"version", f.version.Load(),
		"present", cfg != nil)
}

// defaultModel is the model used when neither config nor environment names one.
func defaultModel(provider string) string {
	switch provider {
	case ProviderOpenAI:
		return "gpt-4o-mini"
	case ProviderOpenRouter:
		return "openrouter/auto"
	default:
		return "dummy-v1"
	}
}

// sanitizingClient scrubs prompts for the client's domain before any provider
// sees them. All constructed clients are wrapped, including the dummy stub,
// so the sanitization invariant does not depend on which provider is routed.
type sanitizingClient struct {
	inner  Client
	domain string
	masker *masking.Service
}

func (s *sanitizingClient) Provider() string { return s.inner.Provider() }
func (s *sanitizingClient) Model() string    { return s.inner.Model() }

func (s *sanitizingClient) Generate(ctx context.Context, prompt string, callCtx map[string]any) (*GenerateResult, error) {
	if allowed, reason := s.masker.ValidatePromptForDomain(s.domain, prompt); !allowed {
		return nil, models.Errorf(models.KindNotAllowed, "prompt rejected for domain %q: %s", s.domain, reason)
	}
	scrubbed := s.masker.SanitizePrompt(s.domain, prompt, callCtx)
	return s.inner.Generate(ctx, scrubbed, callCtx)
}
