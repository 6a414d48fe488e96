package breaker

import (
	"log/slog"
	"sort"
	"sync"
)

type breakerKey struct {
	agent  string
	tenant string
}

// Registry hands out one breaker per (agent, tenant) pair, creating them
// lazily with a shared config. State is per-process; restarts begin closed.
type Registry struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	breakers map[breakerKey]*Breaker
}

// NewRegistry builds an empty registry. Zero config fields take defaults.
func NewRegistry(cfg Config, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		cfg:      cfg.withDefaults(),
		log:      log,
		breakers: make(map[breakerKey]*Breaker),
	}
}

// For returns the breaker for the pair, creating it on first use.
func (r *Registry) For(agent, tenantID string) *Breaker {
	key := breakerKey{agent: agent, tenant: tenantID}

	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[key]; ok {
		return b
	}
	b := NewBreaker(agent, tenantID, r.cfg, r.log)
	r.breakers[key] = b
	return b
}

// Snapshots returns every breaker's state, ordered by agent then tenant, for
// diagnostics output.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	snaps := make([]Snapshot, 0, len(breakers))
	for _, b := range breakers {
		snaps = append(snaps, b.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool {
		if snaps[i].Agent != snaps[j].Agent {
			return snaps[i].Agent < snaps[j].Agent
		}
		return snaps[i].TenantID < snaps[j].TenantID
	})
	return snaps
}
