// Package pack holds the versioned registry for Domain Packs and Tenant
// Policy Packs, their ingest codec, and their validation.
//
// Packs are immutable once registered: the registry clones on ingest and
// replacement is by atomic activation of another version. Every lookup is
// scoped by tenant, so one tenant can never observe another tenant's packs.
package pack

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/exceptionops/remsy/pkg/models"
)

// binding identifies one tenant's view of one domain.
type binding struct {
	Tenant string
	Domain string
}

type domainEntry struct {
	versions map[string]*models.DomainPack
	active   string
}

type policyEntry struct {
	versions map[string]*models.TenantPolicyPack
	active   string
}

// VersionInfo describes one registered pack version.
type VersionInfo struct {
	Version string `json:"version"`
	Active  bool   `json:"active"`
}

// Stats summarizes registry contents for startup logging.
type Stats struct {
	DomainBindings int
	DomainVersions int
	PolicyBindings int
	PolicyVersions int
}

// Registry is the in-memory pack store. Reads are lock-free apart from an
// RWMutex read section; activation swaps the active version atomically and
// bumps a generation counter consumed by the LLM client cache.
type Registry struct {
	mu       sync.RWMutex
	domains  map[binding]*domainEntry
	policies map[binding]*policyEntry

	generation atomic.Uint64

	log *slog.Logger
}

// NewRegistry creates an empty pack registry.
func NewRegistry() *Registry {
	return &Registry{
		domains:  make(map[binding]*domainEntry),
		policies: make(map[binding]*policyEntry),
		log:      slog.With("component", "pack_registry"),
	}
}

// Generation returns the counter bumped on every activation. Consumers cache
// pack-derived state keyed by this value and rebuild when it moves.
func (r *Registry) Generation() uint64 {
	return r.generation.Load()
}

// RegisterDomainPack stores a new domain pack version for the tenant. The
// first version registered for a binding becomes active; later versions wait
// for an explicit activation. Re-registering an existing version is refused.
func (r *Registry) RegisterDomainPack(tenantID string, p *models.DomainPack) error {
	if p == nil {
		return models.Errorf(models.KindValidationFailed, "register domain pack: %w: pack", ErrMissingRequiredField)
	}
	if tenantID == "" || p.DomainName == "" || p.Version == "" {
		return models.Errorf(models.KindValidationFailed,
			"register domain pack: %w: tenant_id, domain_name and version are required", ErrMissingRequiredField)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := binding{Tenant: tenantID, Domain: p.DomainName}
	entry, ok := r.domains[key]
	if !ok {
		entry = &domainEntry{versions: make(map[string]*models.DomainPack)}
		r.domains[key] = entry
	}
	if _, dup := entry.versions[p.Version]; dup {
		return models.Errorf(models.KindConflict, "%w: domain %q version %q for tenant %q",
			ErrVersionExists, p.DomainName, p.Version, tenantID)
	}

	entry.versions[p.Version] = p.Clone()
	activated := false
	if entry.active == "" {
		entry.active = p.Version
		r.generation.Add(1)
		activated = true
	}

	r.log.Info("Registered domain pack",
		"tenant_id", tenantID,
		"domain", p.DomainName,
		"version", p.Version,
		"activated", activated)
	return nil
}

// ActivateDomainPack atomically makes the given version the active one for
// the tenant's domain binding and bumps the generation counter.
func (r *Registry) ActivateDomainPack(tenantID, domain, version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.domains[binding{Tenant: tenantID, Domain: domain}]
	if !ok {
		return models.NewKindError(models.KindNotFound,
			fmt.Errorf("%w: domain %q for tenant %q", ErrDomainPackNotFound, domain, tenantID))
	}
	if _, ok := entry.versions[version]; !ok {
		return models.NewKindError(models.KindNotFound,
			fmt.Errorf("%w: domain %q version %q for tenant %q", ErrVersionNotFound, domain, version, tenantID))
	}

	entry.active = version
	r.generation.Add(1)

	r.log.Info("Activated domain pack",
		"tenant_id", tenantID,
		"domain", domain,
		"version", version,
		"generation", r.generation.Load())
	return nil
}

// ActiveDomainPack returns the active domain pack for the tenant's binding.
// The returned pack is shared and must be treated as read-only.
func (r *Registry) ActiveDomainPack(tenantID, domain string) (*models.DomainPack, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.domains[binding{Tenant: tenantID, Domain: domain}]
	if !ok {
		return nil, models.NewKindError(models.KindNotFound,
			fmt.Errorf("%w: domain %q for tenant %q", ErrDomainPackNotFound, domain, tenantID))
	}
	if entry.active == "" {
		return nil, models.NewKindError(models.KindNotFound,
			fmt.Errorf("%w: domain %q for tenant %q", ErrNoActiveVersion, domain, tenantID))
	}
	return entry.versions[entry.active], nil
}

// DomainPackVersion returns a specific registered version.
func (r *Registry) DomainPackVersion(tenantID, domain, version string) (*models.DomainPack, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.domains[binding{Tenant: tenantID, Domain: domain}]
	if !ok {
		return nil, models.NewKindError(models.KindNotFound,
			fmt.Errorf("%w: domain %q for tenant %q", ErrDomainPackNotFound, domain, tenantID))
	}
	p, ok := entry.versions[version]
	if !ok {
		return nil, models.NewKindError(models.KindNotFound,
			fmt.Errorf("%w: domain %q version %q for tenant %q", ErrVersionNotFound, domain, version, tenantID))
	}
	return p, nil
}

// ListDomainPackVersions returns all registered versions for the binding,
// sorted by version string.
func (r *Registry) ListDomainPackVersions(tenantID, domain string) ([]VersionInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.domains[binding{Tenant: tenantID, Domain: domain}]
	if !ok {
		return nil, models.NewKindError(models.KindNotFound,
			fmt.Errorf("%w: domain %q for tenant %q", ErrDomainPackNotFound, domain, tenantID))
	}
	return versionList(entry.versions, entry.active), nil
}

// RegisterTenantPolicy stores a new tenant policy pack version. Binding is
// taken from the pack's own tenant_id and domain_name fields. The first
// version for a binding becomes active.
func (r *Registry) RegisterTenantPolicy(p *models.TenantPolicyPack) error {
	if p == nil {
		return models.Errorf(models.KindValidationFailed, "register tenant policy: %w: pack", ErrMissingRequiredField)
	}
	if p.TenantID == "" || p.DomainName == "" || p.Version == "" {
		return models.Errorf(models.KindValidationFailed,
			"register tenant policy: %w: tenant_id, domain_name and version are required", ErrMissingRequiredField)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := binding{Tenant: p.TenantID, Domain: p.DomainName}
	entry, ok := r.policies[key]
	if !ok {
		entry = &policyEntry{versions: make(map[string]*models.TenantPolicyPack)}
		r.policies[key] = entry
	}
	if _, dup := entry.versions[p.Version]; dup {
		return models.Errorf(models.KindConflict, "%w: tenant %q domain %q version %q",
			ErrVersionExists, p.TenantID, p.DomainName, p.Version)
	}

	entry.versions[p.Version] = p.Clone()
	activated := false
	if entry.active == "" {
		entry.active = p.Version
		r.generation.Add(1)
		activated = true
	}

	r.log.Info("Registered tenant policy pack",
		"tenant_id", p.TenantID,
		"domain", p.DomainName,
		"version", p.Version,
		"activated", activated)
	return nil
}

// ActivateTenantPolicy atomically switches the active policy version.
func (r *Registry) ActivateTenantPolicy(tenantID, domain, version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.policies[binding{Tenant: tenantID, Domain: domain}]
	if !ok {
		return models.NewKindError(models.KindNotFound,
			fmt.Errorf("%w: tenant %q domain %q", ErrTenantPolicyNotFound, tenantID, domain))
	}
	if _, ok := entry.versions[version]; !ok {
		return models.NewKindError(models.KindNotFound,
			fmt.Errorf("%w: tenant %q domain %q version %q", ErrVersionNotFound, tenantID, domain, version))
	}

	entry.active = version
	r.generation.Add(1)

	r.log.Info("Activated tenant policy pack",
		"tenant_id", tenantID,
		"domain", domain,
		"version", version,
		"generation", r.generation.Load())
	return nil
}

// ActiveTenantPolicy returns the tenant's active policy pack for the domain.
// Absence of a policy is normal for tenants running on domain defaults;
// callers distinguish it with errors.Is(err, ErrTenantPolicyNotFound).
func (r *Registry) ActiveTenantPolicy(tenantID, domain string) (*models.TenantPolicyPack, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.policies[binding{Tenant: tenantID, Domain: domain}]
	if !ok {
		return nil, models.NewKindError(models.KindNotFound,
			fmt.Errorf("%w: tenant %q domain %q", ErrTenantPolicyNotFound, tenantID, domain))
	}
	if entry.active == "" {
		return nil, models.NewKindError(models.KindNotFound,
			fmt.Errorf("%w: tenant %q domain %q", ErrNoActiveVersion, tenantID, domain))
	}
	return entry.versions[entry.active], nil
}

// TenantPolicyVersion returns a specific registered policy version.
func (r *Registry) TenantPolicyVersion(tenantID, domain, version string) (*models.TenantPolicyPack, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.policies[binding{Tenant: tenantID, Domain: domain}]
	if !ok {
		return nil, models.NewKindError(models.KindNotFound,
			fmt.Errorf("%w: tenant %q domain %q", ErrTenantPolicyNotFound, tenantID, domain))
	}
	p, ok := entry.versions[version]
	if !ok {
		return nil, models.NewKindError(models.KindNotFound,
			fmt.Errorf("%w: tenant %q domain %q version %q", ErrVersionNotFound, tenantID, domain, version))
	}
	return p, nil
}

// ListTenantPolicyVersions returns all registered policy versions for the
// binding, sorted by version string.
func (r *Registry) ListTenantPolicyVersions(tenantID, domain string) ([]VersionInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.policies[binding{Tenant: tenantID, Domain: domain}]
	if !ok {
		return nil, models.NewKindError(models.KindNotFound,
			fmt.Errorf("%w: tenant %q domain %q", ErrTenantPolicyNotFound, tenantID, domain))
	}
	return versionList(entry.versions, entry.active), nil
}

// Stats returns registry counts.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{
		DomainBindings: len(r.domains),
		PolicyBindings: len(r.policies),
	}
	for _, entry := range r.domains {
		s.DomainVersions += len(entry.versions)
	}
	for _, entry := range r.policies {
		s.PolicyVersions += len(entry.versions)
	}
	return s
}

func versionList[T any](versions map[string]T, active string) []VersionInfo {
	out := make([]VersionInfo, 0, len(versions))
	for v := range versions {
		out = append(out, VersionInfo{Version: v, Active: v == active})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}
