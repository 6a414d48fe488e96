package pack

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/exceptionops/remsy/pkg/models"
)

// Pack directory layout:
//
//	<dir>/domains/<tenant_id>/*.{yaml,yml,json}   domain packs, registered for the tenant named by the directory
//	<dir>/tenants/*.{yaml,yml,json}               tenant policy packs, binding read from the file itself
//
// Domain pack files carry no tenant binding, so the directory level supplies
// it; policy files name their own tenant and domain.

// Initialize loads, validates, and registers every pack file under dir and
// returns a ready registry. A missing directory yields an empty registry:
// packs may arrive later through the registration API.
func Initialize(ctx context.Context, dir string) (*Registry, error) {
	log := slog.With("packs_dir", dir)
	log.Info("Initializing pack registry")

	registry := NewRegistry()

	if dir == "" {
		log.Info("No packs directory configured; starting with empty registry")
		return registry, nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		log.Info("Packs directory does not exist; starting with empty registry")
		return registry, nil
	}

	validator, err := NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to build pack validator: %w", err)
	}

	if err := loadInto(ctx, registry, validator, dir); err != nil {
		return nil, err
	}

	stats := registry.Stats()
	log.Info("Pack registry initialized",
		"domain_bindings", stats.DomainBindings,
		"domain_versions", stats.DomainVersions,
		"policy_bindings", stats.PolicyBindings,
		"policy_versions", stats.PolicyVersions)
	return registry, nil
}

// loadInto registers all pack files under dir. Domain packs load before
// tenant policies so policy cross-references resolve. Any invalid file fails
// the load.
func loadInto(_ context.Context, registry *Registry, validator *Validator, dir string) error {
	domainFiles, err := packFiles(filepath.Join(dir, "domains"), 2)
	if err != nil {
		return err
	}
	for _, file := range domainFiles {
		if err := loadDomainPackFile(registry, validator, dir, file); err != nil {
			return err
		}
	}

	policyFiles, err := packFiles(filepath.Join(dir, "tenants"), 1)
	if err != nil {
		return err
	}
	for _, file := range policyFiles {
		if err := loadTenantPolicyFile(registry, validator, file); err != nil {
			return err
		}
	}
	return nil
}

func loadDomainPackFile(registry *Registry, validator *Validator, dir, file string) error {
	// The directory under domains/ names the owning tenant.
	rel, err := filepath.Rel(filepath.Join(dir, "domains"), file)
	if err != nil {
		return NewLoadError(file, err)
	}
	tenantID := filepath.Dir(rel)
	if tenantID == "." || strings.ContainsRune(tenantID, filepath.Separator) {
		return NewLoadError(file, fmt.Errorf("domain pack files must sit in domains/<tenant_id>/"))
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return NewLoadError(file, err)
	}
	p, err := DecodeDomainPack(data)
	if err != nil {
		return NewLoadError(file, err)
	}

	report := validator.ValidateDomainPack(p)
	logWarnings(file, report)
	if err := report.Err(); err != nil {
		return NewLoadError(file, err)
	}

	if err := registry.RegisterDomainPack(tenantID, p); err != nil {
		return NewLoadError(file, err)
	}
	return nil
}

func loadTenantPolicyFile(registry *Registry, validator *Validator, file string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return NewLoadError(file, err)
	}
	p, err := DecodeTenantPolicy(data)
	if err != nil {
		return NewLoadError(file, err)
	}

	// Policies cross-reference the tenant's domain pack; a policy for an
	// unloaded domain is a deployment mistake, so fail the boot.
	domain, err := registry.ActiveDomainPack(p.TenantID, p.DomainName)
	if err != nil {
		return NewLoadError(file, fmt.Errorf("no domain pack registered for tenant %q domain %q: %w",
			p.TenantID, p.DomainName, err))
	}

	report := validator.ValidateTenantPolicy(p, domain)
	logWarnings(file, report)
	if err := report.Err(); err != nil {
		return NewLoadError(file, err)
	}

	if err := registry.RegisterTenantPolicy(p); err != nil {
		return NewLoadError(file, err)
	}
	return nil
}

// packFiles returns pack files under root at exactly the given depth,
// sorted for deterministic registration order. A missing root is fine.
func packFiles(root string, depth int) ([]string, error) {
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil, nil
	}

	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !isPackFile(path) {
			slog.Debug("Skipping non-pack file", "file", path)
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if len(strings.Split(rel, string(filepath.Separator))) != depth {
			return NewLoadError(path, fmt.Errorf("unexpected nesting under %s", root))
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func isPackFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

func logWarnings(file string, report *Report) {
	for _, w := range report.Warnings {
		slog.Warn("Pack validation warning", "file", file, "warning", w)
	}
}

// ValidateAndRegisterDomainPack is the ingest path shared by the HTTP API:
// decode, validate, and register in one step, returning the report in both
// the accept and reject cases.
func ValidateAndRegisterDomainPack(registry *Registry, validator *Validator, tenantID string, data []byte) (*models.DomainPack, *Report, error) {
	p, err := DecodeDomainPack(data)
	if err != nil {
		return nil, nil, err
	}
	report := validator.ValidateDomainPack(p)
	if err := report.Err(); err != nil {
		return nil, report, err
	}
	if err := registry.RegisterDomainPack(tenantID, p); err != nil {
		return nil, report, err
	}
	return p, report, nil
}

// ValidateAndRegisterTenantPolicy mirrors ValidateAndRegisterDomainPack for
// tenant policy packs. The tenant's active domain pack, when present, feeds
// the cross-reference checks.
func ValidateAndRegisterTenantPolicy(registry *Registry, validator *Validator, data []byte) (*models.TenantPolicyPack, *Report, error) {
	p, err := DecodeTenantPolicy(data)
	if err != nil {
		return nil, nil, err
	}

	var domain *models.DomainPack
	if p.TenantID != "" && p.DomainName != "" {
		if dp, err := registry.ActiveDomainPack(p.TenantID, p.DomainName); err == nil {
			domain = dp
		}
	}

	report := validator.ValidateTenantPolicy(p, domain)
	if err := report.Err(); err != nil {
		return nil, report, err
	}
	if err := registry.RegisterTenantPolicy(p); err != nil {
		return nil, report, err
	}
	return p, report, nil
}
