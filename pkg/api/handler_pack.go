package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/exceptionops/remsy/pkg/models"
	"github.com/exceptionops/remsy/pkg/pack"
)

// registerDomainPackHandler handles POST /api/v1/packs/domain. The body is
// one pack document, YAML or JSON.
func (s *Server) registerDomainPackHandler(c *gin.Context) {
	// 1. Tenant scope
	tenant := requestTenant(c)
	if tenant == "" {
		badRequest(c, "X-Tenant-ID header is required")
		return
	}

	// 2. Read the raw document
	data, err := c.GetRawData()
	if err != nil {
		badRequest(c, "failed to read request body: "+err.Error())
		return
	}
	if len(data) == 0 {
		badRequest(c, "pack document is required")
		return
	}

	// 3. Decode, validate, register
	p, report, err := pack.ValidateAndRegisterDomainPack(s.registry, s.validator, tenant, data)
	if err != nil {
		if report != nil && !report.Valid() {
			c.JSON(http.StatusUnprocessableEntity, PackRejectedResponse{
				Error:  "domain pack rejected by validation",
				Report: report,
			})
			return
		}
		mapError(c, err)
		return
	}

	// 4. Mirror into the durable version history
	if err := s.stores.Packs.SaveDomainPack(c.Request.Context(), tenant, p); err != nil &&
		!models.IsKind(err, models.KindConflict) {
		s.log.Warn("Failed to persist domain pack version; registry holds it until restart",
			"tenant_id", tenant, "domain", p.DomainName, "version", p.Version, "error", err)
	}

	// 5. Respond
	c.JSON(http.StatusCreated, PackAcceptedResponse{
		TenantID: tenant,
		Domain:   p.DomainName,
		Version:  p.Version,
		Warnings: report.Warnings,
	})
}

// registerTenantPolicyHandler handles POST /api/v1/packs/tenant. The policy
// document names its own tenant; a set X-Tenant-ID header must agree.
func (s *Server) registerTenantPolicyHandler(c *gin.Context) {
	// 1. Read the raw document
	data, err := c.GetRawData()
	if err != nil {
		badRequest(c, "failed to read request body: "+err.Error())
		return
	}
	if len(data) == 0 {
		badRequest(c, "policy document is required")
		return
	}

	// 2. Tenant guard before anything registers
	decoded, err := pack.DecodeTenantPolicy(data)
	if err != nil {
		mapError(c, err)
		return
	}
	if h := requestTenant(c); h != "" && h != decoded.TenantID {
		c.JSON(http.StatusForbidden, ErrorResponse{
			Error: "policy tenant_id does not match the X-Tenant-ID header",
		})
		return
	}

	// 3. Decode, validate, register
	p, report, err := pack.ValidateAndRegisterTenantPolicy(s.registry, s.validator, data)
	if err != nil {
		if report != nil && !report.Valid() {
			c.JSON(http.StatusUnprocessableEntity, PackRejectedResponse{
				Error:  "tenant policy rejected by validation",
				Report: report,
			})
			return
		}
		mapError(c, err)
		return
	}

	// 4. Mirror into the durable version history
	if err := s.stores.Packs.SaveTenantPolicy(c.Request.Context(), p); err != nil &&
		!models.IsKind(err, models.KindConflict) {
		s.log.Warn("Failed to persist tenant policy version; registry holds it until restart",
			"tenant_id", p.TenantID, "domain", p.DomainName, "version", p.Version, "error", err)
	}

	// 5. Respond
	c.JSON(http.StatusCreated, PackAcceptedResponse{
		TenantID: p.TenantID,
		Domain:   p.DomainName,
		Version:  p.Version,
		Warnings: report.Warnings,
	})
}

// activateDomainPackHandler handles
// POST /api/v1/packs/domain/:domain/activate/:version.
func (s *Server) activateDomainPackHandler(c *gin.Context) {
	tenant := requestTenant(c)
	if tenant == "" {
		badRequest(c, "X-Tenant-ID header is required")
		return
	}
	domain := c.Param("domain")
	versionID := c.Param("version")

	if err := s.registry.ActivateDomainPack(tenant, domain, versionID); err != nil {
		mapError(c, err)
		return
	}
	if err := s.stores.Packs.ActivateDomainPack(c.Request.Context(), tenant, domain, versionID); err != nil &&
		!models.IsKind(err, models.KindNotFound) {
		s.log.Warn("Failed to persist domain pack activation",
			"tenant_id", tenant, "domain", domain, "version", versionID, "error", err)
	}

	c.JSON(http.StatusOK, PackActivatedResponse{
		TenantID:   tenant,
		Domain:     domain,
		Version:    versionID,
		Generation: s.registry.Generation(),
	})
}

// activateTenantPolicyHandler handles
// POST /api/v1/packs/tenant/:domain/activate/:version.
func (s *Server) activateTenantPolicyHandler(c *gin.Context) {
	tenant := requestTenant(c)
	if tenant == "" {
		badRequest(c, "X-Tenant-ID header is required")
		return
	}
	domain := c.Param("domain")
	versionID := c.Param("version")

	if err := s.registry.ActivateTenantPolicy(tenant, domain, versionID); err != nil {
		mapError(c, err)
		return
	}
	if err := s.stores.Packs.ActivateTenantPolicy(c.Request.Context(), tenant, domain, versionID); err != nil &&
		!models.IsKind(err, models.KindNotFound) {
		s.log.Warn("Failed to persist tenant policy activation",
			"tenant_id", tenant, "domain", domain, "version", versionID, "error", err)
	}

	c.JSON(http.StatusOK, PackActivatedResponse{
		TenantID:   tenant,
		Domain:     domain,
		Version:    versionID,
		Generation: s.registry.Generation(),
	})
}

// listDomainPackVersionsHandler handles
// GET /api/v1/packs/domain/:domain/versions.
func (s *Server) listDomainPackVersionsHandler(c *gin.Context) {
	tenant := requestTenant(c)
	if tenant == "" {
		badRequest(c, "X-Tenant-ID header is required")
		return
	}
	domain := c.Param("domain")

	versions, err := s.registry.ListDomainPackVersions(tenant, domain)
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, VersionsResponse{TenantID: tenant, Domain: domain, Versions: versions})
}

// listTenantPolicyVersionsHandler handles
// GET /api/v1/packs/tenant/:domain/versions.
func (s *Server) listTenantPolicyVersionsHandler(c *gin.Context) {
	tenant := requestTenant(c)
	if tenant == "" {
		badRequest(c, "X-Tenant-ID header is required")
		return
	}
	domain := c.Param("domain")

	versions, err := s.registry.ListTenantPolicyVersions(tenant, domain)
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, VersionsResponse{TenantID: tenant, Domain: domain, Versions: versions})
}
