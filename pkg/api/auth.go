package api

import (
	"github.com/gin-gonic/gin"
)

// HeaderTenantID scopes every tenant-bound request. There is no implicit
// tenant: a missing header on a scoped route is a 400, never a cross-tenant
// read.
const HeaderTenantID = "X-Tenant-ID"

// requestTenant extracts the tenant id from the request headers.
func requestTenant(c *gin.Context) string {
	return c.GetHeader(HeaderTenantID)
}
