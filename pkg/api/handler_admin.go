package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// reloadRoutingHandler handles POST /api/v1/admin/routing/reload. The fabric
// re-reads its config file and drops every cached client atomically.
func (s *Server) reloadRoutingHandler(c *gin.Context) {
	if s.fabric == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "routing fabric is not configured"})
		return
	}

	s.fabric.ReloadRoutingConfig()
	c.JSON(http.StatusOK, ReloadResponse{Message: "routing configuration reloaded"})
}
