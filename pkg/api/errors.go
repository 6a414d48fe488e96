package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/exceptionops/remsy/pkg/models"
)

// mapError writes the HTTP response for a service-layer error. Error kinds
// map onto statuses; anything unclassified is logged and hidden behind a
// generic 500 so internals never leak to callers.
func mapError(c *gin.Context, err error) {
	kind, ok := models.KindOf(err)
	if !ok {
		slog.Error("Unexpected service error", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}

	status := http.StatusInternalServerError
	switch kind {
	case models.KindValidationFailed:
		status = http.StatusBadRequest
	case models.KindNotFound:
		status = http.StatusNotFound
	case models.KindNotAllowed:
		status = http.StatusForbidden
	case models.KindConflict:
		status = http.StatusConflict
	case models.KindTimeout:
		status = http.StatusGatewayTimeout
	case models.KindProviderError, models.KindCircuitOpen:
		status = http.StatusBadGateway
	case models.KindToolInvocationFailed, models.KindFatal:
		slog.Error("Unrecoverable service error", "kind", kind, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}

	c.JSON(status, ErrorResponse{Error: err.Error()})
}

// badRequest writes a 400 with the given message.
func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg})
}
