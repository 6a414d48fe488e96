package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/exceptionops/remsy/pkg/events"
	"github.com/exceptionops/remsy/pkg/metrics"
	"github.com/exceptionops/remsy/pkg/models"
	"github.com/exceptionops/remsy/pkg/store"
)

// defaultSourceSystem labels exceptions ingested straight through the API.
const defaultSourceSystem = "api"

// ingestExceptionHandler handles POST /api/v1/exceptions. It creates the
// exception record and publishes ExceptionIngested for the worker mesh;
// re-ingesting an existing (tenant, exception) pair is absorbed as success.
func (s *Server) ingestExceptionHandler(c *gin.Context) {
	// 1. Bind HTTP request
	var req IngestExceptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}

	// 2. Resolve tenant (body wins, header fallback)
	tenant := req.TenantID
	if tenant == "" {
		tenant = requestTenant(c)
	}
	if tenant == "" {
		badRequest(c, "tenant id is required (tenantId field or X-Tenant-ID header)")
		return
	}

	// 3. Validate required fields
	if req.Domain == "" {
		badRequest(c, "domain field is required")
		return
	}
	if req.Severity != "" && !models.Severity(req.Severity).IsValid() {
		badRequest(c, fmt.Sprintf("invalid severity %q: must be LOW, MEDIUM, HIGH, or CRITICAL", req.Severity))
		return
	}

	exceptionID := req.ExceptionID
	if exceptionID == "" {
		exceptionID = uuid.NewString()
	}
	sourceSystem := req.SourceSystem
	if sourceSystem == "" {
		sourceSystem = defaultSourceSystem
	}

	ctx := c.Request.Context()

	// 4. Ensure the tenant exists
	if err := s.stores.Tenants.EnsureTenant(ctx, tenant); err != nil {
		mapError(c, fmt.Errorf("failed to ensure tenant %s: %w", tenant, err))
		return
	}

	// 5. Create the record; the declared hints ride on it for triage to
	// confirm or override. A duplicate ingest returns the existing record.
	exc := models.NewException(exceptionID, tenant, sourceSystem, req.Domain, req.Payload)
	exc.ExceptionType = req.ExceptionType
	exc.Severity = models.Severity(req.Severity)
	if err := s.stores.Exceptions.Create(ctx, exc); err != nil {
		if models.IsKind(err, models.KindConflict) {
			if existing, getErr := s.stores.Exceptions.Get(ctx, tenant, exceptionID); getErr == nil {
				c.JSON(http.StatusOK, IngestResponse{
					ExceptionID: existing.ExceptionID,
					Status:      string(existing.Status),
					Message:     "exception already ingested",
				})
				return
			}
		}
		mapError(c, err)
		return
	}

	// 6. Publish the ingest event; the mesh takes it from here
	ev, err := events.New(models.EventExceptionIngested, tenant, exceptionID, events.ExceptionIngestedPayload{
		ExceptionID:   exceptionID,
		SourceSystem:  sourceSystem,
		Domain:        req.Domain,
		ExceptionType: req.ExceptionType,
		Severity:      req.Severity,
	})
	if err != nil {
		mapError(c, err)
		return
	}
	if err := s.stores.Events.AppendEvent(ctx, ev); err != nil {
		s.log.Warn("Failed to append ingest event to the event log",
			"exception_id", exceptionID, "error", err)
	}
	if err := s.broker.Publish(ctx, ev); err != nil {
		// The record stays OPEN; a later re-ingest of the same id comes
		// back through the conflict path above.
		mapError(c, fmt.Errorf("failed to enqueue exception %s for processing: %w", exceptionID, err))
		return
	}

	// 7. Respond
	metrics.RecordExceptionIngested(tenant, req.Domain)
	c.JSON(http.StatusAccepted, IngestResponse{
		ExceptionID: exceptionID,
		Status:      string(models.StatusOpen),
		Message:     "exception accepted for processing",
	})
}

// getExceptionHandler handles GET /api/v1/exceptions/:id.
func (s *Server) getExceptionHandler(c *gin.Context) {
	tenant := requestTenant(c)
	if tenant == "" {
		badRequest(c, "X-Tenant-ID header is required")
		return
	}

	exc, err := s.stores.Exceptions.Get(c.Request.Context(), tenant, c.Param("id"))
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, exc)
}

// listExceptionsHandler handles GET /api/v1/exceptions.
func (s *Server) listExceptionsHandler(c *gin.Context) {
	tenant := requestTenant(c)
	if tenant == "" {
		badRequest(c, "X-Tenant-ID header is required")
		return
	}

	q := store.ExceptionQuery{Domain: c.Query("domain")}
	if v := c.Query("status"); v != "" {
		status := models.ExceptionStatus(v)
		if !status.IsValid() {
			badRequest(c, "invalid status: "+v)
			return
		}
		q.Status = status
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			badRequest(c, "invalid limit: must be an integer between 1 and 500")
			return
		}
		q.Limit = n
	}

	excs, err := s.stores.Exceptions.List(c.Request.Context(), tenant, q)
	if err != nil {
		mapError(c, err)
		return
	}
	if excs == nil {
		excs = []*models.Exception{}
	}
	c.JSON(http.StatusOK, ListExceptionsResponse{Count: len(excs), Exceptions: excs})
}

// listExceptionEventsHandler handles GET /api/v1/exceptions/:id/events. The
// exception is loaded first so an unknown id is a 404, not an empty list.
func (s *Server) listExceptionEventsHandler(c *gin.Context) {
	tenant := requestTenant(c)
	if tenant == "" {
		badRequest(c, "X-Tenant-ID header is required")
		return
	}
	id := c.Param("id")
	ctx := c.Request.Context()

	if _, err := s.stores.Exceptions.Get(ctx, tenant, id); err != nil {
		mapError(c, err)
		return
	}

	evs, err := s.stores.Events.EventsFor(ctx, tenant, id)
	if err != nil {
		mapError(c, err)
		return
	}
	if evs == nil {
		evs = []models.CanonicalEvent{}
	}
	c.JSON(http.StatusOK, EventsResponse{ExceptionID: id, Count: len(evs), Events: evs})
}
