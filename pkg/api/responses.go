package api

import (
	"github.com/exceptionops/remsy/pkg/models"
	"github.com/exceptionops/remsy/pkg/pack"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// IngestResponse is returned by POST /api/v1/exceptions.
type IngestResponse struct {
	ExceptionID string `json:"exceptionId"`
	Status      string `json:"status"`
	Message     string `json:"message"`
}

// ListExceptionsResponse is returned by GET /api/v1/exceptions.
type ListExceptionsResponse struct {
	Count      int                 `json:"count"`
	Exceptions []*models.Exception `json:"exceptions"`
}

// EventsResponse is returned by GET /api/v1/exceptions/:id/events.
type EventsResponse struct {
	ExceptionID string                  `json:"exceptionId"`
	Count       int                     `json:"count"`
	Events      []models.CanonicalEvent `json:"events"`
}

// PackAcceptedResponse is returned when a pack registers cleanly. Warnings
// are advisory findings that did not block ingest.
type PackAcceptedResponse struct {
	TenantID string   `json:"tenantId"`
	Domain   string   `json:"domain"`
	Version  string   `json:"version"`
	Warnings []string `json:"warnings,omitempty"`
}

// PackRejectedResponse is returned with 422 when validation rejects a pack.
type PackRejectedResponse struct {
	Error  string       `json:"error"`
	Report *pack.Report `json:"report"`
}

// PackActivatedResponse is returned by the activate endpoints. Generation is
// the registry counter after the swap; consumers cache against it.
type PackActivatedResponse struct {
	TenantID   string `json:"tenantId"`
	Domain     string `json:"domain"`
	Version    string `json:"version"`
	Generation uint64 `json:"generation"`
}

// VersionsResponse is returned by the versions endpoints.
type VersionsResponse struct {
	TenantID string             `json:"tenantId"`
	Domain   string             `json:"domain"`
	Versions []pack.VersionInfo `json:"versions"`
}

// ReloadResponse is returned by POST /api/v1/admin/routing/reload.
type ReloadResponse struct {
	Message string `json:"message"`
}

// HealthCheck is one dependency's state inside a health reply.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is returned by GET /healthz and GET /readyz.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks,omitempty"`
}
