package api

// IngestExceptionRequest is the HTTP request body for POST /api/v1/exceptions.
// TenantID may come from the body or the X-Tenant-ID header; the body wins.
// ExceptionType and Severity are the source system's declared hints — triage
// assigns the authoritative classification.
type IngestExceptionRequest struct {
	ExceptionID   string         `json:"exceptionId,omitempty"`
	TenantID      string         `json:"tenantId,omitempty"`
	SourceSystem  string         `json:"sourceSystem,omitempty"`
	Domain        string         `json:"domain"`
	ExceptionType string         `json:"exceptionType,omitempty"`
	Severity      string         `json:"severity,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
}
