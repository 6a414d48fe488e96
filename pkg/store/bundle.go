package store

import "github.com/exceptionops/remsy/pkg/audit"

// Stores bundles the repositories a running service needs. Both backends
// produce the same shape, so wiring code and tests swap them freely.
type Stores struct {
	Exceptions ExceptionStore
	Events     EventStore
	Processing ProcessingStore
	Packs      PackStore
	Feedback   FeedbackStore
	Tenants    TenantStore
	Audit      audit.Sink
}

// NewPostgresStores builds the full repository set on one client.
func NewPostgresStores(client *Client) *Stores {
	return &Stores{
		Exceptions: NewPostgresExceptionStore(client),
		Events:     NewPostgresEventStore(client),
		Processing: NewPostgresProcessingStore(client),
		Packs:      NewPostgresPackStore(client),
		Feedback:   NewPostgresFeedbackStore(client),
		Tenants:    NewPostgresTenantStore(client),
		Audit:      NewPostgresAuditSink(client),
	}
}

// NewMemoryStores builds the in-memory repository set, used by tests and
// by single-process runs without a database.
func NewMemoryStores() *Stores {
	return &Stores{
		Exceptions: NewMemoryExceptionStore(),
		Events:     NewMemoryEventStore(),
		Processing: NewMemoryProcessingStore(),
		Packs:      NewMemoryPackStore(),
		Feedback:   NewMemoryFeedbackStore(),
		Tenants:    NewMemoryTenantStore(),
		Audit:      audit.NewMemorySink(),
	}
}
