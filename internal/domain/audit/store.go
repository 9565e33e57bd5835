package audit

import (
	"context"
)

// AuditStore persists audit records.
// Interface owned by domain per hexagonal architecture.
// Batching and asynchronous delivery happen in the service layer
// (service.AuditService), which calls Append from its worker goroutine.
type AuditStore interface {
	// Append stores audit records.
	Append(ctx context.Context, records ...AuditRecord) error

	// Flush forces pending records to storage. Called during shutdown.
	Flush(ctx context.Context) error

	// Close releases resources.
	Close() error
}
