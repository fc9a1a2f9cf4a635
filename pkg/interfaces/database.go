package interfaces

import (
	"context"

	"quizcast/pkg/types"
)

// AuditStore persists the response audit trail.
// Writes are fire-and-forget so a slow disk never stalls event handling;
// the trail is never replayed into live state.
type AuditStore interface {
	// RecordResponse queues one record for persistence
	RecordResponse(ctx context.Context, record *types.AuditRecord) error

	// ListResponses returns the persisted records of one activity in arrival order
	ListResponses(ctx context.Context, sessionID, activityID string) ([]*types.AuditRecord, error)

	// HealthCheck verifies database connectivity
	HealthCheck(ctx context.Context) error

	// Close flushes pending writes and closes the database
	Close() error
}
