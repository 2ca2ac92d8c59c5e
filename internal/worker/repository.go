package worker

import (
	"context"
	"time"
)

// Repository provides storage for session worker records.
//
// All reads return deep snapshots: mutating a returned record does not leak
// back into the store. Save is a last-writer-wins upsert keyed by session id
// and stores a deep copy. List operations order ascending by the queried
// timestamp and truncate to limit (negative limits are treated as zero).
type Repository interface {
	// FindBySessionID returns the record for a session, or ErrWorkerNotFound.
	FindBySessionID(ctx context.Context, sessionID string) (*SessionWorker, error)

	// Save upserts the record keyed by its session id.
	Save(ctx context.Context, w *SessionWorker) error

	// List returns all records ordered by session id.
	List(ctx context.Context) ([]*SessionWorker, error)

	// ListIdleRunning returns running workers with lastActiveAt before
	// cutoff, oldest first.
	ListIdleRunning(ctx context.Context, cutoff time.Time, limit int) ([]*SessionWorker, error)

	// ListLongStopped returns stopped workers with stoppedAt before cutoff,
	// oldest first.
	ListLongStopped(ctx context.Context, cutoff time.Time, limit int) ([]*SessionWorker, error)

	// ListStaleSyncCandidates returns non-deleted workers whose last sync is
	// not currently running and either never happened or ended before
	// cutoff. Never-synced workers sort oldest.
	ListStaleSyncCandidates(ctx context.Context, cutoff time.Time, limit int) ([]*SessionWorker, error)

	// Close releases any underlying resources.
	Close() error
}
