package worker

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepository provides in-memory session worker storage.
// It is the reference implementation of the Repository snapshot semantics
// and backs tests and dev mode.
type MemoryRepository struct {
	workers map[string]*SessionWorker
	mu      sync.RWMutex
}

// Ensure MemoryRepository implements Repository interface
var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates a new in-memory worker repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		workers: make(map[string]*SessionWorker),
	}
}

// Close is a no-op for in-memory repository
func (r *MemoryRepository) Close() error {
	return nil
}

// FindBySessionID returns a deep snapshot of the record for a session.
func (r *MemoryRepository) FindBySessionID(ctx context.Context, sessionID string) (*SessionWorker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.workers[sessionID]
	if !ok {
		return nil, ErrWorkerNotFound
	}
	return w.Clone(), nil
}

// Save upserts a deep copy of the record, last writer wins.
func (r *MemoryRepository) Save(ctx context.Context, w *SessionWorker) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := w.Clone()
	c.UpdatedAt = time.Now().UTC().Truncate(time.Millisecond)
	r.workers[w.SessionID] = c
	return nil
}

// List returns all records ordered by session id.
func (r *MemoryRepository) List(ctx context.Context) ([]*SessionWorker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*SessionWorker, 0, len(r.workers))
	for _, w := range r.workers {
		result = append(result, w.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].SessionID < result[j].SessionID
	})
	return result, nil
}

// ListIdleRunning returns running workers idle since before cutoff,
// oldest first.
func (r *MemoryRepository) ListIdleRunning(ctx context.Context, cutoff time.Time, limit int) ([]*SessionWorker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*SessionWorker
	for _, w := range r.workers {
		if w.State == StateRunning && w.LastActiveAt.Before(cutoff) {
			result = append(result, w.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].LastActiveAt.Before(result[j].LastActiveAt)
	})
	return truncate(result, limit), nil
}

// ListLongStopped returns stopped workers stopped before cutoff, oldest first.
func (r *MemoryRepository) ListLongStopped(ctx context.Context, cutoff time.Time, limit int) ([]*SessionWorker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*SessionWorker
	for _, w := range r.workers {
		if w.State == StateStopped && w.StoppedAt != nil && w.StoppedAt.Before(cutoff) {
			result = append(result, w.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StoppedAt.Before(*result[j].StoppedAt)
	})
	return truncate(result, limit), nil
}

// ListStaleSyncCandidates returns non-deleted workers whose sync is stale.
// Workers that never synced sort as oldest.
func (r *MemoryRepository) ListStaleSyncCandidates(ctx context.Context, cutoff time.Time, limit int) ([]*SessionWorker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*SessionWorker
	for _, w := range r.workers {
		if w.State == StateDeleted || w.LastSyncStatus == SyncRunning {
			continue
		}
		if w.LastSyncAt == nil || w.LastSyncAt.Before(cutoff) {
			result = append(result, w.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return syncSortKey(result[i]).Before(syncSortKey(result[j]))
	})
	return truncate(result, limit), nil
}

// syncSortKey treats a null lastSyncAt as the epoch so never-synced workers
// sort first.
func syncSortKey(w *SessionWorker) time.Time {
	if w.LastSyncAt == nil {
		return time.Time{}
	}
	return *w.LastSyncAt
}

// truncate caps a result set to limit; negative limits are treated as zero.
func truncate(workers []*SessionWorker, limit int) []*SessionWorker {
	if limit < 0 {
		limit = 0
	}
	if len(workers) > limit {
		workers = workers[:limit]
	}
	return workers
}
