package worker

import (
	"context"
	"testing"
	"time"
)

func saveWorker(t *testing.T, r Repository, w *SessionWorker) {
	t.Helper()
	if err := r.Save(context.Background(), w); err != nil {
		t.Fatalf("save failed: %v", err)
	}
}

func TestFindReturnsIndependentSnapshot(t *testing.T) {
	r := NewMemoryRepository()
	saveWorker(t, r, &SessionWorker{
		SessionID:    "s1",
		ContainerID:  "ctr-1",
		State:        StateRunning,
		LastActiveAt: time.Now().UTC(),
	})

	w, err := r.FindBySessionID(context.Background(), "s1")
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}

	w.ContainerID = "mutated"
	w.State = StateDeleted

	again, err := r.FindBySessionID(context.Background(), "s1")
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if again.ContainerID != "ctr-1" || again.State != StateRunning {
		t.Error("mutation on snapshot leaked into the store")
	}
}

func TestSaveStoresDeepCopy(t *testing.T) {
	r := NewMemoryRepository()
	stopped := time.Now().UTC()
	w := &SessionWorker{
		SessionID: "s1",
		State:     StateStopped,
		StoppedAt: &stopped,
	}
	saveWorker(t, r, w)

	// Mutating the saved value must not affect the store.
	*w.StoppedAt = stopped.Add(time.Hour)

	got, err := r.FindBySessionID(context.Background(), "s1")
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if !got.StoppedAt.Equal(stopped) {
		t.Error("save did not deep-copy the record")
	}
}

func TestFindUnknownSession(t *testing.T) {
	r := NewMemoryRepository()
	if _, err := r.FindBySessionID(context.Background(), "nope"); err != ErrWorkerNotFound {
		t.Errorf("expected ErrWorkerNotFound, got %v", err)
	}
}

func TestListIdleRunningOrderAndLimit(t *testing.T) {
	r := NewMemoryRepository()
	base := time.Now().UTC().Truncate(time.Millisecond)

	saveWorker(t, r, &SessionWorker{SessionID: "a", State: StateRunning, LastActiveAt: base.Add(-10 * time.Minute)})
	saveWorker(t, r, &SessionWorker{SessionID: "b", State: StateRunning, LastActiveAt: base.Add(-30 * time.Minute)})
	saveWorker(t, r, &SessionWorker{SessionID: "c", State: StateRunning, LastActiveAt: base.Add(-20 * time.Minute)})
	saveWorker(t, r, &SessionWorker{SessionID: "d", State: StateStopped, LastActiveAt: base.Add(-40 * time.Minute)})
	saveWorker(t, r, &SessionWorker{SessionID: "e", State: StateRunning, LastActiveAt: base})

	got, err := r.ListIdleRunning(context.Background(), base.Add(-5*time.Minute), 2)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 workers, got %d", len(got))
	}
	if got[0].SessionID != "b" || got[1].SessionID != "c" {
		t.Errorf("expected oldest-first [b c], got [%s %s]", got[0].SessionID, got[1].SessionID)
	}
}

func TestListIdleRunningZeroAndNegativeLimit(t *testing.T) {
	r := NewMemoryRepository()
	saveWorker(t, r, &SessionWorker{SessionID: "a", State: StateRunning, LastActiveAt: time.Now().UTC().Add(-time.Hour)})

	for _, limit := range []int{0, -5} {
		got, err := r.ListIdleRunning(context.Background(), time.Now().UTC(), limit)
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		if len(got) != 0 {
			t.Errorf("limit %d: expected empty result, got %d", limit, len(got))
		}
	}
}

func TestListLongStoppedRequiresStoppedAt(t *testing.T) {
	r := NewMemoryRepository()
	old := time.Now().UTC().Add(-48 * time.Hour)

	saveWorker(t, r, &SessionWorker{SessionID: "a", State: StateStopped, StoppedAt: &old})
	saveWorker(t, r, &SessionWorker{SessionID: "b", State: StateStopped}) // no stoppedAt

	got, err := r.ListLongStopped(context.Background(), time.Now().UTC().Add(-24*time.Hour), 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(got) != 1 || got[0].SessionID != "a" {
		t.Errorf("expected only worker a, got %d results", len(got))
	}
}

func TestListStaleSyncCandidates(t *testing.T) {
	r := NewMemoryRepository()
	now := time.Now().UTC().Truncate(time.Millisecond)
	old := now.Add(-2 * time.Hour)
	fresh := now.Add(-time.Minute)

	saveWorker(t, r, &SessionWorker{SessionID: "never", State: StateRunning, LastSyncStatus: SyncNever})
	saveWorker(t, r, &SessionWorker{SessionID: "stale", State: StateRunning, LastSyncStatus: SyncSucceeded, LastSyncAt: &old})
	saveWorker(t, r, &SessionWorker{SessionID: "fresh", State: StateRunning, LastSyncStatus: SyncSucceeded, LastSyncAt: &fresh})
	saveWorker(t, r, &SessionWorker{SessionID: "inflight", State: StateRunning, LastSyncStatus: SyncRunning, LastSyncAt: &old})
	saveWorker(t, r, &SessionWorker{SessionID: "gone", State: StateDeleted, LastSyncStatus: SyncFailed, LastSyncAt: &old})

	got, err := r.ListStaleSyncCandidates(context.Background(), now.Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(got))
	}
	// Never-synced sorts as oldest.
	if got[0].SessionID != "never" || got[1].SessionID != "stale" {
		t.Errorf("expected [never stale], got [%s %s]", got[0].SessionID, got[1].SessionID)
	}
}

func TestListAllOrderedBySession(t *testing.T) {
	r := NewMemoryRepository()
	saveWorker(t, r, &SessionWorker{SessionID: "b", State: StateRunning})
	saveWorker(t, r, &SessionWorker{SessionID: "a", State: StateStopped})

	got, err := r.List(context.Background())
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(got) != 2 || got[0].SessionID != "a" || got[1].SessionID != "b" {
		t.Errorf("expected [a b], got %d results", len(got))
	}
}
