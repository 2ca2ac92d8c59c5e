package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runforge/runforge/internal/common/logger"
)

func newTestManager(t *testing.T) (*Manager, *stubDriver, *stubExecutor) {
	t.Helper()
	driver := newStubDriver()
	executor := &stubExecutor{}
	m := NewManager(NewMemoryRepository(), driver, executor, nil, logger.Default())
	return m, driver, executor
}

func planA() RestorePlan {
	return RestorePlan{
		RepoURL:       "https://example.com/repo.git",
		Revision:      "main",
		RequiredPaths: []string{"/workspace"},
	}
}

func planB() RestorePlan {
	return RestorePlan{
		RepoURL:       "https://example.com/repo.git",
		Revision:      "feature",
		RequiredPaths: []string{"/workspace"},
	}
}

func TestEnsureRunningColdStart(t *testing.T) {
	m, driver, executor := newTestManager(t)

	w, err := m.EnsureRunning(context.Background(), "s1", planA())
	require.NoError(t, err)

	assert.Equal(t, StateRunning, w.State)
	assert.NotEmpty(t, w.ContainerID)
	assert.Equal(t, SyncSucceeded, w.LastSyncStatus)
	assert.Equal(t, planA().Fingerprint(), w.RestorePlanFingerprint)
	assert.True(t, driver.isRunning(w.ContainerID))

	creates, starts, _, _ := driver.counts()
	assert.Equal(t, 1, creates)
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, executor.restoreCount())
}

func TestEnsureRunningWarmPathIsIdempotent(t *testing.T) {
	m, driver, executor := newTestManager(t)

	first, err := m.EnsureRunning(context.Background(), "s1", planA())
	require.NoError(t, err)

	second, err := m.EnsureRunning(context.Background(), "s1", planA())
	require.NoError(t, err)

	assert.Equal(t, first.ContainerID, second.ContainerID)
	assert.False(t, second.LastActiveAt.Before(first.LastActiveAt))

	creates, starts, _, _ := driver.counts()
	assert.Equal(t, 1, creates, "warm path must not allocate a container")
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, executor.restoreCount(), "warm path must not re-restore")
}

func TestEnsureRunningPlanDrift(t *testing.T) {
	m, driver, executor := newTestManager(t)

	first, err := m.EnsureRunning(context.Background(), "s1", planA())
	require.NoError(t, err)

	second, err := m.EnsureRunning(context.Background(), "s1", planB())
	require.NoError(t, err)

	assert.Equal(t, first.ContainerID, second.ContainerID, "drift re-restores in place")
	assert.Equal(t, planB().Fingerprint(), second.RestorePlanFingerprint)
	assert.Equal(t, 2, executor.restoreCount())
	assert.Equal(t, planB(), executor.restoredPlan())

	creates, _, _, _ := driver.counts()
	assert.Equal(t, 1, creates)
}

func TestEnsureRunningRestoreFailureRollsBack(t *testing.T) {
	m, driver, executor := newTestManager(t)
	executor.restoreErr = errors.New("tarball corrupt")

	_, err := m.EnsureRunning(context.Background(), "s1", planA())
	require.Error(t, err)

	var restoreErr *RestoreError
	require.ErrorAs(t, err, &restoreErr)

	w, err := m.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, StateStopped, w.State)
	assert.Empty(t, w.ContainerID)
	assert.Equal(t, SyncFailed, w.LastSyncStatus)

	creates, _, stops, removes := driver.counts()
	assert.Equal(t, 1, creates)
	assert.Equal(t, 1, stops, "partial container must be stopped")
	assert.Equal(t, 1, removes, "partial container must be removed")
}

func TestEnsureRunningValidateFailureTreatedAsRestoreFailure(t *testing.T) {
	m, _, executor := newTestManager(t)
	executor.validateErrs = []string{"/workspace"}

	_, err := m.EnsureRunning(context.Background(), "s1", planA())
	require.Error(t, err)

	var invalidErr *WorkspaceInvalidError
	require.ErrorAs(t, err, &invalidErr)
	assert.Equal(t, []string{"/workspace"}, invalidErr.MissingPaths)

	w, err := m.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, StateStopped, w.State)
	assert.Empty(t, w.ContainerID)
}

func TestEnsureRunningRetriesTransientCreate(t *testing.T) {
	m, driver, _ := newTestManager(t)
	driver.createErrs = []error{
		&TransientError{Op: "create", Err: errors.New("daemon busy")},
		&TransientError{Op: "create", Err: errors.New("daemon busy")},
	}

	w, err := m.EnsureRunning(context.Background(), "s1", planA())
	require.NoError(t, err)
	assert.Equal(t, StateRunning, w.State)

	creates, _, _, _ := driver.counts()
	assert.Equal(t, 3, creates, "two transient failures then success")
}

func TestEnsureRunningTransientExhaustion(t *testing.T) {
	m, driver, _ := newTestManager(t)
	driver.createErrs = []error{
		&TransientError{Op: "create", Err: errors.New("daemon busy")},
		&TransientError{Op: "create", Err: errors.New("daemon busy")},
		&TransientError{Op: "create", Err: errors.New("daemon busy")},
	}

	_, err := m.EnsureRunning(context.Background(), "s1", planA())
	require.Error(t, err)
	assert.True(t, IsTransient(err))

	w, err := m.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, StateStopped, w.State)
	assert.Equal(t, SyncFailed, w.LastSyncStatus)
	assert.Nil(t, w.LastSyncAt, "create failure is not a sync attempt")
}

func TestEnsureRunningAfterStopAllocatesFreshContainer(t *testing.T) {
	m, driver, _ := newTestManager(t)

	first, err := m.EnsureRunning(context.Background(), "s1", planA())
	require.NoError(t, err)
	require.NoError(t, m.Stop(context.Background(), "s1"))

	second, err := m.EnsureRunning(context.Background(), "s1", planA())
	require.NoError(t, err)
	assert.NotEqual(t, first.ContainerID, second.ContainerID)

	creates, _, _, removes := driver.counts()
	assert.Equal(t, 2, creates)
	assert.Equal(t, 1, removes, "old container removed before re-provisioning")
}

func TestReprovisioningClearsStoppedAt(t *testing.T) {
	m, driver, _ := newTestManager(t)

	_, err := m.EnsureRunning(context.Background(), "s1", planA())
	require.NoError(t, err)
	require.NoError(t, m.Stop(context.Background(), "s1"))

	driver.createGate = make(chan struct{})
	driver.createEntered = make(chan struct{}, 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = m.EnsureRunning(context.Background(), "s1", planA())
	}()

	select {
	case <-driver.createEntered:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for re-provisioning to start")
	}

	w, err := m.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, StateProvisioning, w.State)
	assert.Nil(t, w.StoppedAt, "provisioning workers must not carry stoppedAt")

	close(driver.createGate)
	<-done

	got, err := m.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, got.State)
	assert.Nil(t, got.StoppedAt)
}

func TestConcurrentEnsureRunningSameSession(t *testing.T) {
	m, driver, _ := newTestManager(t)

	const n = 8
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w, err := m.EnsureRunning(context.Background(), "s1", planA())
			if err != nil {
				t.Errorf("ensure running failed: %v", err)
				return
			}
			ids[i] = w.ContainerID
		}(i)
	}
	wg.Wait()

	creates, _, _, _ := driver.counts()
	assert.Equal(t, 1, creates, "exactly one container across concurrent callers")
	for _, id := range ids {
		assert.Equal(t, ids[0], id, "all callers must see the same container")
	}
}

func TestTryEnsureRunningFastFailsWhenBusy(t *testing.T) {
	m, driver, _ := newTestManager(t)
	driver.createGate = make(chan struct{})
	driver.createEntered = make(chan struct{}, 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = m.EnsureRunning(context.Background(), "s1", planA())
	}()

	// Wait until the first caller holds the critical section.
	select {
	case <-driver.createEntered:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for provisioning to start")
	}

	_, err := m.TryEnsureRunning(context.Background(), "s1", planA())
	assert.ErrorIs(t, err, ErrSessionBusy)

	close(driver.createGate)
	<-done
}

func TestStopIsIdempotent(t *testing.T) {
	m, driver, _ := newTestManager(t)

	w, err := m.EnsureRunning(context.Background(), "s1", planA())
	require.NoError(t, err)

	require.NoError(t, m.Stop(context.Background(), "s1"))
	require.NoError(t, m.Stop(context.Background(), "s1"))

	got, err := m.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, StateStopped, got.State)
	require.NotNil(t, got.StoppedAt)
	assert.Equal(t, w.ContainerID, got.ContainerID, "stopped workers keep their container")

	_, _, stops, _ := driver.counts()
	assert.Equal(t, 1, stops)
}

func TestDeleteIsTerminalAndIdempotent(t *testing.T) {
	m, driver, _ := newTestManager(t)

	_, err := m.EnsureRunning(context.Background(), "s1", planA())
	require.NoError(t, err)

	require.NoError(t, m.Delete(context.Background(), "s1"))
	require.NoError(t, m.Delete(context.Background(), "s1"), "delete after success is idempotent")

	_, _, _, removes := driver.counts()
	assert.Equal(t, 1, removes)

	_, err = m.EnsureRunning(context.Background(), "s1", planA())
	assert.ErrorIs(t, err, ErrWorkerDeleted)
	assert.ErrorIs(t, m.Touch(context.Background(), "s1"), ErrWorkerDeleted)
	assert.ErrorIs(t, m.Stop(context.Background(), "s1"), ErrWorkerDeleted)
}

func TestDeletePurgesSessionLock(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, err := m.EnsureRunning(context.Background(), "s1", planA())
	require.NoError(t, err)
	assert.Equal(t, 1, m.locks.len())

	require.NoError(t, m.Delete(context.Background(), "s1"))
	assert.Equal(t, 0, m.locks.len(), "lock entry dropped after terminal delete")
}

func TestTouchAdvancesActivity(t *testing.T) {
	m, _, _ := newTestManager(t)

	w, err := m.EnsureRunning(context.Background(), "s1", planA())
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)
	require.NoError(t, m.Touch(context.Background(), "s1"))

	got, err := m.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, got.LastActiveAt.After(w.LastActiveAt))
}

func TestSweepIdleStopsOnlyStaleWorkers(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.EnsureRunning(ctx, "stale", planA())
	require.NoError(t, err)
	_, err = m.EnsureRunning(ctx, "fresh", planA())
	require.NoError(t, err)

	// Age the stale worker's activity clock directly in the repository.
	w, err := m.repo.FindBySessionID(ctx, "stale")
	require.NoError(t, err)
	w.LastActiveAt = nowUTC().Add(-time.Hour)
	require.NoError(t, m.repo.Save(ctx, w))

	swept, err := m.SweepIdle(ctx, nowUTC().Add(-30*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	staleW, _ := m.Get(ctx, "stale")
	assert.Equal(t, StateStopped, staleW.State)
	require.NotNil(t, staleW.StoppedAt)

	freshW, _ := m.Get(ctx, "fresh")
	assert.Equal(t, StateRunning, freshW.State)
}

func TestSweepLongStoppedDeletes(t *testing.T) {
	m, driver, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.EnsureRunning(ctx, "s1", planA())
	require.NoError(t, err)
	require.NoError(t, m.Stop(ctx, "s1"))

	w, err := m.repo.FindBySessionID(ctx, "s1")
	require.NoError(t, err)
	old := nowUTC().Add(-48 * time.Hour)
	w.StoppedAt = &old
	require.NoError(t, m.repo.Save(ctx, w))

	swept, err := m.SweepLongStopped(ctx, nowUTC().Add(-24*time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	got, err := m.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StateDeleted, got.State)

	_, _, _, removes := driver.counts()
	assert.Equal(t, 1, removes)
}

func TestSweepStaleSyncReRunsSync(t *testing.T) {
	m, _, executor := newTestManager(t)
	ctx := context.Background()

	_, err := m.EnsureRunning(ctx, "s1", planA())
	require.NoError(t, err)
	require.Equal(t, 1, executor.restoreCount())

	w, err := m.repo.FindBySessionID(ctx, "s1")
	require.NoError(t, err)
	old := nowUTC().Add(-2 * time.Hour)
	w.LastSyncAt = &old
	require.NoError(t, m.repo.Save(ctx, w))

	swept, err := m.SweepStaleSync(ctx, nowUTC().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)
	assert.Equal(t, 2, executor.restoreCount())

	got, err := m.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, SyncSucceeded, got.LastSyncStatus)
	require.NotNil(t, got.LastSyncAt)
	assert.True(t, got.LastSyncAt.After(old))
}

func TestSweepStaleSyncSkipsWithoutCachedPlan(t *testing.T) {
	m, _, executor := newTestManager(t)
	ctx := context.Background()

	_, err := m.EnsureRunning(ctx, "s1", planA())
	require.NoError(t, err)

	w, err := m.repo.FindBySessionID(ctx, "s1")
	require.NoError(t, err)
	old := nowUTC().Add(-2 * time.Hour)
	w.LastSyncAt = &old
	require.NoError(t, m.repo.Save(ctx, w))

	m.forgetPlan("s1")

	swept, err := m.SweepStaleSync(ctx, nowUTC().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, swept)
	assert.Equal(t, 1, executor.restoreCount(), "no plan means no sync")
}

func TestSweepStaleSyncSkipsStoppedWorkers(t *testing.T) {
	m, _, executor := newTestManager(t)
	ctx := context.Background()

	_, err := m.EnsureRunning(ctx, "s1", planA())
	require.NoError(t, err)
	require.NoError(t, m.Stop(ctx, "s1"))

	w, err := m.repo.FindBySessionID(ctx, "s1")
	require.NoError(t, err)
	old := nowUTC().Add(-2 * time.Hour)
	w.LastSyncAt = &old
	require.NoError(t, m.repo.Save(ctx, w))

	swept, err := m.SweepStaleSync(ctx, nowUTC().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, swept)
	assert.Equal(t, 1, executor.restoreCount())
}

func TestSweepHonorsCancellationBetweenCandidates(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, err := m.EnsureRunning(context.Background(), "s1", planA())
	require.NoError(t, err)

	w, err := m.repo.FindBySessionID(context.Background(), "s1")
	require.NoError(t, err)
	w.LastActiveAt = nowUTC().Add(-time.Hour)
	require.NoError(t, m.repo.Save(context.Background(), w))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	swept, err := m.SweepIdle(ctx, nowUTC(), 10)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, swept)

	got, err := m.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, got.State, "canceled sweep must not touch candidates")
}
