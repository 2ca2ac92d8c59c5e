package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/runforge/runforge/internal/common/logger"
	"github.com/runforge/runforge/internal/events/bus"
)

// Manager is the session worker lifecycle state machine. It binds each
// session to at most one container, serializing all transitions for a session
// behind a per-session lock while sessions proceed in parallel.
type Manager struct {
	repo     Repository
	driver   ContainerDriver
	executor ExecutorClient
	eventBus bus.EventBus
	locks    *sessionLocks
	logger   *logger.Logger

	// plans remembers the last restore plan seen per session so the
	// stale-sync sweep can re-run a sync without a caller-supplied plan.
	// Only the fingerprint is persisted; the full plan lives here.
	planMu sync.RWMutex
	plans  map[string]RestorePlan
}

// NewManager creates a lifecycle manager wired to its ports.
func NewManager(repo Repository, driver ContainerDriver, executor ExecutorClient, eventBus bus.EventBus, log *logger.Logger) *Manager {
	return &Manager{
		repo:     repo,
		driver:   driver,
		executor: executor,
		eventBus: eventBus,
		locks:    newSessionLocks(),
		logger:   log.WithFields(zap.String("component", "worker-manager")),
		plans:    make(map[string]RestorePlan),
	}
}

func nowUTC() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// EnsureRunning idempotently produces a running worker for the session whose
// workspace matches the plan. It blocks while another transition for the same
// session is in flight.
func (m *Manager) EnsureRunning(ctx context.Context, sessionID string, plan RestorePlan) (*SessionWorker, error) {
	l := m.locks.acquire(sessionID)
	defer m.locks.release(sessionID, l)
	return m.ensureRunningLocked(ctx, sessionID, plan)
}

// TryEnsureRunning is EnsureRunning without queueing: it returns
// ErrSessionBusy when another transition holds the session.
func (m *Manager) TryEnsureRunning(ctx context.Context, sessionID string, plan RestorePlan) (*SessionWorker, error) {
	l := m.locks.tryAcquire(sessionID)
	if l == nil {
		return nil, ErrSessionBusy
	}
	defer m.locks.release(sessionID, l)
	return m.ensureRunningLocked(ctx, sessionID, plan)
}

func (m *Manager) ensureRunningLocked(ctx context.Context, sessionID string, plan RestorePlan) (*SessionWorker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	w, err := m.repo.FindBySessionID(ctx, sessionID)
	switch {
	case err == nil:
	case err == ErrWorkerNotFound:
		now := nowUTC()
		w = &SessionWorker{
			SessionID:      sessionID,
			State:          StateProvisioning,
			LastActiveAt:   now,
			LastSyncStatus: SyncNever,
			CreatedAt:      now,
		}
	default:
		return nil, fmt.Errorf("failed to load worker: %w", err)
	}

	switch w.State {
	case StateDeleted:
		return nil, ErrWorkerDeleted

	case StateRunning:
		fp := plan.Fingerprint()
		if w.RestorePlanFingerprint == fp {
			// Warm path: nothing to do but record activity.
			w.LastActiveAt = nowUTC()
			if err := m.repo.Save(ctx, w); err != nil {
				return nil, fmt.Errorf("failed to save worker: %w", err)
			}
			m.cachePlan(sessionID, plan)
			return w, nil
		}

		// Plan drift: re-restore in place, same container.
		m.logger.Info("restore plan drift detected, re-syncing workspace",
			zap.String("session_id", sessionID),
			zap.String("fingerprint", fp.String()))
		if err := m.syncWorkspace(ctx, w, plan); err != nil {
			m.discardContainer(w)
			w.State = StateStopped
			t := nowUTC()
			w.StoppedAt = &t
			if saveErr := m.repo.Save(ctx, w); saveErr != nil {
				m.logger.Error("failed to save worker after sync failure", zap.Error(saveErr))
			}
			m.publishEvent(ctx, bus.WorkerStopped, sessionID, nil)
			return nil, err
		}
		w.RestorePlanFingerprint = fp
		w.LastActiveAt = nowUTC()
		if err := m.repo.Save(ctx, w); err != nil {
			return nil, fmt.Errorf("failed to save worker: %w", err)
		}
		m.cachePlan(sessionID, plan)
		return w, nil

	default:
		// provisioning (crashed mid-flight) or stopped or brand new:
		// allocate a fresh container.
		return m.provision(ctx, w, plan)
	}
}

// provision takes a worker through provisioning into running. The session
// lock is held. On any failure the partial container is discarded and the
// worker is left stopped with lastSyncStatus=failed.
func (m *Manager) provision(ctx context.Context, w *SessionWorker, plan RestorePlan) (*SessionWorker, error) {
	// A stopped worker may still reference its old container; it is dead
	// weight once we allocate a new one.
	m.discardContainer(w)

	w.State = StateProvisioning
	w.StoppedAt = nil
	if err := m.repo.Save(ctx, w); err != nil {
		return nil, fmt.Errorf("failed to save worker: %w", err)
	}
	m.publishEvent(ctx, bus.WorkerProvisioning, w.SessionID, nil)

	var containerID string
	err := retryTransient(ctx, func() error {
		var createErr error
		containerID, createErr = m.driver.CreateWorker(ctx)
		return createErr
	})
	if err != nil {
		return nil, m.failProvision(ctx, w, fmt.Errorf("failed to create container: %w", err))
	}
	w.ContainerID = containerID

	if err := retryTransient(ctx, func() error {
		return m.driver.Start(ctx, containerID)
	}); err != nil {
		m.discardContainer(w)
		return nil, m.failProvision(ctx, w, fmt.Errorf("failed to start container: %w", err))
	}

	if err := m.syncWorkspace(ctx, w, plan); err != nil {
		m.discardContainer(w)
		return nil, m.failProvision(ctx, w, err)
	}

	w.State = StateRunning
	w.LastActiveAt = nowUTC()
	w.RestorePlanFingerprint = plan.Fingerprint()
	if err := m.repo.Save(ctx, w); err != nil {
		// Repository is authoritative; roll the container back.
		m.discardContainer(w)
		return nil, fmt.Errorf("failed to save worker: %w", err)
	}

	m.cachePlan(w.SessionID, plan)
	m.publishEvent(ctx, bus.WorkerRunning, w.SessionID, map[string]interface{}{
		"container_id": w.ContainerID,
	})
	m.logger.Info("worker running",
		zap.String("session_id", w.SessionID),
		zap.String("container_id", w.ContainerID))
	return w, nil
}

// failProvision records a failed provisioning attempt: the worker lands in
// stopped with no container and a failed sync. lastSyncAt is left to
// syncWorkspace; a create or start failure is not a sync attempt.
// Returns cause for the caller.
func (m *Manager) failProvision(ctx context.Context, w *SessionWorker, cause error) error {
	now := nowUTC()
	w.State = StateStopped
	w.StoppedAt = &now
	w.LastSyncStatus = SyncFailed
	if err := m.repo.Save(ctx, w); err != nil {
		m.logger.Error("failed to save worker after provisioning failure",
			zap.String("session_id", w.SessionID), zap.Error(err))
	}
	m.publishEvent(ctx, bus.WorkerStopped, w.SessionID, map[string]interface{}{
		"reason": "provisioning_failed",
	})
	m.logger.Warn("worker provisioning failed",
		zap.String("session_id", w.SessionID), zap.Error(cause))
	return cause
}

// syncWorkspace restores, links, and validates the workspace inside the
// worker's container, tracking the attempt through lastSyncStatus so
// concurrent stale-sync sweeps do not double-dispatch. The session lock is
// held. Partial restores are failures.
func (m *Manager) syncWorkspace(ctx context.Context, w *SessionWorker, plan RestorePlan) error {
	w.LastSyncStatus = SyncRunning
	if err := m.repo.Save(ctx, w); err != nil {
		return fmt.Errorf("failed to save worker: %w", err)
	}

	syncErr := m.runSync(ctx, w, plan)

	now := nowUTC()
	w.LastSyncAt = &now
	if syncErr != nil {
		w.LastSyncStatus = SyncFailed
	} else {
		w.LastSyncStatus = SyncSucceeded
	}
	if err := m.repo.Save(ctx, w); err != nil {
		if syncErr != nil {
			return syncErr
		}
		return fmt.Errorf("failed to save worker: %w", err)
	}
	return syncErr
}

func (m *Manager) runSync(ctx context.Context, w *SessionWorker, plan RestorePlan) error {
	if err := m.executor.RestoreWorkspace(ctx, RestoreRequest{
		SessionID:   w.SessionID,
		ContainerID: w.ContainerID,
		Plan:        plan,
	}); err != nil {
		return &RestoreError{Reason: "restore workspace", Err: err}
	}

	if err := m.executor.LinkAgentData(ctx, LinkRequest{
		SessionID:   w.SessionID,
		ContainerID: w.ContainerID,
	}); err != nil {
		return &RestoreError{Reason: "link agent data", Err: err}
	}

	result, err := m.executor.ValidateWorkspace(ctx, ValidateRequest{
		SessionID:     w.SessionID,
		ContainerID:   w.ContainerID,
		RequiredPaths: plan.RequiredPaths,
	})
	if err != nil {
		return &RestoreError{Reason: "validate workspace", Err: err}
	}
	if !result.OK {
		return &WorkspaceInvalidError{MissingPaths: result.MissingRequiredPaths}
	}
	return nil
}

// Touch records session activity. Called on run start and on every inbound
// provider chunk.
func (m *Manager) Touch(ctx context.Context, sessionID string) error {
	l := m.locks.acquire(sessionID)
	defer m.locks.release(sessionID, l)

	w, err := m.repo.FindBySessionID(ctx, sessionID)
	if err != nil {
		return err
	}
	if w.State == StateDeleted {
		return ErrWorkerDeleted
	}

	w.LastActiveAt = nowUTC()
	return m.repo.Save(ctx, w)
}

// Get returns a snapshot of the worker record without taking the session
// lock; repository reads are already defensive copies.
func (m *Manager) Get(ctx context.Context, sessionID string) (*SessionWorker, error) {
	return m.repo.FindBySessionID(ctx, sessionID)
}

// List returns snapshots of all worker records.
func (m *Manager) List(ctx context.Context) ([]*SessionWorker, error) {
	return m.repo.List(ctx)
}

// Stop transitions the worker to stopped, stopping its container if present.
// Stopping an already-stopped worker is a no-op.
func (m *Manager) Stop(ctx context.Context, sessionID string) error {
	l := m.locks.acquire(sessionID)
	defer m.locks.release(sessionID, l)

	w, err := m.repo.FindBySessionID(ctx, sessionID)
	if err != nil {
		return err
	}
	return m.stopLocked(ctx, w)
}

func (m *Manager) stopLocked(ctx context.Context, w *SessionWorker) error {
	switch w.State {
	case StateDeleted:
		return ErrWorkerDeleted
	case StateStopped:
		return nil
	}

	if w.ContainerID != "" {
		err := retryTransient(ctx, func() error {
			return m.driver.Stop(ctx, w.ContainerID)
		})
		if err != nil && err != ErrContainerNotFound {
			return fmt.Errorf("failed to stop container: %w", err)
		}
	}

	now := nowUTC()
	w.State = StateStopped
	w.StoppedAt = &now
	if err := m.repo.Save(ctx, w); err != nil {
		return fmt.Errorf("failed to save worker: %w", err)
	}

	m.publishEvent(ctx, bus.WorkerStopped, w.SessionID, nil)
	m.logger.Info("worker stopped", zap.String("session_id", w.SessionID))
	return nil
}

// Delete terminally removes the worker and its container. Idempotent after
// success: deleting an already-deleted worker returns nil.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	l := m.locks.acquire(sessionID)
	defer m.locks.release(sessionID, l)

	w, err := m.repo.FindBySessionID(ctx, sessionID)
	if err != nil {
		return err
	}
	return m.deleteLocked(ctx, w)
}

func (m *Manager) deleteLocked(ctx context.Context, w *SessionWorker) error {
	if w.State == StateDeleted {
		return nil
	}

	m.discardContainer(w)

	now := nowUTC()
	w.State = StateDeleted
	if w.StoppedAt == nil {
		w.StoppedAt = &now
	}
	if err := m.repo.Save(ctx, w); err != nil {
		return fmt.Errorf("failed to save worker: %w", err)
	}

	m.forgetPlan(w.SessionID)
	m.locks.markPurge(w.SessionID)
	m.publishEvent(ctx, bus.WorkerDeleted, w.SessionID, nil)
	m.logger.Info("worker deleted", zap.String("session_id", w.SessionID))
	return nil
}

// discardContainer best-effort stops and removes the worker's container and
// clears the reference. Errors are logged, never propagated; the driver's
// Remove is silent on unknown ids.
func (m *Manager) discardContainer(w *SessionWorker) {
	if w.ContainerID == "" {
		return
	}

	// Use a fresh context so rollback still happens when the caller's
	// context is already canceled.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := m.driver.Stop(ctx, w.ContainerID); err != nil && err != ErrContainerNotFound {
		m.logger.Warn("failed to stop container during discard",
			zap.String("container_id", w.ContainerID), zap.Error(err))
	}
	if err := m.driver.Remove(ctx, w.ContainerID); err != nil {
		m.logger.Warn("failed to remove container during discard",
			zap.String("container_id", w.ContainerID), zap.Error(err))
	}
	w.ContainerID = ""
}

func (m *Manager) publishEvent(ctx context.Context, subject, sessionID string, data map[string]interface{}) {
	if m.eventBus == nil {
		return
	}
	if data == nil {
		data = make(map[string]interface{})
	}
	data["session_id"] = sessionID
	if err := m.eventBus.Publish(ctx, subject, bus.NewEvent(subject, "control-plane", data)); err != nil {
		m.logger.Warn("failed to publish event",
			zap.String("subject", subject), zap.Error(err))
	}
}

func (m *Manager) cachePlan(sessionID string, plan RestorePlan) {
	m.planMu.Lock()
	m.plans[sessionID] = plan
	m.planMu.Unlock()
}

func (m *Manager) lookupPlan(sessionID string) (RestorePlan, bool) {
	m.planMu.RLock()
	plan, ok := m.plans[sessionID]
	m.planMu.RUnlock()
	return plan, ok
}

func (m *Manager) forgetPlan(sessionID string) {
	m.planMu.Lock()
	delete(m.plans, sessionID)
	m.planMu.Unlock()
}
