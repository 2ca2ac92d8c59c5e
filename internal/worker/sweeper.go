package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/runforge/runforge/internal/common/logger"
	"github.com/runforge/runforge/internal/events/bus"
)

// SweepIdle stops running workers whose lastActiveAt predates cutoff.
// Candidates come from a repository snapshot; each is re-checked under its
// session lock and skipped if no longer applicable. Cancellation is honored
// between candidates, not inside one.
func (m *Manager) SweepIdle(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	candidates, err := m.repo.ListIdleRunning(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return swept, err
		}

		l := m.locks.acquire(c.SessionID)
		w, err := m.repo.FindBySessionID(ctx, c.SessionID)
		if err != nil || w.State != StateRunning || !w.LastActiveAt.Before(cutoff) {
			m.locks.release(c.SessionID, l)
			continue
		}

		if err := m.stopLocked(ctx, w); err != nil {
			m.logger.Warn("idle sweep failed to stop worker",
				zap.String("session_id", c.SessionID), zap.Error(err))
		} else {
			swept++
		}
		m.locks.release(c.SessionID, l)
	}
	return swept, nil
}

// SweepLongStopped deletes stopped workers whose stoppedAt predates cutoff.
func (m *Manager) SweepLongStopped(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	candidates, err := m.repo.ListLongStopped(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return swept, err
		}

		l := m.locks.acquire(c.SessionID)
		w, err := m.repo.FindBySessionID(ctx, c.SessionID)
		if err != nil || w.State != StateStopped || w.StoppedAt == nil || !w.StoppedAt.Before(cutoff) {
			m.locks.release(c.SessionID, l)
			continue
		}

		if err := m.deleteLocked(ctx, w); err != nil {
			m.logger.Warn("long-stopped sweep failed to delete worker",
				zap.String("session_id", c.SessionID), zap.Error(err))
		} else {
			swept++
		}
		m.locks.release(c.SessionID, l)
	}
	return swept, nil
}

// SweepStaleSync re-runs workspace sync for workers whose last sync is stale.
// Only running workers with a container and a cached restore plan are synced;
// everything else is skipped until the next EnsureRunning refreshes it.
func (m *Manager) SweepStaleSync(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	candidates, err := m.repo.ListStaleSyncCandidates(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return swept, err
		}

		plan, ok := m.lookupPlan(c.SessionID)
		if !ok {
			continue
		}

		l := m.locks.acquire(c.SessionID)
		w, err := m.repo.FindBySessionID(ctx, c.SessionID)
		if err != nil || w.State != StateRunning || w.ContainerID == "" ||
			w.LastSyncStatus == SyncRunning ||
			(w.LastSyncAt != nil && !w.LastSyncAt.Before(cutoff)) {
			m.locks.release(c.SessionID, l)
			continue
		}

		if err := m.syncWorkspace(ctx, w, plan); err != nil {
			m.logger.Warn("stale-sync sweep failed",
				zap.String("session_id", c.SessionID), zap.Error(err))
			m.publishEvent(ctx, bus.WorkerSyncFailed, c.SessionID, map[string]interface{}{
				"error": err.Error(),
			})
		} else {
			swept++
		}
		m.locks.release(c.SessionID, l)
	}
	return swept, nil
}

// SweeperConfig holds the time policies driving the background sweeps.
type SweeperConfig struct {
	Interval         time.Duration // how often the loop fires
	IdleTimeout      time.Duration // running workers idle longer than this are stopped
	StoppedRetention time.Duration // stopped workers older than this are deleted
	SyncInterval     time.Duration // workers unsynced longer than this are re-synced
	BatchSize        int           // max candidates per sweep per tick
}

// Sweeper periodically drives the three sweeps against the manager.
type Sweeper struct {
	manager *Manager
	cfg     SweeperConfig
	logger  *logger.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewSweeper creates a sweeper; call Start to begin sweeping.
func NewSweeper(manager *Manager, cfg SweeperConfig, log *logger.Logger) *Sweeper {
	return &Sweeper{
		manager: manager,
		cfg:     cfg,
		logger:  log.WithFields(zap.String("component", "worker-sweeper")),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the background sweep loop.
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go s.loop()
	s.logger.Info("worker sweeper started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Duration("idle_timeout", s.cfg.IdleTimeout),
		zap.Duration("stopped_retention", s.cfg.StoppedRetention),
		zap.Duration("sync_interval", s.cfg.SyncInterval))
}

// Stop signals the loop and waits for the in-flight sweep to finish.
func (s *Sweeper) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("worker sweeper stopped")
}

func (s *Sweeper) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweepOnce()
		}
	}
}

func (s *Sweeper) sweepOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Interval)
	defer cancel()

	now := nowUTC()

	if n, err := s.manager.SweepIdle(ctx, now.Add(-s.cfg.IdleTimeout), s.cfg.BatchSize); err != nil {
		s.logger.Error("idle sweep failed", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("idle sweep stopped workers", zap.Int("count", n))
	}

	if n, err := s.manager.SweepLongStopped(ctx, now.Add(-s.cfg.StoppedRetention), s.cfg.BatchSize); err != nil {
		s.logger.Error("long-stopped sweep failed", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("long-stopped sweep deleted workers", zap.Int("count", n))
	}

	if n, err := s.manager.SweepStaleSync(ctx, now.Add(-s.cfg.SyncInterval), s.cfg.BatchSize); err != nil {
		s.logger.Error("stale-sync sweep failed", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("stale-sync sweep re-synced workers", zap.Int("count", n))
	}
}
