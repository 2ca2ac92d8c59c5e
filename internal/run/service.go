package run

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/runforge/runforge/internal/common/logger"
	"github.com/runforge/runforge/internal/events/bus"
	"github.com/runforge/runforge/internal/store"
	"github.com/runforge/runforge/internal/streams"
	"github.com/runforge/runforge/internal/worker"
)

// Service errors.
var (
	ErrRunNotFound     = errors.New("run not found")
	ErrProviderUnknown = errors.New("no provider registered for kind")
)

// Run is the public record of a provider invocation. The run id is also the
// stream id its chunks are published under.
type Run struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	AppID     string    `json:"app_id"`
	StartedAt time.Time `json:"started_at"`
}

// StartRequest describes a run submission.
type StartRequest struct {
	SessionID string            `json:"session_id"`
	AppID     string            `json:"app_id"`
	Prompt    string            `json:"prompt"`
	RepoURL   string            `json:"repo_url"`
	Revision  string            `json:"revision"`
	Env       map[string]string `json:"env,omitempty"`
}

type activeRun struct {
	run    Run
	handle Handle
}

// Service starts and stops runs, pumping each provider stream into the run
// stream bus. At most one producer exists per run: the pump goroutine.
type Service struct {
	manager   *worker.Manager
	registry  *store.Registry
	creds     *store.EnvCredentials
	streamBus *streams.Bus[Chunk]
	eventBus  bus.EventBus
	logger    *logger.Logger

	mu        sync.Mutex
	providers map[string]Provider
	active    map[string]*activeRun
}

// NewService creates a run service.
func NewService(manager *worker.Manager, registry *store.Registry, creds *store.EnvCredentials, streamBus *streams.Bus[Chunk], eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		manager:   manager,
		registry:  registry,
		creds:     creds,
		streamBus: streamBus,
		eventBus:  eventBus,
		logger:    log.WithFields(zap.String("component", "run-service")),
		providers: make(map[string]Provider),
		active:    make(map[string]*activeRun),
	}
}

// RegisterProvider makes a provider available under its canonical kind.
func (s *Service) RegisterProvider(p Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[NormalizeKind(p.Kind())] = p
}

// Streams exposes the run stream bus to observers (SSE/WebSocket handlers).
func (s *Service) Streams() *streams.Bus[Chunk] {
	return s.streamBus
}

// Start submits a run: it validates the target app, resolves credentials,
// ensures the session worker is running with the run's workspace plan, opens
// the provider stream, and starts the pump.
func (s *Service) Start(ctx context.Context, req StartRequest) (*Run, error) {
	if req.SessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}

	app, err := s.registry.Get(req.AppID)
	if err != nil {
		return nil, err
	}

	env, err := s.creds.Resolve(app)
	if err != nil {
		return nil, err
	}
	for k, v := range req.Env {
		env[k] = v
	}

	plan := app.PlanTemplate
	plan.RepoURL = req.RepoURL
	plan.Revision = req.Revision
	plan.Env = env

	w, err := s.manager.EnsureRunning(ctx, req.SessionID, plan)
	if err != nil {
		return nil, err
	}

	kind := NormalizeKind(app.ProviderKind)
	s.mu.Lock()
	provider, ok := s.providers[kind]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderUnknown, kind)
	}

	runID := uuid.New().String()
	handle, err := provider.Open(ctx, OpenRequest{
		RunID:       runID,
		SessionID:   req.SessionID,
		ContainerID: w.ContainerID,
		Prompt:      req.Prompt,
		App:         app,
		Env:         env,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open provider stream: %w", err)
	}

	r := Run{
		ID:        runID,
		SessionID: req.SessionID,
		AppID:     app.ID,
		StartedAt: time.Now().UTC().Truncate(time.Millisecond),
	}

	s.mu.Lock()
	s.active[runID] = &activeRun{run: r, handle: handle}
	s.mu.Unlock()

	s.publishEvent(ctx, bus.RunStarted, map[string]interface{}{
		"run_id":     runID,
		"session_id": req.SessionID,
		"app_id":     app.ID,
	})
	s.logger.Info("run started",
		zap.String("run_id", runID),
		zap.String("session_id", req.SessionID),
		zap.String("app_id", app.ID))

	go s.pump(r, handle)
	return &r, nil
}

// Stop signals cancellation to an active run's provider. The stream still
// ends through the pump with run.finished{canceled}.
func (s *Service) Stop(runID string) error {
	s.mu.Lock()
	a, ok := s.active[runID]
	s.mu.Unlock()
	if !ok {
		return ErrRunNotFound
	}
	a.handle.Stop()
	return nil
}

// Get returns an active run's record.
func (s *Service) Get(runID string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.active[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	r := a.run
	return &r, nil
}

// pump republishes every provider chunk onto the run's stream, touching the
// session's activity clock per chunk. run.finished is the last event; the
// stream is closed after it. A provider channel that closes without a
// terminal chunk yields a synthesized run.finished{failed}.
func (s *Service) pump(r Run, handle Handle) {
	ctx := context.Background()
	finished := false
	var outcome Status

	for chunk := range handle.Chunks() {
		if finished {
			s.logger.Warn("dropping chunk received after run.finished",
				zap.String("run_id", r.ID),
				zap.String("chunk_type", string(chunk.Type)))
			continue
		}

		if _, err := s.streamBus.Publish(r.ID, chunk); err != nil {
			s.logger.Warn("failed to publish chunk",
				zap.String("run_id", r.ID), zap.Error(err))
			break
		}

		if err := s.manager.Touch(ctx, r.SessionID); err != nil {
			s.logger.Debug("failed to touch worker",
				zap.String("session_id", r.SessionID), zap.Error(err))
		}

		if chunk.Terminal() {
			finished = true
			// A terminal chunk with no payload still ends the stream.
			outcome = StatusFailed
			if chunk.RunFinished != nil {
				outcome = chunk.RunFinished.Status
			}
		}
	}

	if !finished {
		outcome = StatusFailed
		final := NewRunFinished(StatusFailed, "provider stream ended unexpectedly", nil)
		if _, err := s.streamBus.Publish(r.ID, final); err != nil {
			s.logger.Warn("failed to publish synthesized run.finished",
				zap.String("run_id", r.ID), zap.Error(err))
		}
	}

	s.streamBus.Close(r.ID)

	s.mu.Lock()
	delete(s.active, r.ID)
	s.mu.Unlock()

	s.publishEvent(ctx, bus.RunFinished, map[string]interface{}{
		"run_id":     r.ID,
		"session_id": r.SessionID,
		"status":     string(outcome),
	})
	s.logger.Info("run finished",
		zap.String("run_id", r.ID),
		zap.String("status", string(outcome)))
}

func (s *Service) publishEvent(ctx context.Context, subject string, data map[string]interface{}) {
	if s.eventBus == nil {
		return
	}
	if err := s.eventBus.Publish(ctx, subject, bus.NewEvent(subject, "control-plane", data)); err != nil {
		s.logger.Warn("failed to publish event",
			zap.String("subject", subject), zap.Error(err))
	}
}
