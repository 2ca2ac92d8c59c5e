package worker

import (
	"context"
	"fmt"
	"sync"
)

// stubDriver is an in-memory container driver with injectable failures.
type stubDriver struct {
	mu      sync.Mutex
	next    int
	running map[string]bool

	createErrs []error // consumed one per CreateWorker call
	startErrs  []error

	creates int
	starts  int
	stops   int
	removes int

	// createGate, when set, blocks CreateWorker until the channel closes;
	// createEntered receives once per blocked call.
	createGate    chan struct{}
	createEntered chan struct{}
}

func newStubDriver() *stubDriver {
	return &stubDriver{running: make(map[string]bool)}
}

func (d *stubDriver) CreateWorker(ctx context.Context) (string, error) {
	if d.createGate != nil {
		if d.createEntered != nil {
			select {
			case d.createEntered <- struct{}{}:
			default:
			}
		}
		select {
		case <-d.createGate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.creates++
	if len(d.createErrs) > 0 {
		err := d.createErrs[0]
		d.createErrs = d.createErrs[1:]
		if err != nil {
			return "", err
		}
	}
	d.next++
	id := fmt.Sprintf("ctr-%d", d.next)
	d.running[id] = false
	return id, nil
}

func (d *stubDriver) Start(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.starts++
	if len(d.startErrs) > 0 {
		err := d.startErrs[0]
		d.startErrs = d.startErrs[1:]
		if err != nil {
			return err
		}
	}
	if _, ok := d.running[id]; !ok {
		return ErrContainerNotFound
	}
	d.running[id] = true
	return nil
}

func (d *stubDriver) Stop(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stops++
	if _, ok := d.running[id]; !ok {
		return ErrContainerNotFound
	}
	d.running[id] = false
	return nil
}

func (d *stubDriver) Remove(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removes++
	delete(d.running, id)
	return nil
}

func (d *stubDriver) Exists(ctx context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.running[id]
	return ok, nil
}

func (d *stubDriver) isRunning(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running[id]
}

func (d *stubDriver) counts() (creates, starts, stops, removes int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.creates, d.starts, d.stops, d.removes
}

// stubExecutor records restore calls and can be told to fail.
type stubExecutor struct {
	mu           sync.Mutex
	restoreErr   error
	validateErrs []string // missing paths reported by ValidateWorkspace

	restores  int
	lastPlan  RestorePlan
	links     int
	validates int
}

func (e *stubExecutor) RestoreWorkspace(ctx context.Context, req RestoreRequest) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.restores++
	e.lastPlan = req.Plan
	return e.restoreErr
}

func (e *stubExecutor) LinkAgentData(ctx context.Context, req LinkRequest) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.links++
	return nil
}

func (e *stubExecutor) ValidateWorkspace(ctx context.Context, req ValidateRequest) (ValidateResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.validates++
	if len(e.validateErrs) > 0 {
		return ValidateResult{OK: false, MissingRequiredPaths: e.validateErrs}, nil
	}
	return ValidateResult{OK: true}, nil
}

func (e *stubExecutor) restoreCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.restores
}

func (e *stubExecutor) restoredPlan() RestorePlan {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastPlan
}
