package run

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockProvider emits a short scripted stream for every run. It backs dev
// mode (no real provider adapters configured) and tests.
type MockProvider struct {
	kind string
	// Delay between chunks; zero emits as fast as the consumer reads.
	Delay time.Duration
}

// NewMockProvider creates a mock provider answering for the given kind.
func NewMockProvider(kind string) *MockProvider {
	return &MockProvider{kind: kind}
}

// Kind returns the provider kind this mock answers for.
func (p *MockProvider) Kind() string {
	return p.kind
}

// Open starts a scripted run.
func (p *MockProvider) Open(ctx context.Context, req OpenRequest) (Handle, error) {
	h := &mockHandle{
		chunks: make(chan Chunk, 8),
		stopCh: make(chan struct{}),
	}
	go h.emit(req, p.Delay)
	return h, nil
}

type mockHandle struct {
	chunks   chan Chunk
	stopCh   chan struct{}
	stopOnce sync.Once
}

func (h *mockHandle) Chunks() <-chan Chunk {
	return h.chunks
}

func (h *mockHandle) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
	})
}

func (h *mockHandle) emit(req OpenRequest, delay time.Duration) {
	defer close(h.chunks)

	script := []Chunk{
		NewTodoUpdate("t1", "Understand the prompt", TodoDoing, 1),
		NewMessageDelta(fmt.Sprintf("Working on: %s", req.Prompt)),
		NewTodoUpdate("t1", "Understand the prompt", TodoDone, 1),
		NewMessageDelta("Done."),
	}

	for _, chunk := range script {
		if h.stopped() {
			h.chunks <- NewRunFinished(StatusCanceled, "stopped by user", nil)
			return
		}
		h.chunks <- chunk
		if delay > 0 {
			select {
			case <-h.stopCh:
				h.chunks <- NewRunFinished(StatusCanceled, "stopped by user", nil)
				return
			case <-time.After(delay):
			}
		}
	}

	h.chunks <- NewRunFinished(StatusSucceeded, "", &Usage{InputTokens: 12, OutputTokens: 42})
}

func (h *mockHandle) stopped() bool {
	select {
	case <-h.stopCh:
		return true
	default:
		return false
	}
}
