package streams

import (
	"sync"
	"testing"
)

func collect(t *testing.T) (func(Envelope[string]), *[]uint64) {
	t.Helper()
	var seqs []uint64
	return func(env Envelope[string]) {
		seqs = append(seqs, env.Seq)
	}, &seqs
}

func TestPublishAssignsSequentialSeqs(t *testing.T) {
	b := NewBus[string](10)

	for i := 1; i <= 3; i++ {
		env, err := b.Publish("r1", "event")
		if err != nil {
			t.Fatalf("publish failed: %v", err)
		}
		if env.Seq != uint64(i) {
			t.Errorf("expected seq %d, got %d", i, env.Seq)
		}
	}
}

func TestReplayThenLive(t *testing.T) {
	b := NewBus[string](10)

	for i := 0; i < 5; i++ {
		if _, err := b.Publish("r1", "event"); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}

	onEvent, seqs := collect(t)
	unsub := b.Subscribe(Subscription[string]{
		StreamID: "r1",
		AfterSeq: 2,
		OnEvent:  onEvent,
	})
	defer unsub()

	if len(*seqs) != 3 {
		t.Fatalf("expected 3 replayed events, got %d", len(*seqs))
	}
	for i, want := range []uint64{3, 4, 5} {
		if (*seqs)[i] != want {
			t.Errorf("replay[%d]: expected seq %d, got %d", i, want, (*seqs)[i])
		}
	}

	if _, err := b.Publish("r1", "live"); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if len(*seqs) != 4 || (*seqs)[3] != 6 {
		t.Errorf("expected live seq 6 appended, got %v", *seqs)
	}
}

func TestCloseSemantics(t *testing.T) {
	b := NewBus[string](10)

	closes := 0
	b.Subscribe(Subscription[string]{
		StreamID: "r1",
		OnClose:  func() { closes++ },
	})

	b.Close("r1")
	b.Close("r1") // idempotent

	if closes != 1 {
		t.Errorf("expected exactly one onClose, got %d", closes)
	}
	if !b.IsClosed("r1") {
		t.Error("expected stream to report closed")
	}

	if _, err := b.Publish("r1", "late"); err != ErrStreamClosed {
		t.Errorf("expected ErrStreamClosed, got %v", err)
	}
}

func TestSubscribeAfterCloseReplaysThenCloses(t *testing.T) {
	b := NewBus[string](10)

	b.Publish("r1", "one")
	b.Publish("r1", "two")
	b.Close("r1")

	onEvent, seqs := collect(t)
	closes := 0
	unsub := b.Subscribe(Subscription[string]{
		StreamID: "r1",
		OnEvent:  onEvent,
		OnClose:  func() { closes++ },
	})
	unsub() // no-op

	if len(*seqs) != 2 {
		t.Errorf("expected 2 replayed events from frozen buffer, got %d", len(*seqs))
	}
	if closes != 1 {
		t.Errorf("expected exactly one onClose, got %d", closes)
	}
}

func TestBoundedBufferEvictsOldest(t *testing.T) {
	b := NewBus[string](3)

	for i := 0; i < 5; i++ {
		if _, err := b.Publish("r1", "event"); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}

	onEvent, seqs := collect(t)
	b.Subscribe(Subscription[string]{
		StreamID: "r1",
		AfterSeq: 0,
		OnEvent:  onEvent,
	})

	// Seqs 1 and 2 evicted; the oldest surviving seq comes first and the
	// subscriber detects the gap itself.
	for i, want := range []uint64{3, 4, 5} {
		if (*seqs)[i] != want {
			t.Errorf("replay[%d]: expected seq %d, got %d", i, want, (*seqs)[i])
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBus[string](10)

	onEvent, seqs := collect(t)
	unsub := b.Subscribe(Subscription[string]{
		StreamID: "r1",
		OnEvent:  onEvent,
	})

	b.Publish("r1", "before")
	unsub()
	unsub() // idempotent
	b.Publish("r1", "after")

	if len(*seqs) != 1 || (*seqs)[0] != 1 {
		t.Errorf("expected only seq 1 delivered, got %v", *seqs)
	}
}

func TestStreamsAreIndependent(t *testing.T) {
	b := NewBus[string](10)

	env1, _ := b.Publish("r1", "a")
	env2, _ := b.Publish("r2", "b")

	if env1.Seq != 1 || env2.Seq != 1 {
		t.Errorf("expected both streams to start at seq 1, got %d and %d", env1.Seq, env2.Seq)
	}

	b.Close("r1")
	if b.IsClosed("r2") {
		t.Error("closing r1 must not close r2")
	}
}

func TestFanOutInRegistrationOrder(t *testing.T) {
	b := NewBus[string](10)

	var order []int
	for i := 0; i < 3; i++ {
		i := i
		b.Subscribe(Subscription[string]{
			StreamID: "r1",
			OnEvent:  func(Envelope[string]) { order = append(order, i) },
		})
	}

	b.Publish("r1", "event")

	for i, got := range order {
		if got != i {
			t.Fatalf("expected registration-order fan-out, got %v", order)
		}
	}
}

func TestConcurrentPublishersDistinctStreams(t *testing.T) {
	b := NewBus[int](100)

	var wg sync.WaitGroup
	streams := []string{"r1", "r2", "r3", "r4"}
	for _, id := range streams {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if _, err := b.Publish(id, i); err != nil {
					t.Errorf("publish on %s failed: %v", id, err)
					return
				}
			}
		}(id)
	}
	wg.Wait()

	for _, id := range streams {
		env, err := b.Publish(id, -1)
		if err != nil {
			t.Fatalf("publish failed: %v", err)
		}
		if env.Seq != 51 {
			t.Errorf("stream %s: expected seq 51, got %d", id, env.Seq)
		}
	}
}

func TestDropForgetsStream(t *testing.T) {
	b := NewBus[string](10)

	b.Publish("r1", "event")
	b.Close("r1")
	b.Drop("r1")

	// A dropped stream id starts over on next touch.
	env, err := b.Publish("r1", "fresh")
	if err != nil {
		t.Fatalf("publish after drop failed: %v", err)
	}
	if env.Seq != 1 {
		t.Errorf("expected fresh stream to start at seq 1, got %d", env.Seq)
	}
}
