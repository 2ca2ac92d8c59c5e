package worker

import (
	"sync"
	"testing"
)

func TestSessionLocksSerializeSameSession(t *testing.T) {
	locks := newSessionLocks()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l := locks.acquire("s1")
			counter++
			locks.release("s1", l)
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Errorf("expected 50 serialized increments, got %d", counter)
	}
}

func TestSessionLocksTryAcquire(t *testing.T) {
	locks := newSessionLocks()

	held := locks.acquire("s1")
	if locks.tryAcquire("s1") != nil {
		t.Error("tryAcquire must fail while the session is held")
	}
	locks.release("s1", held)

	got := locks.tryAcquire("s1")
	if got == nil {
		t.Fatal("tryAcquire must succeed on a free session")
	}
	locks.release("s1", got)
}

func TestSessionLocksPurgeOnFinalRelease(t *testing.T) {
	locks := newSessionLocks()

	l := locks.acquire("s1")
	locks.markPurge("s1")
	if locks.len() != 1 {
		t.Fatal("entry must survive while held")
	}
	locks.release("s1", l)

	if locks.len() != 0 {
		t.Error("entry must be dropped once purged and unreferenced")
	}
}

func TestSessionLocksNoPurgeWithoutMark(t *testing.T) {
	locks := newSessionLocks()

	l := locks.acquire("s1")
	locks.release("s1", l)

	if locks.len() != 1 {
		t.Error("entry must persist for live sessions")
	}
}

func TestSessionLocksPurgeWaitsForWaiters(t *testing.T) {
	locks := newSessionLocks()

	first := locks.acquire("s1")
	locks.markPurge("s1")

	acquired := make(chan struct{})
	released := make(chan struct{})
	go func() {
		l := locks.acquire("s1")
		close(acquired)
		locks.release("s1", l)
		close(released)
	}()

	locks.release("s1", first)
	<-acquired
	<-released

	if locks.len() != 0 {
		t.Error("entry must be dropped after the last waiter releases")
	}
}

func TestSessionLocksIndependentSessions(t *testing.T) {
	locks := newSessionLocks()

	a := locks.acquire("a")
	b := locks.tryAcquire("b")
	if b == nil {
		t.Fatal("holding session a must not block session b")
	}
	locks.release("a", a)
	locks.release("b", b)
}
