package worker

import "sync"

// sessionLocks serializes lifecycle transitions per session. Entries are
// refcounted so the map does not grow without bound: once a session's worker
// is deleted and the last holder releases, the entry is dropped.
type sessionLocks struct {
	mu      sync.Mutex
	entries map[string]*sessionLock
}

type sessionLock struct {
	mu    sync.Mutex
	refs  int
	purge bool
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{
		entries: make(map[string]*sessionLock),
	}
}

// acquire blocks until the session lock is held.
func (l *sessionLocks) acquire(sessionID string) *sessionLock {
	e := l.ref(sessionID)
	e.mu.Lock()
	return e
}

// tryAcquire takes the session lock without blocking. It returns nil when
// another holder currently owns it.
func (l *sessionLocks) tryAcquire(sessionID string) *sessionLock {
	e := l.ref(sessionID)
	if !e.mu.TryLock() {
		l.unref(sessionID, e)
		return nil
	}
	return e
}

// release unlocks and drops the reference. The entry is removed once the
// refcount reaches zero and the session has been marked for purge.
func (l *sessionLocks) release(sessionID string, e *sessionLock) {
	e.mu.Unlock()
	l.unref(sessionID, e)
}

// markPurge flags the session's entry for removal on final release. Callers
// must hold the session lock.
func (l *sessionLocks) markPurge(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[sessionID]; ok {
		e.purge = true
	}
}

func (l *sessionLocks) ref(sessionID string) *sessionLock {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[sessionID]
	if !ok {
		e = &sessionLock{}
		l.entries[sessionID] = e
	}
	e.refs++
	return e
}

func (l *sessionLocks) unref(sessionID string, e *sessionLock) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.refs--
	if e.refs == 0 && e.purge {
		delete(l.entries, sessionID)
	}
}

// len reports the number of live entries. Test helper.
func (l *sessionLocks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
