// Package streams provides the in-memory run stream bus: per-stream
// sequence-numbered event fan-out with a bounded replay buffer.
package streams

import (
	"errors"
	"sync"
)

// DefaultMaxEventsPerStream bounds the replay buffer when no limit is given.
const DefaultMaxEventsPerStream = 1000

// ErrStreamClosed is returned by Publish on a closed stream.
var ErrStreamClosed = errors.New("stream is closed")

// Envelope carries one event with its per-stream sequence number.
// Seq starts at 1 and is unique and strictly increasing within a stream.
type Envelope[T any] struct {
	Seq   uint64 `json:"seq"`
	Event T      `json:"event"`
}

// Subscription describes an observer attaching to a stream.
//
// OnEvent and OnClose run synchronously on the publisher's goroutine and must
// not block or call back into the bus; subscribers that perform I/O trampoline
// into their own queue.
type Subscription[T any] struct {
	StreamID string
	// AfterSeq is the replay cursor: every buffered envelope with a greater
	// seq is delivered before Subscribe returns.
	AfterSeq uint64
	OnEvent  func(Envelope[T])
	OnClose  func()
}

type subscriber[T any] struct {
	onEvent func(Envelope[T])
	onClose func()
}

type stream[T any] struct {
	nextSeq     uint64
	closed      bool
	events      []Envelope[T]
	subscribers []*subscriber[T]
}

// Bus is a multi-stream event bus. Streams are auto-materialized on first
// touch. All operations are safe for concurrent use; a single mutex covers
// seq assignment, buffer append, and subscriber fan-out so that subscribers
// registered before a publish receive it and those unsubscribed before it
// do not.
type Bus[T any] struct {
	mu        sync.Mutex
	maxEvents int
	streams   map[string]*stream[T]
}

// NewBus creates a bus whose streams retain at most maxEvents envelopes
// for replay. Non-positive values select DefaultMaxEventsPerStream.
func NewBus[T any](maxEvents int) *Bus[T] {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEventsPerStream
	}
	return &Bus[T]{
		maxEvents: maxEvents,
		streams:   make(map[string]*stream[T]),
	}
}

func (b *Bus[T]) getOrCreate(streamID string) *stream[T] {
	s, ok := b.streams[streamID]
	if !ok {
		s = &stream[T]{nextSeq: 1}
		b.streams[streamID] = s
	}
	return s
}

// Publish assigns the next seq, appends to the bounded buffer (evicting the
// oldest when full), and delivers to every current subscriber in registration
// order before returning. Publishing on a closed stream returns
// ErrStreamClosed with no side effect.
func (b *Bus[T]) Publish(streamID string, event T) (Envelope[T], error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.getOrCreate(streamID)
	if s.closed {
		return Envelope[T]{}, ErrStreamClosed
	}

	env := Envelope[T]{Seq: s.nextSeq, Event: event}
	s.nextSeq++

	s.events = append(s.events, env)
	if len(s.events) > b.maxEvents {
		s.events = s.events[len(s.events)-b.maxEvents:]
	}

	for _, sub := range s.subscribers {
		sub.onEvent(env)
	}
	return env, nil
}

// Subscribe replays the buffered suffix with seq greater than AfterSeq, then
// registers the observer for live events. If the stream is already closed,
// OnClose fires once and the returned unsubscribe is a no-op. The returned
// function is idempotent.
func (b *Bus[T]) Subscribe(sub Subscription[T]) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.getOrCreate(sub.StreamID)

	for _, env := range s.events {
		if env.Seq > sub.AfterSeq && sub.OnEvent != nil {
			sub.OnEvent(env)
		}
	}

	if s.closed {
		if sub.OnClose != nil {
			sub.OnClose()
		}
		return func() {}
	}

	entry := &subscriber[T]{onEvent: sub.OnEvent, onClose: sub.OnClose}
	if entry.onEvent == nil {
		entry.onEvent = func(Envelope[T]) {}
	}
	s.subscribers = append(s.subscribers, entry)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, e := range s.subscribers {
				if e == entry {
					s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
					break
				}
			}
		})
	}
}

// Close marks the stream closed, notifies subscribers via OnClose, and
// clears the subscriber set. Idempotent; the buffer is frozen for replay.
func (b *Bus[T]) Close(streamID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.getOrCreate(streamID)
	if s.closed {
		return
	}
	s.closed = true

	subs := s.subscribers
	s.subscribers = nil
	for _, sub := range subs {
		if sub.onClose != nil {
			sub.onClose()
		}
	}
}

// IsClosed reports whether the stream has been closed.
func (b *Bus[T]) IsClosed(streamID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.streams[streamID]
	return ok && s.closed
}

// Drop forgets a stream entirely, releasing its replay buffer. Intended for
// callers that retire run streams after their observers are gone.
func (b *Bus[T]) Drop(streamID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.streams, streamID)
}
