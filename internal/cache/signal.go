package cache

import "sync"

// Signal is a broadcast primitive holding a single current value with
// "current-value-on-subscribe" semantics: a new subscriber immediately
// receives the value in effect at subscribe time, then every subsequent
// update. A plain one-shot channel cannot express this because a late
// subscriber (e.g. an Orchestrator that only starts waiting after the
// Transport has already completed the entry) would hang forever.
type Signal[T any] struct {
	mu   sync.Mutex
	val  T
	subs map[int]chan T
	next int
}

// NewSignal creates a Signal initialized to val.
func NewSignal[T any](val T) *Signal[T] {
	return &Signal[T]{val: val, subs: make(map[int]chan T)}
}

// Set updates the current value and notifies every live subscriber.
// Notification is non-blocking: a subscriber that hasn't drained its
// channel simply misses the intermediate value and sees the latest one
// on its next receive, since Get always returns the newest value anyway.
func (s *Signal[T]) Set(val T) {
	s.mu.Lock()
	s.val = val
	subs := make([]chan T, 0, len(s.subs))
	for _, ch := range s.subs {
		subs = append(subs, ch)
	}
	s.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- val:
		default:
			// Drain the stale value and retry once so the latest value wins.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- val:
			default:
			}
		}
	}
}

// Get returns the current value.
func (s *Signal[T]) Get() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.val
}

// Subscribe registers a new subscriber and returns a channel that
// immediately holds the current value, plus an unsubscribe function.
// Callers must call unsubscribe when done watching to avoid leaking the
// subscription entry.
func (s *Signal[T]) Subscribe() (<-chan T, func()) {
	s.mu.Lock()
	id := s.next
	s.next++
	ch := make(chan T, 1)
	ch <- s.val
	s.subs[id] = ch
	s.mu.Unlock()

	unsubscribe := func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
	return ch, unsubscribe
}
