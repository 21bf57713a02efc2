// Package cache implements the per-request Cache Entry and per-session
// Message Cache: the in-memory buffer of a streamed agent reply and its
// one-shot completion status.
package cache

import (
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// Kind distinguishes the implicit warm-up ping from a user-issued request.
type Kind string

const (
	KindSpawn Kind = "SPAWN"
	KindTell  Kind = "TELL"
)

// Status is the terminal lifecycle of a Cache Entry.
type Status string

const (
	StatusActive     Status = "ACTIVE"
	StatusCompleted  Status = "COMPLETED"
	StatusErrored    Status = "ERRORED"
	StatusTerminated Status = "TERMINATED"
)

// IsTerminal reports whether s is one of the terminal values.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusErrored || s == StatusTerminated
}

// ErrStateError is returned by Append when called after a terminal transition.
var ErrStateError = errors.New("cache: append after terminal status")

// Message is one parsed protocol message appended to an entry.
type Message struct {
	Timestamp time.Time       `json:"timestamp"`
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	Raw       json.RawMessage `json:"raw"`
}

// IsSystemInit reports whether msg is the "child finished warm-up" sentinel.
func IsSystemInit(msg Message) bool {
	return msg.Type == "system" && msg.Subtype == "init"
}

// IsResult reports whether msg is the "request reply complete" sentinel.
func IsResult(msg Message) bool {
	return msg.Type == "result"
}

// Entry is the ordered buffer of streamed messages for one request, with a
// terminal status reached exactly once.
//
// Entry is safe for concurrent use: the owning Transport appends messages
// and drives the status transition from its read loop, while any number of
// waiters read Messages()/Status() concurrently.
type Entry struct {
	ID         int64
	Kind       Kind
	TellString string
	CreatedAt  time.Time

	mu          sync.RWMutex
	messages    []Message
	completedAt time.Time
	errReason   string
	terminal    bool
	status      *Signal[Status]
}

func newEntry(id int64, kind Kind, tellString string) *Entry {
	return &Entry{
		ID:         id,
		Kind:       kind,
		TellString: tellString,
		CreatedAt:  time.Now(),
		status:     NewSignal(StatusActive),
	}
}

// Append records a parsed protocol message. All messages are appended
// verbatim; a message classified as the result sentinel (§4.1) additionally
// drives the entry to COMPLETED. Append after a terminal transition is a
// no-op that reports ErrStateError so the caller can log and continue.
func (e *Entry) Append(msg Message) error {
	e.mu.Lock()
	if e.terminal {
		e.mu.Unlock()
		return ErrStateError
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	e.messages = append(e.messages, msg)
	e.mu.Unlock()

	if IsResult(msg) {
		e.Complete()
	}
	return nil
}

// Complete transitions the entry to COMPLETED. A second or later call is a
// no-op.
func (e *Entry) Complete() {
	e.transition(StatusCompleted, "")
}

// Error transitions the entry to ERRORED with the given reason. A second or
// later call is a no-op.
func (e *Entry) Error(reason string) {
	e.transition(StatusErrored, reason)
}

// Terminate transitions the entry to TERMINATED, used when the owning
// transport's child process exits while this entry is still active.
func (e *Entry) Terminate() {
	e.transition(StatusTerminated, "")
}

// transition makes the terminal check-and-commit atomic under e.mu so
// concurrent callers (e.g. a "result" message's Complete() racing a child
// exit's Terminate()) can't both pass the guard: only the first to take the
// lock with e.terminal still false commits, and every later caller
// (including one already past the lock when this one commits) sees
// e.terminal true and no-ops. The actual Signal broadcast happens outside
// the lock since only the single winner ever reaches it.
func (e *Entry) transition(to Status, reason string) {
	e.mu.Lock()
	if e.terminal {
		e.mu.Unlock()
		return
	}
	e.terminal = true
	e.completedAt = time.Now()
	e.errReason = reason
	e.mu.Unlock()

	e.status.Set(to)
}

// Status returns the subscribable status signal. Subscribers receive the
// current value immediately upon subscribing, then every subsequent
// transition — safe to subscribe after the entry has already completed.
func (e *Entry) Status() *Signal[Status] {
	return e.status
}

// CurrentStatus is a convenience accessor equivalent to Status().Get().
func (e *Entry) CurrentStatus() Status {
	return e.status.Get()
}

// CompletedAt returns the time of the terminal transition, or the zero time
// if the entry is still ACTIVE.
func (e *Entry) CompletedAt() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.completedAt
}

// ErrorReason returns the reason passed to Error, if any.
func (e *Entry) ErrorReason() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.errReason
}

// Messages returns a snapshot of the appended messages in arrival order.
func (e *Entry) Messages() []Message {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Message, len(e.messages))
	copy(out, e.messages)
	return out
}
