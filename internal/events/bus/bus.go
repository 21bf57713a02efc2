// Package bus provides the publish-only event channel to external surfaces
// (§6): process lifecycle, permission, and cache-stream notifications.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event kinds published on the bus (§6).
const (
	KindProcessStatus      = "PROCESS_STATUS"
	KindProcessTerminated  = "PROCESS_TERMINATED"
	KindProcessError       = "PROCESS_ERROR"
	KindPermissionRequest  = "PERMISSION_REQUEST"
	KindPermissionResolved = "PERMISSION_RESOLVED"
	KindPermissionTimeout  = "PERMISSION_TIMEOUT"
	KindCacheStream        = "CACHE_STREAM"
)

// Event is one message on the bus.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent builds an Event with a fresh id and current timestamp.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Handler processes one delivered event.
type Handler func(ctx context.Context, event *Event) error

// Subscription is an active subscription, cancelable independently of the
// bus it came from.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Bus is the event channel contract: a subject-addressed publish/subscribe
// surface with either an in-memory or a NATS-backed implementation.
type Bus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	Close()
	IsConnected() bool
}
