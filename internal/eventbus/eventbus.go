// Package eventbus provides the typed in-process event queue that
// schedules agent work. Events address entities by id; the database
// remains the source of truth, so event loss across a crash is
// tolerated and rediscovered by polling.
package eventbus

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType labels the closed set of scheduling events.
type EventType string

const (
	EventNewRequest       EventType = "request.new"
	EventUpdateRequest    EventType = "request.update"
	EventNewTransform     EventType = "transform.new"
	EventUpdateTransform  EventType = "transform.update"
	EventNewProcessing    EventType = "processing.new"
	EventUpdateProcessing EventType = "processing.update"
	EventSyncProcessing   EventType = "processing.sync"
	EventTriggerRelease   EventType = "content.release"
)

// Event is one unit of scheduled work addressed to an entity id.
type Event struct {
	ID           uuid.UUID
	Type         EventType
	AssociatedID int64
	Payload      map[string]any
	RetryCount   int
	CreatedAt    time.Time
}

// NewEvent creates an event for the given type and entity id.
func NewEvent(typ EventType, associatedID int64) Event {
	return Event{
		ID:           uuid.New(),
		Type:         typ,
		AssociatedID: associatedID,
		CreatedAt:    time.Now(),
	}
}

// Report records the outcome of one handled event for introspection.
type Report struct {
	Event     Event
	Status    string
	StartTime time.Time
	EndTime   time.Time
	Host      string
	Code      int
}

// Backend is the pluggable queue implementation behind the bus.
type Backend interface {
	// Send enqueues an event. Events with the same type and associated
	// id coalesce while an earlier copy is unacknowledged.
	Send(ev Event) error
	// Get pops the oldest event of the given type, waiting up to wait
	// for one to arrive. ok is false on timeout or stop.
	Get(typ EventType, wait time.Duration) (Event, bool)
	// Clean acknowledges a handled event.
	Clean(ev Event)
	// Fail requeues a failed event with an incremented retry count.
	Fail(ev Event)
	// Report records handler outcomes.
	Report(r Report)
	// Reports returns the retained outcome ring, oldest first.
	Reports() []Report
	// Stop wakes all waiters and rejects further sends.
	Stop()
}

// New constructs the backend selected by the config section tag.
// The message-broker backend tag is recognized but not configured.
func New(backend string) (Backend, error) {
	switch backend {
	case "", "local":
		return NewLocalBackend(), nil
	case "message":
		return nil, fmt.Errorf("event bus backend %q is reserved but not configured", backend)
	default:
		return nil, fmt.Errorf("unknown event bus backend %q", backend)
	}
}
