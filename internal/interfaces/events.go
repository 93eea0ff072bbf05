package interfaces

import (
	"github.com/kelsjon3/stablequeue/internal/models"
)

// EventType identifies a progress-bus event.
type EventType string

const (
	// EventJobChanged carries a full job snapshot on any queue transition.
	EventJobChanged EventType = "job_changed"
	// EventJobProgress carries a fine-grained progress frame from a monitor.
	EventJobProgress EventType = "job_progress"
)

// Event is one progress-bus message. Exactly one of Job or Frame is set,
// matching Type.
type Event struct {
	Type  EventType
	Job   *models.Job
	Frame *models.ProgressFrame
}

// Subscription is one subscriber's bounded event feed. Events arrive on C;
// when the subscriber falls behind, the oldest undelivered event is dropped
// for that subscriber only.
type Subscription interface {
	C() <-chan Event
	// Dropped returns the number of events dropped for this subscriber.
	Dropped() uint64
	Close()
}

// EventService is the in-process progress bus. Fed by queue mutations and
// monitors; drained by the push gateway.
type EventService interface {
	// Publish delivers an event to all subscribers without blocking the
	// publisher.
	Publish(event Event)
	// Subscribe registers a new subscriber with a bounded buffer.
	Subscribe() Subscription
	Close() error
}
