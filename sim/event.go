package sim

// VTimeInSec is a point in simulated time, in seconds.
type VTimeInSec float64

// An Event happens at a simulated time and is handled by its Handler.
type Event interface {
	Time() VTimeInSec
	Handler() Handler

	// IsSecondary events run after every primary event of the same time.
	IsSecondary() bool
}

// A Handler reacts to the events scheduled for it.
type Handler interface {
	Handle(e Event) error
}

// A Named object has a name that identifies it in logs and traces.
type Named interface {
	Name() string
}

// EventBase implements Event for embedding.
type EventBase struct {
	ID        string
	time      VTimeInSec
	handler   Handler
	secondary bool
}

// NewEventBase creates a primary event for handler at t.
func NewEventBase(t VTimeInSec, handler Handler) *EventBase {
	return &EventBase{
		ID:      GetIDGenerator().Generate(),
		time:    t,
		handler: handler,
	}
}

// NewSecondaryEventBase creates a secondary event for handler at t.
func NewSecondaryEventBase(t VTimeInSec, handler Handler) *EventBase {
	e := NewEventBase(t, handler)
	e.secondary = true

	return e
}

// Time returns when the event happens.
func (e EventBase) Time() VTimeInSec {
	return e.time
}

// Handler returns the handler of the event.
func (e EventBase) Handler() Handler {
	return e.handler
}

// IsSecondary tells whether the event waits for the primary events of the
// same time.
func (e EventBase) IsSecondary() bool {
	return e.secondary
}
