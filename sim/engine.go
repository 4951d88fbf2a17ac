package sim

// TimeTeller reports the current simulated time.
type TimeTeller interface {
	CurrentTime() VTimeInSec
}

// EventScheduler accepts events to be handled at a later simulated time.
type EventScheduler interface {
	TimeTeller

	Schedule(e Event)
}

// An Engine runs the scheduled events in time order and lets a monitor stop
// it between two events.
type Engine interface {
	Hookable
	EventScheduler

	// Run handles events until none is left or a handler fails.
	Run() error

	// RunUntil handles the events scheduled no later than t.
	RunUntil(t VTimeInSec) error

	// Pause blocks the engine before the next event until Continue.
	Pause()

	// Continue releases a paused engine.
	Continue()
}
