package disk

import (
	"log"
	"reflect"
	"sync"

	"k8s.io/klog/v2"

	"github.com/sarchlab/ahcisim/mem"
	"github.com/sarchlab/ahcisim/sim"
)

type completeEvent struct {
	*sim.EventBase
	handle Handle
}

func newCompleteEvent(
	time sim.VTimeInSec,
	handler sim.Handler,
	handle Handle,
) *completeEvent {
	return &completeEvent{sim.NewEventBase(time, handler), handle}
}

type timedRequest struct {
	req  *Request
	done func(Completion)
}

// A TimedEngine completes every request a fixed number of cycles after it is
// submitted, as seen by a simulation engine. Data moves when the completion
// event fires. There is no limitation on the concurrency of the engine.
type TimedEngine struct {
	name     string
	engine   sim.EventScheduler
	freq     sim.Freq
	latency  int
	perBlock int
	memory   mem.GuestMemory
	backend  Backend

	mu         sync.Mutex
	nextHandle Handle
	inflight   map[Handle]timedRequest
}

// Name returns the name of the engine.
func (e *TimedEngine) Name() string {
	return e.name
}

// Submit schedules the completion of req.
func (e *TimedEngine) Submit(req *Request, done func(Completion)) Handle {
	e.mu.Lock()
	e.nextHandle++
	h := e.nextHandle
	e.inflight[h] = timedRequest{req: req, done: done}
	e.mu.Unlock()

	cycles := e.latency + e.perBlock*int(req.Sectors)
	now := e.engine.CurrentTime()
	evt := newCompleteEvent(e.freq.NCyclesLater(cycles, now), e, h)
	e.engine.Schedule(evt)

	klog.V(4).InfoS("request submitted",
		"engine", e.name, "handle", h, "op", req.Op,
		"lba", req.LBA, "sectors", req.Sectors)

	return h
}

// Cancel drops a request that has not completed yet.
func (e *TimedEngine) Cancel(h Handle) {
	e.mu.Lock()
	delete(e.inflight, h)
	e.mu.Unlock()
}

// Inflight returns the number of requests that have not completed.
func (e *TimedEngine) Inflight() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.inflight)
}

// Handle defines how the TimedEngine handles events.
func (e *TimedEngine) Handle(evt sim.Event) error {
	switch evt := evt.(type) {
	case *completeEvent:
		e.handleCompleteEvent(evt)
	default:
		log.Panicf("cannot handle event of %s", reflect.TypeOf(evt))
	}

	return nil
}

func (e *TimedEngine) handleCompleteEvent(evt *completeEvent) {
	e.mu.Lock()
	r, ok := e.inflight[evt.handle]
	delete(e.inflight, evt.handle)
	e.mu.Unlock()

	if !ok {
		return
	}

	err := execute(e.memory, e.backend, r.req)
	if err != nil {
		klog.V(2).InfoS("request failed",
			"engine", e.name, "handle", evt.handle, "err", err)
	}

	r.done(Completion{Handle: evt.handle, Req: r.req, Err: err})
}

// OnResume forwards to the backend when it can recover from outages.
func (e *TimedEngine) OnResume(fn func()) {
	if n, ok := e.backend.(ResumeNotifier); ok {
		n.OnResume(fn)
	}
}

// TimedEngineBuilder builds TimedEngines.
type TimedEngineBuilder struct {
	engine   sim.EventScheduler
	freq     sim.Freq
	latency  int
	perBlock int
	memory   mem.GuestMemory
	backend  Backend
}

// MakeTimedEngineBuilder returns a builder with default parameters.
func MakeTimedEngineBuilder() TimedEngineBuilder {
	return TimedEngineBuilder{
		freq:    1 * sim.GHz,
		latency: 10000,
	}
}

// WithEngine sets the simulation engine that delivers completions.
func (b TimedEngineBuilder) WithEngine(
	engine sim.EventScheduler,
) TimedEngineBuilder {
	b.engine = engine
	return b
}

// WithFreq sets the frequency the latency is counted in.
func (b TimedEngineBuilder) WithFreq(freq sim.Freq) TimedEngineBuilder {
	b.freq = freq
	return b
}

// WithLatency sets the fixed number of cycles of every request.
func (b TimedEngineBuilder) WithLatency(latency int) TimedEngineBuilder {
	b.latency = latency
	return b
}

// WithPerSectorLatency adds cycles per transferred sector.
func (b TimedEngineBuilder) WithPerSectorLatency(
	cycles int,
) TimedEngineBuilder {
	b.perBlock = cycles
	return b
}

// WithMemory sets the guest memory data is moved through.
func (b TimedEngineBuilder) WithMemory(
	memory mem.GuestMemory,
) TimedEngineBuilder {
	b.memory = memory
	return b
}

// WithBackend sets the backing store.
func (b TimedEngineBuilder) WithBackend(backend Backend) TimedEngineBuilder {
	b.backend = backend
	return b
}

// Build creates a TimedEngine.
func (b TimedEngineBuilder) Build(name string) *TimedEngine {
	if b.engine == nil || b.memory == nil || b.backend == nil {
		panic("timed engine needs a simulation engine, memory and backend")
	}

	return &TimedEngine{
		name:     name,
		engine:   b.engine,
		freq:     b.freq,
		latency:  b.latency,
		perBlock: b.perBlock,
		memory:   b.memory,
		backend:  b.backend,
		inflight: make(map[Handle]timedRequest),
	}
}
