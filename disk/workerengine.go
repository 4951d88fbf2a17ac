package disk

import (
	"sync"

	"k8s.io/klog/v2"

	"github.com/sarchlab/ahcisim/mem"
)

type job struct {
	handle Handle
	req    *Request
	done   func(Completion)
}

// A WorkerEngine runs requests on a pool of goroutines. Completions are
// delivered from the worker goroutines.
type WorkerEngine struct {
	name    string
	memory  mem.GuestMemory
	backend Backend

	mu         sync.Mutex
	cond       *sync.Cond
	idle       *sync.Cond
	queue      []job
	running    int
	inflight   map[Handle]bool
	nextHandle Handle
	closed     bool
	wg         sync.WaitGroup
}

// Name returns the name of the engine.
func (e *WorkerEngine) Name() string {
	return e.name
}

// Submit queues req. It never blocks on the workers.
func (e *WorkerEngine) Submit(req *Request, done func(Completion)) Handle {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextHandle++
	h := e.nextHandle
	e.inflight[h] = true
	e.queue = append(e.queue, job{handle: h, req: req, done: done})
	e.cond.Signal()

	return h
}

// Cancel drops the request. A request already running finishes its I/O but
// its completion is discarded.
func (e *WorkerEngine) Cancel(h Handle) {
	e.mu.Lock()
	delete(e.inflight, h)
	e.mu.Unlock()
}

// OnResume forwards to the backend when it can recover from outages.
func (e *WorkerEngine) OnResume(fn func()) {
	if n, ok := e.backend.(ResumeNotifier); ok {
		n.OnResume(fn)
	}
}

// Drain blocks until no request is queued or running. Requests submitted
// by completion callbacks are drained too.
func (e *WorkerEngine) Drain() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for len(e.queue) > 0 || e.running > 0 {
		e.idle.Wait()
	}
}

// Close stops the workers after the queued requests are drained.
func (e *WorkerEngine) Close() {
	e.mu.Lock()
	e.closed = true
	e.cond.Broadcast()
	e.mu.Unlock()

	e.wg.Wait()
}

func (e *WorkerEngine) work() {
	defer e.wg.Done()

	for {
		j, ok := e.take()
		if !ok {
			return
		}

		err := execute(e.memory, e.backend, j.req)

		e.mu.Lock()
		live := e.inflight[j.handle]
		delete(e.inflight, j.handle)
		e.mu.Unlock()

		if live {
			j.done(Completion{Handle: j.handle, Req: j.req, Err: err})
		} else {
			klog.V(4).InfoS("dropping canceled completion",
				"engine", e.name, "handle", j.handle)
		}

		e.mu.Lock()
		e.running--
		e.signalIdle()
		e.mu.Unlock()
	}
}

func (e *WorkerEngine) signalIdle() {
	if len(e.queue) == 0 && e.running == 0 {
		e.idle.Broadcast()
	}
}

func (e *WorkerEngine) take() (job, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for {
		for len(e.queue) > 0 {
			j := e.queue[0]
			e.queue = e.queue[1:]

			if e.inflight[j.handle] {
				e.running++
				return j, true
			}
		}

		e.signalIdle()

		if e.closed {
			return job{}, false
		}

		e.cond.Wait()
	}
}

// WorkerEngineBuilder builds WorkerEngines.
type WorkerEngineBuilder struct {
	numWorkers int
	memory     mem.GuestMemory
	backend    Backend
}

// MakeWorkerEngineBuilder returns a builder with default parameters.
func MakeWorkerEngineBuilder() WorkerEngineBuilder {
	return WorkerEngineBuilder{numWorkers: 4}
}

// WithNumWorkers sets the number of goroutines.
func (b WorkerEngineBuilder) WithNumWorkers(n int) WorkerEngineBuilder {
	b.numWorkers = n
	return b
}

// WithMemory sets the guest memory data is moved through.
func (b WorkerEngineBuilder) WithMemory(
	memory mem.GuestMemory,
) WorkerEngineBuilder {
	b.memory = memory
	return b
}

// WithBackend sets the backing store.
func (b WorkerEngineBuilder) WithBackend(backend Backend) WorkerEngineBuilder {
	b.backend = backend
	return b
}

// Build creates a WorkerEngine and starts its workers.
func (b WorkerEngineBuilder) Build(name string) *WorkerEngine {
	if b.memory == nil || b.backend == nil || b.numWorkers <= 0 {
		panic("worker engine needs memory, a backend and workers")
	}

	e := &WorkerEngine{
		name:     name,
		memory:   b.memory,
		backend:  b.backend,
		inflight: make(map[Handle]bool),
	}
	e.cond = sync.NewCond(&e.mu)
	e.idle = sync.NewCond(&e.mu)

	e.wg.Add(b.numWorkers)
	for i := 0; i < b.numWorkers; i++ {
		go e.work()
	}

	return e
}
