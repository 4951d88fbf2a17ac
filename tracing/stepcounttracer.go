package tracing

import (
	"sync"
)

type stepCount struct {
	steps uint64
	tasks uint64
}

// StepCountTracer counts, per step name, how often the step was reached and
// by how many distinct tasks. Steps of tasks that were not started (or were
// filtered out) are ignored.
type StepCountTracer struct {
	filter TaskFilter

	lock     sync.Mutex
	names    []string
	counts   map[string]*stepCount
	inflight map[string]map[string]bool
}

// NewStepCountTracer creates a new StepCountTracer. A nil filter accepts
// every task.
func NewStepCountTracer(filter TaskFilter) *StepCountTracer {
	if filter == nil {
		filter = func(Task) bool { return true }
	}

	return &StepCountTracer{
		filter:   filter,
		counts:   make(map[string]*stepCount),
		inflight: make(map[string]map[string]bool),
	}
}

// StepNames returns the step names in the order they were first reached.
func (t *StepCountTracer) StepNames() []string {
	t.lock.Lock()
	defer t.lock.Unlock()

	return append([]string(nil), t.names...)
}

// StepCount returns how many times the step was reached.
func (t *StepCountTracer) StepCount(name string) uint64 {
	t.lock.Lock()
	defer t.lock.Unlock()

	if c, ok := t.counts[name]; ok {
		return c.steps
	}

	return 0
}

// TaskCount returns how many tasks reached the step at least once.
func (t *StepCountTracer) TaskCount(name string) uint64 {
	t.lock.Lock()
	defer t.lock.Unlock()

	if c, ok := t.counts[name]; ok {
		return c.tasks
	}

	return 0
}

func (t *StepCountTracer) StartTask(task Task) {
	if !t.filter(task) {
		return
	}

	t.lock.Lock()
	t.inflight[task.ID] = make(map[string]bool)
	t.lock.Unlock()
}

func (t *StepCountTracer) StepTask(task Task) {
	t.lock.Lock()
	defer t.lock.Unlock()

	seen, ok := t.inflight[task.ID]
	if !ok {
		return
	}

	for _, s := range task.Steps {
		c, ok := t.counts[s.What]
		if !ok {
			c = &stepCount{}
			t.counts[s.What] = c
			t.names = append(t.names, s.What)
		}

		c.steps++
		if !seen[s.What] {
			seen[s.What] = true
			c.tasks++
		}
	}
}

func (t *StepCountTracer) EndTask(task Task) {
	t.lock.Lock()
	delete(t.inflight, task.ID)
	t.lock.Unlock()
}
