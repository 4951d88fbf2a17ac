package tracing

import (
	"sort"
	"sync"

	"github.com/sarchlab/ahcisim/sim"
)

// LatencyStat summarizes the latency of the tasks that share a What.
type LatencyStat struct {
	What    string
	Count   uint64
	Total   sim.VTimeInSec
	Max     sim.VTimeInSec
	Average sim.VTimeInSec
}

// LatencyTracer collects the latency of finished tasks, grouped by What.
// Overlapping tasks are counted independently.
type LatencyTracer struct {
	timeTeller    sim.TimeTeller
	filter        TaskFilter
	lock          sync.Mutex
	inflightTasks map[string]Task
	stats         map[string]*LatencyStat
}

// NewLatencyTracer creates a new LatencyTracer. A nil filter accepts every
// task.
func NewLatencyTracer(
	timeTeller sim.TimeTeller,
	filter TaskFilter,
) *LatencyTracer {
	if filter == nil {
		filter = func(Task) bool { return true }
	}

	return &LatencyTracer{
		timeTeller:    timeTeller,
		filter:        filter,
		inflightTasks: make(map[string]Task),
		stats:         make(map[string]*LatencyStat),
	}
}

// Stats returns the statistics of each kind of task, sorted by What.
func (t *LatencyTracer) Stats() []LatencyStat {
	t.lock.Lock()
	defer t.lock.Unlock()

	stats := make([]LatencyStat, 0, len(t.stats))
	for _, s := range t.stats {
		stats = append(stats, *s)
	}

	sort.Slice(stats, func(i, j int) bool {
		return stats[i].What < stats[j].What
	})

	return stats
}

// Inflight returns the number of tasks started but not ended.
func (t *LatencyTracer) Inflight() int {
	t.lock.Lock()
	defer t.lock.Unlock()

	return len(t.inflightTasks)
}

// StartTask records the task start time
func (t *LatencyTracer) StartTask(task Task) {
	if !t.filter(task) {
		return
	}

	task.StartTime = t.timeTeller.CurrentTime()

	t.lock.Lock()
	t.inflightTasks[task.ID] = task
	t.lock.Unlock()
}

// StepTask does nothing
func (t *LatencyTracer) StepTask(_ Task) {
	// Do nothing
}

// EndTask records the end of the task
func (t *LatencyTracer) EndTask(task Task) {
	t.lock.Lock()
	defer t.lock.Unlock()

	originalTask, ok := t.inflightTasks[task.ID]
	if !ok {
		return
	}

	delete(t.inflightTasks, task.ID)

	latency := t.timeTeller.CurrentTime() - originalTask.StartTime

	s, ok := t.stats[originalTask.What]
	if !ok {
		s = &LatencyStat{What: originalTask.What}
		t.stats[originalTask.What] = s
	}

	s.Count++
	s.Total += latency
	s.Max = max(s.Max, latency)
	s.Average = s.Total / sim.VTimeInSec(s.Count)
}
