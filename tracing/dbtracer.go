package tracing

import (
	"sync"

	"github.com/sarchlab/ahcisim/datarecording"
	"github.com/sarchlab/ahcisim/sim"
)

type taskTableEntry struct {
	ID        string  `json:"id" rec:"index"`
	ParentID  string  `json:"parent_id"`
	Kind      string  `json:"kind" rec:"index"`
	What      string  `json:"what"`
	Location  string  `json:"location" rec:"index"`
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
}

type stepTableEntry struct {
	TaskID string  `json:"task_id" rec:"index"`
	What   string  `json:"what"`
	Time   float64 `json:"time"`
}

// Table names written by DBTracer.
const (
	TaskTable = "trace"
	StepTable = "trace_steps"
)

// DBTracer is a tracer that stores finished tasks and their steps in a
// DataRecorder. Tasks still running when the tracer terminates are written
// with the termination time as their end time.
type DBTracer struct {
	mu         sync.Mutex
	timeTeller sim.TimeTeller
	backend    datarecording.DataRecorder

	startTime, endTime sim.VTimeInSec

	tracingTasks map[string]Task
	terminated   bool
}

// NewDBTracer creates a new DBTracer and the tables it writes.
func NewDBTracer(
	timeTeller sim.TimeTeller,
	dataRecorder datarecording.DataRecorder,
) *DBTracer {
	dataRecorder.CreateTable(TaskTable, taskTableEntry{})
	dataRecorder.CreateTable(StepTable, stepTableEntry{})

	return &DBTracer{
		timeTeller:   timeTeller,
		backend:      dataRecorder,
		tracingTasks: make(map[string]Task),
	}
}

// SetTimeRange limits the tracing to the tasks that overlap with the given
// time range. A zero bound is open.
func (t *DBTracer) SetTimeRange(startTime, endTime sim.VTimeInSec) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.startTime = startTime
	t.endTime = endTime
}

// StartTask marks the start of a task.
func (t *DBTracer) StartTask(task Task) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.terminated {
		return
	}

	startingTaskMustBeValid(task)

	task.StartTime = t.timeTeller.CurrentTime()
	if t.endTime > 0 && task.StartTime > t.endTime {
		return
	}

	t.tracingTasks[task.ID] = task
}

func startingTaskMustBeValid(task Task) {
	if task.ID == "" {
		panic("task ID must be set")
	}

	if task.Kind == "" {
		panic("task kind must be set")
	}

	if task.What == "" {
		panic("task what must be set")
	}

	if task.Location == "" {
		panic("task location must be set")
	}
}

// StepTask records a step of a task.
func (t *DBTracer) StepTask(task Task) {
	t.mu.Lock()
	defer t.mu.Unlock()

	originalTask, ok := t.tracingTasks[task.ID]
	if !ok {
		return
	}

	now := t.timeTeller.CurrentTime()
	for _, step := range task.Steps {
		step.Time = now
		originalTask.Steps = append(originalTask.Steps, step)
	}

	t.tracingTasks[task.ID] = originalTask
}

// EndTask marks the end of a task and writes it.
func (t *DBTracer) EndTask(task Task) {
	t.mu.Lock()
	defer t.mu.Unlock()

	originalTask, ok := t.tracingTasks[task.ID]
	if !ok {
		return
	}

	delete(t.tracingTasks, task.ID)

	originalTask.EndTime = t.timeTeller.CurrentTime()
	if t.startTime > 0 && originalTask.EndTime < t.startTime {
		return
	}

	t.write(originalTask)
}

func (t *DBTracer) write(task Task) {
	t.backend.InsertData(TaskTable, taskTableEntry{
		ID:        task.ID,
		ParentID:  task.ParentID,
		Kind:      task.Kind,
		What:      task.What,
		Location:  task.Location,
		StartTime: float64(task.StartTime),
		EndTime:   float64(task.EndTime),
	})

	for _, step := range task.Steps {
		t.backend.InsertData(StepTable, stepTableEntry{
			TaskID: task.ID,
			What:   step.What,
			Time:   float64(step.Time),
		})
	}
}

// Terminate writes the tasks still running and flushes the backend.
func (t *DBTracer) Terminate() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.terminated {
		return
	}

	t.terminated = true
	now := t.timeTeller.CurrentTime()

	for _, task := range t.tracingTasks {
		task.EndTime = now
		t.write(task)
	}

	t.tracingTasks = nil
	t.backend.Flush()
}
