package monitoring

import (
	"sync"
	"time"
)

// A ProgressBar tracks how many of a fixed number of operations are running,
// finished or failed.
type ProgressBar struct {
	mu         sync.Mutex
	id         string
	name       string
	start      time.Time
	total      uint64
	inProgress uint64
	finished   uint64
	failed     uint64
}

type progressState struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	StartTime  time.Time `json:"start_time"`
	Total      uint64    `json:"total"`
	InProgress uint64    `json:"in_progress"`
	Finished   uint64    `json:"finished"`
	Failed     uint64    `json:"failed"`
}

// Begin marks n more operations as running.
func (b *ProgressBar) Begin(n uint64) {
	b.mu.Lock()
	b.inProgress += n
	b.mu.Unlock()
}

// Complete moves n running operations to finished.
func (b *ProgressBar) Complete(n uint64) {
	b.mu.Lock()
	b.inProgress -= min(n, b.inProgress)
	b.finished += n
	b.mu.Unlock()
}

// Abort moves n running operations to failed.
func (b *ProgressBar) Abort(n uint64) {
	b.mu.Lock()
	b.inProgress -= min(n, b.inProgress)
	b.failed += n
	b.mu.Unlock()
}

func (b *ProgressBar) state() progressState {
	b.mu.Lock()
	defer b.mu.Unlock()

	return progressState{
		ID:         b.id,
		Name:       b.name,
		StartTime:  b.start,
		Total:      b.total,
		InProgress: b.inProgress,
		Finished:   b.finished,
		Failed:     b.failed,
	}
}
