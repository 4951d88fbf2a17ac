package sim

import (
	"container/heap"
	"sync"
)

// EventQueue orders events by time. Events of the same time leave the queue
// in the order they entered it.
type EventQueue interface {
	Push(evt Event)
	Pop() Event
	Len() int
	Peek() Event
}

// EventQueueImpl is a heap-based EventQueue that is safe for concurrent use.
type EventQueueImpl struct {
	mu     sync.Mutex
	events eventHeap
	pushed uint64
}

// NewEventQueue creates an empty EventQueueImpl.
func NewEventQueue() *EventQueueImpl {
	return &EventQueueImpl{}
}

// Push adds evt to the queue.
func (q *EventQueueImpl) Push(evt Event) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pushed++
	heap.Push(&q.events, queuedEvent{evt: evt, seq: q.pushed})
}

// Pop removes and returns the earliest event, or nil if the queue is empty.
func (q *EventQueueImpl) Pop() Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return nil
	}

	return heap.Pop(&q.events).(queuedEvent).evt
}

// Len returns the number of queued events.
func (q *EventQueueImpl) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.events)
}

// Peek returns the earliest event without removing it, or nil.
func (q *EventQueueImpl) Peek() Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return nil
	}

	return q.events[0].evt
}

type queuedEvent struct {
	evt Event
	seq uint64
}

func (a queuedEvent) before(b queuedEvent) bool {
	ta, tb := a.evt.Time(), b.evt.Time()
	if ta != tb {
		return ta < tb
	}

	return a.seq < b.seq
}

type eventHeap []queuedEvent

func (h eventHeap) Len() int           { return len(h) }
func (h eventHeap) Less(i, j int) bool { return h[i].before(h[j]) }
func (h eventHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x any) {
	*h = append(*h, x.(queuedEvent))
}

func (h *eventHeap) Pop() any {
	old := *h
	last := old[len(old)-1]
	*h = old[:len(old)-1]

	return last
}
