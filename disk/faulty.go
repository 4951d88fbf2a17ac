package disk

import (
	"errors"
	"sync"
)

// ErrInjected is the error reported by a FaultyBackend while it is failing.
var ErrInjected = errors.New("injected I/O error")

// FaultyBackend wraps a Backend and fails every access between Fail and Heal.
// Healing notifies the registered resume callbacks.
type FaultyBackend struct {
	Backend

	mu        sync.Mutex
	failing   bool
	onResumes []func()
}

// NewFaultyBackend wraps inner.
func NewFaultyBackend(inner Backend) *FaultyBackend {
	return &FaultyBackend{Backend: inner}
}

// Fail makes every following access return ErrInjected.
func (b *FaultyBackend) Fail() {
	b.mu.Lock()
	b.failing = true
	b.mu.Unlock()
}

// Heal stops injecting errors and runs the resume callbacks.
func (b *FaultyBackend) Heal() {
	b.mu.Lock()
	wasFailing := b.failing
	b.failing = false
	callbacks := append([]func(){}, b.onResumes...)
	b.mu.Unlock()

	if !wasFailing {
		return
	}

	for _, fn := range callbacks {
		fn()
	}
}

// OnResume registers fn to run whenever the backend heals.
func (b *FaultyBackend) OnResume(fn func()) {
	b.mu.Lock()
	b.onResumes = append(b.onResumes, fn)
	b.mu.Unlock()
}

func (b *FaultyBackend) isFailing() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.failing
}

// ReadAt fails while the backend is failing.
func (b *FaultyBackend) ReadAt(p []byte, off int64) (int, error) {
	if b.isFailing() {
		return 0, ErrInjected
	}

	return b.Backend.ReadAt(p, off)
}

// WriteAt fails while the backend is failing.
func (b *FaultyBackend) WriteAt(p []byte, off int64) (int, error) {
	if b.isFailing() {
		return 0, ErrInjected
	}

	return b.Backend.WriteAt(p, off)
}

// Flush fails while the backend is failing.
func (b *FaultyBackend) Flush() error {
	if b.isFailing() {
		return ErrInjected
	}

	return b.Backend.Flush()
}
