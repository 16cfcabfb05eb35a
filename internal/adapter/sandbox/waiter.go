package sandbox

import (
	"log/slog"
	"sync"
)

// resultWaiter manages channel-based waiters keyed by correlation ID, so a
// stage result arriving on the queue can be routed back to the RunStage call
// that published the job.
type resultWaiter[T any] struct {
	mu      sync.Mutex
	waiters map[string]chan *T
	label   string // for logging
}

func newResultWaiter[T any](label string) *resultWaiter[T] {
	return &resultWaiter[T]{
		waiters: make(map[string]chan *T),
		label:   label,
	}
}

// register creates a buffered channel for the given job ID.
func (w *resultWaiter[T]) register(jobID string) chan *T {
	ch := make(chan *T, 1)
	w.mu.Lock()
	w.waiters[jobID] = ch
	w.mu.Unlock()
	return ch
}

// unregister removes the waiter for the given job ID.
func (w *resultWaiter[T]) unregister(jobID string) {
	w.mu.Lock()
	delete(w.waiters, jobID)
	w.mu.Unlock()
}

// deliver sends a result to the waiting channel and removes the waiter.
// Returns false if no waiter was registered for the given ID (the caller
// timed out, or the message is a duplicate delivery).
func (w *resultWaiter[T]) deliver(jobID string, payload *T) bool {
	w.mu.Lock()
	ch, ok := w.waiters[jobID]
	if ok {
		delete(w.waiters, jobID)
	}
	w.mu.Unlock()

	if !ok {
		slog.Warn("no waiter for "+w.label+" result", "job_id", jobID)
		return false
	}

	ch <- payload
	return true
}
