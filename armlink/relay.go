package armlink

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// Event is one chunk of unsolicited data read from the board.
type Event struct {
	At     time.Time     `json:"at"`
	Raw    []byte        `json:"raw"`
	Status *StatusRecord `json:"status,omitempty"` // Set when the chunk completed a valid frame
}

// Relay is a bounded FIFO between the Poller and the presentation layer.
//
// Push blocks while the relay is full, so a stalled consumer slows the
// producer down instead of growing memory.
type Relay struct {
	ch chan Event

	mu     sync.RWMutex
	done   chan struct{}
	closed atomic.Bool
	pushed atomic.Uint64
}

// NewRelay creates a relay holding up to capacity pending events.
func NewRelay(capacity int) *Relay {
	if capacity <= 0 {
		capacity = DefaultRelayCapacity
	}
	return &Relay{
		ch:   make(chan Event, capacity),
		done: make(chan struct{}),
	}
}

// Push enqueues ev, blocking while the relay is full until space frees up,
// ctx ends or the relay is closed.
func (r *Relay) Push(ctx context.Context, ev Event) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed.Load() {
		return ErrRelayClosed
	}

	select {
	case r.ch <- ev:
		r.pushed.Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrRelayClosed
	}
}

// Events returns the consumer side. The channel closes after Close.
func (r *Relay) Events() <-chan Event {
	return r.ch
}

// Len returns the number of pending events.
func (r *Relay) Len() int {
	return len(r.ch)
}

// Cap returns the relay capacity.
func (r *Relay) Cap() int {
	return cap(r.ch)
}

// Pushed returns the number of events accepted so far.
func (r *Relay) Pushed() uint64 {
	return r.pushed.Load()
}

// Close wakes blocked producers and closes the event channel once they
// have returned. Pending events stay readable. Close is idempotent.
func (r *Relay) Close() {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}
	close(r.done)

	r.mu.Lock()
	defer r.mu.Unlock()
	close(r.ch)
}
