package workflow

import (
	"context"
	"fmt"
	"sync"
)

// Barrier is a fan-in completion barrier: it fires once every expected task
// has arrived, whether the task succeeded or failed.
type Barrier struct {
	name     string
	mu       sync.Mutex
	expected int
	arrived  int
	fired    chan struct{}
}

// NewBarrier returns a barrier waiting for expected arrivals. A barrier with
// zero expected arrivals fires immediately.
func NewBarrier(name string, expected int) *Barrier {
	if expected < 0 {
		expected = 0
	}
	b := &Barrier{name: name, expected: expected, fired: make(chan struct{})}
	if expected == 0 {
		close(b.fired)
	}
	return b
}

// Arrive records one task returning. Extra arrivals are ignored.
func (b *Barrier) Arrive() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.arrived >= b.expected {
		return
	}
	b.arrived++
	if b.arrived == b.expected {
		close(b.fired)
	}
}

// Fired reports whether every expected task has arrived.
func (b *Barrier) Fired() bool {
	select {
	case <-b.fired:
		return true
	default:
		return false
	}
}

// Wait blocks until the barrier fires or ctx is done.
func (b *Barrier) Wait(ctx context.Context) error {
	select {
	case <-b.fired:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns how many tasks have not arrived yet.
func (b *Barrier) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.expected - b.arrived
}

// Guard adapts the barrier into a Controller guard.
func (b *Barrier) Guard() Guard {
	return func() error {
		if b.Fired() {
			return nil
		}
		return fmt.Errorf("%s barrier waiting on %d task(s)", b.name, b.Pending())
	}
}
