// Package quiesce coordinates writers and the purge engine.
//
// The purge engine must not start deleting while inserts are in flight.
// Instead of polling a shared counter, purge requests a drain: new writers
// are queued until the drain is released, and the drain is granted only
// once every in-flight write has finished.
package quiesce

import (
	"context"
	"sync"
)

// Gate is a drain gate for write/purge coordination.
//
// Writers bracket each mutating transaction with BeginWrite/EndWrite.
// Purge calls Drain before deleting and Release when it no longer needs
// exclusion. The zero value is not usable; use New.
type Gate struct {
	mu       sync.Mutex
	writers  int
	draining bool
	changed  chan struct{}
}

// New returns a ready-to-use Gate.
func New() *Gate {
	return &Gate{changed: make(chan struct{})}
}

// notify wakes every goroutine waiting for a state change.
// Callers must hold g.mu.
func (g *Gate) notify() {
	close(g.changed)
	g.changed = make(chan struct{})
}

// BeginWrite registers a writer. While a drain is pending or granted the
// caller is queued until Release, or until ctx is cancelled.
func (g *Gate) BeginWrite(ctx context.Context) error {
	for {
		g.mu.Lock()
		if !g.draining {
			g.writers++
			g.mu.Unlock()
			return nil
		}
		ch := g.changed
		g.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// EndWrite deregisters a writer registered with BeginWrite.
func (g *Gate) EndWrite() {
	g.mu.Lock()
	if g.writers > 0 {
		g.writers--
	}
	g.notify()
	g.mu.Unlock()
}

// Drain blocks new writers and waits until all in-flight writes complete.
// It returns once the gate is held, or an error if ctx is cancelled first
// (in which case the gate is not held). Only one drain is granted at a
// time; concurrent callers queue.
func (g *Gate) Drain(ctx context.Context) error {
	// Wait for any previous drain to be released.
	for {
		g.mu.Lock()
		if !g.draining {
			break
		}
		ch := g.changed
		g.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}

	g.draining = true

	// Wait for in-flight writers.
	for g.writers > 0 {
		ch := g.changed
		g.mu.Unlock()
		select {
		case <-ctx.Done():
			g.mu.Lock()
			g.draining = false
			g.notify()
			g.mu.Unlock()
			return ctx.Err()
		case <-ch:
		}
		g.mu.Lock()
	}
	g.mu.Unlock()
	return nil
}

// Release releases a drain granted by Drain and wakes queued writers.
func (g *Gate) Release() {
	g.mu.Lock()
	g.draining = false
	g.notify()
	g.mu.Unlock()
}

// Writers returns the number of in-flight writers. Diagnostic only.
func (g *Gate) Writers() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.writers
}
