package sched

import (
	"context"
	"sync"
)

// Gate parks a worker at the top of its cycle while suspended. Suspend never
// interrupts an in-flight send or receive.
type Gate struct {
	mu        sync.Mutex
	suspended bool
	resume    chan struct{} // closed while running
}

// NewGate returns an open (running) gate.
func NewGate() *Gate {
	ch := make(chan struct{})
	close(ch)
	return &Gate{resume: ch}
}

// Suspend closes the gate. Calling it twice is a no-op.
func (g *Gate) Suspend() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.suspended {
		return
	}
	g.suspended = true
	g.resume = make(chan struct{})
}

// Resume opens the gate and releases waiting workers.
func (g *Gate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.suspended {
		return
	}
	g.suspended = false
	close(g.resume)
}

// Suspended reports the gate state.
func (g *Gate) Suspended() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.suspended
}

// Wait returns immediately when the gate is open. Otherwise it blocks until
// Resume (waited=true) or until ctx ends.
func (g *Gate) Wait(ctx context.Context) (waited bool, err error) {
	for {
		g.mu.Lock()
		ch, susp := g.resume, g.suspended
		g.mu.Unlock()
		if !susp {
			return waited, nil
		}
		waited = true
		select {
		case <-ch:
		case <-ctx.Done():
			return waited, ctx.Err()
		}
	}
}
