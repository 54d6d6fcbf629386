package transport

import (
	"sync"

	"github.com/kstaniek/go-can-station/internal/can"
)

// Ring is the bounded inbound FIFO. When full, Push applies the overflow
// policy instead of growing. Ready is signalled after every push.
type Ring struct {
	mu     sync.Mutex
	buf    []can.Frame
	head   int
	n      int
	policy OverflowPolicy
	ready  chan struct{}
}

// NewRing creates a ring holding at most capacity frames (minimum 1).
func NewRing(capacity int, policy OverflowPolicy) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{buf: make([]can.Frame, capacity), policy: policy, ready: make(chan struct{}, 1)}
}

// Push appends fr and reports whether a frame was dropped to make it fit
// (DropOldest) or fr itself was discarded (DropNewest).
func (r *Ring) Push(fr can.Frame) (dropped bool) {
	r.mu.Lock()
	switch {
	case r.n < len(r.buf):
		r.buf[(r.head+r.n)%len(r.buf)] = fr
		r.n++
	case r.policy == DropNewest:
		dropped = true
	default:
		r.buf[r.head] = fr
		r.head = (r.head + 1) % len(r.buf)
		dropped = true
	}
	r.mu.Unlock()
	select {
	case r.ready <- struct{}{}:
	default:
	}
	return dropped
}

// Pop removes the oldest frame.
func (r *Ring) Pop() (can.Frame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.n == 0 {
		return can.Frame{}, false
	}
	fr := r.buf[r.head]
	r.head = (r.head + 1) % len(r.buf)
	r.n--
	return fr, true
}

// Len returns the number of queued frames.
func (r *Ring) Len() int { r.mu.Lock(); n := r.n; r.mu.Unlock(); return n }

// Cap returns the ring capacity.
func (r *Ring) Cap() int { return len(r.buf) }

// Ready is signalled (coalesced) whenever a frame is pushed.
func (r *Ring) Ready() <-chan struct{} { return r.ready }
