package transport

import (
	"context"
	"sync"
	"time"

	"github.com/kstaniek/go-can-station/internal/can"
)

// Loopback is an in-memory Device. Frames written to it are delivered to its
// peer (itself for an echo device). Writes never block: when the peer's
// buffer is full the frame is lost, as on a bus with no listener.
type Loopback struct {
	in          chan can.Frame
	peer        *Loopback
	readTimeout time.Duration
	once        sync.Once
	closed      chan struct{}
}

const defaultLoopbackReadTimeout = 50 * time.Millisecond

func newLoopback(buf int, readTimeout time.Duration) *Loopback {
	if buf < 1 {
		buf = 1
	}
	if readTimeout <= 0 {
		readTimeout = defaultLoopbackReadTimeout
	}
	return &Loopback{in: make(chan can.Frame, buf), readTimeout: readTimeout, closed: make(chan struct{})}
}

// NewLoopback returns an echo device: every written frame is read back.
func NewLoopback(buf int, readTimeout time.Duration) *Loopback {
	l := newLoopback(buf, readTimeout)
	l.peer = l
	return l
}

// NewLoopbackPair returns two devices wired to each other, like two nodes on one bus.
func NewLoopbackPair(buf int, readTimeout time.Duration) (*Loopback, *Loopback) {
	a, b := newLoopback(buf, readTimeout), newLoopback(buf, readTimeout)
	a.peer, b.peer = b, a
	return a, b
}

// Inject delivers fr to this device as if it arrived from the bus.
func (l *Loopback) Inject(fr can.Frame) bool {
	select {
	case <-l.closed:
		return false
	default:
	}
	select {
	case l.in <- fr:
		return true
	default:
		return false
	}
}

func (l *Loopback) WriteFrame(fr can.Frame) error {
	select {
	case <-l.closed:
		return ErrDeviceClosed
	default:
	}
	l.peer.Inject(fr)
	return nil
}

func (l *Loopback) ReadFrame(fr *can.Frame) error {
	t := time.NewTimer(l.readTimeout)
	defer t.Stop()
	select {
	case f := <-l.in:
		*fr = f
		return nil
	case <-l.closed:
		return ErrDeviceClosed
	case <-t.C:
		return ErrReadTimeout
	}
}

func (l *Loopback) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

// LoopbackOpener returns an Opener creating a fresh echo device on every Start.
func LoopbackOpener(readTimeout time.Duration) Opener {
	return func(_ context.Context, cfg Config) (Device, error) {
		return NewLoopback(cfg.withDefaults().RxQueue, readTimeout), nil
	}
}

// DeviceOpener returns an Opener handing out d. Used when the device is
// created outside the transport (tests, pre-opened ports).
func DeviceOpener(d Device) Opener {
	return func(context.Context, Config) (Device, error) { return d, nil }
}
