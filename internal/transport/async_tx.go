package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-can-station/internal/can"
)

// AsyncTx funnels device writes through a single goroutine. Enqueue never
// blocks: when the bounded buffer is full SendFrame returns the OnDrop error
// (ErrQueueFull by default) and the caller retries on its own schedule.
//
//	a := NewAsyncTx(ctx, buf, write, hooks)
//	a.SendFrame(frame)
//	a.Close()
//
// Frames still buffered at Close are discarded.
type AsyncTx struct {
	mu     sync.Mutex
	ch     chan can.Frame
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	write  func(can.Frame) error
	hooks  Hooks
	closed atomic.Bool
}

// Hooks customize AsyncTx behavior.
type Hooks struct {
	// OnError is called when the write fails (frame not sent).
	OnError func(can.Frame, error)
	// OnAfter is called after a successful write.
	OnAfter func(can.Frame)
	// OnDrop is called when the buffer is full; its error is returned from SendFrame.
	OnDrop func() error
}

var ErrAsyncTxClosed = errors.New("async tx closed")

// NewAsyncTx constructs an AsyncTx with a buffered channel of size buf.
func NewAsyncTx(parent context.Context, buf int, write func(can.Frame) error, hooks Hooks) *AsyncTx {
	if buf < 1 {
		buf = 1
	}
	ctx, cancel := context.WithCancel(parent)
	a := &AsyncTx{
		ch:     make(chan can.Frame, buf),
		ctx:    ctx,
		cancel: cancel,
		write:  write,
		hooks:  hooks,
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

func (a *AsyncTx) loop() {
	defer a.wg.Done()
	for {
		select {
		case fr, ok := <-a.ch:
			if !ok {
				return
			}
			if err := a.write(fr); err != nil {
				if a.hooks.OnError != nil {
					a.hooks.OnError(fr, err)
				}
				continue
			}
			if a.hooks.OnAfter != nil {
				a.hooks.OnAfter(fr)
			}
		case <-a.ctx.Done():
			return
		}
	}
}

// SendFrame queues a frame or reports the drop error if the buffer is full.
func (a *AsyncTx) SendFrame(fr can.Frame) error {
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	select {
	case a.ch <- fr:
		return nil
	default:
		if a.hooks.OnDrop != nil {
			return a.hooks.OnDrop()
		}
		return ErrQueueFull
	}
}

// Pending returns the number of buffered frames.
func (a *AsyncTx) Pending() int { return len(a.ch) }

// Close stops the worker and waits for it to exit.
func (a *AsyncTx) Close() {
	if a.closed.Swap(true) {
		return
	}
	// Cancel first, then close under the send lock so no enqueue races the close.
	a.cancel()
	a.mu.Lock()
	close(a.ch)
	a.mu.Unlock()
	a.wg.Wait()
}
