package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-can-station/internal/can"
	"github.com/kstaniek/go-can-station/internal/logging"
	"github.com/kstaniek/go-can-station/internal/metrics"
)

const (
	rxBackoffMin = 20 * time.Millisecond
	rxBackoffMax = 500 * time.Millisecond
)

// sleepFn allows tests to intercept read error backoff.
var sleepFn = func(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// Queued is a Transport over a Device with a bounded outbound queue drained by
// one writer goroutine and a bounded inbound ring filled by one reader goroutine.
type Queued struct {
	mu     sync.Mutex // serializes Configure/Start/Stop
	open   Opener
	cfg    Config
	logger *slog.Logger
	sess   atomic.Pointer[session]

	// Optional taps, called from the device goroutines (must not block).
	OnDeviceTx func(can.Frame)
	OnDeviceRx func(can.Frame)
}

type session struct {
	dev    Device
	tx     *AsyncTx
	rx     *Ring
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewQueued creates a stopped transport; open is called on every Start.
func NewQueued(open Opener, cfg Config, l *slog.Logger) *Queued {
	if l == nil {
		l = logging.L()
	}
	return &Queued{open: open, cfg: cfg.withDefaults(), logger: l}
}

// Configure replaces the bus parameters. Only allowed while stopped.
func (q *Queued) Configure(cfg Config) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.sess.Load() != nil {
		return ErrBusy
	}
	q.cfg = cfg.withDefaults()
	return nil
}

// Config returns the active configuration.
func (q *Queued) Config() Config { q.mu.Lock(); defer q.mu.Unlock(); return q.cfg }

// Started reports whether the transport is running.
func (q *Queued) Started() bool { return q.sess.Load() != nil }

// Start opens the device and launches the IO goroutines. Calling Start on a
// started transport is a no-op.
func (q *Queued) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.sess.Load() != nil {
		return nil
	}
	dev, err := q.open(ctx, q.cfg)
	if err != nil {
		metrics.IncError(metrics.ErrTransportStart)
		return fmt.Errorf("open device: %w", err)
	}
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &session{
		dev:    dev,
		rx:     NewRing(q.cfg.RxQueue, q.cfg.RxOverflow),
		ctx:    sctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.tx = NewAsyncTx(sctx, q.cfg.TxQueue, dev.WriteFrame, Hooks{
		OnError: func(fr can.Frame, err error) {
			metrics.IncError(metrics.ErrDeviceWrite)
			q.logger.Warn("device_write_error", "error", err, "id", fmt.Sprintf("0x%X", fr.ID))
		},
		OnAfter: func(fr can.Frame) {
			metrics.IncDeviceTx()
			if q.OnDeviceTx != nil {
				q.OnDeviceTx(fr)
			}
		},
		OnDrop: func() error { return ErrQueueFull },
	})
	s.wg.Add(1)
	go q.readLoop(s)
	q.sess.Store(s)
	metrics.SetTransportUp(true)
	q.logger.Info("transport_started", "bitrate", q.cfg.Bitrate, "tx_queue", q.cfg.TxQueue,
		"rx_queue", q.cfg.RxQueue, "rx_overflow", q.cfg.RxOverflow.String())
	return nil
}

// Send validates fr and queues it without blocking.
func (q *Queued) Send(fr can.Frame) error {
	if err := fr.Validate(); err != nil {
		return err
	}
	s := q.sess.Load()
	if s == nil {
		return ErrNotStarted
	}
	if err := s.tx.SendFrame(fr); err != nil {
		if errors.Is(err, ErrAsyncTxClosed) {
			return ErrNotStarted
		}
		return err
	}
	return nil
}

// Receive pops the oldest inbound frame, waiting up to timeout for one.
func (q *Queued) Receive(ctx context.Context, timeout time.Duration) (can.Frame, error) {
	s := q.sess.Load()
	if s == nil {
		return can.Frame{}, ErrNotStarted
	}
	if fr, ok := s.rx.Pop(); ok {
		return fr, nil
	}
	if timeout <= 0 {
		return can.Frame{}, ErrTimeout
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	for {
		select {
		case <-s.rx.Ready():
			if fr, ok := s.rx.Pop(); ok {
				return fr, nil
			}
		case <-t.C:
			return can.Frame{}, ErrTimeout
		case <-s.done:
			return can.Frame{}, ErrNotStarted
		case <-ctx.Done():
			return can.Frame{}, ctx.Err()
		}
	}
}

// Stop closes the device and waits for the IO goroutines. Queued frames are
// discarded. Stop on a stopped transport is a no-op.
func (q *Queued) Stop() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.sess.Swap(nil)
	if s == nil {
		return nil
	}
	s.cancel()
	close(s.done)
	err := s.dev.Close()
	s.tx.Close()
	s.wg.Wait()
	metrics.SetTransportUp(false)
	q.logger.Info("transport_stopped")
	if err != nil {
		return fmt.Errorf("close device: %w", err)
	}
	return nil
}

func (q *Queued) readLoop(s *session) {
	defer s.wg.Done()
	backoff := rxBackoffMin
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}
		var fr can.Frame
		if err := s.dev.ReadFrame(&fr); err != nil {
			if s.ctx.Err() != nil { // shutting down
				return
			}
			if IsTimeout(err) {
				continue
			}
			metrics.IncError(metrics.ErrDeviceRead)
			q.logger.Warn("device_read_error", "error", err, "backoff", backoff)
			sleepFn(s.ctx, backoff)
			backoff *= 2
			if backoff > rxBackoffMax {
				backoff = rxBackoffMax
			}
			continue
		}
		backoff = rxBackoffMin
		metrics.IncDeviceRx()
		if q.OnDeviceRx != nil {
			q.OnDeviceRx(fr)
		}
		if s.rx.Push(fr) {
			metrics.IncRxDropped()
			q.logger.Debug("rx_overflow_drop", "policy", q.cfg.RxOverflow.String())
		}
	}
}
