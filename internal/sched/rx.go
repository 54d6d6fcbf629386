package sched

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kstaniek/go-can-station/internal/can"
	"github.com/kstaniek/go-can-station/internal/logging"
	"github.com/kstaniek/go-can-station/internal/metrics"
	"github.com/kstaniek/go-can-station/internal/station"
	"github.com/kstaniek/go-can-station/internal/transport"
)

// Receiver is the receive side of a transport.
type Receiver interface {
	Receive(ctx context.Context, timeout time.Duration) (can.Frame, error)
}

// RxWorker takes at most one frame per cycle with a bounded wait, then sleeps
// Poll (relative). Frames that fail validation are discarded without touching
// the last received frame.
type RxWorker struct {
	Transport Receiver
	State     *station.State
	Timeout   time.Duration
	Poll      time.Duration
	Clock     Clock
	Gate      *Gate
	Thread    Thread
	Logger    *slog.Logger
	// OnFrame, if set, sees every accepted frame (must not block).
	OnFrame func(can.Frame)
}

// Run loops until ctx ends.
func (w *RxWorker) Run(ctx context.Context) error {
	if w.Poll < 0 || w.Timeout < 0 {
		return fmt.Errorf("rx worker: negative poll %v or timeout %v", w.Poll, w.Timeout)
	}
	l := w.Logger
	if l == nil {
		l = logging.L()
	}
	l = l.With("worker", metrics.WorkerRx)
	pinThread(w.Thread, metrics.WorkerRx, l)
	clock := w.Clock
	if clock == nil {
		clock = RealClock{}
	}
	metrics.SetWorkerRunning(metrics.WorkerRx, true)
	defer metrics.SetWorkerRunning(metrics.WorkerRx, false)
	l.Info("rx_worker_started", "poll", w.Poll, "timeout", w.Timeout)

	for {
		if _, err := hold(ctx, w.Gate, metrics.WorkerRx, l); err != nil {
			return nil
		}
		w.cycle(ctx, l, clock)
		if err := clock.Sleep(ctx, w.Poll); err != nil {
			return nil
		}
	}
}

func (w *RxWorker) cycle(ctx context.Context, l *slog.Logger, clock Clock) {
	fr, err := w.Transport.Receive(ctx, w.Timeout)
	switch {
	case err == nil:
		if verr := fr.Validate(); verr != nil {
			w.State.RecordMalformed()
			metrics.IncMalformed()
			l.Warn("rx_malformed", "error", verr, "id", fmt.Sprintf("0x%X", fr.ID), "len", fr.Len)
			return
		}
		w.State.RecordRx(fr, clock.Now())
		metrics.IncRx()
		l.Info("rx_frame", "id", fmt.Sprintf("0x%X", fr.ID), "ext", fr.Extended, "len", fr.Len,
			"data", fmt.Sprintf("% X", fr.Payload()))
		if w.OnFrame != nil {
			w.OnFrame(fr)
		}
	case errors.Is(err, transport.ErrTimeout):
		w.State.RecordRxIdle()
		metrics.IncRxIdle()
		l.Debug("rx_idle")
	case ctx.Err() != nil:
	default:
		metrics.IncError(metrics.ErrRxReceive)
		l.Warn("rx_receive_error", "error", err)
	}
}
