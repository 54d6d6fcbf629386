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

// Sender is the transmit side of a transport.
type Sender interface {
	Send(can.Frame) error
}

// FrameSource yields the frame to transmit on each cycle.
type FrameSource interface {
	Load() can.Frame
}

// TxWorker sends the outbound frame on a fixed grid of absolute deadlines.
// The grid advances by exactly one Period per cycle whatever the send
// outcome. A cycle that finishes past its next deadline is an overrun: the
// wait is skipped and the grid is re-anchored at the current time, so the
// worker never bursts to catch up.
type TxWorker struct {
	Transport Sender
	Source    FrameSource
	State     *station.State
	Period    time.Duration
	Clock     Clock
	Gate      *Gate
	Thread    Thread
	Logger    *slog.Logger
}

// Run loops until ctx ends. Per-cycle failures never stop the loop.
func (w *TxWorker) Run(ctx context.Context) error {
	if w.Period <= 0 {
		return fmt.Errorf("tx worker: period must be positive, got %v", w.Period)
	}
	l := w.Logger
	if l == nil {
		l = logging.L()
	}
	l = l.With("worker", metrics.WorkerTx)
	pinThread(w.Thread, metrics.WorkerTx, l)
	clock := w.Clock
	if clock == nil {
		clock = RealClock{}
	}
	metrics.SetWorkerRunning(metrics.WorkerTx, true)
	defer metrics.SetWorkerRunning(metrics.WorkerTx, false)
	l.Info("tx_worker_started", "period", w.Period)

	deadline := clock.Now()
	for {
		waited, err := hold(ctx, w.Gate, metrics.WorkerTx, l)
		if err != nil {
			return nil
		}
		if waited {
			deadline = clock.Now()
		}

		w.cycle(l, clock)

		deadline = deadline.Add(w.Period)
		if now := clock.Now(); !deadline.After(now) {
			metrics.IncTxOverrun()
			w.State.RecordTxOverrun()
			l.Warn("tx_overrun", "behind", now.Sub(deadline), "period", w.Period)
			deadline = now
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		if err := clock.SleepUntil(ctx, deadline); err != nil {
			return nil
		}
		metrics.ObserveWakeLateness(clock.Now().Sub(deadline).Seconds())
	}
}

func (w *TxWorker) cycle(l *slog.Logger, clock Clock) {
	fr := w.Source.Load()
	err := w.Transport.Send(fr)
	switch {
	case err == nil:
		w.State.RecordTx(fr, clock.Now())
		metrics.IncTx()
		l.Info("tx_frame", "id", fmt.Sprintf("0x%X", fr.ID), "ext", fr.Extended, "len", fr.Len,
			"data", fmt.Sprintf("% X", fr.Payload()))
	case errors.Is(err, transport.ErrQueueFull):
		// transient: dropped for this cycle, the next period tries again
		w.State.RecordTxQueueFull()
		metrics.IncTxQueueFull()
		l.Debug("tx_queue_full", "id", fmt.Sprintf("0x%X", fr.ID))
	default:
		metrics.IncError(metrics.ErrTxSend)
		l.Warn("tx_send_error", "error", err)
	}
}

// hold parks the worker while its gate is closed and keeps the running gauge
// in step.
func hold(ctx context.Context, g *Gate, worker string, l *slog.Logger) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if g == nil || !g.Suspended() {
		return false, nil
	}
	metrics.SetWorkerRunning(worker, false)
	l.Info("worker_suspended")
	waited, err := g.Wait(ctx)
	if err != nil {
		return waited, err
	}
	metrics.SetWorkerRunning(worker, true)
	l.Info("worker_resumed")
	return waited, nil
}
