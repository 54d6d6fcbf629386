package sched

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"golang.org/x/sync/errgroup"

	"github.com/kstaniek/go-can-station/internal/can"
	"github.com/kstaniek/go-can-station/internal/logging"
	"github.com/kstaniek/go-can-station/internal/metrics"
	"github.com/kstaniek/go-can-station/internal/station"
	"github.com/kstaniek/go-can-station/internal/transport"
)

var (
	// ErrTransportNotReady wraps the transport start failure. No worker runs.
	ErrTransportNotReady = errors.New("sched: transport not ready")
	ErrAlreadyStarted    = errors.New("sched: already started")
	ErrNotRunning        = errors.New("sched: not running")
	ErrUnknownWorker     = errors.New("sched: unknown worker")
)

// Worker names a scheduled worker.
type Worker string

const (
	Tx Worker = metrics.WorkerTx
	Rx Worker = metrics.WorkerRx
)

// Config describes both workers and the bring-up policy.
type Config struct {
	TxPeriod  time.Duration
	RxPoll    time.Duration
	RxTimeout time.Duration
	Tx        Thread
	Rx        Thread
	// StartAttempts bounds Transport.Start tries (minimum 1), StartDelay spaces them.
	StartAttempts uint
	StartDelay    time.Duration
}

// Validate checks cadence values and the priority order of the workers.
func (c Config) Validate() error {
	if c.TxPeriod <= 0 {
		return fmt.Errorf("tx period must be positive, got %v", c.TxPeriod)
	}
	if c.RxPoll < 0 {
		return fmt.Errorf("rx poll must not be negative, got %v", c.RxPoll)
	}
	if c.RxTimeout < 0 {
		return fmt.Errorf("rx timeout must not be negative, got %v", c.RxTimeout)
	}
	if c.Tx.Priority <= c.Rx.Priority {
		return fmt.Errorf("tx priority (%d) must be greater than rx priority (%d)", c.Tx.Priority, c.Rx.Priority)
	}
	return nil
}

// threads anchors both worker threads to the higher of the two priorities.
func (c Config) threads() (tx, rx Thread) {
	tx, rx = c.Tx, c.Rx
	top := max(tx.Priority, rx.Priority)
	tx.Top, rx.Top = top, top
	return tx, rx
}

// Scheduler starts the transport, then both workers, and stops them in
// reverse order.
type Scheduler struct {
	cfg    Config
	tr     transport.Transport
	out    FrameSource
	state  *station.State
	logger *slog.Logger

	// Clock overrides the wall clock for both workers.
	Clock Clock
	// OnRx is forwarded to the receive worker.
	OnRx func(can.Frame)

	txGate *Gate
	rxGate *Gate

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	eg      *errgroup.Group
}

// New wires a scheduler; nothing runs until Start.
func New(cfg Config, tr transport.Transport, out FrameSource, st *station.State, l *slog.Logger) *Scheduler {
	if l == nil {
		l = logging.L()
	}
	return &Scheduler{cfg: cfg, tr: tr, out: out, state: st, logger: l, txGate: NewGate(), rxGate: NewGate()}
}

// Start brings the transport up (bounded retries) and spawns the workers.
// When the transport cannot start it returns ErrTransportNotReady and spawns
// nothing.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyStarted
	}
	attempts := s.cfg.StartAttempts
	if attempts == 0 {
		attempts = 1
	}
	err := retry.Do(func() error { return s.tr.Start(ctx) },
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(s.cfg.StartDelay),
		retry.DelayType(retry.FixedDelay),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Warn("transport_start_retry", "attempt", n+1, "error", err)
		}),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		metrics.IncError(metrics.ErrSched)
		return fmt.Errorf("%w: %w", ErrTransportNotReady, err)
	}

	txThread, rxThread := s.cfg.threads()
	wctx, cancel := context.WithCancel(ctx)
	eg, gctx := errgroup.WithContext(wctx)
	tx := &TxWorker{
		Transport: s.tr, Source: s.out, State: s.state, Period: s.cfg.TxPeriod,
		Clock: s.Clock, Gate: s.txGate, Thread: txThread, Logger: s.logger,
	}
	rx := &RxWorker{
		Transport: s.tr, State: s.state, Timeout: s.cfg.RxTimeout, Poll: s.cfg.RxPoll,
		Clock: s.Clock, Gate: s.rxGate, Thread: rxThread, Logger: s.logger, OnFrame: s.OnRx,
	}
	eg.Go(func() error { return tx.Run(gctx) })
	eg.Go(func() error { return rx.Run(gctx) })
	s.eg, s.cancel, s.running = eg, cancel, true
	s.logger.Info("scheduler_started", "tx_period", s.cfg.TxPeriod, "rx_poll", s.cfg.RxPoll,
		"tx_priority", s.cfg.Tx.Priority, "rx_priority", s.cfg.Rx.Priority)
	return nil
}

func (s *Scheduler) gate(w Worker) (*Gate, error) {
	switch w {
	case Tx:
		return s.txGate, nil
	case Rx:
		return s.rxGate, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownWorker, string(w))
}

// Suspend parks w after its in-flight operation completes.
func (s *Scheduler) Suspend(w Worker) error {
	g, err := s.gate(w)
	if err != nil {
		return err
	}
	g.Suspend()
	return nil
}

// Resume releases w. A resumed transmit worker starts a fresh cadence grid.
func (s *Scheduler) Resume(w Worker) error {
	g, err := s.gate(w)
	if err != nil {
		return err
	}
	g.Resume()
	return nil
}

// Suspended reports whether w is parked (or will park at its next cycle).
func (s *Scheduler) Suspended(w Worker) bool {
	g, err := s.gate(w)
	return err == nil && g.Suspended()
}

// Running reports whether the workers have been spawned and not stopped.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Wait blocks until both workers exit.
func (s *Scheduler) Wait() error {
	s.mu.Lock()
	eg := s.eg
	s.mu.Unlock()
	if eg == nil {
		return ErrNotRunning
	}
	return eg.Wait()
}

// Stop cancels the workers, waits for them and then stops the transport.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.cancel()
	werr := s.eg.Wait()
	s.running = false
	terr := s.tr.Stop()
	s.logger.Info("scheduler_stopped")
	return errors.Join(werr, terr)
}
