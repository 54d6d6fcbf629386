package sched

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kstaniek/go-can-station/internal/can"
	"github.com/kstaniek/go-can-station/internal/station"
	"github.com/kstaniek/go-can-station/internal/transport"
)

func testConfig() Config {
	return Config{
		TxPeriod:      20 * time.Millisecond,
		RxPoll:        2 * time.Millisecond,
		RxTimeout:     5 * time.Millisecond,
		Tx:            Thread{CPU: -1, Priority: 0},
		Rx:            Thread{CPU: -1, Priority: -1},
		StartAttempts: 1,
	}
}

// deadTransport never starts and counts every call.
type deadTransport struct {
	starts, sends, receives atomic.Int32
}

func (d *deadTransport) Configure(transport.Config) error { return nil }
func (d *deadTransport) Start(context.Context) error {
	d.starts.Add(1)
	return errors.New("no bus")
}
func (d *deadTransport) Send(can.Frame) error { d.sends.Add(1); return transport.ErrNotStarted }
func (d *deadTransport) Receive(context.Context, time.Duration) (can.Frame, error) {
	d.receives.Add(1)
	return can.Frame{}, transport.ErrNotStarted
}
func (d *deadTransport) Stop() error { return nil }

func TestConfigValidate(t *testing.T) {
	require.NoError(t, testConfig().Validate())

	c := testConfig()
	c.Rx.Priority = c.Tx.Priority
	require.Error(t, c.Validate(), "equal priorities")

	c = testConfig()
	c.TxPeriod = 0
	require.Error(t, c.Validate())

	c = testConfig()
	c.RxPoll = -time.Millisecond
	require.Error(t, c.Validate())
}

func TestSchedulerStartFailureSpawnsNothing(t *testing.T) {
	tr := &deadTransport{}
	cfg := testConfig()
	cfg.StartAttempts = 3
	s := New(cfg, tr, newOutbound(t), station.New(time.Now()), quietLogger())

	err := s.Start(context.Background())
	require.ErrorIs(t, err, ErrTransportNotReady)
	require.Equal(t, int32(3), tr.starts.Load())
	require.False(t, s.Running())
	require.ErrorIs(t, s.Wait(), ErrNotRunning)

	time.Sleep(3 * cfg.TxPeriod)
	require.Zero(t, tr.sends.Load())
	require.Zero(t, tr.receives.Load())
	require.NoError(t, s.Stop())
}

func TestSchedulerStartRetriesUntilReady(t *testing.T) {
	var calls atomic.Int32
	open := func(ctx context.Context, cfg transport.Config) (transport.Device, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("interface down")
		}
		return transport.NewLoopback(cfg.RxQueue, 5*time.Millisecond), nil
	}
	tr := transport.NewQueued(open, transport.Config{}, quietLogger())
	cfg := testConfig()
	cfg.StartAttempts = 5
	s := New(cfg, tr, newOutbound(t), station.New(time.Now()), quietLogger())
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	require.Equal(t, int32(3), calls.Load())
	require.True(t, s.Running())
	require.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)
}

func TestSchedulerLoopbackExchange(t *testing.T) {
	tr := transport.NewQueued(transport.LoopbackOpener(5*time.Millisecond), transport.Config{}, quietLogger())
	out := newOutbound(t)
	st := station.New(time.Now())
	s := New(testConfig(), tr, out, st, quietLogger())
	var onRx atomic.Int32
	s.OnRx = func(can.Frame) { onRx.Add(1) }

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return st.Snapshot().RxCount >= 3 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop())

	snap := st.Snapshot()
	require.GreaterOrEqual(t, snap.TxCount, snap.RxCount)
	require.Equal(t, out.Load(), snap.LastRx)
	require.Equal(t, int32(snap.RxCount), onRx.Load())
	require.False(t, s.Running())

	// transport is stopped with the scheduler
	require.ErrorIs(t, tr.Send(out.Load()), transport.ErrNotStarted)
}

func TestSchedulerSuspendResume(t *testing.T) {
	tr := transport.NewQueued(transport.LoopbackOpener(5*time.Millisecond), transport.Config{}, quietLogger())
	st := station.New(time.Now())
	cfg := testConfig()
	s := New(cfg, tr, newOutbound(t), st, quietLogger())
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool { return st.Snapshot().TxCount >= 2 }, 2*time.Second, time.Millisecond)
	require.NoError(t, s.Suspend(Tx))
	require.True(t, s.Suspended(Tx))
	// let an in-flight cycle finish
	time.Sleep(2 * cfg.TxPeriod)
	parked := st.Snapshot().TxCount
	time.Sleep(5 * cfg.TxPeriod)
	require.Equal(t, parked, st.Snapshot().TxCount)

	require.NoError(t, s.Resume(Tx))
	require.False(t, s.Suspended(Tx))
	require.Eventually(t, func() bool { return st.Snapshot().TxCount > parked }, 2*time.Second, time.Millisecond)

	require.ErrorIs(t, s.Suspend(Worker("display")), ErrUnknownWorker)
}

func TestSchedulerStopWhileSuspended(t *testing.T) {
	tr := transport.NewQueued(transport.LoopbackOpener(5*time.Millisecond), transport.Config{}, quietLogger())
	s := New(testConfig(), tr, newOutbound(t), station.New(time.Now()), quietLogger())
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Suspend(Tx))
	require.NoError(t, s.Suspend(Rx))
	time.Sleep(30 * time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- s.Stop() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("stop blocked on suspended workers")
	}
}

func TestConfigThreadsShareTop(t *testing.T) {
	c := testConfig()
	c.Tx.Priority, c.Rx.Priority = 3, 1
	tx, rx := c.threads()
	require.Equal(t, 3, tx.Top)
	require.Equal(t, 3, rx.Top)
	require.Equal(t, 0, niceFor(tx.Priority, tx.Top))
	require.Equal(t, 10, niceFor(rx.Priority, rx.Top))
}
