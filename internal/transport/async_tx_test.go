package transport

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kstaniek/go-can-station/internal/can"
)

var errWriteFail = errors.New("write fail")

// TestAsyncTxSuccess verifies frames are written in order and OnAfter fires.
func TestAsyncTxSuccess(t *testing.T) {
	var written atomic.Int64
	var lastID atomic.Uint32
	ax := NewAsyncTx(context.Background(), 4, func(fr can.Frame) error {
		written.Add(1)
		return nil
	}, Hooks{OnAfter: func(fr can.Frame) { lastID.Store(fr.ID) }})
	defer ax.Close()
	for i := 1; i <= 3; i++ {
		if err := ax.SendFrame(can.Frame{ID: uint32(i)}); err != nil {
			t.Fatalf("unexpected send error: %v", err)
		}
	}
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) && written.Load() < 3 {
		time.Sleep(5 * time.Millisecond)
	}
	if written.Load() != 3 || lastID.Load() != 3 {
		t.Fatalf("expected 3 written ending with id 3, got written=%d last=%d", written.Load(), lastID.Load())
	}
}

// TestAsyncTxQueueFull ensures a full buffer reports ErrQueueFull without blocking.
func TestAsyncTxQueueFull(t *testing.T) {
	release := make(chan struct{})
	ax := NewAsyncTx(context.Background(), 1, func(fr can.Frame) error { <-release; return nil }, Hooks{})
	defer ax.Close()
	defer close(release)
	// First frame is taken by the worker (blocked in write), second fills the buffer.
	_ = ax.SendFrame(can.Frame{})
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) && ax.Pending() != 0 {
		time.Sleep(time.Millisecond)
	}
	if err := ax.SendFrame(can.Frame{}); err != nil {
		t.Fatalf("second frame should fit the buffer: %v", err)
	}
	start := time.Now()
	if err := ax.SendFrame(can.Frame{}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Fatalf("SendFrame blocked on a full queue")
	}
}

// TestAsyncTxWriteError triggers the OnError hook with the failing frame.
func TestAsyncTxWriteError(t *testing.T) {
	var failedID atomic.Uint32
	ax := NewAsyncTx(context.Background(), 2, func(fr can.Frame) error { return errWriteFail },
		Hooks{OnError: func(fr can.Frame, err error) {
			if errors.Is(err, errWriteFail) {
				failedID.Store(fr.ID)
			}
		}})
	defer ax.Close()
	_ = ax.SendFrame(can.Frame{ID: 0x42})
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) && failedID.Load() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if failedID.Load() != 0x42 {
		t.Fatalf("expected error hook for frame 0x42, got 0x%X", failedID.Load())
	}
}

func TestAsyncTxSendAfterClose(t *testing.T) {
	tx := NewAsyncTx(context.Background(), 2, func(fr can.Frame) error { return nil }, Hooks{})
	tx.Close()
	tx.Close() // idempotent
	if err := tx.SendFrame(can.Frame{ID: 123}); !errors.Is(err, ErrAsyncTxClosed) {
		t.Fatalf("expected ErrAsyncTxClosed, got %v", err)
	}
}

func TestAsyncTxCloseConcurrentSend(t *testing.T) {
	for i := 0; i < 100; i++ {
		ax := NewAsyncTx(context.Background(), 1, func(fr can.Frame) error { return nil }, Hooks{})
		done := make(chan error, 1)
		go func() {
			done <- ax.SendFrame(can.Frame{})
		}()
		time.Sleep(time.Millisecond)
		ax.Close()
		if err := <-done; err != nil && !errors.Is(err, ErrAsyncTxClosed) && !errors.Is(err, ErrQueueFull) {
			t.Fatalf("iteration %d: unexpected send error %v", i, err)
		}
	}
}
