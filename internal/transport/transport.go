package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kstaniek/go-can-station/internal/can"
)

// Sentinel errors. ErrQueueFull and ErrTimeout are transient steady-state
// conditions; ErrNotStarted means the transport is not usable.
var (
	ErrNotStarted   = errors.New("transport: not started")
	ErrQueueFull    = errors.New("transport: outbound queue full")
	ErrTimeout      = errors.New("transport: receive timeout")
	ErrBusy         = errors.New("transport: cannot configure while started")
	ErrReadTimeout  = errors.New("transport: device read timeout")
	ErrDeviceClosed = errors.New("transport: device closed")
)

// Transport is the bus abstraction consumed by the workers. Send never blocks
// and Receive waits at most timeout.
type Transport interface {
	Configure(Config) error
	Start(ctx context.Context) error
	Send(can.Frame) error
	Receive(ctx context.Context, timeout time.Duration) (can.Frame, error)
	Stop() error
}

// Device is a raw bus endpoint. ReadFrame must return within a bounded time;
// an idle read returns ErrReadTimeout (or an error satisfying os.IsTimeout).
type Device interface {
	ReadFrame(*can.Frame) error
	WriteFrame(can.Frame) error
	Close() error
}

// Opener creates the device when the transport starts.
type Opener func(ctx context.Context, cfg Config) (Device, error)

// OverflowPolicy decides which frame is lost when the inbound queue is full.
type OverflowPolicy int

const (
	// DropOldest evicts the oldest queued frame so the newest is always kept.
	DropOldest OverflowPolicy = iota
	// DropNewest keeps the queue as is and discards the arriving frame.
	DropNewest
)

func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop-oldest"
	case DropNewest:
		return "drop-newest"
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// ParseOverflowPolicy accepts drop-oldest|drop-newest.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch s {
	case "drop-oldest", "oldest":
		return DropOldest, nil
	case "drop-newest", "newest":
		return DropNewest, nil
	}
	return DropOldest, fmt.Errorf("unknown overflow policy %q (use drop-oldest|drop-newest)", s)
}

const (
	DefaultQueueSize = 10
	DefaultBitrate   = 500000
)

// Config holds bus parameters. Zero values fall back to the defaults.
type Config struct {
	Bitrate    int
	TxQueue    int
	RxQueue    int
	RxOverflow OverflowPolicy
}

func (c Config) withDefaults() Config {
	if c.Bitrate <= 0 {
		c.Bitrate = DefaultBitrate
	}
	if c.TxQueue <= 0 {
		c.TxQueue = DefaultQueueSize
	}
	if c.RxQueue <= 0 {
		c.RxQueue = DefaultQueueSize
	}
	return c
}

// IsTimeout reports whether a device error is an idle read.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrReadTimeout) || os.IsTimeout(err)
}
