package station

import (
	"context"
	"encoding/binary"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-can-station/internal/can"
)

// PadByte fills unused payload bytes of the outbound frame.
const PadByte = 0xAA

// Outbound holds the frame the transmit worker sends. Updates copy the
// current frame, modify the copy and swap it in, so the transmitter never
// waits and never sees a partially written payload.
type Outbound struct {
	p atomic.Pointer[can.Frame]
}

// NewOutbound builds the initial outbound frame: length 8 padded with PadByte.
func NewOutbound(id uint32, extended bool) (*Outbound, error) {
	fr := can.Frame{ID: id, Extended: extended, Len: can.MaxDataLen}
	for i := range fr.Data {
		fr.Data[i] = PadByte
	}
	if err := fr.Validate(); err != nil {
		return nil, err
	}
	o := &Outbound{}
	o.p.Store(&fr)
	return o, nil
}

// Load returns a copy of the current frame.
func (o *Outbound) Load() can.Frame { return *o.p.Load() }

// Store replaces the frame after validating it.
func (o *Outbound) Store(fr can.Frame) error {
	if err := fr.Validate(); err != nil {
		return err
	}
	o.p.Store(&fr)
	return nil
}

// Update applies fn to a copy of the current frame and publishes it. With
// concurrent updaters the loser retries on the fresh value.
func (o *Outbound) Update(fn func(*can.Frame)) error {
	for {
		cur := o.p.Load()
		next := *cur
		fn(&next)
		if err := next.Validate(); err != nil {
			return err
		}
		if o.p.CompareAndSwap(cur, &next) {
			return nil
		}
	}
}

// Stamper writes the uptime in whole seconds (big-endian, wrapping at 16
// bits) into bytes 0..1 of the outbound frame.
type Stamper struct {
	Out      *Outbound
	Started  time.Time
	Interval time.Duration
	Now      func() time.Time
	Logger   *slog.Logger
}

// StampUptime writes uptime into fr.
func StampUptime(fr *can.Frame, uptime time.Duration) {
	binary.BigEndian.PutUint16(fr.Data[0:2], uint16(uptime/time.Second))
}

// Run stamps every Interval until ctx ends.
func (s *Stamper) Run(ctx context.Context) {
	now := s.Now
	if now == nil {
		now = time.Now
	}
	iv := s.Interval
	if iv <= 0 {
		iv = 100 * time.Millisecond
	}
	t := time.NewTicker(iv)
	defer t.Stop()
	for {
		up := now().Sub(s.Started)
		if err := s.Out.Update(func(fr *can.Frame) { StampUptime(fr, up) }); err != nil && s.Logger != nil {
			s.Logger.Warn("uptime_stamp_failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
