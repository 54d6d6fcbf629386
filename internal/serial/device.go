package serial

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/kstaniek/go-can-station/internal/can"
	"github.com/kstaniek/go-can-station/internal/transport"
)

// openPort is swapped in tests.
var openPort = Open

// Device adapts an Ampio CAN-UART port to transport.Device. Reads are bounded
// by the port read timeout; a timeout with no complete frame is reported as
// transport.ErrReadTimeout.
type Device struct {
	port  Port
	codec Codec

	rmu     sync.Mutex // guards buf and pending (single reader in practice)
	buf     bytes.Buffer
	pending []can.Frame
	chunk   []byte

	closeOnce sync.Once
	closed    chan struct{}
}

// NewDevice wraps an already open port.
func NewDevice(p Port) *Device {
	return &Device{port: p, chunk: make([]byte, 256), closed: make(chan struct{})}
}

// Opener opens name at baud on every transport start.
func Opener(name string, baud int, readTimeout time.Duration) transport.Opener {
	return func(context.Context, transport.Config) (transport.Device, error) {
		p, err := openPort(name, baud, readTimeout)
		if err != nil {
			return nil, fmt.Errorf("open serial %s: %w", name, err)
		}
		return NewDevice(p), nil
	}
}

func (d *Device) ReadFrame(fr *can.Frame) error {
	d.rmu.Lock()
	defer d.rmu.Unlock()
	if d.pop(fr) {
		return nil
	}
	select {
	case <-d.closed:
		return transport.ErrDeviceClosed
	default:
	}
	n, err := d.port.Read(d.chunk)
	if n > 0 {
		d.buf.Write(d.chunk[:n])
		_ = d.codec.DecodeStream(&d.buf, func(f can.Frame) { d.pending = append(d.pending, f) })
	}
	if d.pop(fr) {
		return nil
	}
	switch {
	case err == nil, errors.Is(err, io.EOF):
		// tarm/serial reports an expired read timeout as 0 bytes / EOF
		return transport.ErrReadTimeout
	default:
		select {
		case <-d.closed:
			return transport.ErrDeviceClosed
		default:
		}
		return err
	}
}

func (d *Device) pop(fr *can.Frame) bool {
	if len(d.pending) == 0 {
		return false
	}
	*fr = d.pending[0]
	d.pending = d.pending[1:]
	return true
}

func (d *Device) WriteFrame(fr can.Frame) error {
	_, err := d.port.Write(d.codec.Encode(fr))
	return err
}

func (d *Device) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.closed)
		err = d.port.Close()
	})
	return err
}
