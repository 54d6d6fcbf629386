package cnl

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/kstaniek/go-can-station/internal/can"
	"github.com/kstaniek/go-can-station/internal/metrics"
	"github.com/kstaniek/go-can-station/internal/transport"
)

// frameReadTimeout bounds reading the rest of a frame once its header arrived.
const frameReadTimeout = time.Second

// Device is a cannelloni TCP client connected to a gateway that bridges a
// real bus.
type Device struct {
	conn        net.Conn
	br          *bufio.Reader
	codec       Codec
	readTimeout time.Duration

	wmu     sync.Mutex
	wbuf    bytes.Buffer
	closeMu sync.Once
	closed  chan struct{}
}

// Dial connects to addr and performs the hello exchange.
func Dial(ctx context.Context, addr string, handshakeTimeout, readTimeout time.Duration) (*Device, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	if err := Handshake(ctx, conn, handshakeTimeout); err != nil {
		metrics.IncError(metrics.ErrHandshake)
		_ = conn.Close()
		return nil, err
	}
	return NewDevice(conn, readTimeout), nil
}

// NewDevice wraps an established (post-handshake) connection.
func NewDevice(conn net.Conn, readTimeout time.Duration) *Device {
	if readTimeout <= 0 {
		readTimeout = 100 * time.Millisecond
	}
	return &Device{conn: conn, br: bufio.NewReader(conn), readTimeout: readTimeout, closed: make(chan struct{})}
}

// Opener dials addr on every transport start.
func Opener(addr string, handshakeTimeout, readTimeout time.Duration) transport.Opener {
	return func(ctx context.Context, _ transport.Config) (transport.Device, error) {
		return Dial(ctx, addr, handshakeTimeout, readTimeout)
	}
}

// ReadFrame waits up to the read timeout for a frame header; nothing is
// consumed when it expires so the stream stays aligned.
func (d *Device) ReadFrame(fr *can.Frame) error {
	if err := d.conn.SetReadDeadline(time.Now().Add(d.readTimeout)); err != nil {
		return d.mapErr(err)
	}
	if _, err := d.br.Peek(HeaderSize); err != nil {
		return d.mapErr(err)
	}
	if err := d.conn.SetReadDeadline(time.Now().Add(frameReadTimeout)); err != nil {
		return d.mapErr(err)
	}
	f, err := d.codec.Decode(d.br)
	if err != nil {
		return d.mapErr(err)
	}
	*fr = f
	return nil
}

func (d *Device) mapErr(err error) error {
	select {
	case <-d.closed:
		return transport.ErrDeviceClosed
	default:
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return transport.ErrReadTimeout
	}
	return err
}

func (d *Device) WriteFrame(fr can.Frame) error {
	d.wmu.Lock()
	defer d.wmu.Unlock()
	d.wbuf.Reset()
	if _, err := d.codec.EncodeTo(&d.wbuf, []can.Frame{fr}); err != nil {
		return err
	}
	_, err := d.conn.Write(d.wbuf.Bytes())
	return err
}

func (d *Device) Close() error {
	var err error
	d.closeMu.Do(func() {
		close(d.closed)
		err = d.conn.Close()
	})
	return err
}
