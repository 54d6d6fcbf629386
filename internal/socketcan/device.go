//go:build linux

package socketcan

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-can-station/internal/can"
	"github.com/kstaniek/go-can-station/internal/transport"
)

// Device is a raw CAN socket bound to one interface. mu keeps the fd open
// for the duration of every read and write.
type Device struct {
	fd      int
	mu      sync.RWMutex
	closed  bool
	closing atomic.Bool
}

// Open binds a raw CAN socket to iface. Reads return transport.ErrReadTimeout
// after readTimeout without traffic.
func Open(iface string, readTimeout time.Duration) (*Device, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 0); err != nil {
		// Older kernels may not know this option; ignore ENOPROTOOPT
		if err != unix.ENOPROTOOPT {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("disable CAN FD: %w", err)
		}
	}
	if readTimeout > 0 {
		tv := unix.NsecToTimeval(readTimeout.Nanoseconds())
		if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("SO_RCVTIMEO: %w", err)
		}
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("if %q: %w", iface, err)
	}
	sa := &unix.SockaddrCAN{Ifindex: ifi.Index}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind(can@%s): %w", iface, err)
	}
	return &Device{fd: fd}, nil
}

// Opener adapts Open to the transport. The bitrate is configured on the
// interface itself (ip link), not on the socket.
func Opener(iface string, readTimeout time.Duration) transport.Opener {
	return func(context.Context, transport.Config) (transport.Device, error) {
		return Open(iface, readTimeout)
	}
}

func (d *Device) Close() error {
	if d.closing.Swap(true) {
		return nil
	}
	// shutdown wakes a reader blocked in read(2) so it drops the read lock
	_ = unix.Shutdown(d.fd, unix.SHUT_RDWR)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return unix.Close(d.fd)
}

// ReadFrame reads one classic CAN data frame from the raw CAN socket. Remote
// and error frames are skipped.
func (d *Device) ReadFrame(fr *can.Frame) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return transport.ErrDeviceClosed
	}
	var buf [FrameSize]byte
	for {
		n, err := unix.Read(d.fd, buf[:])
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return transport.ErrReadTimeout
			}
			if errors.Is(err, unix.EBADF) {
				return transport.ErrDeviceClosed
			}
			return err
		}
		if n <= 0 {
			return transport.ErrDeviceClosed
		}
		if err := Unmarshal(buf[:n], fr); err != nil {
			if errors.Is(err, ErrNotDataFrame) {
				continue
			}
			return err
		}
		return nil
	}
}

// WriteFrame writes one classic CAN frame to the raw CAN socket.
func (d *Device) WriteFrame(fr can.Frame) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return transport.ErrDeviceClosed
	}
	var buf [FrameSize]byte
	Marshal(buf[:], fr)
	_, err := unix.Write(d.fd, buf[:])
	return err
}
