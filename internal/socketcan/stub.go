//go:build !linux

package socketcan

import (
	"context"
	"errors"
	"time"

	"github.com/kstaniek/go-can-station/internal/transport"
)

// ErrUnsupported is returned on platforms without SocketCAN.
var ErrUnsupported = errors.New("socketcan: only supported on linux")

func Opener(string, time.Duration) transport.Opener {
	return func(context.Context, transport.Config) (transport.Device, error) {
		return nil, ErrUnsupported
	}
}
