package server

import (
	"errors"

	"github.com/kstaniek/go-can-station/internal/metrics"
)

// Failure classes reported on Errors(); match them with errors.Is.
var (
	ErrListen    = errors.New("monitor: listen")
	ErrAccept    = errors.New("monitor: accept")
	ErrHandshake = errors.New("monitor: handshake")
	ErrConnRead  = errors.New("monitor: client read")
	ErrConnWrite = errors.New("monitor: client write")
	ErrShutdown  = errors.New("monitor: shutdown")
)

// errorLabel picks the metrics label for a reported error.
func errorLabel(err error) string {
	if errors.Is(err, ErrConnWrite) {
		return metrics.ErrMonitorWrite
	}
	if errors.Is(err, ErrHandshake) {
		return metrics.ErrHandshake
	}
	return metrics.ErrMonitorRead
}
