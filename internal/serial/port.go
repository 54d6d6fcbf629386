package serial

import (
	"fmt"
	"time"

	"github.com/tarm/serial"
)

// Port is the byte stream under the UART codec; tests substitute fakes.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Open opens name as 8N1 at baud. Reads return after readTimeout with zero
// bytes when the line is idle.
func Open(name string, baud int, readTimeout time.Duration) (Port, error) {
	p, err := serial.OpenPort(&serial.Config{
		Name:        name,
		Baud:        baud,
		ReadTimeout: readTimeout,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
	})
	if err != nil {
		return nil, fmt.Errorf("serial open %s: %w", name, err)
	}
	return p, nil
}
