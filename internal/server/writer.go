package server

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-can-station/internal/can"
	"github.com/kstaniek/go-can-station/internal/hub"
	"github.com/kstaniek/go-can-station/internal/metrics"
)

// batch accumulates frames for one client and writes them in one call.
type batch struct {
	enc    FrameEncoder
	conn   net.Conn
	frames []can.Frame
}

func (b *batch) add(fr can.Frame) (full bool) {
	b.frames = append(b.frames, fr)
	return len(b.frames) == cap(b.frames)
}

func (b *batch) flush() error {
	n := len(b.frames)
	if n == 0 {
		return nil
	}
	_, err := b.enc.EncodeTo(b.conn, b.frames)
	b.frames = b.frames[:0]
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnWrite, err)
	}
	metrics.AddMonitorTx(n)
	return nil
}

// startWriter streams hub frames to one client. A batch goes out when it is
// full or when the flush interval ticks, whichever comes first.
func (s *Server) startWriter(ctxDone <-chan struct{}, conn net.Conn, cl *hub.Client, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			_ = conn.Close()
			s.forget(cl)
			s.totalDisconnected.Add(1)
			logger.Info("client_disconnected")
		}()
		b := &batch{enc: s.Codec, conn: conn, frames: make([]can.Frame, 0, s.batchSize)}
		tick := time.NewTicker(s.flushInterval)
		defer tick.Stop()
		var err error
		for err == nil {
			select {
			case fr := <-cl.Out:
				if b.add(fr) {
					err = b.flush()
				}
			case <-tick.C:
				err = b.flush()
			case <-cl.Closed:
				return
			case <-ctxDone:
				_ = b.flush()
				return
			}
		}
		select {
		case <-cl.Closed: // kicked or shut down while writing
		default:
			s.setError(err)
		}
	}()
}
