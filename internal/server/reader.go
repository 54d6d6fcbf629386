package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-can-station/internal/can"
	"github.com/kstaniek/go-can-station/internal/hub"
)

// startReader drains what the client sends. The monitor is read-only, so
// decoded frames are counted and dropped; the read also detects disconnects.
func (s *Server) startReader(ctxDone <-chan struct{}, conn net.Conn, cl *hub.Client, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			_ = conn.Close()
			cl.Close() // stop the writer as well
		}()
		for {
			_ = conn.SetReadDeadline(time.Now().Add(s.readDeadline))
			_, err := s.Codec.DecodeN(conn, 16, func(fr can.Frame) {
				s.totalDiscarded.Add(1)
				logger.Debug("client_frame_discarded", "id", fmt.Sprintf("0x%X", fr.ID), "len", fr.Len)
			})
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
					return
				}
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					select {
					case <-ctxDone:
						return
					case <-cl.Closed:
						return
					default:
					}
					continue
				}
				select {
				case <-cl.Closed: // closed by writer or shutdown
					return
				default:
				}
				s.setError(fmt.Errorf("%w: %v", ErrConnRead, err))
				return
			}
			select {
			case <-ctxDone:
				return
			default:
			}
		}
	}()
}
