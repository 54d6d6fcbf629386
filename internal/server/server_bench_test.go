package server

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/kstaniek/go-can-station/internal/can"
	"github.com/kstaniek/go-can-station/internal/hub"
	"github.com/kstaniek/go-can-station/internal/logging"
)

// BenchmarkPublishFanout measures Publish with several attached clients
// draining their sockets.
func BenchmarkPublishFanout(b *testing.B) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := hub.New()
	h.OutBufSize = 4096
	srv := NewServer(WithHub(h), WithLogger(logging.Discard()))
	go func() { _ = srv.Serve(ctx) }()
	<-srv.Ready()
	const clients = 4
	for i := 0; i < clients; i++ {
		c := dialAndHandshake(b, ctx, srv.Addr())
		defer c.Close()
		go func() { _, _ = io.Copy(io.Discard, c) }()
	}
	for h.Count() < clients {
		time.Sleep(time.Millisecond)
	}
	fr := can.Frame{ID: 0x123, Len: 8, Data: [8]byte{0, 1, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA}}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		srv.Publish(fr)
	}
}
