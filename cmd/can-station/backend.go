package main

import (
	"fmt"
	"log/slog"

	"github.com/kstaniek/go-can-station/internal/cnl"
	"github.com/kstaniek/go-can-station/internal/serial"
	"github.com/kstaniek/go-can-station/internal/socketcan"
	"github.com/kstaniek/go-can-station/internal/transport"
)

// Hooks for tests.
var (
	socketcanOpener  = socketcan.Opener
	serialOpener     = serial.Opener
	cannelloniOpener = cnl.Opener
)

// newOpener selects the device behind the transport. Nothing is opened
// until the transport starts.
func newOpener(cfg *appConfig, l *slog.Logger) (transport.Opener, error) {
	switch cfg.backend {
	case "socketcan":
		l.Info("backend", "kind", "socketcan", "if", cfg.canIf, "bitrate", cfg.bitrate)
		return socketcanOpener(cfg.canIf, cfg.serialReadTO), nil
	case "serial":
		l.Info("backend", "kind", "serial", "device", cfg.serialDev, "baud", cfg.baud)
		return serialOpener(cfg.serialDev, cfg.baud, cfg.serialReadTO), nil
	case "cannelloni":
		l.Info("backend", "kind", "cannelloni", "addr", cfg.cnlAddr)
		return cannelloniOpener(cfg.cnlAddr, cfg.handshakeTO, cfg.serialReadTO), nil
	case "loopback":
		l.Info("backend", "kind", "loopback")
		return transport.LoopbackOpener(cfg.serialReadTO), nil
	default:
		return nil, fmt.Errorf("unknown backend %q (use socketcan|serial|cannelloni|loopback)", cfg.backend)
	}
}
