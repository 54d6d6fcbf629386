package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/kstaniek/go-can-station/internal/can"
	"github.com/kstaniek/go-can-station/internal/hub"
	"github.com/kstaniek/go-can-station/internal/metrics"
	"github.com/kstaniek/go-can-station/internal/mqttpub"
	"github.com/kstaniek/go-can-station/internal/sched"
	"github.com/kstaniek/go-can-station/internal/server"
	"github.com/kstaniek/go-can-station/internal/station"
	"github.com/kstaniek/go-can-station/internal/transport"
)

// Helper implementations live in dedicated files: version.go, config.go, logger.go,
// backend.go, status_logger.go, status_http.go, mdns.go.

func main() {
	os.Exit(run())
}

func run() int {
	cfg, showVersion, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if showVersion {
		fmt.Printf("can-station %s (commit %s, built %s)\n", version, commit, date)
		return 0
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)

	id, _ := cfg.outboundID()
	out, err := station.NewOutbound(id, cfg.txExtended)
	if err != nil {
		l.Error("outbound_frame_invalid", "error", err)
		return 2
	}
	started := time.Now()
	st := station.New(started)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup

	open, err := newOpener(cfg, l)
	if err != nil {
		l.Error("backend_init_error", "error", err)
		return 2
	}
	tr := transport.NewQueued(open, cfg.transportConfig(), l)
	s := sched.New(cfg.schedConfig(), tr, out, st, l)

	var srv *server.Server
	if cfg.monitorListen != "" {
		srv = initMonitor(cfg, l)
		// every frame that crosses the device, in either direction
		tr.OnDeviceTx = srv.Publish
		tr.OnDeviceRx = srv.Publish
	}
	var pub atomic.Pointer[mqttpub.Publisher]
	s.OnRx = func(fr can.Frame) {
		if p := pub.Load(); p != nil {
			p.OfferRx(fr)
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		(&station.Stamper{Out: out, Started: started, Interval: cfg.stampInterval, Logger: l}).Run(ctx)
	}()

	if err := s.Start(ctx); err != nil {
		l.Error("transport_not_ready", "error", err, "backend", cfg.backend)
		if cfg.requireBus {
			cancel()
			wg.Wait()
			return 1
		}
		l.Warn("degraded_mode", "reason", "bus unavailable; status reporters only")
	}
	busUp := s.Running

	metrics.SetReadinessFunc(func() bool { return ctx.Err() == nil && s.Running() })
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr, statusHandler(st, busUp))
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}
	startStatusLogger(ctx, cfg.statusInterval, st, busUp, l, &wg)

	if srv != nil {
		go func() {
			if err := srv.Serve(ctx); err != nil {
				l.Error("monitor_server_error", "error", err)
				cancel()
			}
		}()
		go advertise(ctx, cfg, srv, id, l)
	}

	if cfg.mqttURL != "" {
		dctx, dcancel := context.WithTimeout(ctx, 10*time.Second)
		sink, prefix, err := mqttpub.Dial(dctx, cfg.mqttURL, l)
		dcancel()
		if err != nil {
			l.Warn("mqtt_disabled", "error", err)
		} else {
			defer sink.Close()
			p := mqttpub.New(sink, prefix, st, busUp, cfg.mqttInterval, l)
			wg.Add(1)
			go func() { defer wg.Done(); _ = p.Run(ctx) }()
			pub.Store(p)
			l.Info("mqtt_publishing", "status_topic", p.StatusTopic(), "rx_topic", p.RxTopic())
		}
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		l.Info("shutdown_signal", "signal", sig.String())
	case <-ctx.Done():
	}
	cancel()
	if err := s.Stop(); err != nil {
		l.Warn("scheduler_stop_error", "error", err)
	}
	if srv != nil {
		sdCtx, sdCancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := srv.Shutdown(sdCtx); err != nil {
			l.Warn("monitor_shutdown_error", "error", err)
		}
		sdCancel()
	}
	wg.Wait()
	snap := st.Snapshot()
	l.Info("shutdown_complete", "tx_count", snap.TxCount, "rx_count", snap.RxCount, "uptime", snap.Uptime.Truncate(time.Second))
	return 0
}

func initMonitor(cfg *appConfig, l *slog.Logger) *server.Server {
	h := hub.New()
	h.OutBufSize = cfg.monitorBuffer
	h.Policy, _ = hub.ParsePolicy(cfg.monitorPolicy)
	l.Info("monitor_config", "listen", cfg.monitorListen, "policy", h.Policy.String(), "buffer", h.OutBufSize)
	return server.NewServer(
		server.WithListenAddr(cfg.monitorListen),
		server.WithHub(h),
		server.WithLogger(l),
		server.WithMaxClients(cfg.monitorMaxClients),
		server.WithHandshakeTimeout(cfg.handshakeTO),
		server.WithReadDeadline(cfg.monitorReadTO),
	)
}

// advertise registers the monitor via mDNS once the listener is bound.
func advertise(ctx context.Context, cfg *appConfig, srv *server.Server, id uint32, l *slog.Logger) {
	if !cfg.mdnsEnable {
		return
	}
	select {
	case <-srv.Ready():
	case <-ctx.Done():
		return
	}
	port := srv.Port()
	cleanup, err := startMDNS(ctx, cfg, port, id)
	if err != nil {
		l.Warn("mdns_start_failed", "error", err)
		return
	}
	l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", port)
	<-ctx.Done()
	cleanup()
}
