package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-can-station/internal/metrics"
	"github.com/kstaniek/go-can-station/internal/station"
)

// startStatusLogger periodically logs the station snapshot next to the
// transport and monitor counters (for setups without Prometheus).
func startStatusLogger(ctx context.Context, interval time.Duration, st *station.State, busUp func() bool, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := st.Snapshot()
				m := metrics.Snap()
				l.Info("status_snapshot",
					"bus_up", busUp(),
					"uptime", snap.Uptime.Truncate(time.Second),
					"tx_count", snap.TxCount,
					"tx_queue_full", snap.TxQueueFull,
					"tx_overruns", snap.TxOverruns,
					"rx_count", snap.RxCount,
					"rx_idle", snap.RxIdle,
					"malformed", snap.Malformed,
					"rx_dropped", m.RxDropped,
					"monitor_clients", m.MonitorClients,
					"monitor_drops", m.MonitorDrops,
					"errors", m.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
