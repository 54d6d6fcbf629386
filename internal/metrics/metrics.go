package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-can-station/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus collectors
var (
	TxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tx_frames_total",
		Help: "Total frames accepted by the transport from the transmit worker.",
	})
	TxQueueFull = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tx_queue_full_total",
		Help: "Transmit cycles rejected because the outbound queue was full.",
	})
	TxOverruns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tx_overruns_total",
		Help: "Transmit cycles whose work ran past the next absolute wake time.",
	})
	TxWakeLateness = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tx_wake_lateness_seconds",
		Help:    "Delay between the scheduled absolute wake time and the actual wake-up.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1},
	})
	DeviceTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "device_tx_frames_total",
		Help: "Total frames written to the bus device.",
	})
	RxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rx_frames_total",
		Help: "Total frames published by the receive worker.",
	})
	RxIdle = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rx_idle_polls_total",
		Help: "Receive cycles that timed out without a frame.",
	})
	RxDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rx_dropped_frames_total",
		Help: "Inbound frames dropped by the transport because the inbound queue was full.",
	})
	DeviceRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "device_rx_frames_total",
		Help: "Total frames read from the bus device.",
	})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total rejected malformed frames (invalid length, identifier width, checksum).",
	})
	TransportUp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "transport_up",
		Help: "1 while the bus transport is started.",
	})
	WorkerRunning = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "worker_running",
		Help: "1 while the worker is running (0 when suspended or stopped).",
	}, []string{"worker"})
	MonitorClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "monitor_clients",
		Help: "Current number of connected bus monitor clients.",
	})
	MonitorDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "monitor_dropped_frames_total",
		Help: "Frames dropped for slow monitor clients.",
	})
	MonitorKicked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "monitor_kicked_clients_total",
		Help: "Monitor clients disconnected by the kick backpressure policy.",
	})
	MonitorRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "monitor_rejected_clients_total",
		Help: "Monitor connection attempts rejected (e.g., max-clients).",
	})
	MonitorTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "monitor_tx_frames_total",
		Help: "Frames written to monitor clients.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrTxSend         = "tx_send"
	ErrRxReceive      = "rx_receive"
	ErrDeviceWrite    = "device_write"
	ErrDeviceRead     = "device_read"
	ErrTransportStart = "transport_start"
	ErrMonitorRead    = "monitor_read"
	ErrMonitorWrite   = "monitor_write"
	ErrHandshake      = "handshake"
	ErrMQTTPublish    = "mqtt_publish"
	ErrSched          = "sched"
)

// Worker label values.
const (
	WorkerTx = "tx"
	WorkerRx = "rx"
)

// StartHTTP serves /metrics and /ready, plus /status when status is non-nil.
func StartHTTP(addr string, status http.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})
	if status != nil {
		mux.Handle("/status", status)
	}

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for logging and tests (no scraping in-process)
var (
	localTxFrames    uint64
	localTxQueueFull uint64
	localTxOverruns  uint64
	localDevTx       uint64
	localRxFrames    uint64
	localRxIdle      uint64
	localRxDropped   uint64
	localDevRx       uint64
	localMalformed   uint64
	localErrors      uint64
	localMonClients  uint64
	localMonDrops    uint64
	localMonKicks    uint64
	localMonRejects  uint64
	localMonTx       uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	TxFrames       uint64
	TxQueueFull    uint64
	TxOverruns     uint64
	DeviceTx       uint64
	RxFrames       uint64
	RxIdle         uint64
	RxDropped      uint64
	DeviceRx       uint64
	Malformed      uint64
	Errors         uint64 // sum across error labels
	MonitorClients uint64
	MonitorDrops   uint64
	MonitorKicks   uint64
	MonitorRejects uint64
	MonitorTx      uint64
}

func Snap() Snapshot {
	return Snapshot{
		TxFrames:       atomic.LoadUint64(&localTxFrames),
		TxQueueFull:    atomic.LoadUint64(&localTxQueueFull),
		TxOverruns:     atomic.LoadUint64(&localTxOverruns),
		DeviceTx:       atomic.LoadUint64(&localDevTx),
		RxFrames:       atomic.LoadUint64(&localRxFrames),
		RxIdle:         atomic.LoadUint64(&localRxIdle),
		RxDropped:      atomic.LoadUint64(&localRxDropped),
		DeviceRx:       atomic.LoadUint64(&localDevRx),
		Malformed:      atomic.LoadUint64(&localMalformed),
		Errors:         atomic.LoadUint64(&localErrors),
		MonitorClients: atomic.LoadUint64(&localMonClients),
		MonitorDrops:   atomic.LoadUint64(&localMonDrops),
		MonitorKicks:   atomic.LoadUint64(&localMonKicks),
		MonitorRejects: atomic.LoadUint64(&localMonRejects),
		MonitorTx:      atomic.LoadUint64(&localMonTx),
	}
}

func IncTx() {
	TxFrames.Inc()
	atomic.AddUint64(&localTxFrames, 1)
}

func IncTxQueueFull() {
	TxQueueFull.Inc()
	atomic.AddUint64(&localTxQueueFull, 1)
}

// IncTxOverrun counts a transmit cycle that missed its wake time.
func IncTxOverrun() {
	TxOverruns.Inc()
	atomic.AddUint64(&localTxOverruns, 1)
}

// ObserveWakeLateness records how late the transmit worker woke, in seconds.
func ObserveWakeLateness(sec float64) {
	if sec < 0 {
		sec = 0
	}
	TxWakeLateness.Observe(sec)
}

func IncDeviceTx() {
	DeviceTxFrames.Inc()
	atomic.AddUint64(&localDevTx, 1)
}

func IncRx() {
	RxFrames.Inc()
	atomic.AddUint64(&localRxFrames, 1)
}

func IncRxIdle() {
	RxIdle.Inc()
	atomic.AddUint64(&localRxIdle, 1)
}

// IncRxDropped counts an inbound frame discarded by the overflow policy.
func IncRxDropped() {
	RxDropped.Inc()
	atomic.AddUint64(&localRxDropped, 1)
}

func IncDeviceRx() {
	DeviceRxFrames.Inc()
	atomic.AddUint64(&localDevRx, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func SetTransportUp(up bool) {
	if up {
		TransportUp.Set(1)
		return
	}
	TransportUp.Set(0)
}

func SetWorkerRunning(worker string, running bool) {
	v := 0.0
	if running {
		v = 1
	}
	WorkerRunning.WithLabelValues(worker).Set(v)
}

func SetMonitorClients(n int) {
	MonitorClients.Set(float64(n))
	atomic.StoreUint64(&localMonClients, uint64(n))
}

func IncMonitorDrop() {
	MonitorDropped.Inc()
	atomic.AddUint64(&localMonDrops, 1)
}

func IncMonitorKick() {
	MonitorKicked.Inc()
	atomic.AddUint64(&localMonKicks, 1)
}

func IncMonitorReject() {
	MonitorRejected.Inc()
	atomic.AddUint64(&localMonRejects, 1)
}

func AddMonitorTx(n int) {
	MonitorTxFrames.Add(float64(n))
	atomic.AddUint64(&localMonTx, uint64(n))
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{
		ErrTxSend, ErrRxReceive, ErrDeviceWrite, ErrDeviceRead, ErrTransportStart,
		ErrMonitorRead, ErrMonitorWrite, ErrHandshake, ErrMQTTPublish, ErrSched,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
	for _, w := range []string{WorkerTx, WorkerRx} {
		WorkerRunning.WithLabelValues(w).Set(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // not set yet: report ready so probes don't flap during bring-up
		return true
	}
	return fn()
}
