package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/go-can-station/internal/hub"
	"github.com/kstaniek/go-can-station/internal/logging"
	"github.com/kstaniek/go-can-station/internal/sched"
	"github.com/kstaniek/go-can-station/internal/station"
	"github.com/kstaniek/go-can-station/internal/transport"
)

const envPrefix = "CAN_STATION_"

// Outbound ids of the two firmware station variants.
var stationIDs = map[string]uint32{"a": 0x123, "b": 0x122}

type appConfig struct {
	station string

	backend      string
	canIf        string
	serialDev    string
	baud         int
	serialReadTO time.Duration
	cnlAddr      string
	handshakeTO  time.Duration

	bitrate    int
	txQueue    int
	rxQueue    int
	rxOverflow string

	txID          string
	txExtended    bool
	txPeriod      time.Duration
	rxPoll        time.Duration
	rxTimeout     time.Duration
	stampInterval time.Duration

	txPriority    int
	rxPriority    int
	cpu           int
	schedPolicy   string
	schedBoost    bool
	startAttempts uint
	startDelay    time.Duration
	requireBus    bool

	logFormat      string
	logLevel       string
	metricsAddr    string
	statusInterval time.Duration

	monitorListen     string
	monitorMaxClients int
	monitorBuffer     int
	monitorPolicy     string
	monitorReadTO     time.Duration
	mdnsEnable        bool
	mdnsName          string

	mqttURL      string
	mqttInterval time.Duration
}

func newFlagSet(c *appConfig) *flag.FlagSet {
	fs := flag.NewFlagSet("can-station", flag.ContinueOnError)
	fs.StringVar(&c.station, "station", "a", "Station preset: a (id 0x123) | b (id 0x122)")

	fs.StringVar(&c.backend, "backend", "socketcan", "Bus backend: socketcan|serial|cannelloni|loopback")
	fs.StringVar(&c.canIf, "can-if", "can0", "SocketCAN interface (when --backend=socketcan)")
	fs.StringVar(&c.serialDev, "serial", "/dev/ttyUSB0", "Serial device path (when --backend=serial)")
	fs.IntVar(&c.baud, "baud", 115200, "Serial baud rate")
	fs.DurationVar(&c.serialReadTO, "serial-read-timeout", 50*time.Millisecond, "Device read timeout (serial, socketcan, cannelloni)")
	fs.StringVar(&c.cnlAddr, "cnl-addr", "", "Cannelloni gateway host:port (when --backend=cannelloni)")
	fs.DurationVar(&c.handshakeTO, "handshake-timeout", 3*time.Second, "Cannelloni handshake timeout (gateway and monitor clients)")

	fs.IntVar(&c.bitrate, "bitrate", transport.DefaultBitrate, "Bus bitrate (informational for socketcan, configured on the link)")
	fs.IntVar(&c.txQueue, "tx-queue", transport.DefaultQueueSize, "Outbound queue capacity (frames)")
	fs.IntVar(&c.rxQueue, "rx-queue", transport.DefaultQueueSize, "Inbound queue capacity (frames)")
	fs.StringVar(&c.rxOverflow, "rx-overflow", "drop-oldest", "Inbound overflow policy: drop-oldest|drop-newest")

	fs.StringVar(&c.txID, "tx-id", "", "Outbound frame id (default from --station)")
	fs.BoolVar(&c.txExtended, "tx-extended", false, "Send the outbound frame with a 29-bit id")
	fs.DurationVar(&c.txPeriod, "tx-period", 1500*time.Millisecond, "Transmit cadence")
	fs.DurationVar(&c.rxPoll, "rx-poll", 500*time.Millisecond, "Receive poll delay between cycles")
	fs.DurationVar(&c.rxTimeout, "rx-timeout", 500*time.Millisecond, "Receive wait per cycle")
	fs.DurationVar(&c.stampInterval, "stamp-interval", 100*time.Millisecond, "Uptime stamp update interval")

	fs.IntVar(&c.txPriority, "tx-priority", 3, "Transmit worker priority (must exceed rx-priority)")
	fs.IntVar(&c.rxPriority, "rx-priority", 1, "Receive worker priority")
	fs.IntVar(&c.cpu, "cpu", -1, "Pin both workers to this CPU (-1 = no pinning)")
	fs.StringVar(&c.schedPolicy, "sched-policy", "nice", "Worker thread priority policy: nice|fifo")
	fs.BoolVar(&c.schedBoost, "sched-boost", false, "Also try negative nice values for positive priorities (needs CAP_SYS_NICE)")
	fs.UintVar(&c.startAttempts, "start-attempts", 3, "Transport start attempts at bring-up")
	fs.DurationVar(&c.startDelay, "start-delay", time.Second, "Delay between transport start attempts")
	fs.BoolVar(&c.requireBus, "require-bus", false, "Exit when the bus cannot be started (default: keep status reporters running)")

	fs.StringVar(&c.logFormat, "log-format", "text", "Log format: text|json")
	fs.StringVar(&c.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.StringVar(&c.metricsAddr, "metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	fs.DurationVar(&c.statusInterval, "status-interval", 0, "If >0, periodically log a status snapshot")

	fs.StringVar(&c.monitorListen, "monitor-listen", "", "Bus monitor TCP listen address (e.g., :20000); empty disables")
	fs.IntVar(&c.monitorMaxClients, "monitor-max-clients", 0, "Maximum simultaneous monitor clients (0 = unlimited)")
	fs.IntVar(&c.monitorBuffer, "monitor-buffer", 512, "Per-client monitor buffer (frames)")
	fs.StringVar(&c.monitorPolicy, "monitor-policy", "drop", "Monitor backpressure policy: drop|kick")
	fs.DurationVar(&c.monitorReadTO, "monitor-read-timeout", 60*time.Second, "Per-connection read deadline for monitor clients")
	fs.BoolVar(&c.mdnsEnable, "mdns-enable", false, "Advertise the bus monitor via mDNS")
	fs.StringVar(&c.mdnsName, "mdns-name", "", "mDNS instance name (default can-station-<hostname>)")

	fs.StringVar(&c.mqttURL, "mqtt-url", "", "MQTT broker URL (mqtt://[user:pass@]host:port/prefix?client-id=x); empty disables")
	fs.DurationVar(&c.mqttInterval, "mqtt-interval", 5*time.Second, "MQTT status publish interval")
	return fs
}

// parseFlags parses args, applies CAN_STATION_* overrides for flags not set
// explicitly and validates the result.
func parseFlags(args []string, output io.Writer) (*appConfig, bool, error) {
	cfg := &appConfig{}
	fs := newFlagSet(cfg)
	fs.SetOutput(output)
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}
	if *showVersion {
		return cfg, true, nil
	}
	// Track which flags were explicitly set to give them precedence over env.
	set := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = struct{}{} })
	if err := applyEnvOverrides(fs, set, os.LookupEnv); err != nil {
		return nil, false, fmt.Errorf("environment override error: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, false, fmt.Errorf("configuration error: %w", err)
	}
	return cfg, false, nil
}

// envName maps a flag name to its environment variable (tx-period -> CAN_STATION_TX_PERIOD).
func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// applyEnvOverrides sets every flag that was not given on the command line
// from its CAN_STATION_* variable. Empty values are ignored; the first parse
// error is returned.
func applyEnvOverrides(fs *flag.FlagSet, set map[string]struct{}, lookup func(string) (string, bool)) error {
	var firstErr error
	fs.VisitAll(func(f *flag.Flag) {
		if _, ok := set[f.Name]; ok || f.Name == "version" {
			return
		}
		v, ok := lookup(envName(f.Name))
		v = strings.TrimSpace(v)
		if !ok || v == "" {
			return
		}
		if b, ok := f.Value.(interface{ IsBoolFlag() bool }); ok && b.IsBoolFlag() {
			switch strings.ToLower(v) {
			case "yes", "on":
				v = "true"
			case "no", "off":
				v = "false"
			}
		}
		if err := fs.Set(f.Name, v); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("invalid %s: %w", envName(f.Name), err)
		}
	})
	return firstErr
}

// outboundID resolves the outbound id from --tx-id or the station preset.
func (c *appConfig) outboundID() (uint32, error) {
	if c.txID == "" {
		id, ok := stationIDs[strings.ToLower(c.station)]
		if !ok {
			return 0, fmt.Errorf("invalid station: %s (use a|b)", c.station)
		}
		return id, nil
	}
	id, err := strconv.ParseUint(c.txID, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid tx-id %q: %w", c.txID, err)
	}
	return uint32(id), nil
}

func (c *appConfig) overflowPolicy() transport.OverflowPolicy {
	p, _ := transport.ParseOverflowPolicy(c.rxOverflow)
	return p
}

func (c *appConfig) transportConfig() transport.Config {
	return transport.Config{Bitrate: c.bitrate, TxQueue: c.txQueue, RxQueue: c.rxQueue, RxOverflow: c.overflowPolicy()}
}

func (c *appConfig) schedConfig() sched.Config {
	policy, _ := sched.ParsePolicy(c.schedPolicy)
	return sched.Config{
		TxPeriod:      c.txPeriod,
		RxPoll:        c.rxPoll,
		RxTimeout:     c.rxTimeout,
		Tx:            sched.Thread{CPU: c.cpu, Priority: c.txPriority, Policy: policy, Boost: c.schedBoost},
		Rx:            sched.Thread{CPU: c.cpu, Priority: c.rxPriority, Policy: policy, Boost: c.schedBoost},
		StartAttempts: c.startAttempts,
		StartDelay:    c.startDelay,
	}
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices or listeners, only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	if _, err := logging.ParseLevel(c.logLevel); err != nil {
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.backend {
	case "socketcan", "loopback":
	case "serial":
		if c.baud <= 0 {
			return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
		}
	case "cannelloni":
		if c.cnlAddr == "" {
			return errors.New("cnl-addr is required for the cannelloni backend")
		}
	default:
		return fmt.Errorf("invalid backend: %s", c.backend)
	}
	if c.serialReadTO <= 0 {
		return errors.New("serial-read-timeout must be > 0")
	}
	if c.handshakeTO <= 0 {
		return errors.New("handshake-timeout must be > 0")
	}
	if c.txQueue <= 0 || c.rxQueue <= 0 {
		return fmt.Errorf("tx-queue and rx-queue must be > 0 (got %d, %d)", c.txQueue, c.rxQueue)
	}
	if _, err := transport.ParseOverflowPolicy(c.rxOverflow); err != nil {
		return err
	}
	id, err := c.outboundID()
	if err != nil {
		return err
	}
	if _, err := station.NewOutbound(id, c.txExtended); err != nil {
		return fmt.Errorf("tx-id 0x%X (extended=%v): %w", id, c.txExtended, err)
	}
	if _, err := sched.ParsePolicy(c.schedPolicy); err != nil {
		return err
	}
	if c.stampInterval <= 0 {
		return errors.New("stamp-interval must be > 0")
	}
	if c.startAttempts == 0 {
		return errors.New("start-attempts must be >= 1")
	}
	if err := c.schedConfig().Validate(); err != nil {
		return err
	}
	if _, err := hub.ParsePolicy(c.monitorPolicy); err != nil {
		return err
	}
	if c.monitorBuffer <= 0 {
		return fmt.Errorf("monitor-buffer must be > 0 (got %d)", c.monitorBuffer)
	}
	if c.monitorMaxClients < 0 {
		return errors.New("monitor-max-clients must be >= 0")
	}
	if c.monitorReadTO <= 0 {
		return errors.New("monitor-read-timeout must be > 0")
	}
	if c.statusInterval < 0 || c.mqttInterval < 0 {
		return errors.New("status-interval and mqtt-interval must be >= 0")
	}
	return nil
}
