package main

import (
	"io"
	"testing"
	"time"

	"github.com/kstaniek/go-can-station/internal/hub"
	"github.com/kstaniek/go-can-station/internal/sched"
	"github.com/kstaniek/go-can-station/internal/transport"
)

func baseConfig() *appConfig {
	return &appConfig{
		station: "a", backend: "loopback", canIf: "can0", serialDev: "/dev/null", baud: 115200,
		serialReadTO: 10 * time.Millisecond, handshakeTO: time.Second,
		bitrate: 500000, txQueue: 10, rxQueue: 10, rxOverflow: "drop-oldest",
		txPeriod: 1500 * time.Millisecond, rxPoll: 500 * time.Millisecond, rxTimeout: 500 * time.Millisecond,
		stampInterval: 100 * time.Millisecond, txPriority: 3, rxPriority: 1, cpu: -1, schedPolicy: "nice",
		startAttempts: 1, logFormat: "text", logLevel: "info",
		monitorBuffer: 8, monitorPolicy: "drop", monitorReadTO: time.Second, mqttInterval: time.Second,
	}
}

func TestConfigValidate_OK(t *testing.T) {
	if err := baseConfig().validate(); err != nil {
		t.Fatalf("expected ok got %v", err)
	}
}

func TestConfigValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*appConfig)
	}{
		{"badFormat", func(c *appConfig) { c.logFormat = "xx" }},
		{"badLevel", func(c *appConfig) { c.logLevel = "nope" }},
		{"badBackend", func(c *appConfig) { c.backend = "x" }},
		{"badBaud", func(c *appConfig) { c.backend = "serial"; c.baud = 0 }},
		{"cnlNoAddr", func(c *appConfig) { c.backend = "cannelloni" }},
		{"badReadTO", func(c *appConfig) { c.serialReadTO = 0 }},
		{"badHandshakeTO", func(c *appConfig) { c.handshakeTO = 0 }},
		{"badTxQueue", func(c *appConfig) { c.txQueue = 0 }},
		{"badOverflow", func(c *appConfig) { c.rxOverflow = "drop-random" }},
		{"badStation", func(c *appConfig) { c.station = "c" }},
		{"badTxID", func(c *appConfig) { c.txID = "zz" }},
		{"stdIDTooWide", func(c *appConfig) { c.txID = "0x800" }},
		{"badSchedPolicy", func(c *appConfig) { c.schedPolicy = "rr" }},
		{"priorityOrder", func(c *appConfig) { c.rxPriority = c.txPriority }},
		{"zeroPeriod", func(c *appConfig) { c.txPeriod = 0 }},
		{"badStamp", func(c *appConfig) { c.stampInterval = 0 }},
		{"noAttempts", func(c *appConfig) { c.startAttempts = 0 }},
		{"badPolicy", func(c *appConfig) { c.monitorPolicy = "x" }},
		{"badMonitorBuf", func(c *appConfig) { c.monitorBuffer = 0 }},
		{"badMaxClients", func(c *appConfig) { c.monitorMaxClients = -1 }},
		{"badMonitorReadTO", func(c *appConfig) { c.monitorReadTO = 0 }},
	}
	for _, tc := range tests {
		c := baseConfig()
		tc.mod(c)
		if err := c.validate(); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestOutboundIDFromStation(t *testing.T) {
	c := baseConfig()
	for station, want := range map[string]uint32{"a": 0x123, "b": 0x122, "B": 0x122} {
		c.station = station
		id, err := c.outboundID()
		if err != nil || id != want {
			t.Fatalf("station %s: got 0x%X err=%v want 0x%X", station, id, err, want)
		}
	}
	c.txID = "0x18DAF110"
	c.txExtended = true
	id, err := c.outboundID()
	if err != nil || id != 0x18DAF110 {
		t.Fatalf("explicit id: got 0x%X err=%v", id, err)
	}
	if err := c.validate(); err != nil {
		t.Fatalf("extended id should validate: %v", err)
	}
}

func TestParseFlagsDefaults(t *testing.T) {
	cfg, showVersion, err := parseFlags([]string{"--backend=loopback"}, io.Discard)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if showVersion {
		t.Fatalf("unexpected version flag")
	}
	if cfg.txPeriod != 1500*time.Millisecond || cfg.rxPoll != 500*time.Millisecond || cfg.rxTimeout != 500*time.Millisecond {
		t.Fatalf("cadence defaults: %v %v %v", cfg.txPeriod, cfg.rxPoll, cfg.rxTimeout)
	}
	tc := cfg.transportConfig()
	if tc.TxQueue != 10 || tc.RxQueue != 10 || tc.Bitrate != 500000 || tc.RxOverflow != transport.DropOldest {
		t.Fatalf("transport defaults: %+v", tc)
	}
	sc := cfg.schedConfig()
	if sc.Tx.Priority <= sc.Rx.Priority || sc.Tx.CPU != -1 || sc.Tx.Policy != sched.PolicyNice {
		t.Fatalf("sched defaults: %+v", sc)
	}
	if p, _ := hub.ParsePolicy(cfg.monitorPolicy); p != hub.PolicyDrop {
		t.Fatalf("monitor policy default: %v", p)
	}
}

func TestParseFlagsVersionAndErrors(t *testing.T) {
	if _, v, err := parseFlags([]string{"--version"}, io.Discard); err != nil || !v {
		t.Fatalf("version: v=%v err=%v", v, err)
	}
	if _, _, err := parseFlags([]string{"--no-such-flag"}, io.Discard); err == nil {
		t.Fatalf("expected unknown flag error")
	}
	if _, _, err := parseFlags([]string{"--backend=cannelloni"}, io.Discard); err == nil {
		t.Fatalf("expected validation error")
	}
}
