// Package station holds the state shared between the bus workers and the
// read-only consumers (status logger, HTTP status, MQTT publisher).
package station

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-can-station/internal/can"
)

// txRecord and rxRecord are immutable once published; writers copy, modify
// and swap so readers never observe a half-updated side.
type txRecord struct {
	count     uint64
	queueFull uint64
	overruns  uint64
	last      can.Frame
	lastAt    time.Time
}

type rxRecord struct {
	count     uint64
	idle      uint64
	malformed uint64
	last      can.Frame
	lastAt    time.Time
	has       bool
}

// State is the observable station state. The transmit side has exactly one
// writer (the transmit worker) and so does the receive side.
type State struct {
	started time.Time
	tx      atomic.Pointer[txRecord]
	rx      atomic.Pointer[rxRecord]
}

// New returns an empty state; started anchors the reported uptime.
func New(started time.Time) *State {
	s := &State{started: started}
	s.tx.Store(&txRecord{})
	s.rx.Store(&rxRecord{})
	return s
}

func (s *State) updateTx(fn func(*txRecord)) {
	r := *s.tx.Load()
	fn(&r)
	s.tx.Store(&r)
}

func (s *State) updateRx(fn func(*rxRecord)) {
	r := *s.rx.Load()
	fn(&r)
	s.rx.Store(&r)
}

// RecordTx counts one accepted transmission.
func (s *State) RecordTx(fr can.Frame, at time.Time) {
	s.updateTx(func(r *txRecord) {
		r.count++
		r.last = fr
		r.lastAt = at
	})
}

// RecordTxQueueFull counts a cycle rejected by a full outbound queue.
func (s *State) RecordTxQueueFull() { s.updateTx(func(r *txRecord) { r.queueFull++ }) }

// RecordTxOverrun counts a cycle that missed its wake time.
func (s *State) RecordTxOverrun() { s.updateTx(func(r *txRecord) { r.overruns++ }) }

// RecordRx replaces the last received frame and counts it.
func (s *State) RecordRx(fr can.Frame, at time.Time) {
	s.updateRx(func(r *rxRecord) {
		r.count++
		r.last = fr
		r.lastAt = at
		r.has = true
	})
}

// RecordRxIdle counts a receive cycle that timed out. Frame counters are untouched.
func (s *State) RecordRxIdle() { s.updateRx(func(r *rxRecord) { r.idle++ }) }

// RecordMalformed counts a discarded inbound frame.
func (s *State) RecordMalformed() { s.updateRx(func(r *rxRecord) { r.malformed++ }) }

// Snapshot is a consistent copy of the state at one point in time per side.
type Snapshot struct {
	TxCount     uint64
	TxQueueFull uint64
	TxOverruns  uint64
	LastTx      can.Frame
	LastTxAt    time.Time

	RxCount   uint64
	RxIdle    uint64
	Malformed uint64
	HasRx     bool
	LastRx    can.Frame
	LastRxAt  time.Time

	Uptime time.Duration
}

// Snapshot reads both sides without blocking the writers.
func (s *State) Snapshot() Snapshot {
	tx := s.tx.Load()
	rx := s.rx.Load()
	return Snapshot{
		TxCount:     tx.count,
		TxQueueFull: tx.queueFull,
		TxOverruns:  tx.overruns,
		LastTx:      tx.last,
		LastTxAt:    tx.lastAt,
		RxCount:     rx.count,
		RxIdle:      rx.idle,
		Malformed:   rx.malformed,
		HasRx:       rx.has,
		LastRx:      rx.last,
		LastRxAt:    rx.lastAt,
		Uptime:      time.Since(s.started),
	}
}

// FrameReport is the JSON view of a frame.
type FrameReport struct {
	ID       string `json:"id"`
	Extended bool   `json:"extended"`
	Len      uint8  `json:"len"`
	Data     string `json:"data"`
}

// NewFrameReport formats fr for status consumers.
func NewFrameReport(fr can.Frame) FrameReport {
	return FrameReport{
		ID:       fmt.Sprintf("0x%X", fr.ID),
		Extended: fr.Extended,
		Len:      fr.Len,
		Data:     fmt.Sprintf("%X", fr.Payload()),
	}
}

// Report is the JSON view of a snapshot served on /status and over MQTT.
type Report struct {
	UptimeSec   float64      `json:"uptime_sec"`
	TxCount     uint64       `json:"tx_count"`
	TxQueueFull uint64       `json:"tx_queue_full"`
	TxOverruns  uint64       `json:"tx_overruns"`
	LastTx      *FrameReport `json:"last_tx,omitempty"`
	LastTxAt    *time.Time   `json:"last_tx_at,omitempty"`
	RxCount     uint64       `json:"rx_count"`
	RxIdle      uint64       `json:"rx_idle"`
	Malformed   uint64       `json:"malformed"`
	LastRx      *FrameReport `json:"last_rx,omitempty"`
	LastRxAt    *time.Time   `json:"last_rx_at,omitempty"`
	BusUp       bool         `json:"bus_up"`
}

// Report converts the snapshot; busUp tells whether the transport is running.
func (s Snapshot) Report(busUp bool) Report {
	r := Report{
		UptimeSec:   s.Uptime.Seconds(),
		TxCount:     s.TxCount,
		TxQueueFull: s.TxQueueFull,
		TxOverruns:  s.TxOverruns,
		RxCount:     s.RxCount,
		RxIdle:      s.RxIdle,
		Malformed:   s.Malformed,
		BusUp:       busUp,
	}
	if s.TxCount > 0 {
		f := NewFrameReport(s.LastTx)
		at := s.LastTxAt
		r.LastTx, r.LastTxAt = &f, &at
	}
	if s.HasRx {
		f := NewFrameReport(s.LastRx)
		at := s.LastRxAt
		r.LastRx, r.LastRxAt = &f, &at
	}
	return r
}
