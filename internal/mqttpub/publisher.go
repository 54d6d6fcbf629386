// Package mqttpub mirrors the station state to an MQTT broker: a periodic
// status report on <prefix>/status and every accepted frame on <prefix>/rx.
package mqttpub

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/kstaniek/go-can-station/internal/can"
	"github.com/kstaniek/go-can-station/internal/logging"
	"github.com/kstaniek/go-can-station/internal/metrics"
	"github.com/kstaniek/go-can-station/internal/station"
)

// Sink is the publish side of a broker connection.
type Sink interface {
	Publish(topic string, payload []byte) error
}

const (
	defaultInterval = 5 * time.Second
	rxBuffer        = 64
)

type Publisher struct {
	sink     Sink
	prefix   string
	state    *station.State
	busUp    func() bool
	interval time.Duration
	logger   *slog.Logger
	rx       chan rxMessage
	now      func() time.Time
}

type rxMessage struct {
	station.FrameReport
	At time.Time `json:"at"`
}

// New builds a publisher; busUp may be nil.
func New(sink Sink, prefix string, st *station.State, busUp func() bool, interval time.Duration, l *slog.Logger) *Publisher {
	if interval <= 0 {
		interval = defaultInterval
	}
	if l == nil {
		l = logging.L()
	}
	return &Publisher{sink: sink, prefix: prefix, state: st, busUp: busUp, interval: interval,
		logger: l, rx: make(chan rxMessage, rxBuffer), now: time.Now}
}

func (p *Publisher) StatusTopic() string { return p.prefix + "/status" }
func (p *Publisher) RxTopic() string     { return p.prefix + "/rx" }

// OfferRx queues fr for publishing. It never blocks; frames are dropped while
// the queue is full.
func (p *Publisher) OfferRx(fr can.Frame) {
	select {
	case p.rx <- rxMessage{FrameReport: station.NewFrameReport(fr), At: p.now()}:
	default:
	}
}

// Run publishes until ctx ends. A final status report is sent on exit.
func (p *Publisher) Run(ctx context.Context) error {
	t := time.NewTicker(p.interval)
	defer t.Stop()
	p.publishStatus()
	for {
		select {
		case <-ctx.Done():
			p.publishStatus()
			return nil
		case m := <-p.rx:
			p.publish(p.RxTopic(), m)
		case <-t.C:
			p.publishStatus()
		}
	}
}

func (p *Publisher) publishStatus() {
	up := p.busUp != nil && p.busUp()
	p.publish(p.StatusTopic(), p.state.Snapshot().Report(up))
}

func (p *Publisher) publish(topic string, v any) {
	b, err := json.Marshal(v)
	if err == nil {
		err = p.sink.Publish(topic, b)
	}
	if err != nil {
		metrics.IncError(metrics.ErrMQTTPublish)
		p.logger.Warn("mqtt_publish_failed", "topic", topic, "error", err)
	}
}
