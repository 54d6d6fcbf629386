package mqttpub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/denisbrodbeck/machineid"
	paho "github.com/eclipse/paho.mqtt.golang"
)

const appID = "can-station"

var ErrConnectTimeout = errors.New("mqtt: connect timeout")

var newClient = paho.NewClient

// ClientOptionsFromURL parses mqtt://[user:pass@]host:port/prefix?client-id=x.
// The path (without the leading slash) becomes the topic prefix.
func ClientOptionsFromURL(serverURL string) (*paho.ClientOptions, string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, "", err
	}
	if u.Host == "" {
		return nil, "", fmt.Errorf("mqtt url %q: missing host", serverURL)
	}
	scheme := u.Scheme
	if scheme == "" || scheme == "mqtt" {
		scheme = "tcp"
	}
	prefix := strings.Trim(u.Path, "/")
	if prefix == "" {
		prefix = appID
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(scheme + "://" + u.Host).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetMaxReconnectInterval(30 * time.Second).
		SetConnectTimeout(5 * time.Second)
	if u.User != nil {
		opts.SetUsername(u.User.Username())
		if pwd, ok := u.User.Password(); ok {
			opts.SetPassword(pwd)
		}
	}
	clientID := u.Query().Get("client-id")
	if clientID == "" {
		clientID = DefaultClientID()
	}
	opts.SetClientID(clientID)
	return opts, prefix, nil
}

// DefaultClientID derives a stable id from the host machine id without
// exposing it.
func DefaultClientID() string {
	id, err := machineid.ProtectedID(appID)
	if err != nil || len(id) < 12 {
		return appID
	}
	return appID + "-" + id[:12]
}

// PahoSink publishes through a connected paho client.
type PahoSink struct {
	Client  paho.Client
	QoS     byte
	Timeout time.Duration
}

// Dial connects to the broker named by serverURL and returns the sink and
// the topic prefix.
func Dial(ctx context.Context, serverURL string, l *slog.Logger) (*PahoSink, string, error) {
	opts, prefix, err := ClientOptionsFromURL(serverURL)
	if err != nil {
		return nil, "", err
	}
	broker := opts.Servers[0].Host
	opts.SetOnConnectHandler(func(paho.Client) {
		l.Info("mqtt_connected", "broker", broker, "client_id", opts.ClientID)
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		l.Warn("mqtt_connection_lost", "broker", broker, "error", err)
	})
	c := newClient(opts)
	tok := c.Connect()
	done := make(chan struct{})
	go func() { tok.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		// stop the pending attempt so it cannot reconnect unowned later
		c.Disconnect(0)
		return nil, "", ctx.Err()
	case <-time.After(opts.ConnectTimeout + time.Second):
		c.Disconnect(0)
		return nil, "", ErrConnectTimeout
	}
	if err := tok.Error(); err != nil {
		return nil, "", fmt.Errorf("mqtt connect %s: %w", broker, err)
	}
	return &PahoSink{Client: c, Timeout: 2 * time.Second}, prefix, nil
}

func (s *PahoSink) Publish(topic string, payload []byte) error {
	tok := s.Client.Publish(topic, s.QoS, false, payload)
	if !tok.WaitTimeout(s.Timeout) {
		return fmt.Errorf("mqtt publish %s: timeout", topic)
	}
	return tok.Error()
}

func (s *PahoSink) Close() { s.Client.Disconnect(250) }
