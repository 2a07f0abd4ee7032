package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/homegate/internal/infrastructure/config"
	"github.com/nerrad567/homegate/internal/topic"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultKeepAlive      = 60 * time.Second
	tlsMinVersion         = tls.VersionTLS12
)

// PahoTransport is the production Transport over eclipse/paho.mqtt.golang.
//
// The session is persistent (CleanSession=false) under a fixed client ID,
// so the broker keeps subscriptions and QoS 1 messages queued while the
// gateway reconnects. paho's own auto-reconnect is disabled.
type PahoTransport struct {
	opts   *pahomqtt.ClientOptions
	client pahomqtt.Client

	mu        sync.RWMutex
	onMessage func(Message)
	onLost    func(error)
}

// NewPahoTransport builds a transport from configuration. Nothing connects
// until the Manager calls Connect.
func NewPahoTransport(cfg config.MQTTConfig) *PahoTransport {
	t := &PahoTransport{}
	t.opts = buildClientOptions(cfg)

	t.opts.SetDefaultPublishHandler(func(_ pahomqtt.Client, msg pahomqtt.Message) {
		t.mu.RLock()
		handler := t.onMessage
		t.mu.RUnlock()
		if handler == nil {
			return
		}
		handler(Message{
			Topic:     msg.Topic(),
			Payload:   msg.Payload(),
			QoS:       msg.Qos(),
			Retained:  msg.Retained(),
			Duplicate: msg.Duplicate(),
		})
	})
	t.opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		t.mu.RLock()
		handler := t.onLost
		t.mu.RUnlock()
		if handler != nil {
			handler(err)
		}
	})

	t.client = pahomqtt.NewClient(t.opts)
	return t
}

// buildClientOptions maps configuration onto paho options.
func buildClientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	scheme := "tcp"
	if cfg.Broker.TLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Broker.Host, cfg.Broker.Port))
	opts.SetClientID(cfg.Broker.ClientID)

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}

	opts.SetCleanSession(false)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetOrderMatters(true)
	opts.SetConnectTimeout(defaultConnectTimeout)

	keepAlive := defaultKeepAlive
	if cfg.KeepAlive > 0 {
		keepAlive = time.Duration(cfg.KeepAlive) * time.Second
	}
	opts.SetKeepAlive(keepAlive)

	// Broker publishes this if the session dies without a clean disconnect.
	opts.SetWill(topic.ServerStatus, topic.StatusOffline, 1, true)

	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tlsMinVersion})
	}

	return opts
}

// SetHandlers installs the inbound callbacks.
func (t *PahoTransport) SetHandlers(onMessage func(Message), onLost func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onMessage = onMessage
	t.onLost = onLost
}

// Connect makes a single connection attempt.
func (t *PahoTransport) Connect(ctx context.Context) error {
	tok := t.client.Connect()
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe subscribes to all filters; messages go to the default handler.
func (t *PahoTransport) Subscribe(filters map[string]byte) Token {
	return t.client.SubscribeMultiple(filters, nil)
}

// Publish hands a message to paho.
func (t *PahoTransport) Publish(topic string, qos byte, retained bool, payload []byte) Token {
	return t.client.Publish(topic, qos, retained, payload)
}

// Disconnect closes the session.
func (t *PahoTransport) Disconnect(quiesce time.Duration) {
	t.client.Disconnect(uint(quiesce.Milliseconds()))
}

// IsConnected reports paho's view of the session.
func (t *PahoTransport) IsConnected() bool {
	return t.client.IsConnectionOpen()
}
