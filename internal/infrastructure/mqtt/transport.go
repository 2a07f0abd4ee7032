package mqtt

import (
	"context"
	"time"
)

// Token tracks completion of an asynchronous broker operation.
// paho's Token satisfies it.
type Token interface {
	Done() <-chan struct{}
	Error() error
}

// Message is one inbound publish as handed to the ingress channel.
type Message struct {
	Topic     string
	Payload   []byte
	QoS       byte
	Retained  bool
	Duplicate bool
	// Received is when the manager took the message off the transport.
	Received time.Time
}

// Transport is the broker session the Manager drives. It must not reconnect
// on its own; the Manager owns the retry policy.
type Transport interface {
	// SetHandlers installs the inbound message and connection-lost callbacks.
	// Called once, before the first Connect.
	SetHandlers(onMessage func(Message), onLost func(error))

	// Connect makes one connection attempt, returning when it succeeds,
	// fails, or ctx ends.
	Connect(ctx context.Context) error

	// Subscribe subscribes to every filter at its QoS.
	Subscribe(filters map[string]byte) Token

	// Publish hands a message to the local transport.
	Publish(topic string, qos byte, retained bool, payload []byte) Token

	// Disconnect closes the session, waiting up to quiesce for in-flight work.
	Disconnect(quiesce time.Duration)

	// IsConnected reports whether the session is currently up.
	IsConnected() bool
}

// waitToken blocks until tok completes, ctx ends, or timeout passes.
func waitToken(ctx context.Context, tok Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-tok.Done():
		return tok.Error()
	case <-timer.C:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// doneToken is an already-completed Token.
type doneToken struct {
	err error
}

var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

func (doneToken) Done() <-chan struct{} { return closedCh }
func (t doneToken) Error() error        { return t.err }
