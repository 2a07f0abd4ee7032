package mqtt

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Outcome reports the result of one Publish. It completes exactly once.
type Outcome struct {
	done     chan struct{}
	once     sync.Once
	err      error
	accepted bool
}

func newOutcome() *Outcome {
	return &Outcome{done: make(chan struct{})}
}

// Resolved returns an already-completed Outcome, for publishers that know
// the result synchronously.
func Resolved(accepted bool, err error) *Outcome {
	o := newOutcome()
	o.complete(accepted, err)
	return o
}

func (o *Outcome) complete(accepted bool, err error) {
	o.once.Do(func() {
		o.accepted = accepted
		o.err = err
		close(o.done)
	})
}

// Done is closed once the outcome is known.
func (o *Outcome) Done() <-chan struct{} {
	return o.done
}

// Err is nil on success. Only meaningful after Done is closed.
func (o *Outcome) Err() error {
	select {
	case <-o.done:
		return o.err
	default:
		return nil
	}
}

// Accepted reports whether the transport took the message. A publish can be
// accepted and still fail if the broker never acknowledges it.
func (o *Outcome) Accepted() bool {
	select {
	case <-o.done:
		return o.accepted
	default:
		return false
	}
}

// Wait blocks until the outcome is known or ctx ends.
func (o *Outcome) Wait(ctx context.Context) error {
	select {
	case <-o.done:
		return o.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type publishRequest struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
	outcome  *Outcome
	token    Token
}

// Publish queues a message for the broker and returns immediately.
// Messages are handed to the transport in the order Publish was called.
//
// Parameters:
//   - topic: concrete topic; wildcards are rejected
//   - payload: message body
//   - qos: 0, 1 or 2
//   - retained: whether the broker keeps the message for late subscribers
//
// Returns:
//   - *Outcome: completes with nil, ErrNotConnected, ErrPublishFailed,
//     ErrInvalidTopic, ErrInvalidQoS, ErrQueueFull or ErrStopped
func (m *Manager) Publish(topic string, payload []byte, qos byte, retained bool) *Outcome {
	out := newOutcome()

	if err := validatePublishTopic(topic); err != nil {
		out.complete(false, err)
		return out
	}
	if qos > maxQoS {
		out.complete(false, fmt.Errorf("%w: %d", ErrInvalidQoS, qos))
		return out
	}

	req := &publishRequest{
		topic:    topic,
		payload:  payload,
		qos:      qos,
		retained: retained,
		outcome:  out,
	}

	m.pubMu.Lock()
	defer m.pubMu.Unlock()
	if m.pubClosed {
		out.complete(false, ErrStopped)
		return out
	}
	select {
	case m.pubQueue <- req:
	default:
		out.complete(false, ErrQueueFull)
	}
	return out
}

// publishLoop hands queued requests to the transport one at a time.
func (m *Manager) publishLoop() {
	defer close(m.pending)

	for req := range m.pubQueue {
		if !m.transport.IsConnected() {
			m.finish(req, false, ErrNotConnected)
			continue
		}
		req.token = m.transport.Publish(req.topic, req.qos, req.retained, req.payload)
		m.pending <- req
	}
}

// ackLoop waits for broker acknowledgements in publish order.
func (m *Manager) ackLoop() {
	for req := range m.pending {
		err := waitToken(context.Background(), req.token, m.opts.PublishTimeout)
		if err != nil {
			m.logger.Warn("mqtt publish failed", "topic", req.topic, "error", err)
			m.finish(req, true, fmt.Errorf("%w: %w", ErrPublishFailed, err))
			continue
		}
		m.finish(req, true, nil)
	}
}

func (m *Manager) finish(req *publishRequest, accepted bool, err error) {
	if m.observer != nil {
		m.observer.PublishResult(err == nil)
	}
	req.outcome.complete(accepted, err)
}

func validatePublishTopic(t string) error {
	if t == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTopic)
	}
	if strings.ContainsAny(t, "+#") {
		return fmt.Errorf("%w: wildcard in %q", ErrInvalidTopic, t)
	}
	return nil
}
