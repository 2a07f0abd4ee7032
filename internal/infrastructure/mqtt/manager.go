package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nerrad567/homegate/internal/infrastructure/config"
	"github.com/nerrad567/homegate/internal/topic"
)

const (
	defaultSubscribeTimeout  = 10 * time.Second
	defaultPublishTimeout    = 10 * time.Second
	defaultDisconnectQuiesce = 250 * time.Millisecond
	defaultIngressBuffer     = 1024
	defaultPublishQueue      = 1024
	maxQoS                   = 2
)

// State is the connection state of a Manager.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Logger is the logging interface used by the manager.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Observer receives connection and traffic counters. Metrics implement it.
type Observer interface {
	ConnectAttempt(ok bool)
	ConnectionLost()
	MessageReceived()
	PublishResult(ok bool)
}

// Options tunes a Manager. Zero values take defaults.
type Options struct {
	// QoS for the state and status subscriptions.
	QoS byte
	// InitialDelay and MaxDelay bound the reconnect backoff.
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// IngressBuffer is the capacity of the Messages channel.
	IngressBuffer int
	// PublishQueue is the capacity of the outbound FIFO.
	PublishQueue int
	// PublishTimeout bounds the wait for a broker acknowledgement.
	PublishTimeout time.Duration
}

// OptionsFromConfig maps the mqtt config section onto Options.
func OptionsFromConfig(cfg config.MQTTConfig) Options {
	return Options{
		QoS:          byte(cfg.QoS),
		InitialDelay: time.Duration(cfg.Reconnect.InitialDelay) * time.Second,
		MaxDelay:     time.Duration(cfg.Reconnect.MaxDelay) * time.Second,
	}
}

func (o *Options) applyDefaults() {
	if o.QoS == 0 {
		o.QoS = 1
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = time.Second
	}
	if o.MaxDelay < o.InitialDelay {
		o.MaxDelay = 60 * time.Second
	}
	if o.IngressBuffer <= 0 {
		o.IngressBuffer = defaultIngressBuffer
	}
	if o.PublishQueue <= 0 {
		o.PublishQueue = defaultPublishQueue
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = defaultPublishTimeout
	}
}

// Manager owns the broker session: it connects, subscribes, announces
// server/status, reconnects with capped exponential backoff after any loss,
// and serialises outbound publishes through one FIFO.
//
// Inbound messages are delivered, in transport order, on the channel
// returned by Messages. The channel is closed by Stop.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - The reconnect loop never holds a lock while sleeping or connecting.
type Manager struct {
	transport Transport
	opts      Options
	logger    Logger
	observer  Observer
	sleep     func(ctx context.Context, d time.Duration) error
	now       func() time.Time

	stateMu sync.RWMutex
	state   State

	messages chan Message
	lost     chan error

	// ingressMu guards sends on messages against the close in Stop.
	ingressMu     sync.RWMutex
	ingressClosed bool

	pubMu     sync.Mutex
	pubClosed bool
	pubQueue  chan *publishRequest
	pending   chan *publishRequest

	cancel   context.CancelFunc
	done     chan struct{}
	wg       sync.WaitGroup
	started  bool
	stopOnce sync.Once
}

// NewManager creates a Manager over transport. Nothing happens until Start.
func NewManager(transport Transport, opts Options) *Manager {
	opts.applyDefaults()
	m := &Manager{
		transport: transport,
		opts:      opts,
		logger:    noopLogger{},
		sleep:     sleepContext,
		now:       time.Now,
		state:     StateDisconnected,
		messages:  make(chan Message, opts.IngressBuffer),
		lost:      make(chan error, 1),
		pubQueue:  make(chan *publishRequest, opts.PublishQueue),
		pending:   make(chan *publishRequest, opts.PublishQueue),
		done:      make(chan struct{}),
	}
	transport.SetHandlers(m.handleMessage, m.handleLost)
	return m
}

// SetLogger sets the logger for the manager.
func (m *Manager) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	m.logger = logger
}

// SetObserver installs a metrics observer.
func (m *Manager) SetObserver(o Observer) {
	m.observer = o
}

// SetSleep replaces the backoff sleep. It must return ctx.Err() if ctx ends first.
func (m *Manager) SetSleep(sleep func(ctx context.Context, d time.Duration) error) {
	m.sleep = sleep
}

// Messages is the single ingress point for inbound state and status messages.
func (m *Manager) Messages() <-chan Message {
	return m.messages
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state
}

// IsConnected reports whether the session is up.
func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

// HealthCheck returns ErrNotConnected unless the session is up.
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !m.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

func (m *Manager) setState(s State) {
	m.stateMu.Lock()
	prev := m.state
	if prev != StateStopped {
		m.state = s
	}
	m.stateMu.Unlock()
	if prev != s {
		m.logger.Debug("mqtt state changed", "from", prev.String(), "to", s.String())
	}
}

// Start launches the connection loop and the publish pipeline and returns
// immediately. The first connection uses the same backoff as reconnects.
func (m *Manager) Start(ctx context.Context) error {
	m.stateMu.Lock()
	if m.state == StateStopped {
		m.stateMu.Unlock()
		return ErrStopped
	}
	if m.started {
		m.stateMu.Unlock()
		return nil
	}
	m.started = true
	m.stateMu.Unlock()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel

	m.wg.Add(3)
	go func() {
		defer m.wg.Done()
		m.run(runCtx)
	}()
	go func() {
		defer m.wg.Done()
		m.publishLoop()
	}()
	go func() {
		defer m.wg.Done()
		m.ackLoop()
	}()
	return nil
}

// run is the connection state machine. It exits only when ctx is cancelled.
//
// One backoff covers a whole outage: a connect that succeeds but fails
// post-connect setup counts as a failed attempt, and the schedule resets
// only once the session reaches StateConnected.
func (m *Manager) run(ctx context.Context) {
	b := m.newBackOff()
	for attempt := 1; ; attempt++ {
		m.drainLost()
		m.setState(StateConnecting)

		m.logger.Info("mqtt connection attempt", "attempt", attempt)
		err := m.connectOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			delay := b.NextBackOff()
			m.logger.Warn("mqtt connection attempt failed",
				"attempt", attempt,
				"retry_in", delay.String(),
				"error", err,
			)
			m.setState(StateDisconnected)
			if err := m.sleep(ctx, delay); err != nil {
				return
			}
			continue
		}

		m.setState(StateConnected)
		m.logger.Info("mqtt connected")
		b.Reset()
		attempt = 0

		select {
		case err := <-m.lost:
			m.setState(StateDisconnected)
			if m.observer != nil {
				m.observer.ConnectionLost()
			}
			m.logger.Warn("mqtt connection lost", "error", err)
		case <-ctx.Done():
			return
		}
	}
}

// newBackOff returns the reconnect policy: InitialDelay doubling to
// MaxDelay, no jitter, never giving up.
func (m *Manager) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.opts.InitialDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = m.opts.MaxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// connectOnce makes one connection attempt including post-connect setup.
// A setup failure tears the session down again.
func (m *Manager) connectOnce(ctx context.Context) error {
	err := m.transport.Connect(ctx)
	if m.observer != nil {
		m.observer.ConnectAttempt(err == nil)
	}
	if err != nil {
		return err
	}
	if err := m.onConnected(ctx); err != nil {
		m.transport.Disconnect(0)
		return fmt.Errorf("post-connect setup: %w", err)
	}
	return nil
}

// onConnected subscribes to every inbound topic and announces the server as
// online. With a persistent session the broker already holds the
// subscriptions; re-subscribing covers a broker that lost its state.
func (m *Manager) onConnected(ctx context.Context) error {
	filters := map[string]byte{
		topic.StateSubscription:  m.opts.QoS,
		topic.StatusSubscription: m.opts.QoS,
	}
	if err := waitToken(ctx, m.transport.Subscribe(filters), defaultSubscribeTimeout); err != nil {
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}

	tok := m.transport.Publish(topic.ServerStatus, 1, true, []byte(topic.StatusOnline))
	if err := waitToken(ctx, tok, m.opts.PublishTimeout); err != nil {
		return fmt.Errorf("%w: online status: %w", ErrPublishFailed, err)
	}
	return nil
}

func (m *Manager) drainLost() {
	select {
	case <-m.lost:
	default:
	}
}

// handleLost is the transport's connection-lost callback.
func (m *Manager) handleLost(err error) {
	if err == nil {
		err = errors.New("connection closed")
	}
	select {
	case m.lost <- err:
	default:
	}
}

// handleMessage is the transport's inbound callback. It blocks while the
// ingress channel is full so nothing is dropped or reordered.
func (m *Manager) handleMessage(msg Message) {
	m.ingressMu.RLock()
	defer m.ingressMu.RUnlock()
	if m.ingressClosed {
		return
	}

	msg.Received = m.now()
	if m.observer != nil {
		m.observer.MessageReceived()
	}

	select {
	case m.messages <- msg:
	case <-m.done:
	}
}

// Stop shuts the manager down: the reconnect loop exits (interrupting any
// backoff sleep), queued publishes drain, a retained "offline" goes to
// server/status if connected, the session disconnects and Messages closes.
func (m *Manager) Stop(ctx context.Context) error {
	var stopErr error
	m.stopOnce.Do(func() {
		close(m.done)
		if m.cancel != nil {
			m.cancel()
		}

		m.pubMu.Lock()
		m.pubClosed = true
		close(m.pubQueue)
		m.pubMu.Unlock()

		waitCh := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(waitCh)
		}()
		select {
		case <-waitCh:
		case <-ctx.Done():
			stopErr = fmt.Errorf("waiting for mqtt workers: %w", ctx.Err())
		}

		if m.transport.IsConnected() {
			tok := m.transport.Publish(topic.ServerStatus, 1, true, []byte(topic.StatusOffline))
			if err := waitToken(ctx, tok, m.opts.PublishTimeout); err != nil {
				m.logger.Warn("final offline status not acknowledged", "error", err)
			}
		}
		m.transport.Disconnect(defaultDisconnectQuiesce)

		m.ingressMu.Lock()
		m.ingressClosed = true
		close(m.messages)
		m.ingressMu.Unlock()

		m.stateMu.Lock()
		m.state = StateStopped
		m.stateMu.Unlock()
		m.logger.Info("mqtt manager stopped")
	})
	return stopErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
