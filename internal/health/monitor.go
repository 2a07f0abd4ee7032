package health

import (
	"context"
	"sync"
	"time"

	"github.com/nerrad567/homegate/internal/device"
	"github.com/nerrad567/homegate/internal/events"
)

const (
	// DefaultInterval is how often the internal timer sweeps.
	DefaultInterval = 30 * time.Second
	// DefaultTimeout is how long a device may stay silent before it is offline.
	DefaultTimeout = 60 * time.Second
)

// Logger is the logging interface used by the monitor.
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

// Registry is the subset of device.Registry the monitor needs.
type Registry interface {
	StaleDevices(cutoff time.Time) []device.Device
	MarkOfflineIfStale(ctx context.Context, deviceID string, cutoff time.Time) (bool, *device.Device, error)
}

// Emitter receives offline-transition events.
type Emitter interface {
	Emit(ctx context.Context, ev events.ChangeEvent)
}

// Counter is notified of each completed sweep. Metrics implement it.
type Counter interface {
	SweepCompleted(offlined int)
}

// Config holds monitor settings.
type Config struct {
	// Interval between timer-driven sweeps. Default: 30 seconds.
	Interval time.Duration

	// Timeout after which a silent device goes offline. Default: 60 seconds.
	Timeout time.Duration
}

// Monitor marks devices offline once they have been silent for longer than
// the timeout.
//
// Sweeps are idempotent: a device transitions at most once, however many
// sweeps (timer or external hook) run concurrently, because the offline
// write is a compare-and-set under the registry's per-device lock.
type Monitor struct {
	registry Registry
	emitter  Emitter
	counter  Counter
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time

	logger   Logger
	loggerMu sync.RWMutex

	// Shutdown coordination
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewMonitor creates a monitor. Call Start for timer-driven sweeps, or call
// Sweep from an external scheduler.
func NewMonitor(registry Registry, emitter Emitter, cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Monitor{
		registry: registry,
		emitter:  emitter,
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		now:      time.Now,
		logger:   noopLogger{},
		done:     make(chan struct{}),
	}
}

// SetLogger sets the logger for this monitor.
func (m *Monitor) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	m.loggerMu.Lock()
	m.logger = logger
	m.loggerMu.Unlock()
}

// SetCounter installs a sweep counter.
func (m *Monitor) SetCounter(c Counter) {
	m.counter = c
}

// SetClock replaces the clock used by timer-driven sweeps.
func (m *Monitor) SetClock(now func() time.Time) {
	m.now = now
}

// Timeout returns the configured liveness timeout.
func (m *Monitor) Timeout() time.Duration {
	return m.timeout
}

func (m *Monitor) getLogger() Logger {
	m.loggerMu.RLock()
	defer m.loggerMu.RUnlock()
	return m.logger
}

// Sweep marks every online device last seen before now-timeout as offline
// and emits one offline-transition event per device that changed.
//
// Parameters:
//   - ctx: Context for store writes and event delivery
//   - now: Reference time for the cutoff
//   - timeout: Silence allowed before a device is offline; <= 0 uses the configured timeout
//
// Returns:
//   - []events.ChangeEvent: Events emitted by this sweep, possibly empty
func (m *Monitor) Sweep(ctx context.Context, now time.Time, timeout time.Duration) []events.ChangeEvent {
	if timeout <= 0 {
		timeout = m.timeout
	}
	cutoff := now.Add(-timeout)
	logger := m.getLogger()

	var emitted []events.ChangeEvent
	for _, candidate := range m.registry.StaleDevices(cutoff) {
		if ctx.Err() != nil {
			break
		}

		changed, dev, err := m.registry.MarkOfflineIfStale(ctx, candidate.ID, cutoff)
		if err != nil {
			logger.Error("offline transition failed", "device_id", candidate.ID, "error", err)
			continue
		}
		if !changed {
			continue
		}

		ev := events.ChangeEvent{
			Identity:  dev.Identity(),
			DeviceID:  dev.ID,
			Online:    false,
			Timestamp: now.UTC(),
			Cause:     events.CauseOfflineTransition,
		}
		logger.Info("device offline",
			"device_id", dev.ID,
			"node", dev.NodeName,
			"last_seen", dev.LastSeen,
		)
		if m.emitter != nil {
			m.emitter.Emit(ctx, ev)
		}
		emitted = append(emitted, ev)
	}

	if m.counter != nil {
		m.counter.SweepCompleted(len(emitted))
	}
	return emitted
}

// Start begins timer-driven sweeps. Call Stop to shut down.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.sweepLoop(ctx)
}

// Stop halts the timer. Safe to call multiple times.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
		m.wg.Wait()
	})
}

func (m *Monitor) sweepLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-ticker.C:
			m.Sweep(ctx, m.now(), m.timeout)
		}
	}
}
