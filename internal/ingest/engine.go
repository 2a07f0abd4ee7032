package ingest

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/nerrad567/homegate/internal/device"
	"github.com/nerrad567/homegate/internal/events"
	"github.com/nerrad567/homegate/internal/topic"
)

// lockShards is the number of per-device mutex stripes.
const lockShards = 64

// Logger is the logging interface used by the engine.
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

// Registry is the subset of device.Registry the engine writes through.
type Registry interface {
	Resolve(ctx context.Context, id topic.Identity, opts ...device.ResolveOption) (*device.Device, *device.Entity, error)
	ResolveDevice(ctx context.Context, id topic.Identity) (*device.Device, error)
	ApplyState(ctx context.Context, entityID string, state device.State, at time.Time) (device.StateChange, error)
	SetOnline(ctx context.Context, deviceID string, online bool, at time.Time) (bool, *device.Device, error)
}

// Emitter receives change events. *events.Bus implements it.
type Emitter interface {
	Emit(ctx context.Context, ev events.ChangeEvent)
}

// Mirror receives a copy of every accepted state for long-term storage.
// Implementations must not block.
type Mirror interface {
	WriteState(id topic.Identity, state map[string]any, at time.Time)
}

// Counter is notified of accepted and dropped messages. Metrics implement it.
type Counter interface {
	Ingested(kind string)
	Dropped(reason string)
}

// Engine applies inbound state and status messages to the registry and
// emits the resulting change events.
//
// Messages for the same device are serialised; different devices proceed
// in parallel.
type Engine struct {
	registry Registry
	emitter  Emitter
	mirror   Mirror
	counter  Counter
	logger   Logger
	locks    [lockShards]sync.Mutex
}

// NewEngine creates an engine writing through registry and emitting on emitter.
func NewEngine(registry Registry, emitter Emitter) *Engine {
	return &Engine{
		registry: registry,
		emitter:  emitter,
		logger:   noopLogger{},
	}
}

// SetLogger sets the logger for the engine.
func (e *Engine) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	e.logger = logger
}

// SetMirror installs a state mirror. nil disables mirroring.
func (e *Engine) SetMirror(m Mirror) {
	e.mirror = m
}

// SetCounter installs a counter.
func (e *Engine) SetCounter(c Counter) {
	e.counter = c
}

// Ingest applies one parsed message.
//
// Parameters:
//   - p: parsed state or status topic
//   - payload: raw message body
//   - ts: time the message was received
//
// Returns:
//   - events.ChangeEvent: the emitted event; zero when a status message
//     repeats the current liveness
//   - error: *Error wrapping ErrMalformedPayload for rejected payloads, or
//     a registry/store error
func (e *Engine) Ingest(ctx context.Context, p topic.Parsed, payload []byte, ts time.Time) (events.ChangeEvent, error) {
	switch p.Kind {
	case topic.KindState:
		return e.ingestState(ctx, p.Identity, payload, ts)
	case topic.KindStatus:
		return e.ingestStatus(ctx, p.Identity, payload, ts)
	default:
		return events.ChangeEvent{}, e.reject(p.Identity, "kind", fmt.Errorf("%w: %s", ErrUnsupportedKind, p.Kind))
	}
}

func (e *Engine) ingestState(ctx context.Context, id topic.Identity, payload []byte, ts time.Time) (events.ChangeEvent, error) {
	state, err := DecodeState(payload)
	if err != nil {
		return events.ChangeEvent{}, e.reject(id, "payload", err)
	}

	unlock := e.lock(id.DeviceKey())
	defer unlock()

	_, ent, err := e.registry.Resolve(ctx, id, device.WithInitialState(state))
	if err != nil {
		if errors.Is(err, device.ErrInvalidIdentity) {
			return events.ChangeEvent{}, e.reject(id, "identity", err)
		}
		return events.ChangeEvent{}, fmt.Errorf("resolving %s: %w", id, err)
	}

	change, err := e.registry.ApplyState(ctx, ent.ID, state, ts)
	if err != nil {
		return events.ChangeEvent{}, fmt.Errorf("applying %s: %w", id, err)
	}

	at := change.Entity.StateUpdatedAt
	if !change.WasOnline {
		// Any state report brings a device back.
		e.emit(ctx, events.ChangeEvent{
			Identity:  id.Device(),
			DeviceID:  change.Device.ID,
			Online:    true,
			Timestamp: at,
			Cause:     events.CauseOnlineTransition,
		})
	}

	ev := events.ChangeEvent{
		Identity:  id,
		EntityID:  change.Entity.ID,
		DeviceID:  change.Device.ID,
		Old:       change.Old,
		New:       change.Entity.State,
		Online:    change.Device.Online,
		Timestamp: at,
		Cause:     events.CauseIngested,
	}

	if e.mirror != nil {
		e.mirror.WriteState(id, change.Entity.State.DeepCopy(), at)
	}
	if e.counter != nil {
		e.counter.Ingested(topic.KindState.String())
	}

	e.logger.Debug("state ingested",
		"identity", id.String(),
		"version", change.Entity.StateVersion,
	)
	e.emit(ctx, ev)
	return ev, nil
}

func (e *Engine) ingestStatus(ctx context.Context, id topic.Identity, payload []byte, ts time.Time) (events.ChangeEvent, error) {
	online, err := DecodeStatus(payload)
	if err != nil {
		return events.ChangeEvent{}, e.reject(id, "status", err)
	}

	devID := id.Device()
	unlock := e.lock(devID.DeviceKey())
	defer unlock()

	dev, err := e.registry.ResolveDevice(ctx, devID)
	if err != nil {
		if errors.Is(err, device.ErrInvalidIdentity) {
			return events.ChangeEvent{}, e.reject(id, "identity", err)
		}
		return events.ChangeEvent{}, fmt.Errorf("resolving %s: %w", devID, err)
	}

	changed, dev, err := e.registry.SetOnline(ctx, dev.ID, online, ts)
	if err != nil {
		return events.ChangeEvent{}, fmt.Errorf("status %s: %w", devID, err)
	}
	if e.counter != nil {
		e.counter.Ingested(topic.KindStatus.String())
	}
	if !changed {
		e.logger.Debug("status unchanged", "device", devID.String(), "online", online)
		return events.ChangeEvent{}, nil
	}

	cause := events.CauseOfflineTransition
	if online {
		cause = events.CauseOnlineTransition
	}
	ev := events.ChangeEvent{
		Identity:  devID,
		DeviceID:  dev.ID,
		Online:    online,
		Timestamp: ts.UTC(),
		Cause:     cause,
	}
	e.logger.Info("device status changed", "device", devID.String(), "online", online)
	e.emit(ctx, ev)
	return ev, nil
}

func (e *Engine) emit(ctx context.Context, ev events.ChangeEvent) {
	if e.emitter != nil {
		e.emitter.Emit(ctx, ev)
	}
}

func (e *Engine) reject(id topic.Identity, reason string, err error) error {
	if e.counter != nil {
		e.counter.Dropped(reason)
	}
	e.logger.Warn("message dropped", "identity", id.String(), "reason", reason, "error", err)
	return &Error{Identity: id, Reason: reason, Err: err}
}

func (e *Engine) lock(key string) func() {
	h := fnv.New32a()
	h.Write([]byte(key)) //nolint:errcheck // hash writes never fail
	mu := &e.locks[h.Sum32()%lockShards]
	mu.Lock()
	return mu.Unlock
}
