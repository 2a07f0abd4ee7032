package events

import (
	"context"
	"fmt"
	"sync"
)

// Logger is the logging interface used by the bus.
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

// Handler consumes change events synchronously on the emitting goroutine.
type Handler interface {
	HandleChange(ctx context.Context, ev ChangeEvent)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev ChangeEvent)

// HandleChange calls f.
func (f HandlerFunc) HandleChange(ctx context.Context, ev ChangeEvent) { f(ctx, ev) }

// Sink receives change records for external delivery, keyed by home.
type Sink interface {
	PublishRecord(ctx context.Context, homeID string, rec Record) error
}

// Counter is notified of every emitted event. Metrics implement it.
type Counter interface {
	ChangeEmitted(cause string)
	SinkFailed()
}

// Bus fans change events out to in-process handlers and external sinks.
//
// Handlers run in registration order; a panicking handler is logged and
// the remaining handlers and sinks still run. Sink errors are logged and
// never returned to the emitter.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
	sinks    []Sink
	logger   Logger
	counter  Counter
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{logger: noopLogger{}}
}

// SetLogger sets the logger for the bus.
func (b *Bus) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	b.logger = logger
}

// SetCounter installs an emit counter.
func (b *Bus) SetCounter(c Counter) {
	b.counter = c
}

// Subscribe registers h for every subsequent Emit.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// AddSink registers s for every subsequent Emit.
func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Emit delivers ev to all handlers, then all sinks.
func (b *Bus) Emit(ctx context.Context, ev ChangeEvent) {
	b.mu.RLock()
	handlers := b.handlers
	sinks := b.sinks
	b.mu.RUnlock()

	if b.counter != nil {
		b.counter.ChangeEmitted(string(ev.Cause))
	}

	for _, h := range handlers {
		b.dispatch(ctx, h, ev)
	}

	if len(sinks) == 0 {
		return
	}
	rec := ev.Record()
	for _, s := range sinks {
		if err := s.PublishRecord(ctx, ev.Identity.HomeID, rec); err != nil {
			if b.counter != nil {
				b.counter.SinkFailed()
			}
			b.logger.Warn("change record handoff failed",
				"device_id", ev.DeviceID,
				"entity_id", ev.EntityID,
				"error", err,
			)
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, h Handler, ev ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("panic in change handler",
				"panic", fmt.Sprint(r),
				"cause", string(ev.Cause),
				"identity", ev.Identity.String(),
			)
		}
	}()
	h.HandleChange(ctx, ev)
}
