package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/homegate/internal/topic"
)

type recordingSink struct {
	homes   []string
	records []Record
	err     error
}

func (s *recordingSink) PublishRecord(_ context.Context, homeID string, rec Record) error {
	s.homes = append(s.homes, homeID)
	s.records = append(s.records, rec)
	return s.err
}

type countingCounter struct {
	emitted map[string]int
	failed  int
}

func (c *countingCounter) ChangeEmitted(cause string) {
	if c.emitted == nil {
		c.emitted = map[string]int{}
	}
	c.emitted[cause]++
}
func (c *countingCounter) SinkFailed() { c.failed++ }

var ts = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func entityEvent() ChangeEvent {
	return ChangeEvent{
		Identity:  topic.Identity{HomeID: "1", Node: "node_1", EntityType: "sensor", EntityName: "temperature"},
		EntityID:  "ent-1",
		DeviceID:  "dev-1",
		Old:       map[string]any{"value": 29.0},
		New:       map[string]any{"value": 31.0},
		Online:    true,
		Timestamp: ts,
		Cause:     CauseIngested,
	}
}

func TestRecord_EntityState(t *testing.T) {
	data, err := json.Marshal(entityEvent().Record())
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"type": "entity_state",
		"entity_id": "ent-1",
		"device_id": "dev-1",
		"state": {"value": 31},
		"is_online": true,
		"timestamp": "2026-03-01T12:00:00Z"
	}`, string(data))
}

func TestRecord_DeviceStatusHasNullEntityAndState(t *testing.T) {
	ev := ChangeEvent{
		Identity:  topic.Identity{HomeID: "1", Node: "node_1"},
		DeviceID:  "dev-1",
		Online:    false,
		Timestamp: ts,
		Cause:     CauseOfflineTransition,
	}

	data, err := json.Marshal(ev.Record())
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"type": "device_status",
		"entity_id": null,
		"device_id": "dev-1",
		"state": null,
		"is_online": false,
		"timestamp": "2026-03-01T12:00:00Z"
	}`, string(data))
}

func TestBus_HandlersThenSinks(t *testing.T) {
	bus := NewBus()
	counter := &countingCounter{}
	bus.SetCounter(counter)

	var order []string
	bus.Subscribe(HandlerFunc(func(context.Context, ChangeEvent) { order = append(order, "first") }))
	bus.Subscribe(HandlerFunc(func(context.Context, ChangeEvent) { order = append(order, "second") }))
	sink := &recordingSink{}
	bus.AddSink(sink)

	bus.Emit(context.Background(), entityEvent())

	assert.Equal(t, []string{"first", "second"}, order)
	require.Len(t, sink.records, 1)
	assert.Equal(t, []string{"1"}, sink.homes)
	assert.Equal(t, TypeEntityState, sink.records[0].Type)
	assert.Equal(t, 1, counter.emitted["ingested"])
}

func TestBus_PanickingHandlerIsIsolated(t *testing.T) {
	bus := NewBus()

	called := false
	bus.Subscribe(HandlerFunc(func(context.Context, ChangeEvent) { panic("boom") }))
	bus.Subscribe(HandlerFunc(func(context.Context, ChangeEvent) { called = true }))
	sink := &recordingSink{}
	bus.AddSink(sink)

	assert.NotPanics(t, func() { bus.Emit(context.Background(), entityEvent()) })
	assert.True(t, called, "handler after the panicking one must still run")
	assert.Len(t, sink.records, 1)
}

func TestBus_SinkErrorCounted(t *testing.T) {
	bus := NewBus()
	counter := &countingCounter{}
	bus.SetCounter(counter)
	failing := &recordingSink{err: errors.New("redis down")}
	ok := &recordingSink{}
	bus.AddSink(failing)
	bus.AddSink(ok)

	bus.Emit(context.Background(), entityEvent())

	assert.Equal(t, 1, counter.failed)
	assert.Len(t, ok.records, 1, "a failing sink must not block the next one")
}
