package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/homegate/internal/device"
	"github.com/nerrad567/homegate/internal/events"
	"github.com/nerrad567/homegate/internal/topic"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []events.ChangeEvent
}

func (r *recorder) Emit(_ context.Context, ev events.ChangeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []events.ChangeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.ChangeEvent(nil), r.events...)
}

type mirrorSpy struct {
	mu     sync.Mutex
	writes int
}

func (m *mirrorSpy) WriteState(topic.Identity, map[string]any, time.Time) {
	m.mu.Lock()
	m.writes++
	m.mu.Unlock()
}

func setup(t *testing.T) (*Engine, *device.Registry, *recorder) {
	t.Helper()
	reg := device.NewRegistry(device.NewMemoryStore())
	reg.SetClock(func() time.Time { return t0 })
	rec := &recorder{}
	return NewEngine(reg, rec), reg, rec
}

func mustParse(t *testing.T, s string) topic.Parsed {
	t.Helper()
	p, err := topic.Parse(s)
	require.NoError(t, err)
	return p
}

func TestDecodeState(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    device.State
		wantErr bool
	}{
		{"number", "29.5", device.State{"value": 29.5}, false},
		{"bool", "true", device.State{"value": true}, false},
		{"string", `"ON"`, device.State{"value": "ON"}, false},
		{"object", `{"value":"ON","brightness":70}`, device.State{"value": "ON", "brightness": 70.0}, false},
		{"padded", "  31 \n", device.State{"value": 31.0}, false},
		{"not json", "not-json", nil, true},
		{"bare word", "ON", nil, true},
		{"empty", "", nil, true},
		{"null", "null", nil, true},
		{"array", "[1,2]", nil, true},
		{"object without value", `{"brightness":70}`, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeState([]byte(tt.payload))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedPayload)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEngine_MalformedPayloadChangesNothing(t *testing.T) {
	eng, reg, rec := setup(t)

	_, err := eng.Ingest(context.Background(), mustParse(t, "home/1/node_1/sensor/temperature/state"), []byte("not-json"), t0)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedPayload)
	var ierr *Error
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, "payload", ierr.Reason)

	assert.Empty(t, rec.all())
	assert.Equal(t, device.Stats{}, reg.Stats(), "nothing is auto-created for a rejected payload")
}

func TestEngine_IngestState(t *testing.T) {
	eng, reg, rec := setup(t)
	mirror := &mirrorSpy{}
	eng.SetMirror(mirror)
	ctx := context.Background()
	p := mustParse(t, "home/1/node_1/sensor/temperature/state")

	ev, err := eng.Ingest(ctx, p, []byte("29"), t0.Add(time.Second))
	require.NoError(t, err)

	assert.Equal(t, events.CauseIngested, ev.Cause)
	assert.Equal(t, map[string]any{}, ev.Old)
	assert.Equal(t, map[string]any{"value": 29.0}, ev.New)
	assert.True(t, ev.Online)
	assert.Equal(t, t0.Add(time.Second), ev.Timestamp)
	assert.Equal(t, p.Identity, ev.Identity)

	ent, ok := reg.Entity(p.Identity)
	require.True(t, ok)
	assert.Equal(t, ent.ID, ev.EntityID)
	assert.Equal(t, int64(1), ent.StateVersion)

	dev, ok := reg.Device(ev.DeviceID)
	require.True(t, ok)
	assert.Equal(t, t0.Add(time.Second), dev.LastSeen)

	assert.Equal(t, []events.ChangeEvent{ev}, rec.all())
	assert.Equal(t, 1, mirror.writes)
}

func TestEngine_IdenticalPayloadStillRecorded(t *testing.T) {
	eng, reg, rec := setup(t)
	ctx := context.Background()
	p := mustParse(t, "home/1/node_1/switch/relay/state")

	for i := 0; i < 3; i++ {
		_, err := eng.Ingest(ctx, p, []byte(`"ON"`), t0.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
	}

	assert.Len(t, rec.all(), 3)
	ent, _ := reg.Entity(p.Identity)
	history, err := reg.History(ctx, ent.ID, 0)
	require.NoError(t, err)
	assert.Len(t, history, 3)
	assert.Equal(t, int64(3), ent.StateVersion)
}

func TestEngine_IngestBringsDeviceBackOnline(t *testing.T) {
	eng, reg, rec := setup(t)
	ctx := context.Background()

	_, err := eng.Ingest(ctx, mustParse(t, "home/1/garage/sensor/door/state"), []byte("0"), t0)
	require.NoError(t, err)
	_, err = eng.Ingest(ctx, mustParse(t, "home/1/garage/status"), []byte("offline"), t0.Add(time.Second))
	require.NoError(t, err)

	_, err = eng.Ingest(ctx, mustParse(t, "home/1/garage/sensor/door/state"), []byte("1"), t0.Add(2*time.Second))
	require.NoError(t, err)

	all := rec.all()
	require.Len(t, all, 4)
	assert.Equal(t, events.CauseIngested, all[0].Cause)
	assert.Equal(t, events.CauseOfflineTransition, all[1].Cause)
	assert.Equal(t, events.CauseOnlineTransition, all[2].Cause)
	assert.Equal(t, events.CauseIngested, all[3].Cause)

	dev, ok := reg.DeviceByIdentity(topic.Identity{HomeID: "1", Node: "garage"})
	require.True(t, ok)
	assert.True(t, dev.Online)
}

func TestEngine_StatusMessages(t *testing.T) {
	eng, reg, rec := setup(t)
	ctx := context.Background()
	p := mustParse(t, "home/1/lounge/status")

	// Unknown device is created on its first status.
	ev, err := eng.Ingest(ctx, p, []byte("online"), t0)
	require.NoError(t, err)
	assert.Empty(t, ev.Cause, "new devices already start online")

	ev, err = eng.Ingest(ctx, p, []byte("offline"), t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, events.CauseOfflineTransition, ev.Cause)
	assert.False(t, ev.Online)
	assert.Empty(t, ev.EntityID)

	ev, err = eng.Ingest(ctx, p, []byte("offline"), t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, ev.Cause, "repeat status emits nothing")

	ev, err = eng.Ingest(ctx, p, []byte("online"), t0.Add(3*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, events.CauseOnlineTransition, ev.Cause)

	assert.Len(t, rec.all(), 2)
	stats := reg.Stats()
	assert.Equal(t, 1, stats.Devices)
	assert.Equal(t, 0, stats.Entities, "status never touches entities")

	_, err = eng.Ingest(ctx, p, []byte("sleeping"), t0)
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestEngine_RejectsCommandTopics(t *testing.T) {
	eng, _, _ := setup(t)
	p := topic.Parsed{
		Identity: topic.Identity{HomeID: "1", Node: "n", EntityType: "light", EntityName: "l"},
		Kind:     topic.KindCommand,
	}
	_, err := eng.Ingest(context.Background(), p, []byte(`"ON"`), t0)
	assert.ErrorIs(t, err, ErrUnsupportedKind)
}

func TestEngine_ConcurrentSameDevice(t *testing.T) {
	eng, reg, rec := setup(t)
	ctx := context.Background()

	p := mustParse(t, "home/1/node_1/sensor/temperature/state")
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := eng.Ingest(ctx, p, []byte("1"), t0.Add(time.Duration(i)*time.Millisecond))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Len(t, rec.all(), 20)
	ent, ok := reg.Entity(topic.Identity{HomeID: "1", Node: "node_1", EntityType: "sensor", EntityName: "temperature"})
	require.True(t, ok)
	assert.Equal(t, int64(20), ent.StateVersion)
}
