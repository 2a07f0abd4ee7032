package device

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteStore_UniqueConstraints(t *testing.T) {
	store := openSQLiteStore(t)
	ctx := context.Background()

	d := &Device{ID: "d1", HomeID: "1", NodeName: "n", Online: true, LastSeen: t0, CreatedAt: t0}
	require.NoError(t, store.CreateDevice(ctx, d))

	dup := &Device{ID: "d2", HomeID: "1", NodeName: "n", LastSeen: t0, CreatedAt: t0}
	assert.ErrorIs(t, store.CreateDevice(ctx, dup), ErrDeviceExists)

	e := &Entity{ID: "e1", DeviceID: "d1", Type: "sensor", Name: "t", CreatedAt: t0}
	require.NoError(t, store.CreateEntity(ctx, e))
	assert.ErrorIs(t, store.CreateEntity(ctx, &Entity{ID: "e2", DeviceID: "d1", Type: "sensor", Name: "t", CreatedAt: t0}), ErrEntityExists)

	found, err := store.FindEntity(ctx, "d1", "sensor", "t")
	require.NoError(t, err)
	assert.Equal(t, "1", found.HomeID)
	assert.Equal(t, "n", found.NodeName)

	_, err = store.FindDevice(ctx, "1", "other")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestSQLiteStore_ApplyStateWritesAttributes(t *testing.T) {
	store := openSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateDevice(ctx, &Device{ID: "d1", HomeID: "1", NodeName: "n", LastSeen: t0, CreatedAt: t0}))
	require.NoError(t, store.CreateEntity(ctx, &Entity{ID: "e1", DeviceID: "d1", Type: "light", Name: "l", CreatedAt: t0}))

	err := store.ApplyState(ctx, StateUpdate{
		EntityID: "e1",
		DeviceID: "d1",
		State:    State{"value": "ON", "brightness": 70.0},
		Version:  1,
		At:       t0.Add(time.Second),
	})
	require.NoError(t, err)

	attrs, err := store.Attributes(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"value": "ON", "brightness": "70"}, attrs)

	err = store.ApplyState(ctx, StateUpdate{EntityID: "missing", DeviceID: "d1", State: State{}, Version: 1, At: t0})
	assert.ErrorIs(t, err, ErrEntityNotFound)
}

func TestStore_ApplyStateNeverMovesLastSeenBack(t *testing.T) {
	stores(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		require.NoError(t, store.CreateDevice(ctx, &Device{ID: "d1", HomeID: "1", NodeName: "n", LastSeen: t0, CreatedAt: t0}))
		require.NoError(t, store.CreateEntity(ctx, &Entity{ID: "e1", DeviceID: "d1", Type: "sensor", Name: "t", CreatedAt: t0}))

		apply := func(version int64, at time.Time) {
			t.Helper()
			require.NoError(t, store.ApplyState(ctx, StateUpdate{
				EntityID: "e1", DeviceID: "d1", State: State{"value": 1.0}, Version: version, At: at,
			}))
		}
		apply(1, t0.Add(time.Minute))
		// A worker that stamped its update earlier commits later.
		apply(2, t0.Add(30*time.Second))

		d, err := store.FindDevice(ctx, "1", "n")
		require.NoError(t, err)
		assert.True(t, d.Online)
		assert.True(t, t0.Add(time.Minute).Equal(d.LastSeen), "last_seen = %v", d.LastSeen)

		apply(3, t0.Add(2*time.Minute))
		d, err = store.FindDevice(ctx, "1", "n")
		require.NoError(t, err)
		assert.True(t, t0.Add(2*time.Minute).Equal(d.LastSeen), "last_seen = %v", d.LastSeen)
	})
}

func TestStore_PruneHistory(t *testing.T) {
	stores(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		require.NoError(t, store.CreateDevice(ctx, &Device{ID: "d1", HomeID: "1", NodeName: "n", LastSeen: t0, CreatedAt: t0}))
		require.NoError(t, store.CreateEntity(ctx, &Entity{ID: "e1", DeviceID: "d1", Type: "sensor", Name: "t", CreatedAt: t0}))

		for i := 0; i < 5; i++ {
			require.NoError(t, store.ApplyState(ctx, StateUpdate{
				EntityID: "e1",
				DeviceID: "d1",
				State:    State{"value": float64(i)},
				Version:  int64(i + 1),
				At:       t0.Add(time.Duration(i) * 24 * time.Hour),
			}))
		}

		cutoff := t0.Add(3 * 24 * time.Hour)
		n, err := store.CountHistoryBefore(ctx, cutoff)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		removed, err := store.PruneHistory(ctx, cutoff)
		require.NoError(t, err)
		assert.Equal(t, int64(3), removed)

		left, err := store.History(ctx, "e1", 0)
		require.NoError(t, err)
		require.Len(t, left, 2)
		assert.Equal(t, State{"value": 4.0}, left[0].State)
	})
}

func TestInferCapabilities(t *testing.T) {
	tests := []struct {
		name       string
		entityType string
		initial    State
		want       Capabilities
	}{
		{"sensor is read only", "sensor", State{"value": 21.0}, Capabilities{"read_only": true}},
		{"dimmable light", "light", State{"value": "ON", "brightness": 50.0}, Capabilities{"brightness": true}},
		{"partial rgb ignored", "light", State{"r": 1.0, "g": 1.0}, Capabilities{}},
		{"fan speed", "fan", State{"speed": 2.0}, Capabilities{"speed": true}},
		{"switch has none", "switch", State{"brightness": 1.0}, Capabilities{}},
		{"nil initial", "light", nil, Capabilities{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, InferCapabilities(tt.entityType, tt.initial))
		})
	}
}

func TestIsControllable(t *testing.T) {
	for _, typ := range []string{"light", "switch", "fan", "relay", "valve"} {
		assert.True(t, IsControllable(typ), typ)
	}
	for _, typ := range []string{"sensor", "actuator", "binary_sensor", ""} {
		assert.False(t, IsControllable(typ), typ)
	}
}
