package device

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. It backs tests and deployments that
// hand history to an external store rather than SQLite.
type MemoryStore struct {
	mu       sync.Mutex
	devices  map[string]*Device
	entities map[string]*Entity
	history  []StateRecord
	nextID   int64
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:  make(map[string]*Device),
		entities: make(map[string]*Entity),
	}
}

// ListDevices returns copies of every device.
func (m *MemoryStore) ListDevices(_ context.Context) ([]Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListEntities returns copies of every entity.
func (m *MemoryStore) ListEntities(_ context.Context) ([]Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Entity, 0, len(m.entities))
	for _, e := range m.entities {
		out = append(out, *e.DeepCopy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// FindDevice looks a device up by home and node.
func (m *MemoryStore) FindDevice(_ context.Context, homeID, node string) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range m.devices {
		if d.HomeID == homeID && d.NodeName == node {
			return d.DeepCopy(), nil
		}
	}
	return nil, ErrDeviceNotFound
}

// FindEntity looks an entity up by device, type and name.
func (m *MemoryStore) FindEntity(_ context.Context, deviceID, entityType, name string) (*Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.entities {
		if e.DeviceID == deviceID && e.Type == entityType && e.Name == name {
			return e.DeepCopy(), nil
		}
	}
	return nil, ErrEntityNotFound
}

// CreateDevice inserts a device.
func (m *MemoryStore) CreateDevice(_ context.Context, d *Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.devices {
		if existing.HomeID == d.HomeID && existing.NodeName == d.NodeName {
			return ErrDeviceExists
		}
	}
	m.devices[d.ID] = d.DeepCopy()
	return nil
}

// CreateEntity inserts an entity.
func (m *MemoryStore) CreateEntity(_ context.Context, e *Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.devices[e.DeviceID]; !ok {
		return ErrDeviceNotFound
	}
	for _, existing := range m.entities {
		if existing.DeviceID == e.DeviceID && existing.Type == e.Type && existing.Name == e.Name {
			return ErrEntityExists
		}
	}
	m.entities[e.ID] = e.DeepCopy()
	return nil
}

// ApplyState writes state, history and liveness under one lock.
func (m *MemoryStore) ApplyState(_ context.Context, u StateUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entities[u.EntityID]
	if !ok {
		return ErrEntityNotFound
	}
	d, ok := m.devices[u.DeviceID]
	if !ok {
		return ErrDeviceNotFound
	}

	e.State = u.State.DeepCopy()
	e.StateVersion = u.Version
	e.StateUpdatedAt = u.At

	m.nextID++
	m.history = append(m.history, StateRecord{
		ID:         m.nextID,
		EntityID:   u.EntityID,
		State:      u.State.DeepCopy(),
		RecordedAt: u.At,
	})

	d.Online = true
	if u.At.After(d.LastSeen) {
		d.LastSeen = u.At
	}
	return nil
}

// SetDeviceStatus writes the online flag and optionally last-seen.
func (m *MemoryStore) SetDeviceStatus(_ context.Context, deviceID string, online bool, lastSeen *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[deviceID]
	if !ok {
		return ErrDeviceNotFound
	}
	d.Online = online
	if lastSeen != nil {
		d.LastSeen = *lastSeen
	}
	return nil
}

// MarkOfflineIfStale flips online only for an online device seen before cutoff.
func (m *MemoryStore) MarkOfflineIfStale(_ context.Context, deviceID string, cutoff time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[deviceID]
	if !ok {
		return false, ErrDeviceNotFound
	}
	if !d.Online || !d.LastSeen.Before(cutoff) {
		return false, nil
	}
	d.Online = false
	return true, nil
}

// History returns recent records for an entity, newest first.
func (m *MemoryStore) History(_ context.Context, entityID string, limit int) ([]StateRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	limit = clampHistoryLimit(limit)
	var out []StateRecord
	for i := len(m.history) - 1; i >= 0 && len(out) < limit; i-- {
		if m.history[i].EntityID == entityID {
			r := m.history[i]
			r.State = r.State.DeepCopy()
			out = append(out, r)
		}
	}
	return out, nil
}

// PruneHistory drops records older than before.
func (m *MemoryStore) PruneHistory(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.history[:0]
	var removed int64
	for _, r := range m.history {
		if r.RecordedAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	m.history = kept
	return removed, nil
}

// CountHistoryBefore counts records older than before.
func (m *MemoryStore) CountHistoryBefore(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, r := range m.history {
		if r.RecordedAt.Before(before) {
			n++
		}
	}
	return n, nil
}
