package device

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/homegate/internal/topic"
)

// Logger is the logging interface used by the device package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Observer is told about auto-discovery. Metrics implement it.
type Observer interface {
	DeviceDiscovered()
	EntityDiscovered()
}

// Registry resolves topic identities to devices and entities, creating them
// on first sight, and is the single write path for entity state and device
// liveness.
//
// The registry keeps every device and entity cached in memory; the Store is
// written first and the cache updated only after the write succeeds.
//
// Creation is guarded per home+node (devices) and per full identity
// (entities), so concurrent resolution of one identity creates exactly one
// row. State and liveness writes are serialised per device.
//
// All public methods are thread-safe and return copies.
type Registry struct {
	store Store

	mu            sync.RWMutex
	devices       map[string]*Device // by ID
	deviceByKey   map[string]string  // "home/node" -> device ID
	entities      map[string]*Entity // by ID
	entityByKey   map[string]string  // "home/node/type/name" -> entity ID
	entitiesByDev map[string][]string

	locks    *keyLock
	logger   Logger
	observer Observer
	now      func() time.Time
}

// NewRegistry creates a registry over store. Call Load before use.
func NewRegistry(store Store) *Registry {
	return &Registry{
		store:         store,
		devices:       make(map[string]*Device),
		deviceByKey:   make(map[string]string),
		entities:      make(map[string]*Entity),
		entityByKey:   make(map[string]string),
		entitiesByDev: make(map[string][]string),
		locks:         newKeyLock(),
		logger:        noopLogger{},
		now:           time.Now,
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	r.logger = logger
}

// SetObserver installs a discovery observer.
func (r *Registry) SetObserver(o Observer) {
	r.observer = o
}

// SetClock overrides the creation-time clock. Tests only.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// Load replaces the cache with the store contents.
func (r *Registry) Load(ctx context.Context) error {
	devices, err := r.store.ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}
	entities, err := r.store.ListEntities(ctx)
	if err != nil {
		return fmt.Errorf("loading entities: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.devices = make(map[string]*Device, len(devices))
	r.deviceByKey = make(map[string]string, len(devices))
	r.entities = make(map[string]*Entity, len(entities))
	r.entityByKey = make(map[string]string, len(entities))
	r.entitiesByDev = make(map[string][]string, len(devices))

	for i := range devices {
		r.cacheDeviceLocked(devices[i].DeepCopy())
	}
	for i := range entities {
		r.cacheEntityLocked(entities[i].DeepCopy())
	}

	r.logger.Info("registry loaded", "devices", len(devices), "entities", len(entities))
	return nil
}

// ResolveOption tunes entity creation in Resolve.
type ResolveOption func(*resolveOptions)

type resolveOptions struct {
	initial State
}

// WithInitialState supplies the first reported state so capabilities can be
// inferred when the entity is created. It is ignored for existing entities.
func WithInitialState(s State) ResolveOption {
	return func(o *resolveOptions) { o.initial = s }
}

// Resolve returns the device and entity for id, creating either if unseen.
//
// Parameters:
//   - ctx: Context for store calls
//   - id: Entity identity (home, node, type, name)
//   - opts: Optional creation hints
//
// Returns:
//   - *Device, *Entity: Copies of the resolved rows
//   - error: ErrInvalidIdentity, or a store failure
func (r *Registry) Resolve(ctx context.Context, id topic.Identity, opts ...ResolveOption) (*Device, *Entity, error) {
	if !id.IsEntity() {
		return nil, nil, fmt.Errorf("%w: %s has no entity", ErrInvalidIdentity, id)
	}
	if err := id.Validate(); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}

	var o resolveOptions
	for _, opt := range opts {
		opt(&o)
	}

	dev, err := r.resolveDevice(ctx, id.Device())
	if err != nil {
		return nil, nil, err
	}

	key := id.String()
	if ent, ok := r.cachedEntity(key); ok {
		return dev, ent, nil
	}

	unlock := r.locks.Lock("entity:" + key)
	defer unlock()

	if ent, ok := r.cachedEntity(key); ok {
		return dev, ent, nil
	}

	ent := &Entity{
		ID:           uuid.NewString(),
		DeviceID:     dev.ID,
		HomeID:       dev.HomeID,
		NodeName:     dev.NodeName,
		Type:         id.EntityType,
		Name:         id.EntityName,
		State:        State{},
		Capabilities: InferCapabilities(id.EntityType, o.initial),
		Controllable: IsControllable(id.EntityType),
		CreatedAt:    r.now().UTC(),
	}

	if err := r.store.CreateEntity(ctx, ent); err != nil {
		if !errors.Is(err, ErrEntityExists) {
			return nil, nil, fmt.Errorf("creating entity %s: %w", key, err)
		}
		// Created by another process sharing the store.
		ent, err = r.store.FindEntity(ctx, dev.ID, id.EntityType, id.EntityName)
		if err != nil {
			return nil, nil, fmt.Errorf("loading existing entity %s: %w", key, err)
		}
	} else {
		r.logger.Info("auto-created entity",
			"entity_id", ent.ID,
			"identity", key,
			"capabilities", ent.Capabilities,
		)
		if r.observer != nil {
			r.observer.EntityDiscovered()
		}
	}

	r.mu.Lock()
	r.cacheEntityLocked(ent.DeepCopy())
	r.mu.Unlock()

	return dev, ent.DeepCopy(), nil
}

// ResolveDevice returns the device for id (entity fields ignored), creating it if unseen.
func (r *Registry) ResolveDevice(ctx context.Context, id topic.Identity) (*Device, error) {
	dev := id.Device()
	if err := dev.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	return r.resolveDevice(ctx, dev)
}

func (r *Registry) resolveDevice(ctx context.Context, id topic.Identity) (*Device, error) {
	key := id.DeviceKey()
	if d, ok := r.cachedDevice(key); ok {
		return d, nil
	}

	unlock := r.locks.Lock("device:" + key)
	defer unlock()

	if d, ok := r.cachedDevice(key); ok {
		return d, nil
	}

	now := r.now().UTC()
	d := &Device{
		ID:        uuid.NewString(),
		HomeID:    id.HomeID,
		NodeName:  id.Node,
		Online:    true,
		LastSeen:  now,
		CreatedAt: now,
	}

	if err := r.store.CreateDevice(ctx, d); err != nil {
		if !errors.Is(err, ErrDeviceExists) {
			return nil, fmt.Errorf("creating device %s: %w", key, err)
		}
		d, err = r.store.FindDevice(ctx, id.HomeID, id.Node)
		if err != nil {
			return nil, fmt.Errorf("loading existing device %s: %w", key, err)
		}
	} else {
		r.logger.Info("auto-created device", "device_id", d.ID, "home_id", d.HomeID, "node", d.NodeName)
		if r.observer != nil {
			r.observer.DeviceDiscovered()
		}
	}

	r.mu.Lock()
	r.cacheDeviceLocked(d.DeepCopy())
	r.mu.Unlock()

	return d.DeepCopy(), nil
}

// StateChange is the result of ApplyState.
type StateChange struct {
	Old    State
	Entity *Entity
	Device *Device
	// WasOnline is the device's online flag before the update.
	WasOnline bool
}

// ApplyState records a new state for an entity: bumps its version, appends
// history, and marks the owning device seen and online.
func (r *Registry) ApplyState(ctx context.Context, entityID string, state State, at time.Time) (StateChange, error) {
	r.mu.RLock()
	ent, ok := r.entities[entityID]
	var deviceID string
	if ok {
		deviceID = ent.DeviceID
	}
	r.mu.RUnlock()
	if !ok {
		return StateChange{}, ErrEntityNotFound
	}

	unlock := r.locks.Lock("liveness:" + deviceID)
	defer unlock()

	r.mu.RLock()
	ent = r.entities[entityID]
	dev := r.devices[deviceID]
	version := ent.StateVersion + 1
	old := ent.State.DeepCopy()
	wasOnline := dev != nil && dev.Online
	r.mu.RUnlock()

	at = at.UTC()
	update := StateUpdate{
		EntityID: entityID,
		DeviceID: deviceID,
		State:    state.DeepCopy(),
		Version:  version,
		At:       at,
	}
	if err := r.store.ApplyState(ctx, update); err != nil {
		return StateChange{}, fmt.Errorf("applying state to %s: %w", entityID, err)
	}

	r.mu.Lock()
	ent.State = update.State
	ent.StateVersion = version
	ent.StateUpdatedAt = at
	if dev != nil {
		dev.Online = true
		if at.After(dev.LastSeen) {
			dev.LastSeen = at
		}
	}
	change := StateChange{
		Old:       old,
		Entity:    ent.DeepCopy(),
		Device:    dev.DeepCopy(),
		WasOnline: wasOnline,
	}
	r.mu.Unlock()

	return change, nil
}

// SetOnline applies a device status report. "online" also refreshes
// last-seen. It reports whether the flag changed.
func (r *Registry) SetOnline(ctx context.Context, deviceID string, online bool, at time.Time) (bool, *Device, error) {
	unlock := r.locks.Lock("liveness:" + deviceID)
	defer unlock()

	r.mu.RLock()
	dev, ok := r.devices[deviceID]
	var was bool
	if ok {
		was = dev.Online
	}
	r.mu.RUnlock()
	if !ok {
		return false, nil, ErrDeviceNotFound
	}

	var lastSeen *time.Time
	if online {
		t := at.UTC()
		lastSeen = &t
	}
	if err := r.store.SetDeviceStatus(ctx, deviceID, online, lastSeen); err != nil {
		return false, nil, fmt.Errorf("setting status of %s: %w", deviceID, err)
	}

	r.mu.Lock()
	dev.Online = online
	if lastSeen != nil {
		dev.LastSeen = *lastSeen
	}
	cpy := dev.DeepCopy()
	r.mu.Unlock()

	return was != online, cpy, nil
}

// MarkOfflineIfStale sets a device offline if it is online and was last
// seen before cutoff. The check and the write happen under the same
// per-device lock as ApplyState, so a concurrent ingest wins.
func (r *Registry) MarkOfflineIfStale(ctx context.Context, deviceID string, cutoff time.Time) (bool, *Device, error) {
	unlock := r.locks.Lock("liveness:" + deviceID)
	defer unlock()

	r.mu.RLock()
	dev, ok := r.devices[deviceID]
	stale := ok && dev.Online && dev.LastSeen.Before(cutoff)
	r.mu.RUnlock()
	if !ok {
		return false, nil, ErrDeviceNotFound
	}
	if !stale {
		return false, nil, nil
	}

	changed, err := r.store.MarkOfflineIfStale(ctx, deviceID, cutoff)
	if err != nil {
		return false, nil, fmt.Errorf("marking %s offline: %w", deviceID, err)
	}
	if !changed {
		// Store disagrees with the cache; trust the store and resync.
		r.logger.Warn("offline transition rejected by store", "device_id", deviceID)
		return false, nil, nil
	}

	r.mu.Lock()
	dev.Online = false
	cpy := dev.DeepCopy()
	r.mu.Unlock()

	return true, cpy, nil
}

// StaleDevices returns online devices last seen before cutoff.
func (r *Registry) StaleDevices(cutoff time.Time) []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Device
	for _, d := range r.devices {
		if d.Online && d.LastSeen.Before(cutoff) {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Entity looks an entity up by identity.
func (r *Registry) Entity(id topic.Identity) (*Entity, bool) {
	return r.cachedEntity(id.String())
}

// EntityByID looks an entity up by ID.
func (r *Registry) EntityByID(entityID string) (*Entity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entities[entityID]
	return e.DeepCopy(), ok
}

// Device looks a device up by ID.
func (r *Registry) Device(deviceID string) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[deviceID]
	return d.DeepCopy(), ok
}

// DeviceByIdentity looks a device up by home and node.
func (r *Registry) DeviceByIdentity(id topic.Identity) (*Device, bool) {
	return r.cachedDevice(id.DeviceKey())
}

// Devices returns every device sorted by ID.
func (r *Registry) Devices() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EntitiesOf returns a device's entities.
func (r *Registry) EntitiesOf(deviceID string) []Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.entitiesByDev[deviceID]
	out := make([]Entity, 0, len(ids))
	for _, id := range ids {
		out = append(out, *r.entities[id].DeepCopy())
	}
	return out
}

// Stats reports cache sizes.
type Stats struct {
	Devices  int `json:"devices"`
	Online   int `json:"online"`
	Entities int `json:"entities"`
}

// Stats returns current counts.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{Devices: len(r.devices), Entities: len(r.entities)}
	for _, d := range r.devices {
		if d.Online {
			s.Online++
		}
	}
	return s
}

// History returns recent state records for an entity, newest first.
func (r *Registry) History(ctx context.Context, entityID string, limit int) ([]StateRecord, error) {
	return r.store.History(ctx, entityID, limit)
}

func (r *Registry) cachedDevice(key string) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.deviceByKey[key]
	if !ok {
		return nil, false
	}
	return r.devices[id].DeepCopy(), true
}

func (r *Registry) cachedEntity(key string) (*Entity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.entityByKey[key]
	if !ok {
		return nil, false
	}
	return r.entities[id].DeepCopy(), true
}

func (r *Registry) cacheDeviceLocked(d *Device) {
	r.devices[d.ID] = d
	r.deviceByKey[d.Identity().DeviceKey()] = d.ID
}

func (r *Registry) cacheEntityLocked(e *Entity) {
	if _, exists := r.entities[e.ID]; !exists {
		r.entitiesByDev[e.DeviceID] = append(r.entitiesByDev[e.DeviceID], e.ID)
	}
	r.entities[e.ID] = e
	r.entityByKey[e.Identity().String()] = e.ID
}
