package device

import (
	"time"

	"github.com/nerrad567/homegate/internal/topic"
)

// ValueKey is the state key holding an entity's primary value. Bare scalar
// payloads are stored as {"value": v}.
const ValueKey = "value"

// State is an entity's current structured value.
type State map[string]any

// Get returns the attribute named key.
func (s State) Get(key string) (any, bool) {
	if s == nil {
		return nil, false
	}
	v, ok := s[key]
	return v, ok
}

// DeepCopy returns an independent copy of the state.
func (s State) DeepCopy() State {
	return deepCopyMap(s)
}

// Device is a physical node, created on the first message from an unseen
// home/node pair and never deleted by the core.
type Device struct {
	ID        string    `json:"id"`
	HomeID    string    `json:"home_id"`
	NodeName  string    `json:"node_name"`
	Online    bool      `json:"is_online"`
	LastSeen  time.Time `json:"last_seen"`
	CreatedAt time.Time `json:"created_at"`
}

// Identity returns the device identity (home and node).
func (d *Device) Identity() topic.Identity {
	return topic.Identity{HomeID: d.HomeID, Node: d.NodeName}
}

// DeepCopy returns a copy of the device.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}
	cpy := *d
	return &cpy
}

// Capabilities are feature flags inferred when an entity is discovered,
// e.g. {"brightness": true} or {"read_only": true}.
type Capabilities map[string]bool

// Entity is one observable or controllable point on a device.
type Entity struct {
	ID       string `json:"id"`
	DeviceID string `json:"device_id"`

	// HomeID and NodeName are denormalised from the owning device so an
	// entity can be addressed without a device lookup.
	HomeID   string `json:"home_id"`
	NodeName string `json:"node_name"`

	Type string `json:"entity_type"`
	Name string `json:"name"`

	State          State     `json:"state"`
	StateVersion   int64     `json:"state_version"`
	StateUpdatedAt time.Time `json:"state_updated_at"`

	Capabilities Capabilities `json:"capabilities"`
	Controllable bool         `json:"is_controllable"`

	CreatedAt time.Time `json:"created_at"`
}

// Identity returns the full entity identity.
func (e *Entity) Identity() topic.Identity {
	return topic.Identity{HomeID: e.HomeID, Node: e.NodeName, EntityType: e.Type, EntityName: e.Name}
}

// DeepCopy returns an independent copy of the entity, cloning state and capabilities.
func (e *Entity) DeepCopy() *Entity {
	if e == nil {
		return nil
	}
	cpy := *e
	cpy.State = e.State.DeepCopy()
	if e.Capabilities != nil {
		cpy.Capabilities = make(Capabilities, len(e.Capabilities))
		for k, v := range e.Capabilities {
			cpy.Capabilities[k] = v
		}
	}
	return &cpy
}

// StateRecord is one immutable history row.
type StateRecord struct {
	ID         int64     `json:"id"`
	EntityID   string    `json:"entity_id"`
	State      State     `json:"state"`
	RecordedAt time.Time `json:"recorded_at"`
}

// StateUpdate is everything written for one accepted state report: the
// entity's new state and version, its history row, and the device's
// liveness. Stores apply it atomically.
type StateUpdate struct {
	EntityID string
	DeviceID string
	State    State
	Version  int64
	At       time.Time
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cpy := make(map[string]any, len(m))
	for k, v := range m {
		cpy[k] = deepCopyValue(v)
	}
	return cpy
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case State:
		return State(deepCopyMap(val))
	case []any:
		cpy := make([]any, len(val))
		for i, elem := range val {
			cpy[i] = deepCopyValue(elem)
		}
		return cpy
	default:
		return v
	}
}
