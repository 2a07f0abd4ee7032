package events

import (
	"time"

	"github.com/nerrad567/homegate/internal/topic"
)

// Cause says why a ChangeEvent was produced.
type Cause string

const (
	// CauseIngested is an accepted entity state report.
	CauseIngested Cause = "ingested"
	// CauseOfflineTransition is a device going offline, by status message or health sweep.
	CauseOfflineTransition Cause = "offline-transition"
	// CauseOnlineTransition is a device reporting "online" on its status topic.
	CauseOnlineTransition Cause = "online-transition"
)

// Record types handed to external fan-out.
const (
	TypeEntityState  = "entity_state"
	TypeDeviceStatus = "device_status"
)

// ChangeEvent is a transient notification that entity state or device
// liveness changed. It is never persisted.
//
// For device transitions Identity carries only HomeID and Node, EntityID is
// empty, and Old/New are nil.
type ChangeEvent struct {
	Identity  topic.Identity
	EntityID  string
	DeviceID  string
	Old       map[string]any
	New       map[string]any
	Online    bool
	Timestamp time.Time
	Cause     Cause
}

// IsEntity reports whether the event carries entity state.
func (e ChangeEvent) IsEntity() bool {
	return e.Cause == CauseIngested
}

// Record is the change record shape consumed by realtime delivery.
// Every key is always present; entity_id and state are null for device events.
type Record struct {
	Type      string         `json:"type"`
	EntityID  *string        `json:"entity_id"`
	DeviceID  string         `json:"device_id"`
	State     map[string]any `json:"state"`
	IsOnline  bool           `json:"is_online"`
	Timestamp time.Time      `json:"timestamp"`
}

// Record converts the event to its external shape.
func (e ChangeEvent) Record() Record {
	r := Record{
		Type:      TypeDeviceStatus,
		DeviceID:  e.DeviceID,
		IsOnline:  e.Online,
		Timestamp: e.Timestamp.UTC(),
	}
	if e.IsEntity() {
		id := e.EntityID
		r.Type = TypeEntityState
		r.EntityID = &id
		r.State = e.New
	}
	return r
}
