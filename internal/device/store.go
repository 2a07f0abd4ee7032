package device

import (
	"context"
	"time"
)

// Store persists devices, entities and state history.
// The Registry is the only caller that writes through it.
type Store interface {
	// ListDevices returns every device.
	ListDevices(ctx context.Context) ([]Device, error)

	// ListEntities returns every entity with HomeID/NodeName populated.
	ListEntities(ctx context.Context) ([]Entity, error)

	// FindDevice looks a device up by home and node.
	// Returns ErrDeviceNotFound if absent.
	FindDevice(ctx context.Context, homeID, node string) (*Device, error)

	// FindEntity looks an entity up by device, type and name.
	// Returns ErrEntityNotFound if absent.
	FindEntity(ctx context.Context, deviceID, entityType, name string) (*Entity, error)

	// CreateDevice inserts a device.
	// Returns ErrDeviceExists if the home/node pair is taken.
	CreateDevice(ctx context.Context, d *Device) error

	// CreateEntity inserts an entity.
	// Returns ErrEntityExists if the device/type/name triple is taken.
	CreateEntity(ctx context.Context, e *Entity) error

	// ApplyState atomically writes the entity state and version, appends a
	// history row, and marks the device seen and online.
	ApplyState(ctx context.Context, u StateUpdate) error

	// SetDeviceStatus writes the online flag and, when lastSeen is non-nil,
	// the last-seen time.
	SetDeviceStatus(ctx context.Context, deviceID string, online bool, lastSeen *time.Time) error

	// MarkOfflineIfStale sets online=false only if the device is online and
	// last seen before cutoff. It reports whether the row changed.
	MarkOfflineIfStale(ctx context.Context, deviceID string, cutoff time.Time) (bool, error)

	// History returns up to limit records for an entity, newest first.
	History(ctx context.Context, entityID string, limit int) ([]StateRecord, error)

	// PruneHistory deletes records older than before and returns how many went.
	PruneHistory(ctx context.Context, before time.Time) (int64, error)

	// CountHistoryBefore counts records older than before.
	CountHistoryBefore(ctx context.Context, before time.Time) (int64, error)
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

func clampHistoryLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}
