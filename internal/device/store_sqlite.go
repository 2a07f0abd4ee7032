package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SQLiteStore implements Store on the schema in migrations/.
//
// Timestamps are stored as UTC unix nanoseconds; state, capabilities and
// history payloads as JSON text.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a store over an open, migrated connection.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

const entityColumns = `
	e.id, e.device_id, d.home_id, d.node_name, e.entity_type, e.name,
	e.state, e.state_version, e.state_updated_at, e.capabilities, e.controllable, e.created_at`

// ListDevices returns every device ordered by home and node.
func (s *SQLiteStore) ListDevices(ctx context.Context) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, home_id, node_name, online, last_seen, created_at FROM devices ORDER BY home_id, node_name")
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return devices, nil
}

// ListEntities returns every entity joined with its device.
func (s *SQLiteStore) ListEntities(ctx context.Context) ([]Entity, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT"+entityColumns+" FROM entities e JOIN devices d ON d.id = e.device_id ORDER BY e.device_id, e.entity_type, e.name")
	if err != nil {
		return nil, fmt.Errorf("querying entities: %w", err)
	}
	defer rows.Close()

	var entities []Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating entities: %w", err)
	}
	return entities, nil
}

// FindDevice looks a device up by home and node.
func (s *SQLiteStore) FindDevice(ctx context.Context, homeID, node string) (*Device, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, home_id, node_name, online, last_seen, created_at FROM devices WHERE home_id = ? AND node_name = ?",
		homeID, node)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeviceNotFound
	}
	return d, err
}

// FindEntity looks an entity up by device, type and name.
func (s *SQLiteStore) FindEntity(ctx context.Context, deviceID, entityType, name string) (*Entity, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT"+entityColumns+" FROM entities e JOIN devices d ON d.id = e.device_id WHERE e.device_id = ? AND e.entity_type = ? AND e.name = ?",
		deviceID, entityType, name)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntityNotFound
	}
	return e, err
}

// CreateDevice inserts a device.
func (s *SQLiteStore) CreateDevice(ctx context.Context, d *Device) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO devices (id, home_id, node_name, online, last_seen, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		d.ID, d.HomeID, d.NodeName, boolToInt(d.Online), toNanos(d.LastSeen), toNanos(d.CreatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrDeviceExists
		}
		return fmt.Errorf("inserting device: %w", err)
	}
	return nil
}

// CreateEntity inserts an entity.
func (s *SQLiteStore) CreateEntity(ctx context.Context, e *Entity) error {
	stateJSON, err := marshalJSON(e.State, "{}")
	if err != nil {
		return fmt.Errorf("marshalling state: %w", err)
	}
	capsJSON, err := marshalJSON(e.Capabilities, "{}")
	if err != nil {
		return fmt.Errorf("marshalling capabilities: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entities (id, device_id, entity_type, name, state, state_version, state_updated_at, capabilities, controllable, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.DeviceID, e.Type, e.Name, stateJSON, e.StateVersion, toNanos(e.StateUpdatedAt),
		capsJSON, boolToInt(e.Controllable), toNanos(e.CreatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrEntityExists
		}
		return fmt.Errorf("inserting entity: %w", err)
	}
	return nil
}

// ApplyState writes the state, history row, attributes and device liveness
// in one transaction.
func (s *SQLiteStore) ApplyState(ctx context.Context, u StateUpdate) error {
	stateJSON, err := marshalJSON(u.State, "{}")
	if err != nil {
		return fmt.Errorf("marshalling state: %w", err)
	}
	at := toNanos(u.At)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	res, err := tx.ExecContext(ctx,
		"UPDATE entities SET state = ?, state_version = ?, state_updated_at = ? WHERE id = ?",
		stateJSON, u.Version, at, u.EntityID)
	if err != nil {
		return fmt.Errorf("updating entity state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 { //nolint:errcheck // sqlite always reports rows affected
		return ErrEntityNotFound
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO entity_state_history (entity_id, state, recorded_at) VALUES (?, ?, ?)",
		u.EntityID, stateJSON, at); err != nil {
		return fmt.Errorf("inserting state history: %w", err)
	}

	for k, v := range u.State {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO entity_attributes (entity_id, key, value) VALUES (?, ?, ?)
			ON CONFLICT (entity_id, key) DO UPDATE SET value = excluded.value`,
			u.EntityID, k, attributeString(v)); err != nil {
			return fmt.Errorf("upserting attribute %s: %w", k, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE devices SET online = 1, last_seen = MAX(last_seen, ?) WHERE id = ?",
		at, u.DeviceID); err != nil {
		return fmt.Errorf("updating device liveness: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing state update: %w", err)
	}
	return nil
}

// SetDeviceStatus writes the online flag and optionally last-seen.
func (s *SQLiteStore) SetDeviceStatus(ctx context.Context, deviceID string, online bool, lastSeen *time.Time) error {
	var (
		res sql.Result
		err error
	)
	if lastSeen != nil {
		res, err = s.db.ExecContext(ctx, "UPDATE devices SET online = ?, last_seen = ? WHERE id = ?",
			boolToInt(online), toNanos(*lastSeen), deviceID)
	} else {
		res, err = s.db.ExecContext(ctx, "UPDATE devices SET online = ? WHERE id = ?",
			boolToInt(online), deviceID)
	}
	if err != nil {
		return fmt.Errorf("updating device status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 { //nolint:errcheck // sqlite always reports rows affected
		return ErrDeviceNotFound
	}
	return nil
}

// MarkOfflineIfStale is a conditional update; concurrent ingestion that
// refreshed last_seen makes it a no-op.
func (s *SQLiteStore) MarkOfflineIfStale(ctx context.Context, deviceID string, cutoff time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE devices SET online = 0 WHERE id = ? AND online = 1 AND last_seen < ?",
		deviceID, toNanos(cutoff))
	if err != nil {
		return false, fmt.Errorf("marking device offline: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading rows affected: %w", err)
	}
	return n == 1, nil
}

// History returns recent records for an entity, newest first.
func (s *SQLiteStore) History(ctx context.Context, entityID string, limit int) ([]StateRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, entity_id, state, recorded_at FROM entity_state_history WHERE entity_id = ? ORDER BY recorded_at DESC, id DESC LIMIT ?",
		entityID, clampHistoryLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying state history: %w", err)
	}
	defer rows.Close()

	var records []StateRecord
	for rows.Next() {
		var (
			r          StateRecord
			stateJSON  string
			recordedAt int64
		)
		if err := rows.Scan(&r.ID, &r.EntityID, &stateJSON, &recordedAt); err != nil {
			return nil, fmt.Errorf("scanning state history: %w", err)
		}
		if err := json.Unmarshal([]byte(stateJSON), &r.State); err != nil {
			return nil, fmt.Errorf("unmarshalling history state: %w", err)
		}
		r.RecordedAt = fromNanos(recordedAt)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating state history: %w", err)
	}
	return records, nil
}

// PruneHistory deletes records recorded before the given time.
func (s *SQLiteStore) PruneHistory(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM entity_state_history WHERE recorded_at < ?", toNanos(before))
	if err != nil {
		return 0, fmt.Errorf("pruning state history: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading rows affected: %w", err)
	}
	return n, nil
}

// CountHistoryBefore counts records recorded before the given time.
func (s *SQLiteStore) CountHistoryBefore(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM entity_state_history WHERE recorded_at < ?", toNanos(before)).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting state history: %w", err)
	}
	return n, nil
}

// Attributes returns the flattened key/value attributes of an entity.
func (s *SQLiteStore) Attributes(ctx context.Context, entityID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM entity_attributes WHERE entity_id = ?", entityID)
	if err != nil {
		return nil, fmt.Errorf("querying attributes: %w", err)
	}
	defer rows.Close()

	attrs := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scanning attribute: %w", err)
		}
		attrs[k] = v
	}
	return attrs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*Device, error) {
	var (
		d                   Device
		online              int
		lastSeen, createdAt int64
	)
	if err := row.Scan(&d.ID, &d.HomeID, &d.NodeName, &online, &lastSeen, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning device: %w", err)
	}
	d.Online = online == 1
	d.LastSeen = fromNanos(lastSeen)
	d.CreatedAt = fromNanos(createdAt)
	return &d, nil
}

func scanEntity(row rowScanner) (*Entity, error) {
	var (
		e                              Entity
		stateJSON, capsJSON            string
		controllable                   int
		stateUpdatedAt, createdAtNanos int64
	)
	if err := row.Scan(&e.ID, &e.DeviceID, &e.HomeID, &e.NodeName, &e.Type, &e.Name,
		&stateJSON, &e.StateVersion, &stateUpdatedAt, &capsJSON, &controllable, &createdAtNanos); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning entity: %w", err)
	}
	if err := json.Unmarshal([]byte(stateJSON), &e.State); err != nil {
		return nil, fmt.Errorf("unmarshalling entity state: %w", err)
	}
	if err := json.Unmarshal([]byte(capsJSON), &e.Capabilities); err != nil {
		return nil, fmt.Errorf("unmarshalling capabilities: %w", err)
	}
	e.Controllable = controllable == 1
	e.StateUpdatedAt = fromNanos(stateUpdatedAt)
	e.CreatedAt = fromNanos(createdAtNanos)
	return &e, nil
}

func marshalJSON(v any, empty string) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(b) == "null" {
		return empty, nil
	}
	return string(b), nil
}

func attributeString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case map[string]any, []any:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	default:
		return fmt.Sprint(val)
	}
}

// toNanos maps the zero time to 0 so "never" round-trips.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
