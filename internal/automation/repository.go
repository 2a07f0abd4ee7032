package automation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Repository defines the interface for automation persistence.
// This abstraction allows different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type Repository interface {
	// Automation CRUD
	GetByID(ctx context.Context, id string) (*Automation, error)
	List(ctx context.Context) ([]Automation, error)
	Create(ctx context.Context, a *Automation) error
	Update(ctx context.Context, a *Automation) error
	Delete(ctx context.Context, id string) error
	SetEnabled(ctx context.Context, id string, enabled bool) error

	// Execution logging
	CreateExecution(ctx context.Context, exec *Execution) error
	ListExecutions(ctx context.Context, automationID string, limit int) ([]Execution, error)

	// Scenes
	ListScenes(ctx context.Context) ([]Scene, error)
	UpsertScene(ctx context.Context, s *Scene) error
	DeleteScene(ctx context.Context, id string) error
}

const (
	defaultExecutionLimit = 50
	maxExecutionLimit     = 1000
)

// automationColumns is the SELECT column list for automation queries.
const automationColumns = `id, name, enabled, logic, cooldown_seconds, triggers, actions, created_at, updated_at`

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteRepository creates a new SQLite-backed repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, now: time.Now}
}

// GetByID retrieves an automation by its unique identifier.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Automation, error) {
	query := `SELECT ` + automationColumns + ` FROM automations WHERE id = ?`

	a, err := scanAutomation(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAutomationNotFound
		}
		return nil, fmt.Errorf("querying automation by id: %w", err)
	}
	return a, nil
}

// List retrieves all automations ordered by name.
func (r *SQLiteRepository) List(ctx context.Context) ([]Automation, error) {
	query := `SELECT ` + automationColumns + ` FROM automations ORDER BY name, id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying automations: %w", err)
	}
	defer rows.Close()

	var out []Automation
	for rows.Next() {
		a, scanErr := scanAutomation(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scanning automation: %w", scanErr)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating automations: %w", err)
	}
	return out, nil
}

// Create inserts a new automation.
func (r *SQLiteRepository) Create(ctx context.Context, a *Automation) error {
	triggersJSON, actionsJSON, err := marshalRules(a)
	if err != nil {
		return err
	}

	now := r.now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	query := `
		INSERT INTO automations (
			id, name, enabled, logic, cooldown_seconds, triggers, actions, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, query,
		a.ID,
		a.Name,
		boolToInt(a.Enabled),
		string(a.EffectiveLogic()),
		a.CooldownSeconds,
		triggersJSON,
		actionsJSON,
		a.CreatedAt.UnixNano(),
		a.UpdatedAt.UnixNano(),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrAutomationExists
		}
		return fmt.Errorf("inserting automation: %w", err)
	}
	return nil
}

// Update replaces an existing automation's definition.
func (r *SQLiteRepository) Update(ctx context.Context, a *Automation) error {
	triggersJSON, actionsJSON, err := marshalRules(a)
	if err != nil {
		return err
	}
	a.UpdatedAt = r.now().UTC()

	query := `
		UPDATE automations SET
			name = ?, enabled = ?, logic = ?, cooldown_seconds = ?,
			triggers = ?, actions = ?, updated_at = ?
		WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query,
		a.Name,
		boolToInt(a.Enabled),
		string(a.EffectiveLogic()),
		a.CooldownSeconds,
		triggersJSON,
		actionsJSON,
		a.UpdatedAt.UnixNano(),
		a.ID,
	)
	if err != nil {
		return fmt.Errorf("updating automation: %w", err)
	}
	return expectOneRow(result)
}

// Delete removes an automation and, by cascade, its executions.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM automations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting automation: %w", err)
	}
	return expectOneRow(result)
}

// SetEnabled flips the enabled flag.
func (r *SQLiteRepository) SetEnabled(ctx context.Context, id string, enabled bool) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE automations SET enabled = ?, updated_at = ? WHERE id = ?`,
		boolToInt(enabled), r.now().UTC().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("setting automation enabled: %w", err)
	}
	return expectOneRow(result)
}

// CreateExecution records one firing.
func (r *SQLiteRepository) CreateExecution(ctx context.Context, exec *Execution) error {
	query := `
		INSERT INTO automation_executions (
			id, automation_id, fired_at, cause, actions_ok, actions_failed, error
		) VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		exec.ID,
		exec.AutomationID,
		exec.FiredAt.UTC().UnixNano(),
		exec.Cause,
		exec.ActionsOK,
		exec.ActionsFailed,
		exec.Error,
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

// ListExecutions returns an automation's most recent executions, newest first.
func (r *SQLiteRepository) ListExecutions(ctx context.Context, automationID string, limit int) ([]Execution, error) {
	if limit <= 0 {
		limit = defaultExecutionLimit
	}
	if limit > maxExecutionLimit {
		limit = maxExecutionLimit
	}

	query := `
		SELECT id, automation_id, fired_at, cause, actions_ok, actions_failed, error
		FROM automation_executions
		WHERE automation_id = ?
		ORDER BY fired_at DESC, id
		LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, automationID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		var e Execution
		var firedAt int64
		if err := rows.Scan(&e.ID, &e.AutomationID, &firedAt, &e.Cause, &e.ActionsOK, &e.ActionsFailed, &e.Error); err != nil {
			return nil, fmt.Errorf("scanning execution: %w", err)
		}
		e.FiredAt = time.Unix(0, firedAt).UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating executions: %w", err)
	}
	return out, nil
}

// ListScenes retrieves all scenes ordered by ID.
func (r *SQLiteRepository) ListScenes(ctx context.Context) ([]Scene, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, actions, created_at, updated_at FROM scenes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying scenes: %w", err)
	}
	defer rows.Close()

	var out []Scene
	for rows.Next() {
		var s Scene
		var actionsJSON string
		var createdAt, updatedAt int64
		if err := rows.Scan(&s.ID, &s.Name, &actionsJSON, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning scene: %w", err)
		}
		if err := json.Unmarshal([]byte(actionsJSON), &s.Actions); err != nil {
			return nil, fmt.Errorf("unmarshalling scene actions: %w", err)
		}
		s.CreatedAt = time.Unix(0, createdAt).UTC()
		s.UpdatedAt = time.Unix(0, updatedAt).UTC()
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating scenes: %w", err)
	}
	return out, nil
}

// UpsertScene inserts a scene or replaces the name and actions of an
// existing one. created_at is kept on replace.
func (r *SQLiteRepository) UpsertScene(ctx context.Context, s *Scene) error {
	actions, err := json.Marshal(s.Actions)
	if err != nil {
		return fmt.Errorf("marshalling scene actions: %w", err)
	}

	now := r.now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now

	query := `
		INSERT INTO scenes (id, name, actions, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			actions = excluded.actions,
			updated_at = excluded.updated_at`

	_, err = r.db.ExecContext(ctx, query,
		s.ID,
		s.Name,
		string(actions),
		s.CreatedAt.UnixNano(),
		s.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upserting scene: %w", err)
	}
	return nil
}

// DeleteScene removes a scene.
func (r *SQLiteRepository) DeleteScene(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM scenes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting scene: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrSceneNotFound
	}
	return nil
}

// rowScanner is implemented by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAutomation(scanner rowScanner) (*Automation, error) {
	var a Automation
	var enabled int
	var logic, triggersJSON, actionsJSON string
	var createdAt, updatedAt int64

	err := scanner.Scan(
		&a.ID,
		&a.Name,
		&enabled,
		&logic,
		&a.CooldownSeconds,
		&triggersJSON,
		&actionsJSON,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.Enabled = enabled != 0
	a.Logic = Logic(logic)
	a.CreatedAt = time.Unix(0, createdAt).UTC()
	a.UpdatedAt = time.Unix(0, updatedAt).UTC()

	if err := json.Unmarshal([]byte(triggersJSON), &a.Triggers); err != nil {
		return nil, fmt.Errorf("unmarshalling triggers: %w", err)
	}
	if err := json.Unmarshal([]byte(actionsJSON), &a.Actions); err != nil {
		return nil, fmt.Errorf("unmarshalling actions: %w", err)
	}
	return &a, nil
}

func marshalRules(a *Automation) (string, string, error) {
	triggers, err := json.Marshal(a.Triggers)
	if err != nil {
		return "", "", fmt.Errorf("marshalling triggers: %w", err)
	}
	actions, err := json.Marshal(a.Actions)
	if err != nil {
		return "", "", fmt.Errorf("marshalling actions: %w", err)
	}
	return string(triggers), string(actions), nil
}

func expectOneRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrAutomationNotFound
	}
	return nil
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
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint failed")
}
