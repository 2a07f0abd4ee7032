package automation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/nerrad567/homegate/internal/topic"
)

// Logger defines the logging interface used by the Registry and Engine.
// This allows different logging implementations to be used.
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

// Registry provides automation management with caching and thread safety.
// It wraps a Repository and adds an in-memory cache plus an index from
// entity to the automations whose state triggers reference it. Scenes are
// cached alongside.
//
// The cache is populated on startup via RefreshCache() and kept in sync
// by cache-updating CRUD operations.
//
// All public methods are thread-safe.
type Registry struct {
	repo     Repository
	cache    map[string]*Automation // by ID
	byEntity map[string][]string    // entity identity -> automation IDs
	scenes   map[string]*Scene      // by ID
	cacheMu  sync.RWMutex
	logger   Logger
}

// NewRegistry creates a new automation registry.
func NewRegistry(repo Repository) *Registry {
	return &Registry{
		repo:     repo,
		cache:    make(map[string]*Automation),
		byEntity: make(map[string][]string),
		scenes:   make(map[string]*Scene),
		logger:   noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	r.logger = logger
}

// RefreshCache reloads all automations and scenes from the repository into
// the cache. This should be called on application startup.
func (r *Registry) RefreshCache(ctx context.Context) error {
	list, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading automations: %w", err)
	}
	scenes, err := r.repo.ListScenes(ctx)
	if err != nil {
		return fmt.Errorf("loading scenes: %w", err)
	}

	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	r.cache = make(map[string]*Automation, len(list))
	for i := range list {
		r.cache[list[i].ID] = list[i].DeepCopy()
	}
	r.rebuildIndexLocked()

	r.scenes = make(map[string]*Scene, len(scenes))
	for i := range scenes {
		r.scenes[scenes[i].ID] = scenes[i].DeepCopy()
	}

	r.logger.Info("automation cache refreshed", "count", len(list), "scenes", len(scenes))
	return nil
}

// Get returns a deep copy of an automation.
func (r *Registry) Get(id string) (*Automation, error) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	a, ok := r.cache[id]
	if !ok {
		return nil, ErrAutomationNotFound
	}
	return a.DeepCopy(), nil
}

// List returns deep copies of every automation sorted by name then ID.
func (r *Registry) List() []Automation {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	out := make([]Automation, 0, len(r.cache))
	for _, a := range r.cache {
		out = append(out, *a.DeepCopy())
	}
	sortAutomations(out)
	return out
}

// ForEntity returns enabled automations with a state trigger on id.
func (r *Registry) ForEntity(id topic.Identity) []Automation {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	ids := r.byEntity[id.String()]
	out := make([]Automation, 0, len(ids))
	for _, aid := range ids {
		if a := r.cache[aid]; a != nil && a.Enabled {
			out = append(out, *a.DeepCopy())
		}
	}
	return out
}

// Timed returns enabled automations with at least one time trigger.
func (r *Registry) Timed() []Automation {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	var out []Automation
	for _, a := range r.cache {
		if a.Enabled && a.HasTimeTrigger() {
			out = append(out, *a.DeepCopy())
		}
	}
	sortAutomations(out)
	return out
}

// Count returns the number of cached automations.
func (r *Registry) Count() int {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	return len(r.cache)
}

// Create validates, persists, and caches a new automation.
func (r *Registry) Create(ctx context.Context, a *Automation) error {
	if a.ID == "" {
		a.ID = GenerateID()
	}
	if a.Logic == "" {
		a.Logic = LogicAnd
	}
	if err := ValidateAutomation(a); err != nil {
		return err
	}
	if err := r.repo.Create(ctx, a); err != nil {
		return err
	}

	r.put(a)
	r.logger.Info("automation created", "id", a.ID, "name", a.Name)
	r.warnIfNoActions(a)
	return nil
}

// Update validates, persists, and re-caches an automation.
func (r *Registry) Update(ctx context.Context, a *Automation) error {
	if a.Logic == "" {
		a.Logic = LogicAnd
	}
	if err := ValidateAutomation(a); err != nil {
		return err
	}
	if err := r.repo.Update(ctx, a); err != nil {
		return err
	}

	r.put(a)
	r.logger.Info("automation updated", "id", a.ID, "name", a.Name)
	r.warnIfNoActions(a)
	return nil
}

// warnIfNoActions flags a rule that will fire without doing anything.
func (r *Registry) warnIfNoActions(a *Automation) {
	if len(a.Actions) == 0 {
		r.logger.Warn("automation has no actions", "id", a.ID, "name", a.Name)
	}
}

// Delete removes an automation from persistence and cache.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := r.repo.Delete(ctx, id); err != nil {
		return err
	}

	r.cacheMu.Lock()
	delete(r.cache, id)
	r.rebuildIndexLocked()
	r.cacheMu.Unlock()

	r.logger.Info("automation deleted", "id", id)
	return nil
}

// SetEnabled persists and caches the enabled flag. It reports whether the
// flag changed.
func (r *Registry) SetEnabled(ctx context.Context, id string, enabled bool) (bool, error) {
	r.cacheMu.RLock()
	a, ok := r.cache[id]
	was := ok && a.Enabled
	r.cacheMu.RUnlock()
	if !ok {
		return false, ErrAutomationNotFound
	}

	if err := r.repo.SetEnabled(ctx, id, enabled); err != nil {
		return false, err
	}

	r.cacheMu.Lock()
	if cached, ok := r.cache[id]; ok {
		cached.Enabled = enabled
	}
	r.cacheMu.Unlock()

	r.logger.Info("automation enabled changed", "id", id, "enabled", enabled)
	return was != enabled, nil
}

// SyncResult summarises a Sync.
type SyncResult struct {
	Created int
	Updated int
}

// Sync upserts definitions (typically from a rules file) by ID. Automations
// not in defs are left alone.
func (r *Registry) Sync(ctx context.Context, defs []Automation) (SyncResult, error) {
	var res SyncResult
	for i := range defs {
		a := defs[i].DeepCopy()
		err := r.Update(ctx, a)
		switch {
		case err == nil:
			res.Updated++
		case errors.Is(err, ErrAutomationNotFound):
			if err := r.Create(ctx, a); err != nil {
				return res, fmt.Errorf("automation %q: %w", a.Name, err)
			}
			res.Created++
		default:
			return res, fmt.Errorf("automation %q: %w", a.Name, err)
		}
	}
	return res, nil
}

// Scene returns a deep copy of a scene.
func (r *Registry) Scene(id string) (*Scene, bool) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	s, ok := r.scenes[id]
	if !ok {
		return nil, false
	}
	return s.DeepCopy(), true
}

// Scenes returns deep copies of every scene sorted by ID.
func (r *Registry) Scenes() []Scene {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	out := make([]Scene, 0, len(r.scenes))
	for _, s := range r.scenes {
		out = append(out, *s.DeepCopy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PutScene validates, persists, and caches a scene, replacing any scene
// with the same ID.
func (r *Registry) PutScene(ctx context.Context, s *Scene) error {
	if err := ValidateScene(s); err != nil {
		return err
	}
	if err := r.repo.UpsertScene(ctx, s); err != nil {
		return err
	}

	r.cacheMu.Lock()
	r.scenes[s.ID] = s.DeepCopy()
	r.cacheMu.Unlock()

	r.logger.Info("scene saved", "id", s.ID, "name", s.Name, "actions", len(s.Actions))
	return nil
}

// DeleteScene removes a scene. Actions still naming it are skipped when
// they fire.
func (r *Registry) DeleteScene(ctx context.Context, id string) error {
	if err := r.repo.DeleteScene(ctx, id); err != nil {
		return err
	}

	r.cacheMu.Lock()
	delete(r.scenes, id)
	r.cacheMu.Unlock()

	r.logger.Info("scene deleted", "id", id)
	return nil
}

// SyncScenes upserts scene definitions by ID and returns how many were
// written. Scenes not in defs are left alone.
func (r *Registry) SyncScenes(ctx context.Context, defs []Scene) (int, error) {
	for i := range defs {
		if err := r.PutScene(ctx, defs[i].DeepCopy()); err != nil {
			return i, fmt.Errorf("scene %q: %w", defs[i].ID, err)
		}
	}
	return len(defs), nil
}

// Executions returns recent executions of an automation, newest first.
func (r *Registry) Executions(ctx context.Context, id string, limit int) ([]Execution, error) {
	return r.repo.ListExecutions(ctx, id, limit)
}

// RecordExecution persists an execution record.
func (r *Registry) RecordExecution(ctx context.Context, exec *Execution) error {
	return r.repo.CreateExecution(ctx, exec)
}

func (r *Registry) put(a *Automation) {
	r.cacheMu.Lock()
	r.cache[a.ID] = a.DeepCopy()
	r.rebuildIndexLocked()
	r.cacheMu.Unlock()
}

// rebuildIndexLocked recomputes byEntity. Caller holds cacheMu.
func (r *Registry) rebuildIndexLocked() {
	idx := make(map[string][]string)
	for id, a := range r.cache {
		seen := make(map[string]bool)
		for _, t := range a.Triggers {
			if t.EffectiveKind() != TriggerState {
				continue
			}
			ref, err := topic.ParseRef(t.Entity)
			if err != nil {
				continue
			}
			key := ref.String()
			if !seen[key] {
				seen[key] = true
				idx[key] = append(idx[key], id)
			}
		}
	}
	for _, ids := range idx {
		sort.Strings(ids)
	}
	r.byEntity = idx
}

// sortAutomations sorts by name then ID, matching the DB query ordering.
func sortAutomations(list []Automation) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].Name != list[j].Name {
			return list[i].Name < list[j].Name
		}
		return list[i].ID < list[j].ID
	})
}
