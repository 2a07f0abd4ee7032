// Package automation evaluates rules against live entity state.
//
// An Automation has triggers (state comparisons, times of day, or solar
// events) combined with AND or OR, and actions published as commands when
// the combined result goes from false to true. One automation fires at most
// MaxExecutionsPerMinute times in any minute; an automation without actions
// fires and records an empty execution.
//
// Architecture:
//
//	ChangeEvent ──▶ Engine.HandleChange ──▶ Registry.ForEntity
//	                      │
//	Tick(now) ────────────┤  evaluate (per-automation mutex, edge flag,
//	                      │  cooldown) ──▶ Publisher (QoS 1 command topic)
//	                      ▼
//	               Execution record (Repository)
//
// # Key Types
//
//   - Automation: Rule definition with triggers and actions
//   - Trigger: Entity comparison (">", "<", ">=", "<=", "==", "!="), time of day,
//     or sun event (sunrise, sunset, dawn, dusk, noon) with an offset
//   - Action: Command for one entity, or a scene, optionally delayed
//   - Scene: Ordered entity commands applied together
//   - Execution: Audit record of one firing
//   - Registry: Thread-safe cache over Repository with an entity index
//   - Engine: Edge-triggered evaluator
//
// # Errors
//
// Misconfiguration (unknown entity or scene, ordering operator on
// non-numeric values, unknown operator, sun trigger without coordinates) is
// reported with errors wrapping
// ErrConfiguration. The affected trigger is treated as false, or the
// affected action skipped; nothing else is disturbed.
//
// # Usage
//
//	registry := automation.NewRegistry(automation.NewSQLiteRepository(db.DB))
//	if err := registry.RefreshCache(ctx); err != nil {
//	    return err
//	}
//	engine := automation.NewEngine(registry, devices, manager, automation.EngineConfig{
//	    Codec:    codec,
//	    Location: cfg.Location(),
//	    Site:     &automation.Site{Latitude: 51.5, Longitude: -0.12},
//	})
//	bus.Subscribe(engine)
package automation
