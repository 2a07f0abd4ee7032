// Package device holds the device and entity model, auto-discovery, and the
// single write path for entity state, history and device liveness.
//
// Devices and entities are never registered up front. The first state
// message for home/<id>/<node>/<type>/<name>/state creates both rows; a
// status message creates only the device. Registry.Resolve is the
// get-or-create entry point and is safe under concurrent discovery.
//
// Two Store implementations exist: SQLiteStore for the bundled schema and
// MemoryStore for tests and external-store deployments.
//
// Usage:
//
//	reg := device.NewRegistry(device.NewSQLiteStore(db.DB))
//	if err := reg.Load(ctx); err != nil {
//	    return err
//	}
//	dev, ent, err := reg.Resolve(ctx, parsed.Identity, device.WithInitialState(state))
package device
