// Package influxdb mirrors homegate entity state into InfluxDB.
//
// SQLite keeps the authoritative state history; this package writes a copy
// of every accepted state to a bucket so long-range trends can be graphed
// without growing the local database.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//	ingestEngine.SetMirror(client)
//
// # Schema
//
// Measurement "entity_state", tagged home_id, node, entity_type and
// entity_name. Numeric and boolean state keys become float fields; string
// keys are written to "<key>_text".
//
// # Error Handling
//
// Writes are batched and non-blocking. Failures arrive asynchronously and
// are logged and counted; Connect and HealthCheck return errors directly.
package influxdb
