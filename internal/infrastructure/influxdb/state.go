package influxdb

import (
	"encoding/json"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/homegate/internal/topic"
)

// stateMeasurement holds one point per accepted entity state.
const stateMeasurement = "entity_state"

// textSuffix marks string-valued fields. InfluxDB fixes a field's type per
// measurement, so "value" stays numeric and "value_text" holds strings like "ON".
const textSuffix = "_text"

// WriteState mirrors an accepted entity state. It implements ingest.Mirror
// and never blocks; states with no representable fields are skipped.
func (c *Client) WriteState(id topic.Identity, state map[string]any, at time.Time) {
	if !c.IsConnected() {
		return
	}
	p := statePoint(id, state, at)
	if p == nil {
		return
	}
	c.writeAPI.WritePoint(p)
}

// statePoint builds the point for one state, or nil if no field survives.
func statePoint(id topic.Identity, state map[string]any, at time.Time) *write.Point {
	fields := stateFields(state)
	if len(fields) == 0 {
		return nil
	}
	tags := map[string]string{
		"home_id":     id.HomeID,
		"node":        id.Node,
		"entity_type": id.EntityType,
		"entity_name": id.EntityName,
	}
	return write.NewPoint(stateMeasurement, tags, fields, at)
}

// stateFields flattens a state map into InfluxDB fields. Numbers are
// floats, booleans are 1 or 0, strings go to <key>_text, and nested values
// are stored as JSON text.
func stateFields(state map[string]any) map[string]any {
	fields := make(map[string]any, len(state))
	for k, v := range state {
		switch val := v.(type) {
		case nil:
		case bool:
			if val {
				fields[k] = 1.0
			} else {
				fields[k] = 0.0
			}
		case float64:
			fields[k] = val
		case float32:
			fields[k] = float64(val)
		case int:
			fields[k] = float64(val)
		case int64:
			fields[k] = float64(val)
		case json.Number:
			if f, err := val.Float64(); err == nil {
				fields[k] = f
			} else {
				fields[k+textSuffix] = val.String()
			}
		case string:
			fields[k+textSuffix] = val
		default:
			if b, err := json.Marshal(val); err == nil {
				fields[k+textSuffix] = string(b)
			}
		}
	}
	return fields
}
