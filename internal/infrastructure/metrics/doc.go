// Package metrics exposes homegate pipeline counters to Prometheus.
//
// A single *Metrics value is handed to every component as its counter or
// observer; the components only see their own narrow interface.
package metrics
