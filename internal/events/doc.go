// Package events defines the change events produced by ingestion and the
// health monitor, and the bus that hands them to the automation engine and
// to external realtime delivery.
package events
