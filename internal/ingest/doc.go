// Package ingest applies inbound state and status messages.
//
// A state message is decoded, its entity resolved (created on first sight),
// the new state and a history record written, the owning device marked seen
// and online, and an "ingested" change event emitted. A status message only
// flips device liveness and emits a transition event when the flag changes.
//
// Rejected messages return *Error wrapping ErrMalformedPayload; they change
// nothing and emit nothing.
package ingest
