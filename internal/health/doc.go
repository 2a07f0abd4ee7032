// Package health detects devices that have gone silent.
//
// A Monitor sweeps the registry for online devices whose last-seen time is
// older than the liveness timeout and flips each to offline exactly once,
// emitting an offline-transition change event. Sweeps run on an internal
// ticker, from an external scheduler hook, or both.
package health
