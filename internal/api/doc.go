// Package api serves the small HTTP surface homegate exposes to operators
// and external schedulers.
//
// Routes:
//   - POST /hooks/health-sweep: run one liveness sweep (optional ?timeout=90s)
//   - POST /hooks/automation-tick: dispatch delayed actions, evaluate time triggers
//   - GET /healthz: readiness checks (broker session, database, sinks)
//   - GET /status: registry counts and uptime
//   - GET /metrics: Prometheus exposition
//
// The hooks are idempotent: calling them more often than needed is harmless,
// so cron, systemd timers or an orchestrator can drive them at any cadence.
//
// There is no user-facing device or automation API here.
package api
