package api

import (
	"net/http"
	"runtime"
	"time"
)

// SweepResponse reports the devices a health sweep took offline.
type SweepResponse struct {
	Offlined  int       `json:"offlined"`
	DeviceIDs []string  `json:"device_ids"`
	SweptAt   time.Time `json:"swept_at"`
}

// handleHealthSweep runs one liveness sweep. An optional ?timeout=90s
// overrides the configured liveness timeout for this sweep only.
func (s *Server) handleHealthSweep(w http.ResponseWriter, r *http.Request) {
	var timeout time.Duration
	if v := r.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeBadRequest(w, "timeout must be a positive duration such as 90s")
			return
		}
		timeout = d
	}

	now := s.now()
	offline := s.sweeper.Sweep(r.Context(), now, timeout)

	resp := SweepResponse{
		Offlined:  len(offline),
		DeviceIDs: make([]string, 0, len(offline)),
		SweptAt:   now.UTC(),
	}
	for _, ev := range offline {
		resp.DeviceIDs = append(resp.DeviceIDs, ev.DeviceID)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleAutomationTick dispatches due delayed actions and evaluates time
// triggers.
func (s *Server) handleAutomationTick(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ticker.Tick(r.Context(), s.now()))
}

// handleHealth runs every readiness check. Any failure yields 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	checks := make(map[string]string, len(s.checks))
	for _, c := range s.checks {
		if err := c.Fn(r.Context()); err != nil {
			checks[c.Name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[c.Name] = "ok"
	}

	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	writeJSON(w, status, map[string]any{
		"status":  state,
		"version": s.version,
		"checks":  checks,
	})
}

// StatusResponse is the snapshot served by /status.
type StatusResponse struct {
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Goroutines    int    `json:"goroutines"`
	Devices       int    `json:"devices"`
	Online        int    `json:"online"`
	Entities      int    `json:"entities"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Goroutines:    runtime.NumGoroutine(),
	}
	if s.stats != nil {
		st := s.stats.Stats()
		resp.Devices, resp.Online, resp.Entities = st.Devices, st.Online, st.Entities
	}
	writeJSON(w, http.StatusOK, resp)
}
