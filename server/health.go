package server

import (
	"net/http"
	"time"

	"github.com/teranos/pulseline/logger"
	"github.com/teranos/pulseline/version"
)

// HandleHealth reports liveness plus a summary of the engine: execution
// counts by status, worker pool and ticker state. A draining server
// answers 503 so load balancers stop routing to it.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	versionInfo := version.Get()
	state := s.getState()

	health := map[string]interface{}{
		"status":         "ok",
		"state":          stateString(state),
		"version":        versionInfo.Version,
		"commit":         versionInfo.Short(),
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"clients":        s.clientCount(),
	}

	counts, err := s.deps.Engine.Store().CountByStatus(r.Context(), s.deps.DB)
	if err != nil {
		s.logger.Warnw("Health check could not count executions", logger.FieldError, err)
		health["status"] = "degraded"
		health["error"] = err.Error()
	} else {
		health["executions"] = counts
	}
	if s.deps.Pool != nil {
		health["workers"] = s.deps.Pool.GetSystemMetrics(r.Context())
	}
	if s.deps.Ticker != nil {
		health["ticker"] = s.deps.Ticker.GetStats()
	}

	status := http.StatusOK
	if state != ServerStateRunning {
		health["status"] = "draining"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

// handleListLocks handles GET /api/locks: the concurrency locks currently
// stored, live or awaiting the reaper.
func (s *Server) handleListLocks(w http.ResponseWriter, r *http.Request) {
	if s.deps.Locks == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"locks": []interface{}{}})
		return
	}
	locks, err := s.deps.Locks.List(r.Context())
	if err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}
	now := time.Now()
	out := make([]map[string]interface{}, 0, len(locks))
	for _, l := range locks {
		out = append(out, map[string]interface{}{
			"lock":    l,
			"expired": !l.Live(now),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"locks": out})
}
