package server

import (
	"bufio"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/teranos/pulseline/errors"
	"github.com/teranos/pulseline/logger"
	"github.com/teranos/pulseline/pulse/metrics"
)

// setupHTTPRoutes configures all HTTP handlers
func (s *Server) setupHTTPRoutes() {
	routes := []struct {
		pattern string
		handler http.HandlerFunc
	}{
		{"POST /api/executions", s.handleSubmitExecution},
		{"GET /api/executions", s.handleListExecutions},
		{"GET /api/executions/{id}", s.handleGetExecution},
		{"GET /api/executions/{id}/lineage", s.handleExecutionLineage},
		{"GET /api/executions/{id}/events", s.handleOwnerEvents},
		{"POST /api/executions/{id}/cancel", s.handleCancelExecution},
		{"POST /api/executions/{id}/retry", s.handleRetryExecution},

		{"POST /api/runs", s.handleStartRun},
		{"GET /api/runs", s.handleListRuns},
		{"GET /api/runs/{id}", s.handleGetRun},
		{"GET /api/runs/{id}/events", s.handleOwnerEvents},
		{"POST /api/runs/{id}/cancel", s.handleCancelRun},

		{"GET /api/schedules", s.handleListSchedules},
		{"POST /api/schedules", s.handleCreateSchedule},
		{"POST /api/schedules/apply", s.handleApplySchedules},
		{"GET /api/schedules/{id}", s.handleGetSchedule},
		{"PATCH /api/schedules/{id}", s.handleUpdateSchedule},
		{"DELETE /api/schedules/{id}", s.handleDeleteSchedule},
		{"POST /api/schedules/{id}/enable", s.handleEnableSchedule},
		{"POST /api/schedules/{id}/disable", s.handleDisableSchedule},
		{"POST /api/schedules/{id}/trigger", s.handleTriggerSchedule},
		{"GET /api/schedules/{id}/runs", s.handleScheduleRuns},

		{"GET /api/dead-letters", s.handleListDeadLetters},
		{"GET /api/dead-letters/{id}", s.handleGetDeadLetter},
		{"POST /api/dead-letters/{id}/replay", s.handleReplayDeadLetter},
		{"POST /api/dead-letters/{id}/resolve", s.handleResolveDeadLetter},

		{"GET /api/alert-channels", s.handleListChannels},
		{"POST /api/alert-channels", s.handleCreateChannel},
		{"GET /api/alert-channels/{id}", s.handleGetChannel},
		{"PUT /api/alert-channels/{id}", s.handleUpdateChannel},
		{"DELETE /api/alert-channels/{id}", s.handleDeleteChannel},
		{"GET /api/alerts", s.handleListAlerts},
		{"POST /api/alerts", s.handleRaiseAlert},
		{"GET /api/alerts/{id}", s.handleGetAlert},
		{"GET /api/alerts/{id}/deliveries", s.handleAlertDeliveries},

		{"GET /api/events", s.handleListEvents},
		{"GET /api/events/stream", s.HandleEventStream},
		{"GET /api/locks", s.handleListLocks},

		{"GET /health", s.HandleHealth},
	}
	for _, rt := range routes {
		s.mux.HandleFunc(rt.pattern, s.corsMiddleware(s.instrument(rt.pattern, rt.handler)))
	}
	s.mux.Handle("GET /metrics", s.instrument("GET /metrics", metrics.Handler().ServeHTTP))
	s.mux.HandleFunc("OPTIONS /", s.corsMiddleware(func(w http.ResponseWriter, r *http.Request) {}))
}

// corsMiddleware adds CORS headers for configured origins and answers
// preflight requests.
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.checkOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, If-Match")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

// checkOrigin accepts requests without an Origin header, and otherwise
// matches the configured origins by prefix so any port is allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	allowed := s.deps.AllowedOrigins
	if len(allowed) == 0 {
		allowed = []string{"http://localhost", "https://localhost", "http://127.0.0.1"}
	}
	for _, a := range allowed {
		if strings.HasPrefix(origin, a) {
			return true
		}
	}
	return false
}

// instrument records the request in metrics under its route pattern.
func (s *Server) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next(rec, r)
		elapsed := time.Since(start)
		metrics.RecordHTTPRequest(r.Method, route, rec.statusCode, elapsed)
		s.logger.Debugw("HTTP request",
			logger.FieldMethod, r.Method,
			logger.FieldPath, r.URL.Path,
			logger.FieldStatus, rec.statusCode,
			logger.FieldDurationMS, elapsed.Milliseconds())
	}
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rr *statusRecorder) WriteHeader(code int) {
	if !rr.wroteHeader {
		rr.statusCode = code
		rr.wroteHeader = true
	}
	rr.ResponseWriter.WriteHeader(code)
}

// Hijack hands the connection to the websocket upgrader.
func (rr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rr.statusCode = http.StatusSwitchingProtocols
	rr.wroteHeader = true
	return h.Hijack()
}

func (rr *statusRecorder) Unwrap() http.ResponseWriter {
	return rr.ResponseWriter
}
