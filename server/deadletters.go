package server

import (
	"net/http"

	"github.com/teranos/pulseline/logger"
	"github.com/teranos/pulseline/pulse/deadletter"
)

// handleListDeadLetters handles GET /api/dead-letters
func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	f := deadletter.Filter{Workflow: r.URL.Query().Get("workflow")}
	unresolved, err := queryBool(r, "unresolved")
	if err == nil {
		f.Offset, f.Limit, err = page(r)
	}
	if err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}
	f.Unresolved = unresolved != nil && *unresolved

	p, err := s.deps.DeadLetters.List(r.Context(), f)
	if err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleGetDeadLetter handles GET /api/dead-letters/{id}
func (s *Server) handleGetDeadLetter(w http.ResponseWriter, r *http.Request) {
	d, err := s.deps.DeadLetters.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// handleReplayDeadLetter handles POST /api/dead-letters/{id}/replay
func (s *Server) handleReplayDeadLetter(w http.ResponseWriter, r *http.Request) {
	var req ReplayRequest
	if err := readJSON(r, &req, true); err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}
	if req.Actor == "" {
		req.Actor = "api"
	}
	id := r.PathValue("id")
	sub, err := s.deps.DeadLetters.Replay(r.Context(), id, req.Actor)
	if err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}
	logger.AddDeadLetterSymbol(s.logger).Infow("Dead letter replayed via API",
		logger.FieldDeadLetter, shortID(id),
		logger.FieldExecutionID, sub.Execution.ID,
		"actor", req.Actor,
		"existing", sub.Existing)
	status := http.StatusCreated
	if sub.Existing {
		status = http.StatusOK
	}
	writeJSON(w, status, sub)
}

// handleResolveDeadLetter handles POST /api/dead-letters/{id}/resolve
func (s *Server) handleResolveDeadLetter(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := readJSON(r, &req, true); err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}
	if req.Actor == "" {
		req.Actor = "api"
	}
	d, err := s.deps.DeadLetters.Resolve(r.Context(), r.PathValue("id"), req.Actor, req.Note)
	if err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}
