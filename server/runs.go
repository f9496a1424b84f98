package server

import (
	"net/http"

	"github.com/teranos/pulseline/errors"
	"github.com/teranos/pulseline/logger"
	"github.com/teranos/pulseline/pulse/async"
	"github.com/teranos/pulseline/pulse/workflow"
)

// handleStartRun handles POST /api/runs. Start advances synchronously, so
// a run of operation steps may already be terminal in the response.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runner == nil {
		writeErrorFor(w, s.logger, errors.Wrap(errors.ErrServiceUnavailable, "workflow runs are not enabled"))
		return
	}
	var req workflow.StartRequest
	if err := readJSON(r, &req, false); err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}
	if req.Trigger == "" {
		req.Trigger = async.TriggerAPI
	}

	started, err := s.deps.Runner.Start(r.Context(), req)
	if err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}
	status := http.StatusCreated
	if started.Existing {
		status = http.StatusOK
	}
	logger.AddPulseSymbol(s.logger).Infow("Run started via API",
		logger.FieldRunID, started.Run.ID,
		logger.FieldWorkflow, started.Run.Workflow,
		logger.FieldStatus, started.Run.Status,
		"existing", started.Existing)
	writeJSON(w, status, started)
}

// handleListRuns handles GET /api/runs
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runner == nil {
		writeJSON(w, http.StatusOK, workflow.Page{Items: []*workflow.Run{}})
		return
	}
	var f workflow.Filter
	var err error
	if raw := r.URL.Query().Get("status"); raw != "" {
		if f.Status, err = async.ParseStatus(raw); err != nil {
			writeErrorFor(w, s.logger, err)
			return
		}
	}
	f.Workflow = r.URL.Query().Get("workflow")
	if f.From, err = queryTime(r, "from"); err == nil {
		f.To, err = queryTime(r, "to")
	}
	if err == nil {
		f.Offset, f.Limit, err = page(r)
	}
	if err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}

	p, err := s.deps.Runner.List(r.Context(), f)
	if err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleGetRun handles GET /api/runs/{id}
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runner == nil {
		writeErrorFor(w, s.logger, errors.NewNotFoundError("run %s", r.PathValue("id")))
		return
	}
	run, err := s.deps.Runner.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleCancelRun handles POST /api/runs/{id}/cancel
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runner == nil {
		writeErrorFor(w, s.logger, errors.NewNotFoundError("run %s", r.PathValue("id")))
		return
	}
	var req CancelRequest
	if err := readJSON(r, &req, true); err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}
	if req.Reason == "" {
		req.Reason = "cancelled via API"
	}
	run, err := s.deps.Runner.Cancel(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}
