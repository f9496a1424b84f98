package server

import (
	"net/http"

	"github.com/teranos/pulseline/logger"
	"github.com/teranos/pulseline/pulse/async"
)

// handleSubmitExecution handles POST /api/executions. A new execution is
// 201; a submission deduplicated onto an active one is 200.
func (s *Server) handleSubmitExecution(w http.ResponseWriter, r *http.Request) {
	var req async.SubmitRequest
	if err := readJSON(r, &req, false); err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}
	if req.Trigger == "" {
		req.Trigger = async.TriggerAPI
	}

	sub, err := s.deps.Engine.Submit(r.Context(), req)
	if err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}
	status := http.StatusCreated
	if sub.Existing || sub.DryRun {
		status = http.StatusOK
	}
	logger.AddPulseSymbol(s.logger).Infow("Execution submitted via API",
		logger.FieldExecutionID, sub.Execution.ID,
		logger.FieldWorkflow, sub.Execution.Workflow,
		"existing", sub.Existing,
		"dry_run", sub.DryRun,
		"remote", r.RemoteAddr)
	writeJSON(w, status, sub)
}

// handleListExecutions handles GET /api/executions
func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	f, err := executionFilter(r)
	if err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}
	p, err := s.deps.Engine.List(r.Context(), f)
	if err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func executionFilter(r *http.Request) (async.Filter, error) {
	var f async.Filter
	var err error
	q := r.URL.Query()
	if raw := q.Get("status"); raw != "" {
		if f.Status, err = async.ParseStatus(raw); err != nil {
			return f, err
		}
	}
	f.Workflow = q.Get("workflow")
	f.Lane = q.Get("lane")
	f.LineageID = q.Get("lineage_id")
	if f.From, err = queryTime(r, "from"); err != nil {
		return f, err
	}
	if f.To, err = queryTime(r, "to"); err != nil {
		return f, err
	}
	f.Offset, f.Limit, err = page(r)
	return f, err
}

// handleGetExecution handles GET /api/executions/{id}
func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.deps.Engine.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// handleExecutionLineage handles GET /api/executions/{id}/lineage: every
// attempt sharing the execution's lineage, oldest first.
func (s *Server) handleExecutionLineage(w http.ResponseWriter, r *http.Request) {
	exec, err := s.deps.Engine.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}
	lineage, err := s.deps.Engine.Lineage(r.Context(), exec.LineageID)
	if err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"lineage_id": exec.LineageID,
		"executions": lineage,
	})
}

// handleCancelExecution handles POST /api/executions/{id}/cancel
func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if err := readJSON(r, &req, true); err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}
	if req.Reason == "" {
		req.Reason = "cancelled via API"
	}
	exec, err := s.deps.Engine.Cancel(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// handleRetryExecution handles POST /api/executions/{id}/retry: a manual
// retry of a failed or cancelled execution, joining its lineage.
func (s *Server) handleRetryExecution(w http.ResponseWriter, r *http.Request) {
	sub, err := s.deps.Engine.Retry(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}
	status := http.StatusCreated
	if sub.Existing {
		status = http.StatusOK
	}
	writeJSON(w, status, sub)
}

// handleOwnerEvents handles GET /api/{executions,runs}/{id}/events
func (s *Server) handleOwnerEvents(w http.ResponseWriter, r *http.Request) {
	evs, err := s.events.ForOwner(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": evs})
}
