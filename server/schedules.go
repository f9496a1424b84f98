package server

import (
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/teranos/pulseline/errors"
	"github.com/teranos/pulseline/logger"
	"github.com/teranos/pulseline/pulse/schedule"
)

// maxScheduleFileSize caps POST /api/schedules/apply bodies.
const maxScheduleFileSize = 1 << 20

// handleListSchedules handles GET /api/schedules
func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	var f schedule.Filter
	var err error
	if f.Enabled, err = queryBool(r, "enabled"); err == nil {
		f.Offset, f.Limit, err = page(r)
	}
	if err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}
	p, err := s.deps.Scheduler.List(r.Context(), f)
	if err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleCreateSchedule handles POST /api/schedules
func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var in schedule.Input
	if err := readJSON(r, &in, false); err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}
	sc, err := s.deps.Scheduler.Create(r.Context(), in)
	if err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}
	logger.AddPulseSymbol(s.logger).Infow("Schedule created via API",
		logger.FieldScheduleID, sc.ID,
		"name", sc.Name,
		"remote", r.RemoteAddr)
	writeJSON(w, http.StatusCreated, sc)
}

// handleApplySchedules handles POST /api/schedules/apply. The body is a
// schedule file; its format comes from the Content-Type (application/toml,
// application/yaml) or the format query parameter.
func (s *Server) handleApplySchedules(w http.ResponseWriter, r *http.Request) {
	format, err := scheduleFileFormat(r)
	if err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxScheduleFileSize+1))
	if err != nil {
		writeErrorFor(w, s.logger, errors.Wrap(err, "failed to read schedule file"))
		return
	}
	if len(data) > maxScheduleFileSize {
		writeErrorFor(w, s.logger, errors.NewInvalidRequestError("schedule file exceeds %d bytes", maxScheduleFileSize))
		return
	}
	f, err := schedule.ParseFile(data, format)
	if err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}

	results, err := s.deps.Scheduler.Apply(r.Context(), f)
	status := http.StatusOK
	resp := map[string]interface{}{"results": results}
	if err != nil {
		// per-entry failures are reported in results
		status = http.StatusMultiStatus
		resp["error"] = err.Error()
	}
	logger.AddPulseSymbol(s.logger).Infow("Schedule file applied via API",
		logger.FieldCount, len(results),
		"format", format,
		logger.FieldError, err)
	writeJSON(w, status, resp)
}

func scheduleFileFormat(r *http.Request) (schedule.Format, error) {
	if raw := r.URL.Query().Get("format"); raw != "" {
		switch f := schedule.Format(strings.ToLower(raw)); f {
		case schedule.FormatTOML, schedule.FormatYAML:
			return f, nil
		}
		return "", errors.NewInvalidRequestError("unknown schedule file format %q", raw)
	}
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mt {
	case "application/toml", "text/toml", "application/x-toml":
		return schedule.FormatTOML, nil
	case "application/yaml", "application/x-yaml", "text/yaml":
		return schedule.FormatYAML, nil
	}
	return "", errors.WithHint(
		errors.NewInvalidRequestError("cannot tell the schedule file format from %q", mt),
		"Send Content-Type application/toml or application/yaml, or ?format=toml|yaml")
}

// handleGetSchedule handles GET /api/schedules/{id}; id may be the name.
func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	sc, err := s.deps.Scheduler.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}
	w.Header().Set("ETag", strconv.Itoa(sc.Version))
	writeJSON(w, http.StatusOK, sc)
}

// handleUpdateSchedule handles PATCH /api/schedules/{id}. The expected
// version comes from the body or an If-Match header.
func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var in schedule.Input
	if err := readJSON(r, &in, false); err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}
	if in.Version == 0 {
		if raw := strings.Trim(r.Header.Get("If-Match"), `"`); raw != "" {
			v, err := strconv.Atoi(raw)
			if err != nil {
				writeErrorFor(w, s.logger, errors.NewInvalidRequestError("If-Match must be a schedule version, got %q", raw))
				return
			}
			in.Version = v
		}
	}

	sc, err := s.deps.Scheduler.Update(r.Context(), r.PathValue("id"), in)
	if err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}
	w.Header().Set("ETag", strconv.Itoa(sc.Version))
	writeJSON(w, http.StatusOK, sc)
}

// handleDeleteSchedule handles DELETE /api/schedules/{id}
func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Scheduler.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEnableSchedule handles POST /api/schedules/{id}/enable
func (s *Server) handleEnableSchedule(w http.ResponseWriter, r *http.Request) {
	sc, err := s.deps.Scheduler.Enable(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

// handleDisableSchedule handles POST /api/schedules/{id}/disable
func (s *Server) handleDisableSchedule(w http.ResponseWriter, r *http.Request) {
	sc, err := s.deps.Scheduler.Disable(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

// handleTriggerSchedule handles POST /api/schedules/{id}/trigger. The
// schedule's cadence is untouched.
func (s *Server) handleTriggerSchedule(w http.ResponseWriter, r *http.Request) {
	var req TriggerRequest
	if err := readJSON(r, &req, true); err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}
	run, err := s.deps.Scheduler.TriggerNow(r.Context(), r.PathValue("id"), req.Params)
	if err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}
	status := http.StatusCreated
	if run.Status == schedule.RunSkipped {
		status = http.StatusOK
	}
	writeJSON(w, status, run)
}

// handleScheduleRuns handles GET /api/schedules/{id}/runs, newest first.
func (s *Server) handleScheduleRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}
	runs, err := s.deps.Scheduler.ListRuns(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}
