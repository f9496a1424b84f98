package server

import (
	"net/http"

	"github.com/teranos/pulseline/logger"
	"github.com/teranos/pulseline/pulse/alert"
)

// handleListChannels handles GET /api/alert-channels
func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	chs, err := s.deps.Alerts.ListChannels(r.Context())
	if err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"channels": chs,
		"types":    s.deps.Alerts.ChannelTypes(),
	})
}

// handleCreateChannel handles POST /api/alert-channels
func (s *Server) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	var in alert.ChannelInput
	if err := readJSON(r, &in, false); err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}
	ch, err := s.deps.Alerts.RegisterChannel(r.Context(), in)
	if err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}
	logger.AddAlertSymbol(s.logger).Infow("Alert channel registered via API",
		logger.FieldChannel, ch.Name,
		"channel_type", ch.Type)
	writeJSON(w, http.StatusCreated, ch)
}

// handleGetChannel handles GET /api/alert-channels/{id}; id may be the name.
func (s *Server) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	ch, err := s.deps.Alerts.GetChannel(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

// handleUpdateChannel handles PUT /api/alert-channels/{id}
func (s *Server) handleUpdateChannel(w http.ResponseWriter, r *http.Request) {
	var in alert.ChannelInput
	if err := readJSON(r, &in, false); err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}
	ch, err := s.deps.Alerts.UpdateChannel(r.Context(), r.PathValue("id"), in)
	if err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

// handleDeleteChannel handles DELETE /api/alert-channels/{id}
func (s *Server) handleDeleteChannel(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Alerts.DeleteChannel(r.Context(), r.PathValue("id")); err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListAlerts handles GET /api/alerts
func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := alert.Filter{Source: q.Get("source"), DedupKey: q.Get("dedup_key")}
	var err error
	if raw := q.Get("severity"); raw != "" {
		f.Severity, err = alert.ParseSeverity(raw)
	}
	if err == nil {
		f.Suppressed, err = queryBool(r, "suppressed")
	}
	if err == nil {
		f.Since, err = queryTime(r, "since")
	}
	if err == nil {
		f.Offset, f.Limit, err = page(r)
	}
	if err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}

	p, err := s.deps.Alerts.ListAlerts(r.Context(), f)
	if err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleRaiseAlert handles POST /api/alerts. Delivery happens before the
// response; a throttled alert is stored as suppressed and still 201.
func (s *Server) handleRaiseAlert(w http.ResponseWriter, r *http.Request) {
	var in alert.Input
	if err := readJSON(r, &in, false); err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}
	if in.Source == "" {
		in.Source = "api"
	}
	a, err := s.deps.Alerts.Raise(r.Context(), in)
	if err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// handleGetAlert handles GET /api/alerts/{id}
func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Alerts.GetAlert(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// handleAlertDeliveries handles GET /api/alerts/{id}/deliveries
func (s *Server) handleAlertDeliveries(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	if _, err := s.deps.Alerts.GetAlert(ctx, id); err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}
	ds, err := s.deps.Alerts.ListDeliveries(ctx, id)
	if err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deliveries": ds})
}
