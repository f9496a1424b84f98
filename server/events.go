package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teranos/pulseline/errors"
	"github.com/teranos/pulseline/logger"
	"github.com/teranos/pulseline/pulse/event"
	"github.com/teranos/pulseline/version"
)

// eventFilter reads owner, type, after_seq, since and limit.
func eventFilter(r *http.Request) (event.Filter, error) {
	f := event.Filter{OwnerID: r.URL.Query().Get("owner")}
	for _, t := range queryList(r, "type") {
		f.Types = append(f.Types, event.Type(t))
	}
	after, err := queryInt(r, "after_seq", 0)
	if err != nil {
		return f, err
	}
	if after < 0 {
		return f, errors.NewInvalidRequestError("after_seq must be >= 0")
	}
	f.AfterSeq = int64(after)
	if f.Since, err = queryTime(r, "since"); err != nil {
		return f, err
	}
	f.Limit, err = queryInt(r, "limit", 0)
	return f, err
}

// handleListEvents handles GET /api/events. Pages are ordered by seq;
// pass next_seq back as after_seq to continue.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	f, err := eventFilter(r)
	if err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}
	evs, err := s.events.List(r.Context(), f)
	if err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}
	next := f.AfterSeq
	if len(evs) > 0 {
		next = evs[len(evs)-1].Seq
	}
	if evs == nil {
		evs = []event.Event{}
	}
	writeJSON(w, http.StatusOK, EventsResponse{Events: evs, NextSeq: next})
}

// HandleEventStream upgrades GET /api/events/stream to a websocket that
// pushes committed events as they are tailed. With after_seq the backlog
// after that seq is sent first; owner and type narrow the stream.
func (s *Server) HandleEventStream(w http.ResponseWriter, r *http.Request) {
	f, err := eventFilter(r)
	if err != nil {
		writeErrorFor(w, s.logger, err)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		s.logger.Warnw("WebSocket upgrade failed", logger.FieldError, err, "remote", r.RemoteAddr)
		return
	}

	client := newClient(s, conn, fmt.Sprintf("%s_%d", r.RemoteAddr, time.Now().UnixNano()), f)
	// subscribe before reading the backlog so nothing falls in between
	client.sub = s.events.Subscribe()

	hello := StreamMessage{Type: "hello", Version: version.Get().Short(), ClientID: client.id}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(hello); err != nil {
		s.logger.Debugw("Failed to send hello", "client_id", client.id, logger.FieldError, err)
		s.events.Unsubscribe(client.sub)
		conn.Close()
		return
	}
	if f.AfterSeq > 0 {
		if err := client.sendBacklog(r.Context()); err != nil {
			s.logger.Debugw("Failed to send event backlog", "client_id", client.id, logger.FieldError, err)
			s.events.Unsubscribe(client.sub)
			conn.Close()
			return
		}
	}

	select {
	case s.register <- client:
	case <-s.ctx.Done():
		s.events.Unsubscribe(client.sub)
		conn.Close()
		return
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		client.readPump()
	}()
	go func() {
		defer s.wg.Done()
		client.writePump()
	}()
}
