// Package server exposes the engine over HTTP: JSON endpoints for executions,
// runs, schedules, dead letters and alerts, a websocket tail of the event
// log, health and Prometheus metrics.
package server

import (
	"context"
	"database/sql"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/pulseline/am"
	"github.com/teranos/pulseline/pulse/alert"
	"github.com/teranos/pulseline/pulse/async"
	"github.com/teranos/pulseline/pulse/deadletter"
	"github.com/teranos/pulseline/pulse/event"
	"github.com/teranos/pulseline/pulse/lock"
	"github.com/teranos/pulseline/pulse/schedule"
	"github.com/teranos/pulseline/pulse/workflow"
)

// Deps are the components the API serves. Pool, Ticker, Reaper and
// ConfigWatcher are optional; a server without them only answers requests.
// Config supplies the sweep intervals and reloadable policies.
type Deps struct {
	DB          *sql.DB
	Engine      *async.Engine
	Runner      *workflow.Runner
	Scheduler   *schedule.Scheduler
	DeadLetters *deadletter.Manager
	Alerts      *alert.Dispatcher
	Locks       *lock.Manager // concurrency locks, listed by /api/locks

	Pool          *async.WorkerPool
	Ticker        *schedule.Ticker
	Reaper        *async.Reaper
	ConfigWatcher *am.ConfigWatcher
	Config        *am.Config

	AllowedOrigins []string
}

// Server is the pulseline HTTP API.
type Server struct {
	deps   Deps
	events *event.Log
	logger *zap.SugaredLogger

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex

	mux        *http.ServeMux
	httpServer *http.Server
	startedAt  time.Time

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	state  atomic.Int32
}

// New builds a server over deps. Routes are registered immediately;
// background services start with Start.
func New(deps Deps, log *zap.SugaredLogger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		deps:       deps,
		events:     deps.Engine.Events(),
		logger:     log.Named("server"),
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		mux:        http.NewServeMux(),
		startedAt:  time.Now(),
		ctx:        ctx,
		cancel:     cancel,
	}
	s.state.Store(int32(ServerStateRunning))
	s.setupHTTPRoutes()
	return s
}

// Handler returns the routed API, for http.Server or httptest.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// handleClientRegister admits a stream client unless the limit is reached.
func (s *Server) handleClientRegister(client *Client) {
	s.mu.Lock()
	if len(s.clients) >= MaxClients {
		s.mu.Unlock()
		s.logger.Warnw("Max clients reached, rejecting connection",
			"client_id", client.id,
			"max_clients", MaxClients,
		)
		client.close()
		return
	}
	s.clients[client] = true
	total := len(s.clients)
	s.mu.Unlock()

	s.logger.Infow("Event stream client connected",
		"client_id", client.id,
		"total_clients", total,
	)
}

// handleClientUnregister handles a client disconnection
func (s *Server) handleClientUnregister(client *Client) {
	s.mu.Lock()
	if _, ok := s.clients[client]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, client)
	total := len(s.clients)
	s.mu.Unlock()

	client.close()
	s.logger.Infow("Event stream client disconnected",
		"client_id", client.id,
		"total_clients", total,
	)
}

// Run is the client hub loop. It returns when the server context ends.
func (s *Server) Run() {
	for {
		select {
		case <-s.ctx.Done():
			s.logger.Debugw("Server hub stopping due to context cancellation")
			return
		case client := <-s.register:
			s.handleClientRegister(client)
		case client := <-s.unregister:
			s.handleClientUnregister(client)
		}
	}
}

// clientCount is safe for concurrent use.
func (s *Server) clientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
