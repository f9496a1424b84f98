package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/teranos/pulseline/am"
	"github.com/teranos/pulseline/errors"
	"github.com/teranos/pulseline/logger"
	"github.com/teranos/pulseline/pulse/alert"
	"github.com/teranos/pulseline/pulse/async"
	"github.com/teranos/pulseline/sym"
)

// getState returns the current server state
func (s *Server) getState() ServerState {
	return ServerState(s.state.Load())
}

// setState atomically updates the server state
func (s *Server) setState(newState ServerState) {
	s.state.Store(int32(newState))
	s.logger.Infow("Server state changed", "new_state", stateString(newState))
}

// stateString returns human-readable state name
func stateString(state ServerState) string {
	switch state {
	case ServerStateRunning:
		return "running"
	case ServerStateDraining:
		return "draining"
	case ServerStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

func (s *Server) config() *am.Config {
	if s.deps.Config != nil {
		return s.deps.Config
	}
	return &am.Config{}
}

// goBackground runs fn until the server context ends.
func (s *Server) goBackground(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}

// startBackgroundServices starts the hub, the event tail and whichever of
// worker pool, ticker, reaper, alert retry sweep and config watcher were
// provided.
func (s *Server) startBackgroundServices() {
	cfg := s.config()

	s.goBackground(func(context.Context) { s.Run() })
	s.goBackground(func(ctx context.Context) { s.events.Tail(ctx, EventTailInterval) })

	if s.deps.Runner != nil {
		// runs interrupted by a restart continue from their last settled step
		if n, err := s.deps.Runner.Resume(s.ctx); err != nil {
			s.logger.Warnw("Failed to resume active runs", logger.FieldError, err)
		} else if n > 0 {
			s.logger.Infow("Resumed active runs", logger.FieldCount, n)
		}
	}

	if s.deps.Pool != nil {
		s.deps.Pool.Start()
		s.logger.Infow("Worker pool started", "workers", s.deps.Pool.Workers())
	}
	if s.deps.Ticker != nil {
		s.deps.Ticker.Start()
		s.logger.Infow(fmt.Sprintf("%s Pulse ticker started", sym.Pulse))
	}
	if s.deps.Reaper != nil {
		interval := cfg.Locks.SweepInterval()
		s.goBackground(func(ctx context.Context) { s.deps.Reaper.Run(ctx, interval) })
	}
	if s.deps.Alerts != nil {
		interval := cfg.Alerts.SweepInterval()
		s.goBackground(func(ctx context.Context) { s.deps.Alerts.Run(ctx, interval) })
	}

	if s.deps.ConfigWatcher != nil {
		s.deps.ConfigWatcher.OnReload(s.applyConfig)
		s.deps.ConfigWatcher.Start()
		s.logger.Infow("Config watcher started")
	}
}

// applyConfig swaps in the reloadable policies. Worker count, lanes and
// the listen port need a restart.
func (s *Server) applyConfig(cfg *am.Config) error {
	s.deps.Engine.SetPolicy(async.PolicyFromConfig(cfg))
	if s.deps.Alerts != nil {
		s.deps.Alerts.SetPolicy(alert.PolicyFromConfig(cfg))
	}
	s.deps.Config = cfg
	s.logger.Infow(fmt.Sprintf("%s Retry and alert policies reloaded", sym.AM),
		"max_retries", cfg.Retry.MaxRetries,
		"alert_max_attempts", cfg.Alerts.MaxAttempts)
	return nil
}

// Start runs the background services and serves the API on addr until
// Stop is called.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.WithHint(
			errors.Wrapf(err, "failed to listen on %s", addr),
			"Another pulseline may already be running; set server.port or --port")
	}
	return s.Serve(ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	s.startBackgroundServices()

	s.httpServer = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Infow("Server ready",
		"url", fmt.Sprintf("http://%s", ln.Addr()),
		logger.FieldInstanceID, s.deps.Scheduler.InstanceID(),
	)
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "HTTP server failed")
	}
	return nil
}

// Stop drains the server: no new requests, workers finish or time out,
// stream clients are closed, background loops stop.
func (s *Server) Stop() error {
	s.logger.Infow("Initiating server shutdown")
	s.setState(ServerStateDraining)

	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	var shutdownErr error
	if s.httpServer != nil {
		// Shutdown does not wait for hijacked websocket connections
		if err := s.httpServer.Shutdown(ctx); err != nil {
			shutdownErr = errors.Wrap(err, "HTTP shutdown did not complete")
		}
	}

	if s.deps.Ticker != nil {
		s.deps.Ticker.Stop()
	}
	if s.deps.Pool != nil {
		s.logger.Infow("Stopping worker pool")
		s.deps.Pool.Stop()
	}

	s.mu.Lock()
	clientsToClose := make([]*Client, 0, len(s.clients))
	for client := range s.clients {
		clientsToClose = append(clientsToClose, client)
		delete(s.clients, client)
	}
	s.mu.Unlock()
	if len(clientsToClose) > 0 {
		s.logger.Infow("Closing event stream clients", logger.FieldCount, len(clientsToClose))
	}

	// pumps see the cancelled context and send a close frame
	s.cancel()
	for _, client := range clientsToClose {
		client.close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Infow("All goroutines stopped cleanly")
	case <-ctx.Done():
		s.logger.Warnw("Goroutine shutdown timed out, forcing exit", "timeout", ShutdownTimeout)
	}

	if s.deps.ConfigWatcher != nil {
		if err := s.deps.ConfigWatcher.Stop(); err != nil {
			s.logger.Warnw("Failed to stop config watcher", logger.FieldError, err)
		}
	}

	s.setState(ServerStateStopped)
	s.logger.Infow("Server shutdown complete")
	return shutdownErr
}
