package commands

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/pulseline/am"
	"github.com/teranos/pulseline/db"
	"github.com/teranos/pulseline/errors"
	"github.com/teranos/pulseline/logger"
	"github.com/teranos/pulseline/pulse/alert"
	"github.com/teranos/pulseline/pulse/async"
	"github.com/teranos/pulseline/pulse/schedule"
	"github.com/teranos/pulseline/server"
	"github.com/teranos/pulseline/sym"
)

// PulseCmd represents the pulse command - the daemon
var PulseCmd = &cobra.Command{
	Use:   "pulse",
	Short: sym.Pulse + " Run the Pulse daemon (workers, scheduler, API)",
	Long: sym.Pulse + ` Pulse daemon - the execution and scheduling engine.

The daemon provides:
- A worker pool claiming executions under concurrency locks
- The scheduler ticker firing cron, interval and one-time schedules
- The reaper failing executions whose holder died
- Alert delivery retries
- The HTTP API and event stream

Example:
  pulseline pulse start               # Start daemon in foreground
  pulseline pulse start --workers 4   # Override worker.workers
  pulseline pulse start --port 9000   # Override server.port`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// PulseStartCmd starts the Pulse daemon
var PulseStartCmd = &cobra.Command{
	Use:     "start",
	Aliases: []string{"serve"},
	Short:   "Start the Pulse daemon in the foreground",
	Long: `Start the Pulse daemon in foreground mode.

The daemon will:
- Resume workflow runs interrupted by a previous shutdown
- Start the worker pool and the scheduler ticker
- Serve the HTTP API
- Reload retry and alert policies when the config file changes
- Run until interrupted (Ctrl+C), finishing in-flight work first`,
	Args: cobra.NoArgs,
	RunE: runPulseStart,
}

var (
	pulseWorkers     int
	pulsePort        int
	pulseHost        string
	pulseNoScheduler bool
)

func init() {
	PulseStartCmd.Flags().IntVar(&pulseWorkers, "workers", 0, "Concurrent workers (default: worker.workers)")
	PulseStartCmd.Flags().IntVar(&pulsePort, "port", 0, "API port (default: server.port)")
	PulseStartCmd.Flags().StringVar(&pulseHost, "host", "127.0.0.1", "API listen address")
	PulseStartCmd.Flags().BoolVar(&pulseNoScheduler, "no-scheduler", false, "Do not fire schedules from this instance")
	PulseCmd.AddCommand(PulseStartCmd)
}

func runPulseStart(cmd *cobra.Command, args []string) error {
	// the daemon logs at Info unless asked for more
	verbosity, _ := cmd.Flags().GetCount("verbose")
	if verbosity == 0 {
		verbosity = 1
		if err := logger.Initialize(logger.JSONOutput, verbosity); err != nil {
			return errors.Wrap(err, "failed to initialize logger")
		}
	}

	st, err := openStack()
	if err != nil {
		return err
	}
	defer st.Close()
	cfg := st.cfg
	log := logger.Logger

	port := cfg.GetServerPort()
	if pulsePort > 0 {
		port = pulsePort
	}
	poolCfg := async.WorkerPoolConfigFromAM(cfg)
	if cmd.Flags().Changed("workers") {
		poolCfg.Workers = pulseWorkers
	}
	runScheduler := cfg.Scheduler.Enabled && !pulseNoScheduler

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := async.NewWorkerPool(ctx, st.engine, poolCfg, log)

	var ticker *schedule.Ticker
	if runScheduler {
		ticker = schedule.NewTicker(ctx, st.scheduler, pool, schedule.TickerConfig{Interval: cfg.Scheduler.TickInterval()}, log)
	}

	reaper := async.NewReaper(st.engine, log)
	reaper.OnReap(func(ctx context.Context, exec *async.Execution, reason string) {
		_, err := st.alerts.Raise(ctx, alert.Input{
			Severity:    alert.SeverityWarning,
			Title:       fmt.Sprintf("Execution %s reaped", exec.ID),
			Message:     reason,
			Source:      "reaper",
			ExecutionID: exec.ID,
			DedupKey:    "reaper:" + exec.Workflow,
		})
		if err != nil {
			log.Warnw("Failed to raise reap alert", logger.FieldExecutionID, exec.ID, logger.FieldError, err)
		}
	})

	var watcher *am.ConfigWatcher
	if path := configFile(); path != "" {
		watcher, err = am.NewConfigWatcher(path, log)
		if err != nil {
			pterm.Warning.Printf("Config reload disabled: %v\n", err)
			watcher = nil
		}
	}

	srv := server.New(server.Deps{
		DB:             st.db,
		Engine:         st.engine,
		Runner:         st.runner,
		Scheduler:      st.scheduler,
		DeadLetters:    st.deadLetters,
		Alerts:         st.alerts,
		Locks:          st.locks,
		Pool:           pool,
		Ticker:         ticker,
		Reaper:         reaper,
		ConfigWatcher:  watcher,
		Config:         cfg,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, log)

	addr := net.JoinHostPort(pulseHost, strconv.Itoa(port))
	schemaVersion, err := db.SchemaVersion(ctx, st.db)
	if err != nil {
		log.Warnw("Could not read schema version", logger.FieldError, err)
	}
	printStartupBanner(verbosity, st.dbPath, schemaVersion, addr, poolCfg.Workers, runScheduler, st.scheduler.InstanceID())

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start(addr)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return errors.Wrap(err, "pulse daemon stopped")
	case <-sigChan:
		pterm.Info.Printf("\n%s Shutting down gracefully (press Ctrl+C again to force)...\n", sym.PulseClose)

		shutdownDone := make(chan error, 1)
		go func() {
			shutdownDone <- srv.Stop()
		}()

		select {
		case err := <-shutdownDone:
			cancel()
			if err != nil {
				return errors.Wrap(err, "shutdown error")
			}
			pterm.Success.Printf("%s Pulse daemon stopped cleanly\n", sym.PulseClose)
			return nil
		case <-sigChan:
			pterm.Warning.Println("\nForce shutdown - exiting immediately")
			os.Exit(1)
			return nil
		}
	}
}
