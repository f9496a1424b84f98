package commands

import (
	"database/sql"
	"net/smtp"
	"time"

	"github.com/teranos/pulseline/am"
	"github.com/teranos/pulseline/db"
	"github.com/teranos/pulseline/errors"
	"github.com/teranos/pulseline/internal/httpclient"
	"github.com/teranos/pulseline/logger"
	"github.com/teranos/pulseline/pulse/alert"
	"github.com/teranos/pulseline/pulse/async"
	"github.com/teranos/pulseline/pulse/builtin"
	"github.com/teranos/pulseline/pulse/deadletter"
	"github.com/teranos/pulseline/pulse/event"
	"github.com/teranos/pulseline/pulse/lock"
	"github.com/teranos/pulseline/pulse/schedule"
	"github.com/teranos/pulseline/pulse/workflow"
	"github.com/teranos/pulseline/version"
)

// Set by the root command's persistent flags.
var (
	ConfigPath string
	DBPath     string
)

// handlerTimeout bounds a single http.post from the built-in handler.
const handlerTimeout = 30 * time.Second

// stack is every engine component wired over one database. Commands that
// only read or submit use it directly; pulse start adds workers on top.
type stack struct {
	cfg    *am.Config
	dbPath string
	db     *sql.DB

	events        *event.Log
	locks         *lock.Manager
	scheduleLocks *lock.Manager
	handlers      *async.Registry
	defs          *workflow.Registry
	engine        *async.Engine
	runner        *workflow.Runner
	alerts        *alert.Dispatcher
	deadLetters   *deadletter.Manager
	scheduler     *schedule.Scheduler
}

// loadConfig honours --config, falling back to the layered search.
func loadConfig() (*am.Config, error) {
	if ConfigPath != "" {
		cfg, err := am.LoadFromFile(ConfigPath)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load config from %s", ConfigPath)
		}
		return cfg, nil
	}
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	return cfg, nil
}

// configFile is the file a running daemon watches for reloads, if any.
func configFile() string {
	if ConfigPath != "" {
		return ConfigPath
	}
	files := am.ConfigFiles()
	if len(files) == 0 {
		return ""
	}
	// highest precedence last
	return files[len(files)-1]
}

// openDatabase opens and migrates the record store. --db wins over the
// configured path.
func openDatabase(cfg *am.Config) (*sql.DB, string, error) {
	path := DBPath
	if path == "" {
		path = cfg.GetDatabasePath()
	}
	database, err := db.OpenWithMigrations(path, logger.Logger)
	if err != nil {
		return nil, path, errors.Wrapf(err, "failed to open database at %s", path)
	}
	return database, path, nil
}

// openStack loads the configuration, opens the database and builds the
// engine with the built-in handlers and alert senders registered.
func openStack() (*stack, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	database, path, err := openDatabase(cfg)
	if err != nil {
		return nil, err
	}
	return newStack(cfg, database, path), nil
}

func newStack(cfg *am.Config, database *sql.DB, path string) *stack {
	log := logger.Logger
	st := &stack{cfg: cfg, dbPath: path, db: database}

	st.events = event.NewLog(database, log)
	st.locks = lock.NewManager(database, lock.ConcurrencyLocks, log)
	st.scheduleLocks = lock.NewManager(database, lock.ScheduleLocks, log)

	st.handlers = async.NewRegistry()
	st.defs = workflow.NewRegistry()
	egress := httpclient.New(handlerTimeout, httpclient.Options{UserAgent: "pulseline/" + version.Get().Version})
	builtin.Register(st.handlers, st.defs, egress)

	st.engine = async.NewEngine(database, st.handlers, st.locks, st.events, log)
	st.engine.SetPolicy(async.PolicyFromConfig(cfg))
	st.runner = workflow.NewRunner(database, st.defs, st.engine, log)

	st.alerts = alert.NewDispatcher(database, st.events, log)
	st.alerts.SetPolicy(alert.PolicyFromConfig(cfg))
	webhooks := httpclient.New(cfg.Alerts.SendTimeout(), httpclient.Options{UserAgent: "pulseline/" + version.Get().Version})
	st.alerts.RegisterSender(alert.NewWebhookSender(webhooks))
	st.alerts.RegisterSender(alert.NewEmailSender(smtp.SendMail))

	st.deadLetters = deadletter.NewManager(database, st.engine, st.alerts, log)
	st.scheduler = schedule.NewScheduler(database, st.engine, st.runner, st.scheduleLocks, st.alerts,
		schedule.ConfigFromAM(cfg), log)
	return st
}

func (st *stack) Close() error {
	return st.db.Close()
}
