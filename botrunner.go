package botrunner

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/botrunner/internal/config"
	"github.com/loykin/botrunner/internal/cron"
	"github.com/loykin/botrunner/internal/history"
	historyfactory "github.com/loykin/botrunner/internal/history/factory"
	"github.com/loykin/botrunner/internal/logger"
	"github.com/loykin/botrunner/internal/manager"
	"github.com/loykin/botrunner/internal/metrics"
	"github.com/loykin/botrunner/internal/process"
	iapi "github.com/loykin/botrunner/internal/server"
	"github.com/loykin/botrunner/internal/store"
	storefactory "github.com/loykin/botrunner/internal/store/factory"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Bot = store.Bot

type Schedule = store.Schedule

type Execution = store.Execution

type Status = store.Status

type Store = store.Store

type JobInfo = cron.JobInfo

type KillResult = manager.KillResult

type Config = cfg.Config

type ManagerConfig = manager.Config

type SchedulerConfig = cron.Config

type SupervisorConfig = process.Config

type HistorySink = history.Sink

type HistoryEvent = history.Event

const (
	StatusPending   = store.StatusPending
	StatusRunning   = store.StatusRunning
	StatusSuccess   = store.StatusSuccess
	StatusFailed    = store.StatusFailed
	StatusTimeout   = store.StatusTimeout
	StatusCancelled = store.StatusCancelled
)

var (
	ErrInvalidSchedule   = manager.ErrInvalidSchedule
	ErrInvalidBot        = manager.ErrInvalidBot
	ErrBotNotFound       = manager.ErrBotNotFound
	ErrBotInactive       = manager.ErrBotInactive
	ErrScheduleNotFound  = manager.ErrScheduleNotFound
	ErrExecutionNotFound = manager.ErrExecutionNotFound
	ErrScriptNotFound    = manager.ErrScriptNotFound
	ErrNotExecutable     = manager.ErrNotExecutable
	ErrQueueFull         = manager.ErrQueueFull
	ErrNotRunning        = manager.ErrNotRunning
	ErrNoBotLog          = manager.ErrNoBotLog
)

// Manager is a thin facade over internal/manager.Manager.
// It provides a stable public API for embedding.
type Manager struct {
	inner   *manager.Manager
	closers []func() error
}

// OpenStore opens an entity store from a DSN: "sqlite://<path>", a bare
// path, or "postgres://...".
func OpenStore(dsn string) (Store, error) { return storefactory.NewFromDSN(dsn) }

// New builds a manager on st. The caller keeps ownership of st.
func New(c ManagerConfig, st Store, lg *slog.Logger) *Manager {
	return &Manager{inner: manager.New(c, st, nil, lg)}
}

// NewFromConfig opens the store, bot log writer and history sinks described
// by c. Close releases them.
func NewFromConfig(c *Config, lg *slog.Logger) (*Manager, error) {
	if lg == nil {
		lg = c.NewSlogger()
	}
	st, err := storefactory.New(c.Store)
	if err != nil {
		return nil, errors.Wrap(err, "open store")
	}
	m := &Manager{closers: []func() error{st.Close}}
	logs, err := logger.NewBotLogWriter(c.File)
	if err != nil {
		_ = m.Close()
		return nil, err
	}
	m.closers = append(m.closers, logs.Close)
	m.inner = manager.New(c.ManagerConfig(), st, logs, lg)

	sink, err := historyfactory.New(c.History, lg)
	if err != nil {
		_ = m.Close()
		return nil, err
	}
	if sink != nil {
		m.closers = append(m.closers, sink.Close)
		m.inner.SetHistorySink(sink)
	}
	return m, nil
}

// Close releases what NewFromConfig opened, in reverse order.
func (m *Manager) Close() error {
	var errs error
	for i := len(m.closers) - 1; i >= 0; i-- {
		errs = errors.CombineErrors(errs, m.closers[i]())
	}
	m.closers = nil
	return errs
}

func (m *Manager) Start(ctx context.Context) error { return m.inner.Start(ctx) }
func (m *Manager) Stop(ctx context.Context)        { m.inner.Stop(ctx) }
func (m *Manager) SetHistorySink(s HistorySink)    { m.inner.SetHistorySink(s) }

func (m *Manager) RegisterBot(ctx context.Context, b *Bot) error { return m.inner.RegisterBot(ctx, b) }
func (m *Manager) Bot(ctx context.Context, id int64) (Bot, error) {
	return m.inner.Bot(ctx, id)
}
func (m *Manager) SetBotActive(ctx context.Context, id int64, active bool) (Bot, error) {
	return m.inner.SetBotActive(ctx, id, active)
}
func (m *Manager) BotLog(ctx context.Context, id, tail int64) (string, error) {
	return m.inner.BotLog(ctx, id, tail)
}
func (m *Manager) Schedules(ctx context.Context, activeOnly bool) ([]Schedule, error) {
	return m.inner.Schedules(ctx, activeOnly)
}
func (m *Manager) SaveSchedule(ctx context.Context, sc *Schedule) error {
	return m.inner.SaveSchedule(ctx, sc)
}
func (m *Manager) DeleteSchedule(ctx context.Context, id int64) error {
	return m.inner.DeleteSchedule(ctx, id)
}
func (m *Manager) Schedule(ctx context.Context, sc Schedule) error { return m.inner.Schedule(ctx, sc) }
func (m *Manager) Unschedule(ctx context.Context, id int64) error  { return m.inner.Unschedule(ctx, id) }
func (m *Manager) Pause(ctx context.Context, id int64) error       { return m.inner.Pause(ctx, id) }
func (m *Manager) Resume(ctx context.Context, id int64) error      { return m.inner.Resume(ctx, id) }
func (m *Manager) RunOnce(ctx context.Context, botID, userID int64) (Execution, error) {
	return m.inner.RunOnce(ctx, botID, userID)
}
func (m *Manager) Kill(ctx context.Context, botID int64) KillResult { return m.inner.Kill(ctx, botID) }
func (m *Manager) ListJobs() []JobInfo                              { return m.inner.ListJobs() }
func (m *Manager) RunningBots() []int64                             { return m.inner.RunningBots() }
func (m *Manager) Execution(ctx context.Context, id int64) (Execution, error) {
	return m.inner.Execution(ctx, id)
}
func (m *Manager) Executions(ctx context.Context, botID int64, limit int) ([]Execution, error) {
	return m.inner.Executions(ctx, botID, limit)
}

// LoadConfig reads a TOML config with BOTRUNNER_* environment overrides.
func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// NewHTTPHandler returns the API handler mounted at basePath, for embedding
// into another router.
func NewHTTPHandler(m *Manager, basePath string) http.Handler {
	return iapi.NewRouter(m.inner, basePath).Handler()
}

// NewHTTPServer serves the API on addr in the background.
func NewHTTPServer(addr, basePath string, m *Manager) (*http.Server, error) {
	return iapi.NewServer(addr, iapi.NewRouter(m.inner, basePath))
}

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// MetricsHandler serves the default Prometheus registry.
func MetricsHandler() http.Handler { return metrics.Handler() }
