package manager

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/loykin/botrunner/internal/cron"
	"github.com/loykin/botrunner/internal/history"
	"github.com/loykin/botrunner/internal/metrics"
	"github.com/loykin/botrunner/internal/process"
	"github.com/loykin/botrunner/internal/registry"
	"github.com/loykin/botrunner/internal/store"
)

var (
	ErrInvalidSchedule   = cron.ErrInvalidSchedule
	ErrQueueFull         = cron.ErrQueueFull
	ErrNotRunning        = cron.ErrNotRunning
	ErrScriptNotFound    = process.ErrScriptNotFound
	ErrNotExecutable     = process.ErrNotExecutable
	ErrBotNotFound       = errors.New("bot not found")
	ErrBotInactive       = errors.New("bot is inactive")
	ErrInvalidBot        = errors.New("invalid bot")
	ErrScheduleNotFound  = errors.New("schedule not found")
	ErrExecutionNotFound = errors.New("execution not found")
)

// DefaultKillWait bounds how long Kill waits to observe the process exit.
const DefaultKillWait = 3 * time.Second

// Config groups the settings of the components the manager owns.
type Config struct {
	Scheduler  cron.Config    `toml:"scheduler" mapstructure:"scheduler"`
	Supervisor process.Config `toml:"supervisor" mapstructure:"supervisor"`
	KillWait   time.Duration  `toml:"kill_wait" mapstructure:"kill_wait"`
}

// Manager ties the scheduler, the supervisor and the registries together and
// exposes the operations used by the API and the CLI.
type Manager struct {
	cfg   Config
	st    store.Store
	sched *cron.Scheduler
	sup   *process.Supervisor
	log   *slog.Logger
	now   func() time.Time

	locks   *registry.Locks
	intents *registry.KillIntents
	running *registry.Running
	active  atomic.Int64

	mu   sync.RWMutex
	sink history.Sink
}

// New builds a manager on st. logs receives captured bot output and may be nil.
func New(cfg Config, st store.Store, logs process.LogWriter, lg *slog.Logger) *Manager {
	if cfg.KillWait <= 0 {
		cfg.KillWait = DefaultKillWait
	}
	if lg == nil {
		lg = slog.Default()
	}
	m := &Manager{
		cfg:     cfg,
		st:      st,
		log:     lg,
		now:     func() time.Time { return time.Now().UTC() },
		locks:   registry.NewLocks(),
		intents: registry.NewKillIntents(),
		running: registry.NewRunning(),
	}
	m.sup = process.NewSupervisor(cfg.Supervisor, m.running, logs, lg.With("component", "supervisor"))
	m.sched = cron.New(cfg.Scheduler, st, cron.Hooks{
		Dispatch: m.dispatch,
		Dropped:  m.firingDropped,
		Missed:   m.firingMissed,
	}, lg)
	return m
}

// SetHistorySink configures the observer receiving execution lifecycle events.
// Passing nil clears it.
func (m *Manager) SetHistorySink(s history.Sink) {
	m.mu.Lock()
	m.sink = s
	m.mu.Unlock()
}

// Running exposes the live process registry, e.g. for the resource sampler.
func (m *Manager) Running() *registry.Running { return m.running }

// Start prepares the schema, closes executions left open by a previous
// process, recovers persisted jobs, synchronises active schedules from the
// store and starts the scheduler.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.st.EnsureSchema(ctx); err != nil {
		return errors.Wrap(err, "ensure schema")
	}
	if err := m.closeInterrupted(ctx); err != nil {
		return err
	}
	if err := m.sched.Recover(ctx); err != nil {
		return err
	}
	if err := m.syncSchedules(ctx); err != nil {
		return err
	}
	return m.sched.Start()
}

// Stop halts the scheduler. Running executions may finish until ctx ends.
func (m *Manager) Stop(ctx context.Context) {
	m.sched.Stop(ctx)
}

// closeInterrupted fails every RUNNING execution, since no process of this
// manager can own it yet, and every PENDING execution whose one-shot job
// will never fire again.
func (m *Manager) closeInterrupted(ctx context.Context) error {
	open, err := m.st.ListExecutionsByStatus(ctx, store.StatusPending, store.StatusRunning)
	if err != nil {
		return errors.Wrap(err, "list open executions")
	}
	if len(open) == 0 {
		return nil
	}
	recs, err := m.st.ListJobRecords(ctx)
	if err != nil {
		return errors.Wrap(err, "list job records")
	}
	queued := make(map[int64]struct{})
	for _, rec := range recs {
		if rec.Kind == store.JobKindImmediate && rec.ExecutionID != nil && rec.NextRunAt != nil {
			queued[*rec.ExecutionID] = struct{}{}
		}
	}
	var closed int
	for _, e := range open {
		if e.Status == store.StatusPending {
			if _, ok := queued[e.ID]; ok {
				continue
			}
		}
		now := m.now()
		reason := msgInterrupted
		ok, err := m.st.TransitionExecution(ctx, e.ID, []store.Status{e.Status},
			store.ExecutionUpdate{Status: store.StatusFailed, CompletedAt: &now, Error: &reason})
		if err != nil {
			return errors.Wrapf(err, "close execution %d", e.ID)
		}
		if !ok {
			continue
		}
		closed++
		e.Status, e.CompletedAt, e.Error = store.StatusFailed, &now, reason
		metrics.IncExecution(string(store.StatusFailed))
		m.emit(ctx, history.Event{Type: history.EventFinished, BotID: e.BotID, ScheduleID: e.ScheduleID, Execution: &e})
	}
	if closed > 0 {
		m.log.Warn("closed executions interrupted by restart", "count", closed)
	}
	return nil
}

func (m *Manager) syncSchedules(ctx context.Context) error {
	schedules, err := m.st.ListSchedules(ctx, true)
	if err != nil {
		return errors.Wrap(err, "load schedules")
	}
	active := make(map[string]struct{}, len(schedules))
	for _, sc := range schedules {
		active[store.ScheduleJobID(sc.ID)] = struct{}{}
		if err := m.sched.Schedule(ctx, sc); err != nil {
			m.log.Error("failed to load schedule", "schedule_id", sc.ID, "bot_id", sc.BotID, "error", err)
		}
	}
	for _, j := range m.sched.Jobs() {
		if j.Kind != store.JobKindSchedule {
			continue
		}
		if _, ok := active[j.ID]; ok {
			continue
		}
		if _, err := m.sched.Remove(ctx, j.ID); err != nil {
			m.log.Warn("failed to drop orphaned job", "job_id", j.ID, "error", err)
		}
	}
	m.log.Info("schedules loaded", "count", len(schedules))
	return nil
}

// Schedule installs or replaces the job of sc; an inactive schedule is unscheduled.
func (m *Manager) Schedule(ctx context.Context, sc store.Schedule) error {
	return m.sched.Schedule(ctx, sc)
}

// Unschedule removes the job of scheduleID if present.
func (m *Manager) Unschedule(ctx context.Context, scheduleID int64) error {
	ok, err := m.sched.Remove(ctx, store.ScheduleJobID(scheduleID))
	if err == nil && !ok {
		m.log.Debug("unschedule: no live job", "schedule_id", scheduleID)
	}
	return err
}

// Pause suspends a schedule's job. A missing job is logged and ignored.
func (m *Manager) Pause(ctx context.Context, scheduleID int64) error {
	ok, err := m.sched.Pause(ctx, store.ScheduleJobID(scheduleID))
	if err == nil && !ok {
		m.log.Warn("pause: job not found", "schedule_id", scheduleID)
	}
	return err
}

// Resume reactivates a paused schedule's job. A missing job is logged and ignored.
func (m *Manager) Resume(ctx context.Context, scheduleID int64) error {
	ok, err := m.sched.Resume(ctx, store.ScheduleJobID(scheduleID))
	if err == nil && !ok {
		m.log.Warn("resume: job not found", "schedule_id", scheduleID)
	}
	return err
}

// ListJobs returns a snapshot of the live jobs.
func (m *Manager) ListJobs() []cron.JobInfo { return m.sched.Jobs() }

// RunningBots returns the ids of bots with a live process.
func (m *Manager) RunningBots() []int64 { return m.running.BotIDs() }

// RunOnce records a PENDING execution of botID and hands it to the worker
// pool without waiting for it to run. userID 0 means no triggering user.
func (m *Manager) RunOnce(ctx context.Context, botID, userID int64) (store.Execution, error) {
	if _, err := m.validBot(ctx, m.st, botID); err != nil {
		return store.Execution{}, err
	}
	now := m.now()
	exec := store.Execution{BotID: botID, Status: store.StatusPending, ScheduledAt: now}
	if userID != 0 {
		uid := userID
		exec.TriggeredBy = &uid
	}
	if err := m.st.CreateExecution(ctx, &exec); err != nil {
		return store.Execution{}, errors.Wrapf(err, "create execution for bot %d", botID)
	}
	if err := m.sched.Enqueue(ctx, botID, exec.ID, now); err != nil {
		m.failPending(ctx, exec.ID, "dispatch failed: "+err.Error())
		return store.Execution{}, err
	}
	m.log.Info("execution queued", "bot_id", botID, "execution_id", exec.ID, "triggered_by", userID)
	return exec, nil
}

// RegisterBot creates or updates a bot descriptor.
func (m *Manager) RegisterBot(ctx context.Context, b *store.Bot) error {
	b.Name = strings.TrimSpace(b.Name)
	b.ScriptPath = strings.TrimSpace(b.ScriptPath)
	if b.Name == "" {
		return errors.Wrap(ErrInvalidBot, "name is required")
	}
	if b.ScriptPath == "" {
		return errors.Wrap(ErrInvalidBot, "script_path is required")
	}
	return m.st.UpsertBot(ctx, b)
}

// SaveSchedule validates sc, persists it and installs its job.
func (m *Manager) SaveSchedule(ctx context.Context, sc *store.Schedule) error {
	if _, err := m.st.GetBot(ctx, sc.BotID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errors.Wrapf(ErrBotNotFound, "bot %d", sc.BotID)
		}
		return err
	}
	if _, err := cron.Parse(sc.CronExpression, sc.Timezone); err != nil {
		return err
	}
	if strings.TrimSpace(sc.Timezone) == "" {
		sc.Timezone = cron.DefaultTimezone
	}
	if sc.ID != 0 {
		if _, err := m.st.GetSchedule(ctx, sc.ID); errors.Is(err, store.ErrNotFound) {
			return errors.Wrapf(ErrScheduleNotFound, "schedule %d", sc.ID)
		} else if err != nil {
			return err
		}
	}
	if err := m.st.SaveSchedule(ctx, sc); err != nil {
		return err
	}
	return m.Schedule(ctx, *sc)
}

// DeleteSchedule unschedules and deletes a schedule.
func (m *Manager) DeleteSchedule(ctx context.Context, id int64) error {
	if _, err := m.st.GetSchedule(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errors.Wrapf(ErrScheduleNotFound, "schedule %d", id)
		}
		return err
	}
	if err := m.Unschedule(ctx, id); err != nil {
		return err
	}
	return m.st.DeleteSchedule(ctx, id)
}

// Execution returns one execution record.
func (m *Manager) Execution(ctx context.Context, id int64) (store.Execution, error) {
	e, err := m.st.GetExecution(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return e, errors.Wrapf(ErrExecutionNotFound, "execution %d", id)
	}
	return e, err
}

// Executions returns the newest executions of botID.
func (m *Manager) Executions(ctx context.Context, botID int64, limit int) ([]store.Execution, error) {
	if _, err := m.st.GetBot(ctx, botID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errors.Wrapf(ErrBotNotFound, "bot %d", botID)
		}
		return nil, err
	}
	return m.st.ListExecutions(ctx, botID, limit)
}

// validBot loads botID through sess and checks that it may run.
func (m *Manager) validBot(ctx context.Context, sess store.Session, botID int64) (store.Bot, error) {
	b, err := sess.GetBot(ctx, botID)
	if errors.Is(err, store.ErrNotFound) {
		return b, errors.Wrapf(ErrBotNotFound, "bot %d", botID)
	}
	if err != nil {
		return b, err
	}
	if !b.Active {
		return b, errors.Wrapf(ErrBotInactive, "bot %d", botID)
	}
	return b, nil
}

func (m *Manager) emit(ctx context.Context, e history.Event) {
	m.mu.RLock()
	s := m.sink
	m.mu.RUnlock()
	if s == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = m.now()
	}
	// sink failures are logged by the sink fan-out and never affect executions
	_ = s.Send(context.WithoutCancel(ctx), e)
}
