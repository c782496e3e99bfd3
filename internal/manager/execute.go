package manager

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/loykin/botrunner/internal/cron"
	"github.com/loykin/botrunner/internal/history"
	"github.com/loykin/botrunner/internal/metrics"
	"github.com/loykin/botrunner/internal/process"
	"github.com/loykin/botrunner/internal/store"
)

const (
	msgCancelled = "Execution cancelled by user"
	msgBusy      = "bot already running"

	msgInterrupted = "interrupted by restart"
)

// dispatch is the single fire-to-completion path for cron ticks and
// on-demand runs. It runs on a scheduler worker and holds the bot lock for
// the whole RUNNING window.
func (m *Manager) dispatch(ctx context.Context, f cron.Firing) {
	lg := m.log.With("bot_id", f.BotID, "job_id", f.JobID)
	release, ok := m.locks.TryAcquire(f.BotID)
	if !ok {
		metrics.IncDropped("bot_busy")
		lg.Warn("bot is already running, skipping firing")
		m.emit(ctx, history.Event{Type: history.EventDropped, BotID: f.BotID, JobID: f.JobID, ScheduleID: f.ScheduleID, Reason: msgBusy})
		if f.ExecutionID != nil {
			m.failPending(ctx, *f.ExecutionID, msgBusy)
		}
		return
	}
	defer release()

	var exec *store.Execution
	defer func() {
		if r := recover(); r != nil {
			lg.Error("execution aborted", "panic", r)
			m.abort(ctx, f, exec, fmt.Sprintf("internal error: %v", r))
		}
	}()

	bot, err := m.validBot(ctx, m.st, f.BotID)
	if err != nil {
		lg.Warn("firing skipped", "error", err)
		if f.ExecutionID != nil {
			m.failPending(ctx, *f.ExecutionID, err.Error())
		}
		return
	}

	e, err := m.begin(ctx, f)
	if err != nil {
		lg.Error("failed to start execution", "error", err)
		if f.ExecutionID != nil {
			m.failPending(ctx, *f.ExecutionID, err.Error())
		}
		return
	}
	exec = &e
	lg = lg.With("execution_id", e.ID)
	lg.Info("execution started")
	m.emit(ctx, history.Event{Type: history.EventStarted, BotID: f.BotID, JobID: f.JobID, ScheduleID: f.ScheduleID, Execution: exec})

	res, runErr := m.supervise(ctx, bot, e.ID)
	m.finish(ctx, f, exec, res, runErr)
}

// supervise runs bot for execution execID while counting it as active.
func (m *Manager) supervise(ctx context.Context, bot store.Bot, execID int64) (process.Result, error) {
	metrics.SetRunningBots(int(m.active.Add(1)))
	defer func() { metrics.SetRunningBots(int(m.active.Add(-1))) }()
	return m.sup.RunExecution(ctx, bot, execID)
}

// begin resolves or creates the execution of f and moves it to RUNNING in
// one transaction.
func (m *Manager) begin(ctx context.Context, f cron.Firing) (store.Execution, error) {
	var exec store.Execution
	err := m.st.WithTx(ctx, func(tx store.Session) error {
		if f.ExecutionID != nil {
			e, err := tx.GetExecution(ctx, *f.ExecutionID)
			if errors.Is(err, store.ErrNotFound) {
				return errors.Wrapf(ErrExecutionNotFound, "execution %d", *f.ExecutionID)
			}
			if err != nil {
				return err
			}
			exec = e
		} else {
			exec = store.Execution{
				BotID:       f.BotID,
				ScheduleID:  f.ScheduleID,
				Status:      store.StatusPending,
				ScheduledAt: f.ScheduledAt,
			}
			if err := tx.CreateExecution(ctx, &exec); err != nil {
				return err
			}
		}
		now := m.now()
		ok, err := tx.TransitionExecution(ctx, exec.ID, []store.Status{store.StatusPending},
			store.ExecutionUpdate{Status: store.StatusRunning, StartedAt: &now})
		if err != nil {
			return err
		}
		if !ok {
			return errors.Newf("execution %d is %s, expected PENDING", exec.ID, exec.Status)
		}
		exec.Status = store.StatusRunning
		exec.StartedAt = &now
		return nil
	})
	return exec, err
}

// outcome maps a supervised run to its terminal status and error text.
// A consumed kill intent always wins.
func (m *Manager) outcome(botID int64, res process.Result, runErr error) (store.Status, string) {
	switch {
	case m.intents.Consume(botID):
		return store.StatusCancelled, msgCancelled
	case runErr != nil:
		if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
			return store.StatusFailed, "Execution interrupted by shutdown"
		}
		return store.StatusFailed, runErr.Error()
	case res.TimedOut:
		return store.StatusTimeout, fmt.Sprintf("Execution timed out after %s", m.sup.Config().Timeout)
	case res.ExitCode == 0:
		return store.StatusSuccess, ""
	default:
		return store.StatusFailed, fmt.Sprintf("Script exited with code %d", res.ExitCode)
	}
}

func (m *Manager) finish(ctx context.Context, f cron.Firing, exec *store.Execution, res process.Result, runErr error) {
	wctx := context.WithoutCancel(ctx)
	status, msg := m.outcome(exec.BotID, res, runErr)
	now := m.now()
	upd := store.ExecutionUpdate{
		Status:      status,
		CompletedAt: &now,
		Stdout:      &res.Stdout,
		Stderr:      &res.Stderr,
		Error:       &msg,
	}
	if runErr == nil {
		code := res.ExitCode
		upd.ExitCode = &code
	}
	from := []store.Status{store.StatusRunning}
	if status == store.StatusCancelled {
		// Kill may already have marked the row
		from = append(from, store.StatusCancelled)
	}
	ok, err := m.st.TransitionExecution(wctx, exec.ID, from, upd)
	if err == nil && !ok {
		// cancelled by a kill whose signal failed; keep CANCELLED, record the run
		status = store.StatusCancelled
		upd.Status = status
		ok, err = m.st.TransitionExecution(wctx, exec.ID, []store.Status{store.StatusCancelled}, upd)
	}
	lg := m.log.With("bot_id", exec.BotID, "execution_id", exec.ID)
	switch {
	case err != nil:
		lg.Error("failed to persist execution result", "status", status, "error", err)
	case !ok:
		lg.Warn("execution already finalized elsewhere", "status", status)
	}

	exec.Status = status
	exec.CompletedAt = &now
	exec.ExitCode = upd.ExitCode
	exec.Stdout, exec.Stderr, exec.Error = res.Stdout, res.Stderr, msg
	metrics.IncExecution(string(status))
	if exec.StartedAt != nil {
		metrics.ObserveExecutionDuration(string(status), now.Sub(*exec.StartedAt).Seconds())
	}
	lg.Info("execution finished", "status", status, "exit_code", res.ExitCode, "timed_out", res.TimedOut)
	m.emit(wctx, history.Event{Type: history.EventFinished, BotID: exec.BotID, JobID: f.JobID, ScheduleID: f.ScheduleID, Execution: exec})
}

// failPending closes a pre-created execution that can never start.
func (m *Manager) failPending(ctx context.Context, execID int64, reason string) {
	wctx := context.WithoutCancel(ctx)
	now := m.now()
	ok, err := m.st.TransitionExecution(wctx, execID, []store.Status{store.StatusPending},
		store.ExecutionUpdate{Status: store.StatusFailed, CompletedAt: &now, Error: &reason})
	if err != nil || !ok {
		m.log.Warn("could not fail pending execution", "execution_id", execID, "updated", ok, "error", err)
		return
	}
	metrics.IncExecution(string(store.StatusFailed))
	if e, err := m.st.GetExecution(wctx, execID); err == nil {
		m.emit(wctx, history.Event{Type: history.EventFinished, BotID: e.BotID, JobID: store.ImmediateJobID(execID), Execution: &e})
	}
}

// abort forces the execution of f into a terminal state after a panic.
func (m *Manager) abort(ctx context.Context, f cron.Firing, exec *store.Execution, reason string) {
	if exec == nil {
		if f.ExecutionID != nil {
			m.failPending(ctx, *f.ExecutionID, reason)
		}
		return
	}
	status := store.StatusFailed
	from := []store.Status{store.StatusRunning}
	if m.intents.Consume(exec.BotID) {
		status, reason = store.StatusCancelled, msgCancelled
		from = append(from, store.StatusCancelled)
	}
	now := m.now()
	if _, err := m.st.TransitionExecution(context.WithoutCancel(ctx), exec.ID, from,
		store.ExecutionUpdate{Status: status, CompletedAt: &now, Error: &reason}); err != nil {
		m.log.Error("failed to persist aborted execution", "execution_id", exec.ID, "error", err)
	}
	metrics.IncExecution(string(status))
}

func (m *Manager) firingDropped(f cron.Firing, reason error) {
	ctx := context.Background()
	m.emit(ctx, history.Event{Type: history.EventDropped, BotID: f.BotID, JobID: f.JobID, ScheduleID: f.ScheduleID, Reason: reason.Error()})
}

func (m *Manager) firingMissed(f cron.Firing) {
	ctx := context.Background()
	m.emit(ctx, history.Event{Type: history.EventMissed, BotID: f.BotID, JobID: f.JobID, ScheduleID: f.ScheduleID,
		Reason: fmt.Sprintf("scheduled at %s, outside misfire grace", f.ScheduledAt.Format("2006-01-02 15:04:05Z07:00"))})
	if f.ExecutionID != nil {
		m.failPending(ctx, *f.ExecutionID, "dispatch window missed")
	}
}
