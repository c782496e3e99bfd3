// Package storetest holds the behaviour every store.Store driver must satisfy.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/botrunner/internal/store"
)

// Run exercises s against a freshly created schema.
func Run(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.EnsureSchema(ctx))
	require.NoError(t, s.EnsureSchema(ctx), "schema creation is idempotent")
	require.NoError(t, s.Ping(ctx))

	t.Run("bots", func(t *testing.T) { bots(t, s) })
	t.Run("schedules", func(t *testing.T) { schedules(t, s) })
	t.Run("executions", func(t *testing.T) { executions(t, s) })
	t.Run("jobs", func(t *testing.T) { jobs(t, s) })
	t.Run("tx", func(t *testing.T) { tx(t, s) })
}

func bots(t *testing.T, s store.Store) {
	ctx := context.Background()
	b := store.Bot{Name: "scraper", Active: true, ScriptPath: "/opt/bots/scraper.py"}
	require.NoError(t, s.UpsertBot(ctx, &b))
	require.NotZero(t, b.ID)

	got, err := s.GetBot(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, b, got)

	b.Active = false
	b.VenvPath = "/opt/venv/bin/python"
	require.NoError(t, s.UpsertBot(ctx, &b))
	got, err = s.GetBot(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.Equal(t, "/opt/venv/bin/python", got.VenvPath)

	explicit := store.Bot{ID: 500, Name: "fixed", Active: true, ScriptPath: "/bin/true"}
	require.NoError(t, s.UpsertBot(ctx, &explicit))
	next := store.Bot{Name: "after", ScriptPath: "/bin/true"}
	require.NoError(t, s.UpsertBot(ctx, &next))
	assert.Greater(t, next.ID, explicit.ID, "auto ids continue past explicit ones")

	_, err = s.GetBot(ctx, 99999)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func schedules(t *testing.T, s store.Store) {
	ctx := context.Background()
	b := store.Bot{Name: "sched-bot", Active: true, ScriptPath: "/bin/true"}
	require.NoError(t, s.UpsertBot(ctx, &b))

	user := int64(3)
	active := store.Schedule{BotID: b.ID, Name: "nightly", CronExpression: "0 3 * * *", Timezone: "UTC", Active: true, CreatedBy: &user}
	inactive := store.Schedule{BotID: b.ID, Name: "off", CronExpression: "*/5 * * * *", Timezone: "Asia/Seoul"}
	require.NoError(t, s.SaveSchedule(ctx, &active))
	require.NoError(t, s.SaveSchedule(ctx, &inactive))

	got, err := s.GetSchedule(ctx, active.ID)
	require.NoError(t, err)
	assert.Equal(t, active, got)

	all, err := s.ListSchedules(ctx, false)
	require.NoError(t, err)
	onlyActive, err := s.ListSchedules(ctx, true)
	require.NoError(t, err)
	assert.Len(t, onlyActive, len(all)-1)

	inactive.Active = true
	require.NoError(t, s.SaveSchedule(ctx, &inactive))
	onlyActive, err = s.ListSchedules(ctx, true)
	require.NoError(t, err)
	assert.Len(t, onlyActive, len(all))

	require.NoError(t, s.DeleteSchedule(ctx, inactive.ID))
	assert.True(t, errors.Is(s.DeleteSchedule(ctx, inactive.ID), store.ErrNotFound))
	_, err = s.GetSchedule(ctx, inactive.ID)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func executions(t *testing.T, s store.Store) {
	ctx := context.Background()
	b := store.Bot{Name: "exec-bot", Active: true, ScriptPath: "/bin/true"}
	require.NoError(t, s.UpsertBot(ctx, &b))

	user := int64(11)
	e := store.Execution{BotID: b.ID, TriggeredBy: &user}
	require.NoError(t, s.CreateExecution(ctx, &e))
	require.NotZero(t, e.ID)
	assert.Equal(t, store.StatusPending, e.Status)

	got, err := s.GetExecution(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, got.Status)
	assert.Nil(t, got.ScheduleID)
	require.NotNil(t, got.TriggeredBy)
	assert.Equal(t, user, *got.TriggeredBy)
	assert.Nil(t, got.StartedAt)

	open, err := s.ListExecutionsByStatus(ctx, store.StatusRunning)
	require.NoError(t, err)
	assert.Empty(t, open)

	started := time.Now().UTC().Truncate(time.Millisecond)
	ok, err := s.TransitionExecution(ctx, e.ID, []store.Status{store.StatusPending},
		store.ExecutionUpdate{Status: store.StatusRunning, StartedAt: &started})
	require.NoError(t, err)
	require.True(t, ok)

	other := store.Execution{BotID: b.ID}
	require.NoError(t, s.CreateExecution(ctx, &other))
	open, err = s.ListExecutionsByStatus(ctx, store.StatusRunning)
	require.NoError(t, err)
	require.Len(t, open, 1)
	running := open[0]
	assert.Equal(t, e.ID, running.ID)
	require.NotNil(t, running.StartedAt)
	assert.WithinDuration(t, started, *running.StartedAt, time.Second)
	open, err = s.ListExecutionsByStatus(ctx, store.StatusPending, store.StatusRunning)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, []int64{e.ID, other.ID}, []int64{open[0].ID, open[1].ID}, "oldest first")
	none, err := s.ListExecutionsByStatus(ctx)
	require.NoError(t, err)
	assert.Empty(t, none)

	// a second PENDING->RUNNING attempt must not apply
	ok, err = s.TransitionExecution(ctx, e.ID, []store.Status{store.StatusPending},
		store.ExecutionUpdate{Status: store.StatusRunning})
	require.NoError(t, err)
	assert.False(t, ok)

	done := started.Add(2 * time.Second)
	code := 0
	out := "hello\n"
	ok, err = s.TransitionExecution(ctx, e.ID, []store.Status{store.StatusRunning},
		store.ExecutionUpdate{Status: store.StatusSuccess, CompletedAt: &done, ExitCode: &code, Stdout: &out})
	require.NoError(t, err)
	require.True(t, ok)

	// terminal rows stay terminal
	ok, err = s.TransitionExecution(ctx, e.ID, []store.Status{store.StatusPending, store.StatusRunning},
		store.ExecutionUpdate{Status: store.StatusCancelled, CompletedAt: &done})
	require.NoError(t, err)
	assert.False(t, ok)

	got, err = s.GetExecution(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSuccess, got.Status)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 0, *got.ExitCode)
	assert.Equal(t, out, got.Stdout)
	require.NotNil(t, got.StartedAt, "started_at survives later transitions")

	second := store.Execution{BotID: b.ID}
	require.NoError(t, s.CreateExecution(ctx, &second))
	list, err := s.ListExecutions(ctx, b.ID, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID, "newest first")

	_, err = s.GetExecution(ctx, 123456)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func jobs(t *testing.T, s store.Store) {
	ctx := context.Background()
	sid := int64(4)
	next := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	rec := store.JobRecord{
		ID: store.ScheduleJobID(sid), Kind: store.JobKindSchedule, BotID: 1, ScheduleID: &sid,
		Name: "nightly (Bot: scraper)", CronExpression: "0 3 * * *", Timezone: "UTC", NextRunAt: &next,
	}
	require.NoError(t, s.SaveJob(ctx, rec))

	eid := int64(8)
	fired := store.JobRecord{ID: store.ImmediateJobID(eid), Kind: store.JobKindImmediate, BotID: 1, ExecutionID: &eid, Name: "Immediate execution - Bot 1"}
	require.NoError(t, s.SaveJob(ctx, fired))

	got, err := s.GetJob(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, next.Equal(*got.NextRunAt))
	assert.Equal(t, store.JobKindSchedule, got.Kind)

	rec.Paused = true
	rec.NextRunAt = nil
	require.NoError(t, s.SaveJob(ctx, rec))

	n, err := s.PurgeFiredJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "only the fired one-shot is purged")

	all, err := s.ListJobRecords(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].Paused)

	require.NoError(t, s.DeleteJob(ctx, rec.ID))
	_, err = s.GetJob(ctx, rec.ID)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func tx(t *testing.T, s store.Store) {
	ctx := context.Background()
	b := store.Bot{Name: "tx-bot", Active: true, ScriptPath: "/bin/true"}
	require.NoError(t, s.UpsertBot(ctx, &b))

	var created store.Execution
	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx store.Session) error {
		created = store.Execution{BotID: b.ID}
		if err := tx.CreateExecution(ctx, &created); err != nil {
			return err
		}
		return boom
	})
	require.True(t, errors.Is(err, boom))
	_, err = s.GetExecution(ctx, created.ID)
	assert.True(t, errors.Is(err, store.ErrNotFound), "rolled back insert is gone")

	err = s.WithTx(ctx, func(tx store.Session) error {
		created = store.Execution{BotID: b.ID}
		return tx.CreateExecution(ctx, &created)
	})
	require.NoError(t, err)
	_, err = s.GetExecution(ctx, created.ID)
	assert.NoError(t, err)
}
