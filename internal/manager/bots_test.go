package manager

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/botrunner/internal/store"
)

func TestBotLookupAndActive(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, newStore(t), 0)
	_, err := m.Bot(ctx, 3)
	assert.True(t, errors.Is(err, ErrBotNotFound))
	_, err = m.SetBotActive(ctx, 3, false)
	assert.True(t, errors.Is(err, ErrBotNotFound))

	b := store.Bot{ID: 3, Name: "scraper", Active: true, ScriptPath: "/bin/true"}
	require.NoError(t, m.RegisterBot(ctx, &b))

	got, err := m.SetBotActive(ctx, 3, false)
	require.NoError(t, err)
	assert.False(t, got.Active)
	got, err = m.Bot(ctx, 3)
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.Equal(t, "scraper", got.Name)

	_, err = m.RunOnce(ctx, 3, 0)
	assert.True(t, errors.Is(err, ErrBotInactive))

	got, err = m.SetBotActive(ctx, 3, true)
	require.NoError(t, err)
	assert.True(t, got.Active)
}

func TestSchedulesListing(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, newStore(t), 0)
	startManager(t, m)
	require.NoError(t, m.RegisterBot(ctx, &store.Bot{ID: 4, Name: "b", Active: true, ScriptPath: "/bin/true"}))
	on := store.Schedule{BotID: 4, Name: "on", CronExpression: "*/5 * * * *", Active: true}
	off := store.Schedule{BotID: 4, Name: "off", CronExpression: "0 3 * * *"}
	require.NoError(t, m.SaveSchedule(ctx, &on))
	require.NoError(t, m.SaveSchedule(ctx, &off))

	all, err := m.Schedules(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	active, err := m.Schedules(ctx, true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, on.ID, active[0].ID)
}

func TestBotLog(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, newStore(t), 0)
	_, err := m.BotLog(ctx, 5, 0)
	assert.True(t, errors.Is(err, ErrBotNotFound))

	require.NoError(t, m.RegisterBot(ctx, &store.Bot{ID: 5, Name: "quiet", Active: true, ScriptPath: "/bin/true"}))
	_, err = m.BotLog(ctx, 5, 0)
	assert.True(t, errors.Is(err, ErrNoBotLog))

	path := filepath.Join(t.TempDir(), "bot.log")
	require.NoError(t, m.RegisterBot(ctx, &store.Bot{ID: 5, Name: "quiet", Active: true, ScriptPath: "/bin/true", LogFilePath: path}))
	out, err := m.BotLog(ctx, 5, 0)
	require.NoError(t, err)
	assert.Empty(t, out, "never written")

	require.NoError(t, os.WriteFile(path, []byte("first line\nsecond line\n"), 0o600))
	out, err = m.BotLog(ctx, 5, 0)
	require.NoError(t, err)
	assert.Equal(t, "first line\nsecond line\n", out)
	out, err = m.BotLog(ctx, 5, 12)
	require.NoError(t, err)
	assert.Equal(t, "second line\n", out)
	out, err = m.BotLog(ctx, 5, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, "first line\nsecond line\n", out)
}
