package manager

import (
	"context"
	"io"
	"os"

	"github.com/cockroachdb/errors"

	"github.com/loykin/botrunner/internal/store"
)

// ErrNoBotLog is returned for bots without a log_file_path.
var ErrNoBotLog = errors.New("bot has no log file")

// DefaultLogTail is the number of trailing bytes BotLog returns by default.
const DefaultLogTail = 64 << 10

// Bot returns one bot descriptor.
func (m *Manager) Bot(ctx context.Context, id int64) (store.Bot, error) {
	b, err := m.st.GetBot(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return b, errors.Wrapf(ErrBotNotFound, "bot %d", id)
	}
	return b, err
}

// SetBotActive switches a bot on or off. Firings of an inactive bot are
// skipped; its schedules stay installed.
func (m *Manager) SetBotActive(ctx context.Context, id int64, active bool) (store.Bot, error) {
	var b store.Bot
	err := m.st.WithTx(ctx, func(tx store.Session) error {
		var err error
		if b, err = tx.GetBot(ctx, id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return errors.Wrapf(ErrBotNotFound, "bot %d", id)
			}
			return err
		}
		if b.Active == active {
			return nil
		}
		b.Active = active
		return tx.UpsertBot(ctx, &b)
	})
	if err == nil {
		m.log.Info("bot active flag changed", "bot_id", id, "active", active)
	}
	return b, err
}

// Schedules lists stored schedules, only active ones when activeOnly is set.
func (m *Manager) Schedules(ctx context.Context, activeOnly bool) ([]store.Schedule, error) {
	return m.st.ListSchedules(ctx, activeOnly)
}

// BotLog returns up to tail trailing bytes of the bot's log file, the whole
// file when tail is 0. A log file that was never written reads as empty.
func (m *Manager) BotLog(ctx context.Context, id int64, tail int64) (string, error) {
	b, err := m.Bot(ctx, id)
	if err != nil {
		return "", err
	}
	if b.LogFilePath == "" {
		return "", errors.Wrapf(ErrNoBotLog, "bot %d", id)
	}
	f, err := os.Open(b.LogFilePath)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "open log of bot %d", id)
	}
	defer func() { _ = f.Close() }()
	if tail > 0 {
		fi, err := f.Stat()
		if err != nil {
			return "", errors.Wrapf(err, "stat log of bot %d", id)
		}
		if off := fi.Size() - tail; off > 0 {
			if _, err := f.Seek(off, io.SeekStart); err != nil {
				return "", errors.Wrapf(err, "seek log of bot %d", id)
			}
		}
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return "", errors.Wrapf(err, "read log of bot %d", id)
	}
	return string(data), nil
}
