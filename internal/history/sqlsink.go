package history

import (
	"context"
	"database/sql"

	"github.com/cockroachdb/errors"
)

// Dialect selects the SQL flavour used by SQLSink.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLSink appends history events into the execution_history table.
// It is independent from the entity store and only ever inserts.
type SQLSink struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLSink wraps db and creates the schema if missing.
func NewSQLSink(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLSink, error) {
	s := &SQLSink{db: db, dialect: dialect}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLSink) ensureSchema(ctx context.Context) error {
	idCol, ts := "INTEGER PRIMARY KEY AUTOINCREMENT", "TIMESTAMP"
	if s.dialect == DialectPostgres {
		idCol, ts = "BIGSERIAL PRIMARY KEY", "TIMESTAMPTZ"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS execution_history(
			id ` + idCol + `,
			occurred_at ` + ts + ` NOT NULL,
			event TEXT NOT NULL,
			bot_id BIGINT NOT NULL,
			job_id TEXT NOT NULL,
			schedule_id BIGINT NULL,
			execution_id BIGINT NULL,
			status TEXT NOT NULL,
			exit_code INTEGER NULL,
			error TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_execution_history_bot ON execution_history(bot_id);`,
		`CREATE INDEX IF NOT EXISTS idx_execution_history_execution ON execution_history(execution_id);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return errors.Wrap(err, "history schema")
		}
	}
	return nil
}

func (s *SQLSink) Send(ctx context.Context, e Event) error {
	q := `INSERT INTO execution_history(occurred_at, event, bot_id, job_id, schedule_id, execution_id, status, exit_code, error)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);`
	if s.dialect == DialectPostgres {
		q = `INSERT INTO execution_history(occurred_at, event, bot_id, job_id, schedule_id, execution_id, status, exit_code, error)
		VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9);`
	}
	var exit any
	if c := e.ExitCode(); c != nil {
		exit = int64(*c)
	}
	_, err := s.db.ExecContext(ctx, q,
		e.OccurredAt.UTC(), string(e.Type), e.BotID, e.JobID,
		nullable(e.ScheduleID), nullable(e.ExecutionID()), e.Status(), exit, e.ErrorText())
	return errors.Wrapf(err, "insert %s event", e.Type)
}

// Count returns the number of stored events of type t for bot.
func (s *SQLSink) Count(ctx context.Context, botID int64, t EventType) (int, error) {
	q := `SELECT COUNT(*) FROM execution_history WHERE bot_id=? AND event=?`
	if s.dialect == DialectPostgres {
		q = `SELECT COUNT(*) FROM execution_history WHERE bot_id=$1 AND event=$2`
	}
	var n int
	err := s.db.QueryRowContext(ctx, q, botID, string(t)).Scan(&n)
	return n, err
}

func (s *SQLSink) Close() error { return s.db.Close() }

func nullable(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}
