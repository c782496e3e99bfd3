// Package sqlstore implements store.Store on database/sql. The sqlite and
// postgres packages only open the connection and pick a Dialect.
package sqlstore

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/loykin/botrunner/internal/store"
)

// Dialect selects placeholder style and column types.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB is a store.Store backed by *sql.DB. Inside WithTx the same type
// is reused with q bound to the transaction.
type DB struct {
	db      *sql.DB
	q       querier
	dialect Dialect
	inTx    bool
	now     func() time.Time
}

var _ store.Store = (*DB)(nil)

// New wraps an open *sql.DB.
func New(db *sql.DB, d Dialect) *DB {
	return &DB{db: db, q: db, dialect: d, now: func() time.Time { return time.Now().UTC() }}
}

// Raw returns the underlying pool.
func (s *DB) Raw() *sql.DB { return s.db }

// Dialect reports the SQL flavour in use.
func (s *DB) Dialect() Dialect { return s.dialect }

// rebind rewrites ? placeholders to $n for postgres.
func (s *DB) rebind(q string) string {
	if s.dialect != Postgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func (s *DB) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.q.ExecContext(ctx, s.rebind(q), args...)
}

func (s *DB) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return s.q.QueryContext(ctx, s.rebind(q), args...)
}

func (s *DB) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return s.q.QueryRowContext(ctx, s.rebind(q), args...)
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	idCol, ts := "INTEGER PRIMARY KEY AUTOINCREMENT", "TIMESTAMP"
	if s.dialect == Postgres {
		idCol, ts = "BIGSERIAL PRIMARY KEY", "TIMESTAMPTZ"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bots(
			id ` + idCol + `,
			name TEXT NOT NULL,
			active BOOLEAN NOT NULL,
			script_path TEXT NOT NULL,
			venv_path TEXT NOT NULL DEFAULT '',
			log_file_path TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS schedules(
			id ` + idCol + `,
			bot_id BIGINT NOT NULL,
			name TEXT NOT NULL,
			cron_expression TEXT NOT NULL,
			timezone TEXT NOT NULL,
			active BOOLEAN NOT NULL,
			created_by BIGINT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_bot ON schedules(bot_id);`,
		`CREATE TABLE IF NOT EXISTS executions(
			id ` + idCol + `,
			bot_id BIGINT NOT NULL,
			schedule_id BIGINT NULL,
			triggered_by BIGINT NULL,
			status TEXT NOT NULL,
			scheduled_at ` + ts + ` NOT NULL,
			started_at ` + ts + ` NULL,
			completed_at ` + ts + ` NULL,
			exit_code INTEGER NULL,
			stdout TEXT NOT NULL DEFAULT '',
			stderr TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			created_at ` + ts + ` NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_executions_bot_status ON executions(bot_id, status);`,
		`CREATE TABLE IF NOT EXISTS scheduler_jobs(
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			bot_id BIGINT NOT NULL,
			schedule_id BIGINT NULL,
			execution_id BIGINT NULL,
			name TEXT NOT NULL,
			cron_expression TEXT NOT NULL DEFAULT '',
			timezone TEXT NOT NULL DEFAULT '',
			paused BOOLEAN NOT NULL,
			next_run_at ` + ts + ` NULL,
			updated_at ` + ts + ` NOT NULL
		);`,
	}
	for _, q := range stmts {
		if _, err := s.q.ExecContext(ctx, q); err != nil {
			return errors.Wrap(err, "ensure schema")
		}
	}
	return nil
}

func (s *DB) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *DB) Close() error {
	if s.inTx {
		return nil
	}
	return s.db.Close()
}

// WithTx runs fn inside a transaction. Nested calls reuse the outer one.
func (s *DB) WithTx(ctx context.Context, fn func(store.Session) error) (err error) {
	if s.inTx {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	child := &DB{db: s.db, q: tx, dialect: s.dialect, inTx: true, now: s.now}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err = fn(child); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.WithSecondaryError(err, rbErr)
		}
		return err
	}
	return errors.Wrap(tx.Commit(), "commit tx")
}

// ---- bots ----

func (s *DB) GetBot(ctx context.Context, id int64) (store.Bot, error) {
	var b store.Bot
	err := s.queryRow(ctx, `SELECT id, name, active, script_path, venv_path, log_file_path FROM bots WHERE id=?`, id).
		Scan(&b.ID, &b.Name, &b.Active, &b.ScriptPath, &b.VenvPath, &b.LogFilePath)
	if errors.Is(err, sql.ErrNoRows) {
		return b, errors.Wrapf(store.ErrNotFound, "bot %d", id)
	}
	return b, errors.Wrapf(err, "get bot %d", id)
}

func (s *DB) UpsertBot(ctx context.Context, b *store.Bot) error {
	if b.ID == 0 {
		err := s.queryRow(ctx, `INSERT INTO bots(name, active, script_path, venv_path, log_file_path)
			VALUES(?, ?, ?, ?, ?) RETURNING id`,
			b.Name, b.Active, b.ScriptPath, b.VenvPath, b.LogFilePath).Scan(&b.ID)
		return errors.Wrap(err, "insert bot")
	}
	_, err := s.exec(ctx, `INSERT INTO bots(id, name, active, script_path, venv_path, log_file_path)
		VALUES(?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name,
			active=excluded.active,
			script_path=excluded.script_path,
			venv_path=excluded.venv_path,
			log_file_path=excluded.log_file_path`,
		b.ID, b.Name, b.Active, b.ScriptPath, b.VenvPath, b.LogFilePath)
	if err != nil {
		return errors.Wrapf(err, "upsert bot %d", b.ID)
	}
	return s.syncSequence(ctx, "bots")
}

// syncSequence keeps BIGSERIAL ahead of explicitly inserted ids.
func (s *DB) syncSequence(ctx context.Context, table string) error {
	if s.dialect != Postgres {
		return nil
	}
	_, err := s.q.ExecContext(ctx,
		`SELECT setval(pg_get_serial_sequence('`+table+`', 'id'), (SELECT MAX(id) FROM `+table+`))`)
	return errors.Wrapf(err, "sync %s sequence", table)
}

// ---- schedules ----

const scheduleCols = `id, bot_id, name, cron_expression, timezone, active, created_by`

func scanSchedule(sc interface{ Scan(...any) error }) (store.Schedule, error) {
	var (
		sc0       store.Schedule
		createdBy sql.NullInt64
	)
	err := sc.Scan(&sc0.ID, &sc0.BotID, &sc0.Name, &sc0.CronExpression, &sc0.Timezone, &sc0.Active, &createdBy)
	if createdBy.Valid {
		v := createdBy.Int64
		sc0.CreatedBy = &v
	}
	return sc0, err
}

func (s *DB) GetSchedule(ctx context.Context, id int64) (store.Schedule, error) {
	sc, err := scanSchedule(s.queryRow(ctx, `SELECT `+scheduleCols+` FROM schedules WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return sc, errors.Wrapf(store.ErrNotFound, "schedule %d", id)
	}
	return sc, errors.Wrapf(err, "get schedule %d", id)
}

func (s *DB) ListSchedules(ctx context.Context, activeOnly bool) ([]store.Schedule, error) {
	q := `SELECT ` + scheduleCols + ` FROM schedules`
	var args []any
	if activeOnly {
		q += ` WHERE active=?`
		args = append(args, true)
	}
	q += ` ORDER BY id`
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list schedules")
	}
	defer func() { _ = rows.Close() }()
	out := make([]store.Schedule, 0)
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan schedule")
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *DB) SaveSchedule(ctx context.Context, sc *store.Schedule) error {
	createdBy := nullInt(sc.CreatedBy)
	if sc.ID == 0 {
		err := s.queryRow(ctx, `INSERT INTO schedules(bot_id, name, cron_expression, timezone, active, created_by)
			VALUES(?, ?, ?, ?, ?, ?) RETURNING id`,
			sc.BotID, sc.Name, sc.CronExpression, sc.Timezone, sc.Active, createdBy).Scan(&sc.ID)
		return errors.Wrap(err, "insert schedule")
	}
	_, err := s.exec(ctx, `INSERT INTO schedules(id, bot_id, name, cron_expression, timezone, active, created_by)
		VALUES(?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			bot_id=excluded.bot_id,
			name=excluded.name,
			cron_expression=excluded.cron_expression,
			timezone=excluded.timezone,
			active=excluded.active,
			created_by=excluded.created_by`,
		sc.ID, sc.BotID, sc.Name, sc.CronExpression, sc.Timezone, sc.Active, createdBy)
	if err != nil {
		return errors.Wrapf(err, "upsert schedule %d", sc.ID)
	}
	return s.syncSequence(ctx, "schedules")
}

func (s *DB) DeleteSchedule(ctx context.Context, id int64) error {
	res, err := s.exec(ctx, `DELETE FROM schedules WHERE id=?`, id)
	if err != nil {
		return errors.Wrapf(err, "delete schedule %d", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(store.ErrNotFound, "schedule %d", id)
	}
	return nil
}

// ---- executions ----

const executionCols = `id, bot_id, schedule_id, triggered_by, status, scheduled_at, started_at, completed_at, exit_code, stdout, stderr, error, created_at`

func scanExecution(sc interface{ Scan(...any) error }) (store.Execution, error) {
	var (
		e                      store.Execution
		scheduleID, triggered  sql.NullInt64
		startedAt, completedAt sql.NullTime
		exitCode               sql.NullInt64
		status                 string
	)
	err := sc.Scan(&e.ID, &e.BotID, &scheduleID, &triggered, &status, &e.ScheduledAt,
		&startedAt, &completedAt, &exitCode, &e.Stdout, &e.Stderr, &e.Error, &e.CreatedAt)
	if err != nil {
		return e, err
	}
	e.Status = store.Status(status)
	if scheduleID.Valid {
		v := scheduleID.Int64
		e.ScheduleID = &v
	}
	if triggered.Valid {
		v := triggered.Int64
		e.TriggeredBy = &v
	}
	if startedAt.Valid {
		v := startedAt.Time.UTC()
		e.StartedAt = &v
	}
	if completedAt.Valid {
		v := completedAt.Time.UTC()
		e.CompletedAt = &v
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		e.ExitCode = &v
	}
	e.ScheduledAt = e.ScheduledAt.UTC()
	e.CreatedAt = e.CreatedAt.UTC()
	return e, nil
}

func (s *DB) CreateExecution(ctx context.Context, e *store.Execution) error {
	if e.Status == "" {
		e.Status = store.StatusPending
	}
	if e.ScheduledAt.IsZero() {
		e.ScheduledAt = s.now()
	}
	e.CreatedAt = s.now()
	err := s.queryRow(ctx, `INSERT INTO executions(bot_id, schedule_id, triggered_by, status, scheduled_at, created_at)
		VALUES(?, ?, ?, ?, ?, ?) RETURNING id`,
		e.BotID, nullInt(e.ScheduleID), nullInt(e.TriggeredBy), string(e.Status), e.ScheduledAt.UTC(), e.CreatedAt).Scan(&e.ID)
	return errors.Wrap(err, "insert execution")
}

func (s *DB) GetExecution(ctx context.Context, id int64) (store.Execution, error) {
	e, err := scanExecution(s.queryRow(ctx, `SELECT `+executionCols+` FROM executions WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return e, errors.Wrapf(store.ErrNotFound, "execution %d", id)
	}
	return e, errors.Wrapf(err, "get execution %d", id)
}

func (s *DB) ListExecutions(ctx context.Context, botID int64, limit int) ([]store.Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.query(ctx, `SELECT `+executionCols+` FROM executions WHERE bot_id=? ORDER BY id DESC LIMIT ?`, botID, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "list executions of bot %d", botID)
	}
	defer func() { _ = rows.Close() }()
	out := make([]store.Execution, 0)
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan execution")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *DB) ListExecutionsByStatus(ctx context.Context, statuses ...store.Status) ([]store.Execution, error) {
	if len(statuses) == 0 {
		return []store.Execution{}, nil
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	rows, err := s.query(ctx, `SELECT `+executionCols+` FROM executions WHERE status IN (`+marks+`) ORDER BY id`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list executions by status")
	}
	defer func() { _ = rows.Close() }()
	out := make([]store.Execution, 0)
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan execution")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *DB) TransitionExecution(ctx context.Context, id int64, from []store.Status, upd store.ExecutionUpdate) (bool, error) {
	if len(from) == 0 {
		return false, errors.New("transition requires at least one source status")
	}
	args := []any{
		string(upd.Status),
		nullTime(upd.StartedAt),
		nullTime(upd.CompletedAt),
		nullIntFrom(upd.ExitCode),
		nullString(upd.Stdout),
		nullString(upd.Stderr),
		nullString(upd.Error),
		id,
	}
	marks := make([]string, len(from))
	for i, st := range from {
		marks[i] = "?"
		args = append(args, string(st))
	}
	res, err := s.exec(ctx, `UPDATE executions SET
			status=?,
			started_at=COALESCE(?, started_at),
			completed_at=COALESCE(?, completed_at),
			exit_code=COALESCE(?, exit_code),
			stdout=COALESCE(?, stdout),
			stderr=COALESCE(?, stderr),
			error=COALESCE(?, error)
		WHERE id=? AND status IN (`+strings.Join(marks, ", ")+`)`, args...)
	if err != nil {
		return false, errors.Wrapf(err, "transition execution %d to %s", id, upd.Status)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "rows affected")
	}
	return n > 0, nil
}

// ---- scheduler jobs ----

const jobCols = `id, kind, bot_id, schedule_id, execution_id, name, cron_expression, timezone, paused, next_run_at, updated_at`

func scanJob(sc interface{ Scan(...any) error }) (store.JobRecord, error) {
	var (
		r                     store.JobRecord
		kind                  string
		scheduleID, execution sql.NullInt64
		nextRun               sql.NullTime
	)
	err := sc.Scan(&r.ID, &kind, &r.BotID, &scheduleID, &execution, &r.Name, &r.CronExpression,
		&r.Timezone, &r.Paused, &nextRun, &r.UpdatedAt)
	if err != nil {
		return r, err
	}
	r.Kind = store.JobKind(kind)
	if scheduleID.Valid {
		v := scheduleID.Int64
		r.ScheduleID = &v
	}
	if execution.Valid {
		v := execution.Int64
		r.ExecutionID = &v
	}
	if nextRun.Valid {
		v := nextRun.Time.UTC()
		r.NextRunAt = &v
	}
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, nil
}

func (s *DB) SaveJob(ctx context.Context, r store.JobRecord) error {
	_, err := s.exec(ctx, `INSERT INTO scheduler_jobs(`+jobCols+`)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind=excluded.kind,
			bot_id=excluded.bot_id,
			schedule_id=excluded.schedule_id,
			execution_id=excluded.execution_id,
			name=excluded.name,
			cron_expression=excluded.cron_expression,
			timezone=excluded.timezone,
			paused=excluded.paused,
			next_run_at=excluded.next_run_at,
			updated_at=excluded.updated_at`,
		r.ID, string(r.Kind), r.BotID, nullInt(r.ScheduleID), nullInt(r.ExecutionID), r.Name,
		r.CronExpression, r.Timezone, r.Paused, nullTime(r.NextRunAt), s.now())
	return errors.Wrapf(err, "save job %s", r.ID)
}

func (s *DB) GetJob(ctx context.Context, id string) (store.JobRecord, error) {
	r, err := scanJob(s.queryRow(ctx, `SELECT `+jobCols+` FROM scheduler_jobs WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return r, errors.Wrapf(store.ErrNotFound, "job %s", id)
	}
	return r, errors.Wrapf(err, "get job %s", id)
}

func (s *DB) DeleteJob(ctx context.Context, id string) error {
	_, err := s.exec(ctx, `DELETE FROM scheduler_jobs WHERE id=?`, id)
	return errors.Wrapf(err, "delete job %s", id)
}

func (s *DB) ListJobRecords(ctx context.Context) ([]store.JobRecord, error) {
	rows, err := s.query(ctx, `SELECT `+jobCols+` FROM scheduler_jobs ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	defer func() { _ = rows.Close() }()
	out := make([]store.JobRecord, 0)
	for rows.Next() {
		r, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan job")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PurgeFiredJobs deletes records that have no future run and are not paused.
func (s *DB) PurgeFiredJobs(ctx context.Context) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM scheduler_jobs WHERE next_run_at IS NULL AND paused=?`, false)
	if err != nil {
		return 0, errors.Wrap(err, "purge fired jobs")
	}
	return res.RowsAffected()
}

func nullInt(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullIntFrom(p *int) any {
	if p == nil {
		return nil
	}
	return int64(*p)
}

func nullString(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullTime(p *time.Time) any {
	if p == nil {
		return nil
	}
	return p.UTC()
}
