package store

import (
	"context"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

// Status is the lifecycle state of an Execution.
// PENDING -> RUNNING -> one of SUCCESS, FAILED, TIMEOUT, CANCELLED.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusSuccess   Status = "SUCCESS"
	StatusFailed    Status = "FAILED"
	StatusTimeout   Status = "TIMEOUT"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// Bot is the descriptor of an externally authored script. The scheduler only reads it.
type Bot struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Active      bool   `json:"active"`
	ScriptPath  string `json:"script_path"`
	VenvPath    string `json:"venv_path,omitempty"`     // optional interpreter for .py scripts
	LogFilePath string `json:"log_file_path,omitempty"` // optional output log
}

// Schedule binds one bot to a cron expression.
type Schedule struct {
	ID             int64  `json:"id"`
	BotID          int64  `json:"bot_id"`
	Name           string `json:"name"`
	CronExpression string `json:"cron_expression"`
	Timezone       string `json:"timezone"`
	Active         bool   `json:"active"`
	CreatedBy      *int64 `json:"created_by,omitempty"`
}

// Execution is one attempt to run a bot. ScheduleID is nil for manual runs.
type Execution struct {
	ID          int64      `json:"id"`
	BotID       int64      `json:"bot_id"`
	ScheduleID  *int64     `json:"schedule_id,omitempty"`
	TriggeredBy *int64     `json:"triggered_by,omitempty"`
	Status      Status     `json:"status"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	Stdout      string     `json:"stdout,omitempty"`
	Stderr      string     `json:"stderr,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// ExecutionUpdate carries the fields written by a status transition.
// Nil pointers leave the stored column untouched.
type ExecutionUpdate struct {
	Status      Status
	StartedAt   *time.Time
	CompletedAt *time.Time
	ExitCode    *int
	Stdout      *string
	Stderr      *string
	Error       *string
}

// JobKind distinguishes recurring cron jobs from one-shot dispatches.
type JobKind string

const (
	JobKindSchedule  JobKind = "schedule"
	JobKindImmediate JobKind = "immediate"
)

// JobRecord is the durable definition of a scheduler job.
// A nil NextRunAt means the job already fired and will not fire again.
type JobRecord struct {
	ID             string     `json:"id"`
	Kind           JobKind    `json:"kind"`
	BotID          int64      `json:"bot_id"`
	ScheduleID     *int64     `json:"schedule_id,omitempty"`
	ExecutionID    *int64     `json:"execution_id,omitempty"`
	Name           string     `json:"name"`
	CronExpression string     `json:"cron_expression,omitempty"`
	Timezone       string     `json:"timezone,omitempty"`
	Paused         bool       `json:"paused"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Session is the set of reads and writes available inside or outside a transaction.
type Session interface {
	GetBot(ctx context.Context, id int64) (Bot, error)
	UpsertBot(ctx context.Context, b *Bot) error

	GetSchedule(ctx context.Context, id int64) (Schedule, error)
	ListSchedules(ctx context.Context, activeOnly bool) ([]Schedule, error)
	SaveSchedule(ctx context.Context, s *Schedule) error
	DeleteSchedule(ctx context.Context, id int64) error

	CreateExecution(ctx context.Context, e *Execution) error
	GetExecution(ctx context.Context, id int64) (Execution, error)
	ListExecutions(ctx context.Context, botID int64, limit int) ([]Execution, error)
	// ListExecutionsByStatus returns every execution in one of statuses, oldest first.
	ListExecutionsByStatus(ctx context.Context, statuses ...Status) ([]Execution, error)
	// TransitionExecution applies upd only when the current status is one of from.
	// It reports whether a row changed.
	TransitionExecution(ctx context.Context, id int64, from []Status, upd ExecutionUpdate) (bool, error)

	SaveJob(ctx context.Context, rec JobRecord) error
	GetJob(ctx context.Context, id string) (JobRecord, error)
	DeleteJob(ctx context.Context, id string) error
	ListJobRecords(ctx context.Context) ([]JobRecord, error)
	PurgeFiredJobs(ctx context.Context) (int64, error)
}

// Store is the entity store used by the scheduler.
type Store interface {
	Session
	// WithTx runs fn in a transaction, committing when fn returns nil.
	WithTx(ctx context.Context, fn func(Session) error) error
	EnsureSchema(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// ScheduleJobID returns the job key for a schedule.
func ScheduleJobID(scheduleID int64) string {
	return "schedule_" + strconv.FormatInt(scheduleID, 10)
}

// ImmediateJobID returns the job key for a one-shot execution.
func ImmediateJobID(executionID int64) string {
	return "immediate_" + strconv.FormatInt(executionID, 10)
}
