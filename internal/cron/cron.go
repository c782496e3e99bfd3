package cron

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"

	"github.com/loykin/botrunner/internal/store"
)

var (
	// ErrInvalidSchedule is returned for unparsable cron expressions or unknown timezones.
	ErrInvalidSchedule = errors.New("invalid schedule")
	// ErrQueueFull reports a firing discarded because every worker was busy.
	ErrQueueFull = errors.New("worker queue full")
	// ErrNotRunning is returned when submitting to a stopped scheduler.
	ErrNotRunning = errors.New("scheduler not running")
)

const (
	DefaultWorkers         = 20
	DefaultQueueSize       = 100
	DefaultMisfireGrace    = 5 * time.Minute
	DefaultCleanupInterval = 10 * time.Minute
	DefaultTimezone        = "UTC"
)

// Config controls the worker pool and job store housekeeping.
type Config struct {
	Workers         int           `toml:"workers" mapstructure:"workers"`
	QueueSize       int           `toml:"queue_size" mapstructure:"queue_size"`
	MisfireGrace    time.Duration `toml:"misfire_grace" mapstructure:"misfire_grace"`
	CleanupInterval time.Duration `toml:"cleanup_interval" mapstructure:"cleanup_interval"`
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.MisfireGrace <= 0 {
		c.MisfireGrace = DefaultMisfireGrace
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	return c
}

// five standard fields plus @hourly style descriptors and @every
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Parse validates expr evaluated in timezone (UTC when empty).
func Parse(expr, timezone string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.Wrap(ErrInvalidSchedule, "empty cron expression")
	}
	if strings.HasPrefix(expr, "TZ=") || strings.HasPrefix(expr, "CRON_TZ=") {
		return nil, errors.Wrapf(ErrInvalidSchedule, "timezone prefix not allowed in %q", expr)
	}
	tz := strings.TrimSpace(timezone)
	if tz == "" {
		tz = DefaultTimezone
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return nil, errors.Wrapf(ErrInvalidSchedule, "timezone %q: %v", tz, err)
	}
	sched, err := parser.Parse("CRON_TZ=" + tz + " " + expr)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidSchedule, "cron expression %q: %v", expr, err)
	}
	return sched, nil
}

// Firing is one unit of work handed to the worker pool.
type Firing struct {
	JobID       string        `json:"job_id"`
	Kind        store.JobKind `json:"kind"`
	BotID       int64         `json:"bot_id"`
	ScheduleID  *int64        `json:"schedule_id,omitempty"`
	ExecutionID *int64        `json:"execution_id,omitempty"`
	ScheduledAt time.Time     `json:"scheduled_at"`
}

func firingOf(rec store.JobRecord, at time.Time) Firing {
	return Firing{
		JobID:       rec.ID,
		Kind:        rec.Kind,
		BotID:       rec.BotID,
		ScheduleID:  rec.ScheduleID,
		ExecutionID: rec.ExecutionID,
		ScheduledAt: at,
	}
}

// JobInfo is a point-in-time view of a live job.
type JobInfo struct {
	ID      string        `json:"id"`
	Name    string        `json:"name"`
	Kind    store.JobKind `json:"kind"`
	BotID   int64         `json:"bot_id"`
	NextRun *time.Time    `json:"next_run,omitempty"`
	Paused  bool          `json:"paused"`
}

// Hooks connect the scheduler to the code that executes and observes firings.
type Hooks struct {
	// Dispatch runs on a worker goroutine; it must honour ctx.
	Dispatch func(ctx context.Context, f Firing)
	// Dropped is called when a firing is discarded before reaching a worker.
	Dropped func(f Firing, reason error)
	// Missed is called for firings recovered outside the misfire grace window.
	Missed func(f Firing)
}

// slogAdapter routes robfig/cron's own logging into slog.
type slogAdapter struct{ log *slog.Logger }

func (a slogAdapter) Info(msg string, keysAndValues ...interface{}) {
	a.log.Debug("cron: "+msg, keysAndValues...)
}

func (a slogAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	a.log.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
