package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/loykin/botrunner/internal/store"
)

// EventType defines the kind of execution lifecycle event.
type EventType string

const (
	EventStarted  EventType = "started"  // execution moved to RUNNING
	EventFinished EventType = "finished" // execution reached a terminal status
	EventDropped  EventType = "dropped"  // firing discarded (bot busy or queue full)
	EventMissed   EventType = "missed"   // firing outside the misfire grace window
)

// Event represents a scheduler event exported to external systems.
// Execution is nil for firings that never produced an execution row.
type Event struct {
	Type       EventType        `json:"type"`
	OccurredAt time.Time        `json:"occurred_at"`
	BotID      int64            `json:"bot_id"`
	JobID      string           `json:"job_id,omitempty"`
	ScheduleID *int64           `json:"schedule_id,omitempty"`
	Execution  *store.Execution `json:"execution,omitempty"`
	Reason     string           `json:"reason,omitempty"`
}

// ExecutionID returns the id of the attached execution, if any.
func (e Event) ExecutionID() *int64 {
	if e.Execution == nil {
		return nil
	}
	id := e.Execution.ID
	return &id
}

// Status returns the attached execution status or "".
func (e Event) Status() string {
	if e.Execution == nil {
		return ""
	}
	return string(e.Execution.Status)
}

// ExitCode returns the attached execution exit code, if recorded.
func (e Event) ExitCode() *int {
	if e.Execution == nil {
		return nil
	}
	return e.Execution.ExitCode
}

// ErrorText returns the execution error message or the event reason.
func (e Event) ErrorText() string {
	if e.Execution != nil && e.Execution.Error != "" {
		return e.Execution.Error
	}
	return e.Reason
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Multi forwards every event to each sink. A failing sink is logged and
// does not stop delivery to the others.
type Multi struct {
	sinks   []Sink
	timeout time.Duration
	log     *slog.Logger
}

// NewMulti returns a fan-out sink. timeout bounds each Send; zero means 5s.
func NewMulti(timeout time.Duration, lg *slog.Logger, sinks ...Sink) *Multi {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if lg == nil {
		lg = slog.Default()
	}
	return &Multi{sinks: sinks, timeout: timeout, log: lg}
}

// Len reports the number of wrapped sinks.
func (m *Multi) Len() int { return len(m.sinks) }

func (m *Multi) Send(ctx context.Context, e Event) error {
	var errs error
	for _, s := range m.sinks {
		sctx, cancel := context.WithTimeout(ctx, m.timeout)
		err := s.Send(sctx, e)
		cancel()
		if err != nil {
			m.log.Warn("history sink send failed", "event", e.Type, "bot_id", e.BotID, "error", err)
			errs = errors.CombineErrors(errs, err)
		}
	}
	return errs
}

// Close closes every wrapped sink that supports it.
func (m *Multi) Close() error {
	var errs error
	for _, s := range m.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			errs = errors.CombineErrors(errs, c.Close())
		}
	}
	return errs
}
