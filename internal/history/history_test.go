package history

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/loykin/botrunner/internal/store"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed bool
}

func (r *recordingSink) Send(ctx context.Context, e Event) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("expected a deadline")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func (r *recordingSink) Close() error {
	r.closed = true
	return nil
}

func TestMultiDeliversToAllSinks(t *testing.T) {
	boom := errors.New("boom")
	a := &recordingSink{}
	b := &recordingSink{err: boom}
	c := &recordingSink{}
	m := NewMulti(time.Second, nil, a, b, c)

	err := m.Send(context.Background(), Event{Type: EventDropped, BotID: 3, Reason: "bot busy"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected combined error to wrap boom, got %v", err)
	}
	for i, s := range []*recordingSink{a, b, c} {
		if len(s.events) != 1 {
			t.Fatalf("sink %d received %d events", i, len(s.events))
		}
	}
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !a.closed || !b.closed || !c.closed {
		t.Fatalf("expected all sinks closed")
	}
	if m.Len() != 3 {
		t.Fatalf("unexpected len %d", m.Len())
	}
}

func TestEventAccessors(t *testing.T) {
	e := Event{Type: EventMissed, Reason: "outside grace"}
	if e.ExecutionID() != nil || e.ExitCode() != nil || e.Status() != "" {
		t.Fatalf("event without execution must have empty accessors")
	}
	if e.ErrorText() != "outside grace" {
		t.Fatalf("reason should be used as error text")
	}

	code := 2
	e.Execution = &store.Execution{ID: 9, Status: store.StatusFailed, ExitCode: &code, Error: "exit status 2"}
	if id := e.ExecutionID(); id == nil || *id != 9 {
		t.Fatalf("execution id: %v", id)
	}
	if e.Status() != "FAILED" || *e.ExitCode() != 2 || e.ErrorText() != "exit status 2" {
		t.Fatalf("unexpected accessors: %s %d %s", e.Status(), *e.ExitCode(), e.ErrorText())
	}
}
