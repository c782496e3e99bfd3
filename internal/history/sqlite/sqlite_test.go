package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/botrunner/internal/history"
	"github.com/loykin/botrunner/internal/store"
)

func TestSQLiteSink_Integration(t *testing.T) {
	sink, err := New("sqlite://" + filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()
	ctx := context.Background()

	started := time.Now().Add(-time.Minute).UTC()
	exec := &store.Execution{ID: 11, BotID: 4, Status: store.StatusRunning, StartedAt: &started}
	sid := int64(2)
	if err := sink.Send(ctx, history.Event{Type: history.EventStarted, OccurredAt: started, BotID: 4, JobID: "schedule_2", ScheduleID: &sid, Execution: exec}); err != nil {
		t.Fatalf("Failed to send started event: %v", err)
	}

	code := 0
	done := *exec
	done.Status = store.StatusSuccess
	done.ExitCode = &code
	if err := sink.Send(ctx, history.Event{Type: history.EventFinished, OccurredAt: time.Now().UTC(), BotID: 4, Execution: &done}); err != nil {
		t.Fatalf("Failed to send finished event: %v", err)
	}
	if err := sink.Send(ctx, history.Event{Type: history.EventDropped, OccurredAt: time.Now().UTC(), BotID: 4, Reason: "bot busy"}); err != nil {
		t.Fatalf("Failed to send dropped event: %v", err)
	}

	for typ, want := range map[history.EventType]int{history.EventStarted: 1, history.EventFinished: 1, history.EventDropped: 1, history.EventMissed: 0} {
		n, err := sink.Count(ctx, 4, typ)
		if err != nil {
			t.Fatalf("count %s: %v", typ, err)
		}
		if n != want {
			t.Fatalf("count %s: want %d got %d", typ, want, n)
		}
	}
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatalf("expected error for empty DSN")
	}
}
