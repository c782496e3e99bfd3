package logger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestFormatEntry(t *testing.T) {
	at := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	got := FormatEntry(at, "hello", "")
	want := "\n" + separator + "\nExecution at: 2024-03-01 09:30:00.000000+00:00\n" + separator + "\nSTDOUT:\nhello\n"
	if got != want {
		t.Fatalf("unexpected entry:\n%q\nwant\n%q", got, want)
	}
	if strings.Contains(got, "STDERR") {
		t.Fatalf("empty stderr section must be omitted")
	}
	both := FormatEntry(at, "o", "e")
	if !strings.HasSuffix(both, "STDOUT:\no\nSTDERR:\ne\n") {
		t.Fatalf("unexpected sections: %q", both)
	}
}

func TestBotLogWriterAppendsAndCreatesDirs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "bots", "a.log")
	w, err := NewBotLogWriter(FileConfig{Location: "UTC"})
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := w.Write(path, at, "first", ""); err != nil {
		t.Fatalf("write 1: %v", err)
	}
	if err := w.Write(path, at, "", "second"); err != nil {
		t.Fatalf("write 2: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	s := string(b)
	if strings.Count(s, "Execution at:") != 2 {
		t.Fatalf("expected two blocks, got:\n%s", s)
	}
	if strings.Index(s, "first") > strings.Index(s, "second") {
		t.Fatalf("blocks out of order:\n%s", s)
	}
}

func TestBotLogWriterConcurrentBlocksDoNotInterleave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.log")
	w, err := NewBotLogWriter(FileConfig{})
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })
	payload := strings.Repeat("x", 4096)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = w.Write(path, time.Now(), fmt.Sprintf("run-%02d %s", i, payload), "")
		}(i)
	}
	wg.Wait()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	blocks := strings.Split(string(b), "\n"+separator+"\nExecution at: ")
	if len(blocks) != 21 {
		t.Fatalf("expected 20 blocks, got %d", len(blocks)-1)
	}
	for _, blk := range blocks[1:] {
		if !strings.Contains(blk, "STDOUT:\nrun-") || !strings.HasSuffix(blk, payload+"\n") {
			t.Fatalf("interleaved block: %.80q", blk)
		}
	}
}

func TestBotLogWriterErrors(t *testing.T) {
	if _, err := NewBotLogWriter(FileConfig{Location: "Mars/Olympus"}); err == nil {
		t.Fatalf("expected error for unknown location")
	}
	w, _ := NewBotLogWriter(FileConfig{})
	if err := w.Write("", time.Now(), "x", ""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestNewSloggerFormats(t *testing.T) {
	var buf bytes.Buffer
	lg := Config{Slog: SlogConfig{Level: LevelWarn, Format: FormatJSON}}.NewSloggerTo(&buf)
	lg.Info("hidden")
	lg.Warn("shown", "bot_id", 7)
	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec); err != nil {
		t.Fatalf("expected a single json record, got %q: %v", buf.String(), err)
	}
	if rec["msg"] != "shown" || rec["bot_id"] != float64(7) {
		t.Fatalf("unexpected record: %v", rec)
	}
	if _, ok := rec["time"]; ok {
		t.Fatalf("time must be dropped when timestamps are off")
	}

	buf.Reset()
	Config{Slog: SlogConfig{Level: LevelDebug, Color: true}}.NewSloggerTo(&buf).With("k", "v").Debug("colored")
	out := buf.String()
	if !strings.Contains(out, "DEBUG") || !strings.Contains(out, "colored") || !strings.Contains(out, "k=v") {
		t.Fatalf("expected colored debug line with attrs, got %q", out)
	}
}

func TestValOr(t *testing.T) {
	if valOr(0, 5) != 5 || valOr(-1, 5) != 5 || valOr(2, 5) != 2 {
		t.Fatalf("valOr defaults broken")
	}
}
