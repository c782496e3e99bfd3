package logger

import (
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

var separator = strings.Repeat("=", 80)

// BotLogWriter appends execution output to bot log files. Each path has its
// own lock so concurrent executions never interleave inside one file.
type BotLogWriter struct {
	cfg FileConfig
	loc *time.Location

	mu    sync.Mutex
	files map[string]*botFile
}

type botFile struct {
	mu sync.Mutex
	w  *lj.Logger
}

// NewBotLogWriter returns a writer using cfg for rotation.
func NewBotLogWriter(cfg FileConfig) (*BotLogWriter, error) {
	loc := time.Local
	if cfg.Location != "" {
		l, err := time.LoadLocation(cfg.Location)
		if err != nil {
			return nil, errors.Wrapf(err, "bot log location %q", cfg.Location)
		}
		loc = l
	}
	return &BotLogWriter{cfg: cfg, loc: loc, files: make(map[string]*botFile)}, nil
}

func (w *BotLogWriter) file(path string) *botFile {
	w.mu.Lock()
	defer w.mu.Unlock()
	f, ok := w.files[path]
	if !ok {
		f = &botFile{w: w.cfg.open(path)}
		w.files[path] = f
	}
	return f
}

// Write appends one execution block to path. Parent directories are created on demand.
func (w *BotLogWriter) Write(path string, at time.Time, stdout, stderr string) error {
	if path == "" {
		return errors.New("empty log path")
	}
	f := w.file(path)
	f.mu.Lock()
	defer f.mu.Unlock()
	_, err := f.w.Write([]byte(FormatEntry(at.In(w.loc), stdout, stderr)))
	return errors.Wrapf(err, "write %s", path)
}

// FormatEntry renders one execution block.
func FormatEntry(at time.Time, stdout, stderr string) string {
	var b strings.Builder
	b.WriteString("\n" + separator + "\n")
	b.WriteString("Execution at: " + at.Format("2006-01-02 15:04:05.000000-07:00") + "\n")
	b.WriteString(separator + "\n")
	if stdout != "" {
		b.WriteString("STDOUT:\n" + stdout + "\n")
	}
	if stderr != "" {
		b.WriteString("STDERR:\n" + stderr + "\n")
	}
	return b.String()
}

// Close releases every open file.
func (w *BotLogWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var errs error
	for p, f := range w.files {
		f.mu.Lock()
		if err := f.w.Close(); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "close %s", p))
		}
		f.mu.Unlock()
		delete(w.files, p)
	}
	return errs
}
