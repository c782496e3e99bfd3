package process

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	gopsproc "github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/botrunner/internal/registry"
	"github.com/loykin/botrunner/internal/store"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh/sleep on Unix-like systems")
	}
}

type captureLog struct {
	mu    sync.Mutex
	calls []string
}

func (c *captureLog) Write(path string, _ time.Time, stdout, stderr string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, path+"|"+stdout+"|"+stderr)
	return nil
}

// newTestSupervisor runs .sh scripts through /bin/sh so tests never exec a freshly written file.
func newTestSupervisor(timeout time.Duration, logs LogWriter) (*Supervisor, *registry.Running) {
	running := registry.NewRunning()
	return NewSupervisor(Config{Timeout: timeout, Shell: "/bin/sh", WaitDelay: time.Second}, running, logs, nil), running
}

func shellBot(t *testing.T, id int64, body string) store.Bot {
	t.Helper()
	dir := t.TempDir()
	return store.Bot{ID: id, Name: "bot" + strconv.FormatInt(id, 10), Active: true, ScriptPath: writeFile(t, dir, "run.sh", body, 0o644)}
}

// gone reports whether pid no longer names a live (non-zombie) process.
func gone(pid int) bool {
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return true
	}
	st, err := p.Status()
	if err != nil {
		return true
	}
	for _, s := range st {
		if s == gopsproc.Zombie {
			return true
		}
	}
	return false
}

func waitUntil(d, step time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(step)
	}
	return cond()
}

func TestRunCapturesOutputSeparately(t *testing.T) {
	requireUnix(t)
	logs := &captureLog{}
	sup, running := newTestSupervisor(0, logs)
	bot := shellBot(t, 1, "echo out; echo err 1>&2; pwd\n")
	bot.LogFilePath = filepath.Join(t.TempDir(), "bot.log")

	res, err := sup.Run(context.Background(), bot)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Success || res.ExitCode != 0 || res.TimedOut {
		t.Fatalf("unexpected result: %+v", res)
	}
	lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	if len(lines) != 2 || lines[0] != "out" {
		t.Fatalf("stdout: %q", res.Stdout)
	}
	wantDir, _ := filepath.EvalSymlinks(filepath.Dir(bot.ScriptPath))
	gotDir, _ := filepath.EvalSymlinks(lines[1])
	if gotDir != wantDir {
		t.Fatalf("working dir: want %s got %s", wantDir, gotDir)
	}
	if res.Stderr != "err\n" {
		t.Fatalf("stderr: %q", res.Stderr)
	}
	if _, ok := running.Get(bot.ID); ok {
		t.Fatalf("handle must be deregistered after exit")
	}
	if len(logs.calls) != 1 || !strings.HasPrefix(logs.calls[0], bot.LogFilePath+"|out\n") {
		t.Fatalf("log writer calls: %v", logs.calls)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	requireUnix(t)
	logs := &captureLog{}
	sup, _ := newTestSupervisor(0, logs)
	bot := shellBot(t, 2, "exit 3\n")
	bot.LogFilePath = filepath.Join(t.TempDir(), "bot.log")
	res, err := sup.Run(context.Background(), bot)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Success || res.ExitCode != 3 {
		t.Fatalf("want exit 3, got %+v", res)
	}
	if len(logs.calls) != 0 {
		t.Fatalf("empty output must not be logged: %v", logs.calls)
	}
}

func TestRunMissingScript(t *testing.T) {
	sup, running := newTestSupervisor(0, nil)
	_, err := sup.Run(context.Background(), store.Bot{ID: 3, ScriptPath: filepath.Join(t.TempDir(), "nope.sh")})
	if !errors.Is(err, ErrScriptNotFound) {
		t.Fatalf("want ErrScriptNotFound, got %v", err)
	}
	if len(running.BotIDs()) != 0 {
		t.Fatalf("nothing should be registered")
	}
}

func TestRunStartFailure(t *testing.T) {
	requireUnix(t)
	running := registry.NewRunning()
	sup := NewSupervisor(Config{Shell: filepath.Join(t.TempDir(), "no-such-shell")}, running, nil, nil)
	_, err := sup.Run(context.Background(), shellBot(t, 4, "true\n"))
	if err == nil {
		t.Fatalf("expected start error")
	}
	if len(running.BotIDs()) != 0 {
		t.Fatalf("nothing should be registered")
	}
}

func TestRunTimeoutKillsProcessTree(t *testing.T) {
	requireUnix(t)
	sup, running := newTestSupervisor(300*time.Millisecond, nil)
	dir := t.TempDir()
	childPID := filepath.Join(dir, "child.pid")
	bot := shellBot(t, 5, "sleep 30 &\necho $! > "+childPID+"\nwait\n")

	start := time.Now()
	res, err := sup.Run(context.Background(), bot)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.TimedOut || res.Success {
		t.Fatalf("want timeout, got %+v", res)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("timeout not enforced, took %v", time.Since(start))
	}
	if _, ok := running.Get(bot.ID); ok {
		t.Fatalf("handle must be deregistered after timeout")
	}
	b, err := os.ReadFile(childPID)
	if err != nil {
		t.Fatalf("read child pid: %v", err)
	}
	pid, _ := strconv.Atoi(strings.TrimSpace(string(b)))
	if !waitUntil(2*time.Second, 20*time.Millisecond, func() bool { return gone(pid) }) {
		t.Fatalf("grandchild %d survived the timeout kill", pid)
	}
	if !gone(res.PID) {
		t.Fatalf("script process %d still alive", res.PID)
	}
}

func TestRunKilledThroughHandle(t *testing.T) {
	requireUnix(t)
	sup, running := newTestSupervisor(0, nil)
	bot := shellBot(t, 6, "sleep 30\n")

	type out struct {
		res Result
		err error
	}
	done := make(chan out, 1)
	go func() {
		res, err := sup.RunExecution(context.Background(), bot, 42)
		done <- out{res, err}
	}()

	var h registry.Handle
	if !waitUntil(2*time.Second, 10*time.Millisecond, func() bool {
		var ok bool
		h, ok = running.Get(bot.ID)
		return ok
	}) {
		t.Fatalf("handle never registered")
	}
	if h.ExecutionID() != 42 {
		t.Fatalf("handle bound to execution %d, want 42", h.ExecutionID())
	}
	if err := h.Kill(); err != nil {
		t.Fatalf("kill: %v", err)
	}
	select {
	case <-h.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("process did not exit after kill")
	}
	o := <-done
	if o.err != nil {
		t.Fatalf("run: %v", o.err)
	}
	if o.res.Success || o.res.TimedOut {
		t.Fatalf("killed run must not succeed: %+v", o.res)
	}
	if err := h.Kill(); err != nil {
		t.Fatalf("kill after exit must be a no-op: %v", err)
	}
	if _, ok := running.Get(bot.ID); ok {
		t.Fatalf("handle must be deregistered")
	}
}

func TestRunContextCancel(t *testing.T) {
	requireUnix(t)
	sup, running := newTestSupervisor(0, nil)
	bot := shellBot(t, 7, "sleep 30\n")
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	res, err := sup.Run(ctx, bot)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want deadline exceeded, got %v", err)
	}
	if res.Success {
		t.Fatalf("cancelled run must not succeed")
	}
	if _, ok := running.Get(bot.ID); ok {
		t.Fatalf("handle must be deregistered")
	}
}

func TestRunPassesEnvironment(t *testing.T) {
	requireUnix(t)
	t.Setenv("BOTRUNNER_DAEMON_ONLY", "leak")
	sup := NewSupervisor(Config{
		Shell:    "/bin/sh",
		Env:      []string{"REPORT_DIR=/srv/reports", "REPORT=${REPORT_DIR}/daily.csv"},
		CleanEnv: true,
	}, registry.NewRunning(), nil, nil)
	bot := shellBot(t, 21, `echo "$BOTRUNNER_BOT_ID|$BOTRUNNER_BOT_NAME|$REPORT|$BOTRUNNER_DAEMON_ONLY"`)

	res, err := sup.Run(context.Background(), bot)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := strings.TrimSpace(res.Stdout); got != "21|bot21|/srv/reports/daily.csv|" {
		t.Fatalf("unexpected environment: %q", got)
	}
}
