// Package process launches bot scripts as child processes and supervises
// them until exit, timeout or a kill request.
package process

import (
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/loykin/botrunner/internal/env"
	"github.com/loykin/botrunner/internal/metrics"
	"github.com/loykin/botrunner/internal/registry"
	"github.com/loykin/botrunner/internal/store"
)

// Config controls how scripts are launched.
type Config struct {
	// Timeout bounds a single run. Zero means unbounded.
	Timeout            time.Duration `toml:"timeout" mapstructure:"timeout"`
	DefaultInterpreter string        `toml:"default_interpreter" mapstructure:"default_interpreter"`
	Shell              string        `toml:"shell" mapstructure:"shell"`
	BatchShell         string        `toml:"batch_shell" mapstructure:"batch_shell"`
	// WaitDelay bounds how long output pipes may stay open after the child is killed.
	WaitDelay time.Duration `toml:"wait_delay" mapstructure:"wait_delay"`
	// Env entries (KEY=VALUE) added to every bot's environment.
	Env []string `toml:"env" mapstructure:"env"`
	// CleanEnv starts bots without the daemon's own environment.
	CleanEnv bool `toml:"clean_env" mapstructure:"clean_env"`
}

func (c Config) withDefaults() Config {
	if c.DefaultInterpreter == "" {
		c.DefaultInterpreter = "python"
	}
	if c.Shell == "" {
		c.Shell = "bash"
	}
	if c.BatchShell == "" {
		c.BatchShell = "cmd"
	}
	if c.WaitDelay <= 0 {
		c.WaitDelay = 2 * time.Second
	}
	if c.Timeout < 0 {
		c.Timeout = 0
	}
	return c
}

// LogWriter appends one execution's captured output to a bot log file.
type LogWriter interface {
	Write(path string, at time.Time, stdout, stderr string) error
}

// Result is the outcome of one supervised run.
type Result struct {
	PID      int
	ExitCode int
	Success  bool
	TimedOut bool
	Stdout   string
	Stderr   string
}

// Supervisor runs bot scripts and tracks live children in a registry.
type Supervisor struct {
	cfg     Config
	running *registry.Running
	logs    LogWriter
	log     *slog.Logger
	env     *env.Env
}

// NewSupervisor returns a Supervisor. logs may be nil.
func NewSupervisor(cfg Config, running *registry.Running, logs LogWriter, lg *slog.Logger) *Supervisor {
	if lg == nil {
		lg = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Supervisor{
		cfg:     cfg,
		running: running,
		logs:    logs,
		log:     lg,
		env:     env.New(!cfg.CleanEnv).Load(cfg.Env),
	}
}

// Config returns the effective configuration.
func (s *Supervisor) Config() Config { return s.cfg }

type handle struct {
	pid    int
	execID int64
	done   chan struct{}
}

func (h *handle) PID() int              { return h.pid }
func (h *handle) ExecutionID() int64    { return h.execID }
func (h *handle) Done() <-chan struct{} { return h.done }

func (h *handle) Kill() error {
	select {
	case <-h.done:
		return nil
	default:
	}
	return killTree(h.pid)
}

// Run starts the bot script and blocks until it exits, times out, is killed
// through its registry handle, or ctx is cancelled. A non-nil error means
// the script could not be started or ctx ended the run.
func (s *Supervisor) Run(ctx context.Context, bot store.Bot) (Result, error) {
	return s.RunExecution(ctx, bot, 0)
}

// RunExecution is Run with the registry handle bound to execution execID.
func (s *Supervisor) RunExecution(ctx context.Context, bot store.Bot, execID int64) (Result, error) {
	res := Result{ExitCode: -1}
	inv, err := s.cfg.Resolve(bot)
	if err != nil {
		return res, err
	}
	cmd := inv.Command()
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = s.cfg.WaitDelay
	cmd.Env = s.env.Merge([]string{
		"BOTRUNNER_BOT_ID=" + strconv.FormatInt(bot.ID, 10),
		"BOTRUNNER_BOT_NAME=" + bot.Name,
	})
	configureSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return res, errors.Wrapf(err, "start %s", inv.Script)
	}
	h := &handle{pid: cmd.Process.Pid, execID: execID, done: make(chan struct{})}
	res.PID = h.pid
	s.running.Register(bot.ID, h)
	defer s.running.Deregister(bot.ID, h)
	s.log.Debug("bot started", "bot_id", bot.ID, "execution_id", execID, "pid", h.pid, "invocation", inv.Kind.String(), "script", inv.Script)

	waitCh := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		close(h.done)
		waitCh <- err
	}()

	var timeout <-chan time.Time
	if s.cfg.Timeout > 0 {
		t := time.NewTimer(s.cfg.Timeout)
		defer t.Stop()
		timeout = t.C
	}

	var waitErr, ctxErr error
	select {
	case waitErr = <-waitCh:
	case <-timeout:
		res.TimedOut = true
		s.log.Warn("bot timed out", "bot_id", bot.ID, "pid", h.pid, "timeout", s.cfg.Timeout)
		if err := killTree(h.pid); err != nil {
			s.log.Error("kill after timeout failed", "bot_id", bot.ID, "pid", h.pid, "error", err)
		}
		waitErr = <-waitCh
	case <-ctx.Done():
		ctxErr = ctx.Err()
		if err := killTree(h.pid); err != nil {
			s.log.Error("kill on cancel failed", "bot_id", bot.ID, "pid", h.pid, "error", err)
		}
		waitErr = <-waitCh
	}

	res.ExitCode = exitCode(cmd, waitErr)
	res.Success = !res.TimedOut && ctxErr == nil && res.ExitCode == 0
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	metrics.ObserveRun(inv.Kind.String(), cmd.ProcessState)

	s.writeLog(bot, res)
	if ctxErr != nil {
		return res, ctxErr
	}
	return res, nil
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	var ee *exec.ExitError
	if errors.As(waitErr, &ee) {
		return ee.ExitCode()
	}
	if waitErr == nil {
		return 0
	}
	return -1
}

func (s *Supervisor) writeLog(bot store.Bot, res Result) {
	if s.logs == nil || bot.LogFilePath == "" {
		return
	}
	if res.Stdout == "" && res.Stderr == "" {
		return
	}
	if err := s.logs.Write(bot.LogFilePath, time.Now(), res.Stdout, res.Stderr); err != nil {
		s.log.Error("write bot log failed", "bot_id", bot.ID, "path", bot.LogFilePath, "error", err)
	}
}
