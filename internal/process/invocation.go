package process

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/loykin/botrunner/internal/store"
)

var (
	// ErrScriptNotFound is returned when the script path does not name a regular file.
	ErrScriptNotFound = errors.New("script not found")
	// ErrNotExecutable is returned for scripts without a known extension that lack the executable bit.
	ErrNotExecutable = errors.New("script is not executable")
)

// InvocationKind selects how a script is launched.
type InvocationKind int

const (
	InvokeInterpreter InvocationKind = iota // .py through venv or default interpreter
	InvokeNative                            // .exe run as-is
	InvokeShell                             // .sh through the configured shell
	InvokeBatch                             // .bat through cmd /c
	InvokeDirect                            // anything else, must be executable
)

func (k InvocationKind) String() string {
	switch k {
	case InvokeInterpreter:
		return "interpreter"
	case InvokeNative:
		return "native"
	case InvokeShell:
		return "shell"
	case InvokeBatch:
		return "batch"
	case InvokeDirect:
		return "direct"
	}
	return "unknown"
}

// Invocation is the resolved way to start one bot script.
type Invocation struct {
	Kind    InvocationKind
	Script  string // absolute path
	Program string // interpreter or shell; empty for native and direct
	WorkDir string
}

// Argv returns the program and arguments for exec.
func (inv Invocation) Argv() []string {
	switch inv.Kind {
	case InvokeInterpreter, InvokeShell:
		return []string{inv.Program, inv.Script}
	case InvokeBatch:
		return []string{inv.Program, "/c", inv.Script}
	default:
		return []string{inv.Script}
	}
}

// Command builds the exec.Cmd without starting it.
func (inv Invocation) Command() *exec.Cmd {
	argv := inv.Argv()
	// #nosec G204 bot scripts are operator-registered
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = inv.WorkDir
	return cmd
}

// Resolve picks the invocation for bot according to the script extension.
func (c Config) Resolve(bot store.Bot) (Invocation, error) {
	if strings.TrimSpace(bot.ScriptPath) == "" {
		return Invocation{}, errors.Wrap(ErrScriptNotFound, "empty script path")
	}
	abs, err := filepath.Abs(bot.ScriptPath)
	if err != nil {
		return Invocation{}, errors.Wrapf(ErrScriptNotFound, "%s: %v", bot.ScriptPath, err)
	}
	fi, err := os.Stat(abs)
	if err != nil || !fi.Mode().IsRegular() {
		return Invocation{}, errors.Wrapf(ErrScriptNotFound, "%s", abs)
	}
	inv := Invocation{Script: abs, WorkDir: filepath.Dir(abs)}
	switch strings.ToLower(filepath.Ext(abs)) {
	case ".py":
		inv.Kind = InvokeInterpreter
		inv.Program = c.DefaultInterpreter
		if bot.VenvPath != "" {
			if vi, err := os.Stat(bot.VenvPath); err == nil && vi.Mode().IsRegular() {
				inv.Program = bot.VenvPath
			}
		}
	case ".exe":
		inv.Kind = InvokeNative
	case ".sh":
		inv.Kind = InvokeShell
		inv.Program = c.Shell
	case ".bat":
		inv.Kind = InvokeBatch
		inv.Program = c.BatchShell
	default:
		inv.Kind = InvokeDirect
		if !isExecutable(fi) {
			return Invocation{}, errors.Wrapf(ErrNotExecutable, "%s", abs)
		}
	}
	return inv, nil
}
