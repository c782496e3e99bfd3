package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/loykin/botrunner/internal/detector"
)

// daemonize re-executes the current command line in the background without
// the daemon flags, writes the child PID and exits the parent.
func daemonize(pidFile string, logFile string) error {
	if !isDaemonSupported() {
		return errors.New("daemonize is not supported on this platform")
	}
	if pidFile != "" {
		if pid, alive, _ := (detector.PIDFile{Path: pidFile}).Alive(); alive {
			return errors.Wrapf(detector.ErrAlreadyRunning, "pid %d in %s", pid, pidFile)
		}
	}
	executable, err := os.Executable()
	if err != nil {
		return errors.Wrap(err, "failed to get executable path")
	}

	args := childArgs(os.Args[1:], pidFile)

	// #nosec G204
	cmd := exec.Command(executable, args...)
	configureDaemonAttrs(cmd)
	cmd.Stdin = nil
	if logFile != "" {
		// #nosec G304
		logF, err := os.OpenFile(filepath.Clean(logFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return errors.Wrap(err, "failed to open log file")
		}
		defer func() { _ = logF.Close() }()
		cmd.Stdout = logF
		cmd.Stderr = logF
	}

	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "failed to start daemon process")
	}
	fmt.Printf("Daemon started with PID %d\n", cmd.Process.Pid)
	os.Exit(0)
	return nil
}

// childArgs drops --daemonize and the file flags from args. The child writes
// its own PID file, so pidFile is passed back explicitly.
func childArgs(args []string, pidFile string) []string {
	var out []string
	skipNext := false
	for _, arg := range args {
		if skipNext {
			skipNext = false
			continue
		}
		switch {
		case arg == "--daemonize" || strings.HasPrefix(arg, "--daemonize="):
			continue
		case arg == "--pidfile" || arg == "--logfile":
			skipNext = true
			continue
		case strings.HasPrefix(arg, "--pidfile=") || strings.HasPrefix(arg, "--logfile="):
			continue
		}
		out = append(out, arg)
	}
	if pidFile != "" {
		out = append(out, "--pidfile", pidFile)
	}
	return out
}

// writePidFile claims pidFile for pid; it fails while another live daemon
// owns it.
func writePidFile(pidFile string, pid int) error {
	return detector.PIDFile{Path: pidFile}.Acquire(pid)
}

func removePidFile(pidFile string) error {
	return detector.PIDFile{Path: pidFile}.Remove()
}
