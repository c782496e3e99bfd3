// Package detector tells whether the process recorded in a daemon PID file
// is still the one that wrote it.
package detector

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// ErrAlreadyRunning is returned by Acquire when a live process owns the file.
var ErrAlreadyRunning = errors.New("daemon already running")

// PIDFile is a daemon PID file. The first line holds the PID and the optional
// second line {"start_unix":N}, so a reused PID is not taken for the owner.
type PIDFile struct {
	Path string
}

type pidMeta struct {
	StartUnix int64 `json:"start_unix"`
}

// Write records pid together with its start time when the platform exposes it.
func (f PIDFile) Write(pid int) error {
	content := strconv.Itoa(pid)
	if start := procStartUnix(pid); start > 0 {
		mb, _ := json.Marshal(pidMeta{StartUnix: start})
		content += "\n" + string(mb)
	}
	// #nosec G306
	if err := os.WriteFile(filepath.Clean(f.Path), []byte(content+"\n"), 0o644); err != nil {
		return errors.Wrapf(err, "write pid file %s", f.Path)
	}
	return nil
}

// Read returns the recorded pid and start time (0 when absent).
func (f PIDFile) Read() (pid int, startUnix int64, err error) {
	data, err := os.ReadFile(filepath.Clean(f.Path))
	if err != nil {
		return 0, 0, err
	}
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	pid, err = strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return 0, 0, errors.Wrapf(err, "invalid pid in %s", f.Path)
	}
	if len(lines) > 1 {
		var m pidMeta
		if json.Unmarshal([]byte(strings.TrimSpace(lines[1])), &m) == nil {
			startUnix = m.StartUnix
		}
	}
	return pid, startUnix, nil
}

// Alive reports whether the recorded process still runs. A missing file is
// not an error.
func (f PIDFile) Alive() (int, bool, error) {
	pid, start, err := f.Read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, false, nil
		}
		return 0, false, err
	}
	if start > 0 {
		if cur := procStartUnix(pid); cur > 0 && cur != start {
			return pid, false, nil // pid reused
		}
	}
	return pid, pidAlive(pid), nil
}

// Acquire writes pid unless another live process owns the file. Stale and
// unreadable files are overwritten.
func (f PIDFile) Acquire(pid int) error {
	owner, alive, err := f.Alive()
	if err == nil && alive && owner != pid {
		return errors.Wrapf(ErrAlreadyRunning, "pid %d in %s", owner, f.Path)
	}
	return f.Write(pid)
}

// Remove deletes the file; a missing file is fine.
func (f PIDFile) Remove() error {
	if f.Path == "" {
		return nil
	}
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
