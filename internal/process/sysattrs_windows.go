//go:build windows

package process

import (
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/cockroachdb/errors"
)

// Windows creation flags
const (
	CREATE_NEW_PROCESS_GROUP = 0x00000200
)

func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: CREATE_NEW_PROCESS_GROUP}
}

// killTree terminates pid and its descendants through taskkill.
func killTree(pid int) error {
	if pid <= 0 {
		return nil
	}
	// #nosec G204
	out, err := exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(pid)).CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "taskkill %d: %s", pid, out)
	}
	return nil
}

// There is no executable bit on Windows; any regular file is accepted.
func isExecutable(os.FileInfo) bool { return true }
