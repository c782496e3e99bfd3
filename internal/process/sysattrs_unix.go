//go:build !windows

package process

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/cockroachdb/errors"
)

// configureSysProcAttr places the child in a new process group so the whole
// tree can be signalled at once.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killTree sends SIGKILL to the process group led by pid.
// A group that is already gone is not an error.
func killTree(pid int) error {
	if pid <= 0 {
		return nil
	}
	err := syscall.Kill(-pid, syscall.SIGKILL)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return errors.Wrapf(err, "kill process group %d", pid)
}

func isExecutable(fi os.FileInfo) bool {
	return fi.Mode().Perm()&0o111 != 0
}
