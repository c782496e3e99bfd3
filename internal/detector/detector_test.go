package detector

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("unix only")
	}
}

// startSleep starts a short-lived sleep process.
func startSleep(t *testing.T) *exec.Cmd {
	t.Helper()
	cmd := exec.Command("/bin/sh", "-c", "sleep 5")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start sleep: %v", err)
	}
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})
	time.Sleep(20 * time.Millisecond)
	return cmd
}

func TestPIDFile_WriteReadOwnProcess(t *testing.T) {
	f := PIDFile{Path: filepath.Join(t.TempDir(), "botrunner.pid")}
	if err := f.Write(os.Getpid()); err != nil {
		t.Fatalf("write: %v", err)
	}
	pid, start, err := f.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if pid != os.Getpid() {
		t.Fatalf("pid = %d, want %d", pid, os.Getpid())
	}
	if runtime.GOOS == "linux" && start == 0 {
		t.Fatalf("expected start time on linux")
	}
	owner, alive, err := f.Alive()
	if err != nil || !alive || owner != os.Getpid() {
		t.Fatalf("Alive = %d %v %v", owner, alive, err)
	}
}

func TestPIDFile_Missing(t *testing.T) {
	f := PIDFile{Path: filepath.Join(t.TempDir(), "none.pid")}
	_, alive, err := f.Alive()
	if err != nil || alive {
		t.Fatalf("missing file: alive=%v err=%v", alive, err)
	}
	if err := f.Remove(); err != nil {
		t.Fatalf("remove missing: %v", err)
	}
	if err := (PIDFile{}).Remove(); err != nil {
		t.Fatalf("remove empty path: %v", err)
	}
}

func TestPIDFile_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.pid")
	if err := os.WriteFile(path, []byte("not-a-pid\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, _, err := (PIDFile{Path: path}).Alive(); err == nil {
		t.Fatalf("expected error for invalid pid")
	}
	// unreadable content is overwritten
	if err := (PIDFile{Path: path}).Acquire(os.Getpid()); err != nil {
		t.Fatalf("acquire over invalid file: %v", err)
	}
}

func TestPIDFile_AcquireLiveOwner(t *testing.T) {
	requireUnix(t)
	cmd := startSleep(t)
	f := PIDFile{Path: filepath.Join(t.TempDir(), "botrunner.pid")}
	if err := f.Write(cmd.Process.Pid); err != nil {
		t.Fatal(err)
	}
	err := f.Acquire(os.Getpid())
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	// the same process may re-acquire its own file
	if err := f.Acquire(cmd.Process.Pid); err != nil {
		t.Fatalf("self acquire: %v", err)
	}
}

func TestPIDFile_StaleAndReused(t *testing.T) {
	requireUnix(t)
	cmd := startSleep(t)
	pid := cmd.Process.Pid
	start := procStartUnix(pid)
	if start == 0 {
		t.Skip("process start time unavailable on this platform")
	}
	path := filepath.Join(t.TempDir(), "botrunner.pid")

	// matching start time: alive
	content := strings.Join([]string{strconv.Itoa(pid), `{"start_unix":` + strconv.FormatInt(start, 10) + `}`}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, alive, _ := (PIDFile{Path: path}).Alive(); !alive {
		t.Fatalf("expected alive with matching start time")
	}

	// pid reused by another process: not alive, and Acquire succeeds
	content = strings.Join([]string{strconv.Itoa(pid), `{"start_unix":` + strconv.FormatInt(start-1000, 10) + `}`}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, alive, _ := (PIDFile{Path: path}).Alive(); alive {
		t.Fatalf("expected not alive on start time mismatch")
	}
	if err := (PIDFile{Path: path}).Acquire(os.Getpid()); err != nil {
		t.Fatalf("acquire stale: %v", err)
	}

	// exited process
	_ = cmd.Process.Kill()
	_ = cmd.Wait()
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, alive, _ := (PIDFile{Path: path}).Alive(); alive {
		t.Fatalf("expected exited process to be dead")
	}
}
