// SPDX-License-Identifier: AGPL-3.0-only
package singleton

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// PIDFile is the path of <dataDir>/<name>.pid.
func PIDFile(dataDir, name string) string {
	return filepath.Join(dataDir, name+".pid")
}

// WritePID records the current process ID in path.
func WritePID(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create pid directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// ReadPID returns the PID stored in path, or 0 if the file is missing or
// unreadable.
func ReadPID(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0
	}
	return pid
}

// RemovePID deletes path. A missing file is not an error.
func RemovePID(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove pid file: %w", err)
	}
	return nil
}

// ProcessState describes what a PID file points at.
type ProcessState int

const (
	// NotRunning means there is no PID file.
	NotRunning ProcessState = iota
	// Stale means the PID file names a process that no longer exists.
	Stale
	// Running means the recorded process is alive.
	Running
	// Foreign means the process is alive but owned by another user.
	Foreign
)

func (s ProcessState) String() string {
	switch s {
	case Stale:
		return "stale"
	case Running:
		return "running"
	case Foreign:
		return "running (other user)"
	default:
		return "not running"
	}
}

// Status inspects the PID file at path.
func Status(path string) (int, ProcessState) {
	pid := ReadPID(path)
	if pid == 0 {
		return 0, NotRunning
	}
	return pid, processState(pid)
}

// IsRunning reports whether the process recorded in path is alive.
func IsRunning(path string) bool {
	_, state := Status(path)
	return state == Running || state == Foreign
}

func processState(pid int) ProcessState {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return Stale
	}
	err = proc.Signal(syscall.Signal(0))
	switch {
	case err == nil:
		return Running
	case errors.Is(err, syscall.EPERM):
		return Foreign
	default:
		return Stale
	}
}

// ErrStopTimeout is returned when the process outlives the stop deadline.
var ErrStopTimeout = errors.New("process did not exit in time")

// StopProcess sends SIGTERM to the process recorded in path and waits up to
// timeout for it to exit. A stale PID file is removed. The returned state is
// what was found before signalling.
func StopProcess(path string, timeout time.Duration) (int, ProcessState, error) {
	pid, state := Status(path)
	switch state {
	case NotRunning:
		return 0, state, nil
	case Stale:
		return pid, state, RemovePID(path)
	case Foreign:
		return pid, state, fmt.Errorf("pid %d is owned by another user", pid)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return pid, state, fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return pid, state, fmt.Errorf("signal process %d: %w", pid, err)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
		if processState(pid) == Stale {
			return pid, state, RemovePID(path)
		}
	}
	return pid, state, ErrStopTimeout
}
