// SPDX-License-Identifier: AGPL-3.0-only
package singleton

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// Lock represents an acquired single-instance lock for a host data directory.
type Lock struct {
	flock *flock.Flock
}

// TryAcquire attempts to acquire the lock guarding name inside dataDir.
// It returns the lock and true if acquired (primary instance), or nil and
// false if another host process already holds it. Callers that get false
// should refuse to start rather than share the PID file.
func TryAcquire(dataDir, name string) (*Lock, bool, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, false, fmt.Errorf("singleton: create %s: %w", dataDir, err)
	}
	lockPath := filepath.Join(dataDir, name+".lock")

	fl := flock.New(lockPath)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, false, fmt.Errorf("singleton: try lock %s: %w", lockPath, err)
	}
	if !locked {
		return nil, false, nil
	}
	return &Lock{flock: fl}, true, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.flock.Path()
}

// Release releases the lock.
func (l *Lock) Release() error {
	return l.flock.Unlock()
}
