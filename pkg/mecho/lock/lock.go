// Package lock implements the single-instance lock: a
// well-known lock file carrying {pid, startedAt, cwd}, refusing to start
// when a live process already holds it and recovering automatically from a
// stale lock left behind by a crash.
package lock

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
)

// Info is the payload written into the lock file for diagnostics.
type Info struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"startedAt"`
	Cwd       string    `json:"cwd"`
}

// Lock holds an acquired single-instance lock. Release it on shutdown.
type Lock struct {
	fl   *flock.Flock
	path string
}

// Acquire takes the single-instance lock at path, recovering from a stale
// lock (one whose recorded pid is no longer alive) automatically.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	if !locked {
		if info, ok := readInfo(path); ok && pidAlive(info.PID) {
			return nil, fmt.Errorf("another instance is already running (pid %d, started %s)",
				info.PID, info.StartedAt.Format(time.RFC3339))
		}
		// Stale lock: the recorded pid is gone. Drop the file and retry once.
		_ = fl.Unlock()
		_ = os.Remove(path)
		fl = flock.New(path)
		locked, err = fl.TryLock()
		if err != nil {
			return nil, fmt.Errorf("acquire lock after stale cleanup: %w", err)
		}
		if !locked {
			return nil, fmt.Errorf("could not acquire lock at %s", path)
		}
	}

	cwd, _ := os.Getwd()
	info := Info{PID: os.Getpid(), StartedAt: time.Now().UTC(), Cwd: cwd}
	raw, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		_ = fl.Unlock()
		return nil, fmt.Errorf("marshal lock info: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		_ = fl.Unlock()
		return nil, fmt.Errorf("write lock file: %w", err)
	}

	return &Lock{fl: fl, path: path}, nil
}

// Release unlocks and removes the lock file.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	if err := l.fl.Unlock(); err != nil {
		return err
	}
	return os.Remove(l.path)
}

func readInfo(path string) (Info, bool) {
	raw, err := os.ReadFile(path)
	if err != nil || len(raw) == 0 {
		return Info{}, false
	}
	var info Info
	if err := json.Unmarshal(raw, &info); err != nil {
		return Info{}, false
	}
	return info, true
}

// pidAlive reports whether pid names a live process, via the POSIX
// signal-0 probe (sending signal 0 performs error checking without
// actually delivering a signal).
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
