package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// LockInfo records which process holds the run lock.
type LockInfo struct {
	PID       int    `json:"pid"`
	SID       string `json:"sid"`
	StartedAt string `json:"started_at"`
}

// ErrAlreadyRunning indicates another client run holds the lock.
var ErrAlreadyRunning = errors.New("another macrolink run is in progress")

// LockFilePath returns ~/.macrolink.lock.
func LockFilePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".macrolink.lock"), nil
}

// Lock is a held run lock. Release it when the run ends.
type Lock struct {
	path string
}

// AcquireLock takes the default lock file for sid.
func AcquireLock(sid string) (*Lock, error) {
	path, err := LockFilePath()
	if err != nil {
		return nil, err
	}
	return AcquireLockAt(path, sid)
}

// AcquireLockAt takes the lock at path. A lock left behind by a dead process is replaced.
// Two runs must not share one sid on the server, so a live holder is an error.
func AcquireLockAt(path, sid string) (*Lock, error) {
	if info, err := readLockFile(path); err == nil {
		if info.PID != os.Getpid() && isProcessRunning(info.PID) {
			return nil, fmt.Errorf("%w (PID: %d, sid: %s)", ErrAlreadyRunning, info.PID, info.SID)
		}
		os.Remove(path)
	}

	if err := writeLockFile(path, sid); err != nil {
		return nil, err
	}
	return &Lock{path: path}, nil
}

// Release removes the lock file if this process still owns it.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	info, err := readLockFile(l.path)
	if err != nil {
		return nil
	}
	if info.PID != os.Getpid() {
		return nil
	}
	return os.Remove(l.path)
}

func readLockFile(path string) (*LockInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func writeLockFile(path, sid string) error {
	data, err := json.Marshal(LockInfo{
		PID:       os.Getpid(),
		SID:       sid,
		StartedAt: time.Now().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// FindProcess always succeeds on Unix; signal 0 checks that it exists.
	return process.Signal(syscall.Signal(0)) == nil
}
