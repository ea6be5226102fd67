package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"
)

// RunInfo records an in-flight diff run so a crashed run's workspace can be found later
type RunInfo struct {
	PID        int       `json:"pid"`
	StartTime  time.Time `json:"start_time"`
	Model      string    `json:"model"`
	RunID      string    `json:"run_id"`
	Workspace  string    `json:"workspace"`
	Dialect    string    `json:"dialect"`
	Stage      string    `json:"stage"`
	LastUpdate time.Time `json:"last_update"`
	Stale      bool      `json:"-"`
}

// GetStateDir returns the directory holding run files and the version check cache
func GetStateDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".model-diff")
}

// GetRunFilePath returns the path of the run file for runID
func GetRunFilePath(runID string) string {
	return filepath.Join(GetStateDir(), "runs", runID+".json")
}

// IsProcessRunning checks if a process with given PID is running
func IsProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// On Unix systems, signal 0 checks that the process exists without touching it
	err = process.Signal(syscall.Signal(0))
	return err == nil
}

// WriteRunInfo writes the run file, stamping the current process and time
func WriteRunInfo(info *RunInfo) error {
	path := GetRunFilePath(info.RunID)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	info.PID = os.Getpid()
	info.LastUpdate = time.Now()

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run info: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// RemoveRunInfo removes the run file of runID. A missing file is not an error.
func RemoveRunInfo(runID string) error {
	err := os.Remove(GetRunFilePath(runID))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// ListRuns returns every recorded run, oldest first. Runs whose process is gone are marked Stale;
// their workspace was never dropped.
func ListRuns() ([]RunInfo, error) {
	dir := filepath.Join(GetStateDir(), "runs")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}

	runs := make([]RunInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		var info RunInfo
		if err := json.Unmarshal(data, &info); err != nil {
			continue
		}
		info.Stale = !IsProcessRunning(info.PID)
		runs = append(runs, info)
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartTime.Before(runs[j].StartTime)
	})
	return runs, nil
}
