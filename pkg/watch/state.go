package watch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const stateFileName = "watch_state.json"

// RunState contains the last crawl-run information.
type RunState struct {
	LastRunTime      time.Time `json:"last_run_time"`
	LastRunSuccess   bool      `json:"last_run_success"`
	TargetsProcessed int       `json:"targets_processed"`
	RecordsSaved     int       `json:"records_saved"`
	ErrorMessage     string    `json:"error_message,omitempty"`
}

// WatchState is the persistent state of the watch scheduler.
type WatchState struct {
	Runs      map[string]RunState `json:"runs"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// StateManager persists and loads watch state.
type StateManager struct {
	stateDir  string
	statePath string
	state     WatchState
	mu        sync.RWMutex
}

func NewStateManager(stateDir string) *StateManager {
	return &StateManager{
		stateDir:  stateDir,
		statePath: filepath.Join(stateDir, stateFileName),
		state:     WatchState{Runs: make(map[string]RunState)},
	}
}

// Load loads the state from disk. A missing file starts fresh.
func (m *StateManager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			m.state = WatchState{Runs: make(map[string]RunState)}
			return nil
		}
		return fmt.Errorf("failed to read state file: %w", err)
	}

	if err := json.Unmarshal(data, &m.state); err != nil {
		return fmt.Errorf("failed to parse state file: %w", err)
	}
	if m.state.Runs == nil {
		m.state.Runs = make(map[string]RunState)
	}
	return nil
}

// Save writes the state to disk.
func (m *StateManager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.UpdatedAt = time.Now()

	if err := os.MkdirAll(m.stateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	data, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if err := os.WriteFile(m.statePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	return nil
}

// GetRunState returns the recorded state for a run name.
func (m *StateManager) GetRunState(runName string) (RunState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.state.Runs[runName]
	return state, ok
}

// UpdateRunState records the outcome of a run.
func (m *StateManager) UpdateRunState(runName string, success bool, processed, records int, errorMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.Runs[runName] = RunState{
		LastRunTime:      time.Now(),
		LastRunSuccess:   success,
		TargetsProcessed: processed,
		RecordsSaved:     records,
		ErrorMessage:     errorMsg,
	}
}

// ShouldRun reports whether a run is due given the interval.
func (m *StateManager) ShouldRun(runName string, interval time.Duration) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.state.Runs[runName]
	if !ok {
		return true
	}
	return time.Since(state.LastRunTime) >= interval
}

// NextRunTime returns when the run is next due.
func (m *StateManager) NextRunTime(runName string, interval time.Duration) time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.state.Runs[runName]
	if !ok {
		return time.Now()
	}
	return state.LastRunTime.Add(interval)
}
