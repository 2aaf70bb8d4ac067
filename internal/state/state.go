// Package state persists job progress between runs: which placements are placed, run
// counters, and which process is running the job.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/pnpforge/pnpjob/internal/hierarchy"
	"github.com/pnpforge/pnpjob/pkg/logger"
	"github.com/pnpforge/pnpjob/pkg/types"
)

// staleAfter is how old a heartbeat may get before its process no longer holds the job
const staleAfter = 30 * time.Second

// JobProgress is the persistent state of one job
type JobProgress struct {
	JobName string         `json:"jobName"`
	State   types.JobState `json:"state"`
	// Placed maps a location's unique path to its placed placement ids
	Placed         map[string][]string `json:"placed,omitempty"`
	RunCount       int                 `json:"runCount"`
	CompletedCount int                 `json:"completedCount"`
	AbortCount     int                 `json:"abortCount"`
	LastRunTime    time.Time           `json:"lastRunTime"`
	RunDuration    time.Duration       `json:"runDuration,omitempty"`
	LastError      string              `json:"lastError,omitempty"`
	ProcessID      int                 `json:"processId"`
	Heartbeat      time.Time           `json:"heartbeat"`
}

func (p *JobProgress) clone() *JobProgress {
	c := *p
	c.Placed = make(map[string][]string, len(p.Placed))
	for k, v := range p.Placed {
		c.Placed[k] = append([]string(nil), v...)
	}
	return &c
}

// Manager reads and writes progress files under <job dir>/.pnpjob/state
type Manager struct {
	stateDir       string
	logger         logger.Logger
	mu             sync.RWMutex
	states         map[string]*JobProgress
	heartbeatStop  chan struct{}
	heartbeatTimer *time.Ticker
}

// NewManager creates a progress manager for jobs in jobDir
func NewManager(jobDir string, log logger.Logger) *Manager {
	if log == nil {
		log = logger.NewNopLogger()
	}
	stateDir := filepath.Join(jobDir, ".pnpjob", "state")

	if err := os.MkdirAll(stateDir, 0755); err != nil {
		log.Error("Failed to create state directory", logger.WithError(err))
	}

	return &Manager{
		stateDir: stateDir,
		logger:   log.WithScope("state"),
		states:   make(map[string]*JobProgress),
	}
}

// Initialize claims the job for this process. Saved placed flags and counters are kept.
// Fails with ErrJobAlreadyRunning while another live process holds the job.
func (m *Manager) Initialize(name string) (*JobProgress, error) {
	locked, pid, err := m.lockedBy(name)
	if err != nil {
		return nil, err
	}
	if locked {
		return nil, types.NewConfigurationError(types.ErrJobAlreadyRunning, "%s is being run by process %d", name, pid)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	progress := &JobProgress{
		JobName: name,
		State:   types.JobStateStopped,
		Placed:  make(map[string][]string),
	}
	if existing, err := m.loadStateFile(name); err == nil {
		progress = existing
		if progress.Placed == nil {
			progress.Placed = make(map[string][]string)
		}
	}
	progress.ProcessID = os.Getpid()
	progress.Heartbeat = time.Now()

	if err := m.saveStateFile(progress); err != nil {
		return nil, fmt.Errorf("failed to save initial state: %w", err)
	}

	m.states[name] = progress
	return progress.clone(), nil
}

// Read returns a copy of the job's progress, from memory or disk
func (m *Manager) Read(name string) (*JobProgress, error) {
	m.mu.RLock()
	if p, ok := m.states[name]; ok {
		defer m.mu.RUnlock()
		return p.clone(), nil
	}
	m.mu.RUnlock()

	return m.loadStateFile(name)
}

func (m *Manager) update(name string, fn func(p *JobProgress)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.states[name]
	if !ok {
		var err error
		p, err = m.loadStateFile(name)
		if err != nil {
			return fmt.Errorf("job state not found: %s", name)
		}
		m.states[name] = p
	}

	fn(p)
	p.Heartbeat = time.Now()
	return m.saveStateFile(p)
}

// Capture stores the placed flags of every board location of job
func (m *Manager) Capture(name string, job *hierarchy.Job) error {
	placed := make(map[string][]string)
	for _, id := range job.Boards(false) {
		loc, ok := job.Location(id)
		if !ok {
			continue
		}
		var ids []string
		for _, p := range loc.Holder.Placements {
			if job.IsPlaced(id, p.ID) {
				ids = append(ids, p.ID)
			}
		}
		if len(ids) > 0 {
			sort.Strings(ids)
			placed[job.UniquePath(id)] = ids
		}
	}

	return m.update(name, func(p *JobProgress) {
		p.Placed = placed
	})
}

// Restore sets the saved placed flags on job and returns how many were applied.
// Locations and placements that no longer exist are skipped.
func (m *Manager) Restore(name string, job *hierarchy.Job) (int, error) {
	progress, err := m.Read(name)
	if err != nil {
		return 0, err
	}

	restored, skipped := 0, 0
	for path, ids := range progress.Placed {
		id, ok := job.Find(path)
		loc, found := job.Location(id)
		if !ok || !found || !loc.IsBoard() {
			skipped += len(ids)
			continue
		}
		for _, pid := range ids {
			if loc.Holder.Placement(pid) == nil {
				skipped++
				continue
			}
			if err := job.SetPlaced(id, pid, true); err != nil {
				return restored, err
			}
			restored++
		}
	}

	if skipped > 0 {
		m.logger.Warn("Saved progress no longer matches the job",
			logger.WithField("job", name),
			logger.WithField("skipped", skipped))
	}
	return restored, nil
}

// RecordState stores the controller state the job is in
func (m *Manager) RecordState(name string, state types.JobState) error {
	return m.update(name, func(p *JobProgress) {
		p.State = state
	})
}

// RecordRun counts a finished run
func (m *Manager) RecordRun(name string, completed bool, duration time.Duration, runErr error) error {
	return m.update(name, func(p *JobProgress) {
		p.RunCount++
		if completed {
			p.CompletedCount++
		} else {
			p.AbortCount++
		}
		p.LastRunTime = time.Now()
		p.RunDuration = duration
		p.LastError = ""
		if runErr != nil {
			p.LastError = runErr.Error()
		}
		p.State = types.JobStateStopped
	})
}

// Remove deletes the job's progress
func (m *Manager) Remove(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.states, name)

	if err := os.Remove(m.getStateFilePath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove state file: %w", err)
	}
	return nil
}

// IsLocked reports whether another live process holds the job
func (m *Manager) IsLocked(name string) (bool, error) {
	locked, _, err := m.lockedBy(name)
	return locked, err
}

func (m *Manager) lockedBy(name string) (bool, int, error) {
	progress, err := m.loadStateFile(name)
	if err != nil {
		if os.IsNotExist(err) {
			return false, 0, nil
		}
		return false, 0, err
	}

	if progress.ProcessID == 0 || progress.ProcessID == os.Getpid() {
		return false, 0, nil
	}
	if time.Since(progress.Heartbeat) > staleAfter {
		return false, 0, nil
	}

	process, err := os.FindProcess(progress.ProcessID)
	if err != nil {
		return false, 0, nil
	}
	// Signal 0 only checks that the process exists
	if err := process.Signal(syscall.Signal(0)); err != nil {
		return false, 0, nil
	}
	return true, progress.ProcessID, nil
}

// Discover loads every progress file in the state directory
func (m *Manager) Discover() (map[string]*JobProgress, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	found := make(map[string]*JobProgress)

	files, err := os.ReadDir(m.stateDir)
	if err != nil {
		if os.IsNotExist(err) {
			return found, nil
		}
		return nil, fmt.Errorf("failed to read state directory: %w", err)
	}

	for _, file := range files {
		if filepath.Ext(file.Name()) != ".json" {
			continue
		}

		name := file.Name()[:len(file.Name())-len(".json")]
		progress, err := m.loadStateFile(name)
		if err != nil {
			m.logger.Warn("Failed to load state file",
				logger.WithField("job", name),
				logger.WithError(err))
			continue
		}
		found[name] = progress
	}
	return found, nil
}

// StartHeartbeat refreshes the heartbeat of claimed jobs every interval until ctx ends
// or StopHeartbeat is called
func (m *Manager) StartHeartbeat(ctx context.Context, interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.heartbeatTimer != nil {
		return
	}
	if interval <= 0 {
		interval = staleAfter / 3
	}

	stop := make(chan struct{})
	ticker := time.NewTicker(interval)
	m.heartbeatStop = stop
	m.heartbeatTimer = ticker

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				m.updateHeartbeats()
			}
		}
	}()
}

// StopHeartbeat stops the heartbeat updater
func (m *Manager) StopHeartbeat() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.heartbeatTimer != nil {
		m.heartbeatTimer.Stop()
		m.heartbeatTimer = nil
	}
	if m.heartbeatStop != nil {
		close(m.heartbeatStop)
		m.heartbeatStop = nil
	}
}

// Cleanup releases every job claimed by this process
func (m *Manager) Cleanup() error {
	m.StopHeartbeat()

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.states {
		p.State = types.JobStateStopped
		p.ProcessID = 0
		if err := m.saveStateFile(p); err != nil {
			m.logger.Warn("Failed to save final state",
				logger.WithField("job", p.JobName),
				logger.WithError(err))
		}
	}
	return nil
}

func (m *Manager) getStateFilePath(name string) string {
	return filepath.Join(m.stateDir, name+".json")
}

func (m *Manager) loadStateFile(name string) (*JobProgress, error) {
	data, err := os.ReadFile(m.getStateFilePath(name))
	if err != nil {
		return nil, err
	}

	var progress JobProgress
	if err := json.Unmarshal(data, &progress); err != nil {
		return nil, fmt.Errorf("failed to parse state file: %w", err)
	}
	return &progress, nil
}

// saveStateFile writes atomically through a temp file
func (m *Manager) saveStateFile(p *JobProgress) error {
	stateFile := m.getStateFilePath(p.JobName)

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tempFile := stateFile + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tempFile, stateFile); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to rename state file: %w", err)
	}
	return nil
}

func (m *Manager) updateHeartbeats() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for _, p := range m.states {
		p.Heartbeat = now
		if err := m.saveStateFile(p); err != nil {
			m.logger.Debug("Failed to update heartbeat",
				logger.WithField("job", p.JobName),
				logger.WithError(err))
		}
	}
}
