package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pnpforge/pnpjob/pkg/logger"
	"github.com/pnpforge/pnpjob/pkg/types"
)

// ReloadManager watches the configuration file and the definition files of a job and
// reports debounced changes to its callbacks. It never applies a change itself; the
// receiver decides whether the job may be edited.
type ReloadManager struct {
	configPath     string
	logger         logger.Logger
	watcher        *fsnotify.Watcher
	callbacks      []ReloadCallback
	files          map[string]time.Time
	dirs           map[string]bool
	timers         map[string]*time.Timer
	debouncePeriod time.Duration
	mu             sync.RWMutex
	ctx            context.Context
	cancel         context.CancelFunc
	isWatching     bool
}

// ReloadCallback is called when a watched file changes
type ReloadCallback func(ReloadEvent)

// ReloadEvent describes a change to a watched file. Config is set for a successful
// reload of the configuration file.
type ReloadEvent struct {
	Path      string           `json:"path"`
	Timestamp time.Time        `json:"timestamp"`
	Config    *types.JobConfig `json:"config,omitempty"`
	Error     error            `json:"error,omitempty"`
	EventType ReloadEventType  `json:"eventType"`
}

// ReloadEventType represents the type of reload event
type ReloadEventType string

const (
	ReloadEventTypeModified   ReloadEventType = "modified"
	ReloadEventTypeCreated    ReloadEventType = "created"
	ReloadEventTypeRemoved    ReloadEventType = "removed"
	ReloadEventTypeError      ReloadEventType = "error"
	ReloadEventTypeDefinition ReloadEventType = "definition"
)

// NewReloadManager creates a reload manager. configPath may be empty when only
// definition files are watched.
func NewReloadManager(configPath string, log logger.Logger) *ReloadManager {
	ctx, cancel := context.WithCancel(context.Background())
	if log == nil {
		log = logger.NewNopLogger()
	}

	rm := &ReloadManager{
		logger:         log,
		files:          make(map[string]time.Time),
		dirs:           make(map[string]bool),
		timers:         make(map[string]*time.Timer),
		debouncePeriod: 500 * time.Millisecond,
		ctx:            ctx,
		cancel:         cancel,
	}
	if configPath != "" {
		rm.configPath = cleanPath(configPath)
		rm.files[rm.configPath] = modTime(rm.configPath)
	}
	return rm
}

// AddCallback adds a reload callback
func (rm *ReloadManager) AddCallback(callback ReloadCallback) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.callbacks = append(rm.callbacks, callback)
}

// AddFiles adds definition files to the watch set. Files can be added before or after
// StartWatching.
func (rm *ReloadManager) AddFiles(paths ...string) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	for _, p := range paths {
		p = cleanPath(p)
		if _, ok := rm.files[p]; ok {
			continue
		}
		rm.files[p] = modTime(p)
		if rm.watcher != nil {
			if err := rm.watchDirLocked(filepath.Dir(p)); err != nil {
				return err
			}
		}
	}
	return nil
}

// Files returns the watched paths
func (rm *ReloadManager) Files() []string {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	out := make([]string, 0, len(rm.files))
	for p := range rm.files {
		out = append(out, p)
	}
	return out
}

// StartWatching begins watching the files for changes
func (rm *ReloadManager) StartWatching() error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.isWatching {
		return fmt.Errorf("already watching configuration files")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	rm.watcher = watcher

	// Watch directories; editors replace files by rename
	for p := range rm.files {
		if err := rm.watchDirLocked(filepath.Dir(p)); err != nil {
			rm.watcher.Close()
			rm.watcher = nil
			rm.dirs = make(map[string]bool)
			return err
		}
	}

	rm.isWatching = true
	go rm.watchLoop(watcher)

	rm.logger.Debug("Started watching files",
		logger.WithField("files", len(rm.files)))
	return nil
}

func (rm *ReloadManager) watchDirLocked(dir string) error {
	if rm.dirs[dir] {
		return nil
	}
	if err := rm.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}
	rm.dirs[dir] = true
	return nil
}

// StopWatching stops watching
func (rm *ReloadManager) StopWatching() error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if !rm.isWatching {
		return nil
	}

	rm.cancel()

	for p, t := range rm.timers {
		t.Stop()
		delete(rm.timers, p)
	}

	if rm.watcher != nil {
		if err := rm.watcher.Close(); err != nil {
			rm.logger.Warn("Error closing file watcher", logger.WithError(err))
		}
		rm.watcher = nil
	}
	rm.dirs = make(map[string]bool)
	rm.isWatching = false

	rm.logger.Debug("Stopped watching files")
	return nil
}

// IsWatching returns whether the manager is currently watching
func (rm *ReloadManager) IsWatching() bool {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.isWatching
}

// TriggerReload manually reports a change of path
func (rm *ReloadManager) TriggerReload(path string) {
	rm.logger.Debug("Manually triggering reload", logger.WithField("path", path))
	rm.handleChange(cleanPath(path), ReloadEventTypeModified, true)
}

func (rm *ReloadManager) watchLoop(watcher *fsnotify.Watcher) {
	defer func() {
		if r := recover(); r != nil {
			rm.logger.Error("File watcher panic recovered",
				logger.WithField("panic", r))
		}
	}()

	for {
		select {
		case <-rm.ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}

			path, watched := rm.watchedPath(event.Name)
			if !watched {
				continue
			}

			rm.logger.Debug("File event received",
				logger.WithField("event", event.String()))
			rm.debounce(path, mapFsnotifyEvent(event.Op))

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}

			rm.logger.Error("File watcher error", logger.WithError(err))
			rm.notifyCallbacks(ReloadEvent{Error: err, EventType: ReloadEventTypeError})
		}
	}
}

// watchedPath maps an event name to the watched file it concerns. Editor temp files
// such as "board.yaml.tmp" count as the file they shadow.
func (rm *ReloadManager) watchedPath(eventPath string) (string, bool) {
	eventPath = cleanPath(eventPath)

	rm.mu.RLock()
	defer rm.mu.RUnlock()

	if _, ok := rm.files[eventPath]; ok {
		return eventPath, true
	}
	dir, name := filepath.Split(eventPath)
	for p := range rm.files {
		if filepath.Dir(p)+string(filepath.Separator) != dir {
			continue
		}
		base := filepath.Base(p)
		if strings.HasPrefix(name, base) && strings.HasSuffix(name, ".tmp") {
			return p, true
		}
	}
	return "", false
}

func mapFsnotifyEvent(op fsnotify.Op) ReloadEventType {
	switch {
	case op&fsnotify.Write == fsnotify.Write:
		return ReloadEventTypeModified
	case op&fsnotify.Create == fsnotify.Create:
		return ReloadEventTypeCreated
	case op&fsnotify.Remove == fsnotify.Remove:
		return ReloadEventTypeRemoved
	default:
		return ReloadEventTypeModified
	}
}

func (rm *ReloadManager) debounce(path string, eventType ReloadEventType) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if t, ok := rm.timers[path]; ok {
		t.Stop()
	}
	rm.timers[path] = time.AfterFunc(rm.debouncePeriod, func() {
		rm.mu.Lock()
		delete(rm.timers, path)
		rm.mu.Unlock()
		rm.handleChange(path, eventType, false)
	})
}

func (rm *ReloadManager) handleChange(path string, eventType ReloadEventType, force bool) {
	isConfig := path == rm.configPath

	if eventType == ReloadEventTypeRemoved {
		if _, err := os.Stat(path); err != nil {
			rm.notifyCallbacks(ReloadEvent{
				Path:      path,
				Error:     fmt.Errorf("watched file was removed: %s", path),
				EventType: eventType,
			})
			return
		}
		// Replaced by an atomic rename
		eventType = ReloadEventTypeModified
	}

	stat, err := os.Stat(path)
	if err != nil {
		rm.logger.Error("Failed to stat watched file", logger.WithError(err))
		rm.notifyCallbacks(ReloadEvent{Path: path, Error: err, EventType: ReloadEventTypeError})
		return
	}

	rm.mu.Lock()
	if !force && !stat.ModTime().After(rm.files[path]) {
		rm.mu.Unlock()
		rm.logger.Debug("File not modified, skipping reload", logger.WithField("path", path))
		return
	}
	rm.files[path] = stat.ModTime()
	rm.mu.Unlock()

	if !isConfig {
		rm.logger.Info("Definition file changed", logger.WithField("path", path))
		rm.notifyCallbacks(ReloadEvent{Path: path, EventType: ReloadEventTypeDefinition})
		return
	}

	cfg, err := NewManager().LoadConfig(path)
	if err != nil {
		rm.logger.Error("Failed to reload configuration", logger.WithError(err))
		rm.notifyCallbacks(ReloadEvent{Path: path, Error: err, EventType: ReloadEventTypeError})
		return
	}

	rm.logger.Info("Configuration reloaded successfully",
		logger.WithField("roots", len(cfg.Job.Roots)))
	rm.notifyCallbacks(ReloadEvent{Path: path, Config: cfg, EventType: eventType})
}

func (rm *ReloadManager) notifyCallbacks(event ReloadEvent) {
	event.Timestamp = time.Now()

	rm.mu.RLock()
	callbacks := make([]ReloadCallback, len(rm.callbacks))
	copy(callbacks, rm.callbacks)
	rm.mu.RUnlock()

	rm.logger.Debug("Notifying reload callbacks",
		logger.WithField("callbackCount", len(callbacks)),
		logger.WithField("eventType", string(event.EventType)))

	for _, callback := range callbacks {
		func(cb ReloadCallback) {
			defer func() {
				if r := recover(); r != nil {
					rm.logger.Error("Reload callback panic recovered",
						logger.WithField("panic", r))
				}
			}()
			cb(event)
		}(callback)
	}
}

// SetDebouncePeriod sets the debounce period for file change events
func (rm *ReloadManager) SetDebouncePeriod(period time.Duration) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.debouncePeriod = period
}

func cleanPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}

func modTime(p string) time.Time {
	if stat, err := os.Stat(p); err == nil {
		return stat.ModTime()
	}
	return time.Time{}
}
