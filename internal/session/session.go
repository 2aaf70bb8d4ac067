// Package session wires a definition store, a job, an executor and a controller
// together for one configuration. Everything a command needs is reached through the
// Session; there is no package level state.
package session

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pnpforge/pnpjob/internal/engine"
	"github.com/pnpforge/pnpjob/internal/executor"
	"github.com/pnpforge/pnpjob/internal/hierarchy"
	"github.com/pnpforge/pnpjob/internal/state"
	"github.com/pnpforge/pnpjob/internal/store"
	"github.com/pnpforge/pnpjob/pkg/config"
	"github.com/pnpforge/pnpjob/pkg/logger"
	"github.com/pnpforge/pnpjob/pkg/notifier"
	"github.com/pnpforge/pnpjob/pkg/types"
)

// Options overrides the parts of a session built from configuration
type Options struct {
	Name       string
	ConfigPath string
	Executor   engine.Executor
	Operator   engine.Operator
	Notifier   engine.Notifier
	Logger     logger.Logger
	// DryRun options apply to the default executor after the configured ones
	DryRun []executor.Option
	// StateDir enables progress files under StateDir/.pnpjob/state
	StateDir string
}

// Session is one loaded job and the machinery to run it
type Session struct {
	Config     *types.JobConfig
	ConfigPath string
	Logger     logger.Logger
	Store      *store.Store
	Job        *hierarchy.Job
	Executor   engine.Executor
	Controller *engine.Controller

	name     string
	progress *state.Manager

	mu       sync.Mutex
	reloader *config.ReloadManager
}

// New loads every root of cfg and builds the controller around it
func New(cfg *types.JobConfig, opts Options) (*Session, error) {
	if cfg == nil {
		return nil, fmt.Errorf("session needs a configuration: %w", types.ErrInvalidArgument)
	}
	log := opts.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}

	st := store.New(log.WithScope("store"))
	job := hierarchy.NewJob(st, log.WithScope("hierarchy"))
	for i, root := range cfg.Job.Roots {
		if _, err := job.AddRootFile(root.File, root.Spec()); err != nil {
			return nil, fmt.Errorf("root %d (%s): %w", i, root.File, err)
		}
	}

	exec := opts.Executor
	if exec == nil {
		var delay time.Duration
		if cfg.Executor != nil {
			delay = time.Duration(cfg.Executor.StepDelayMs) * time.Millisecond
		}
		dryOpts := append([]executor.Option{executor.WithStepDelay(delay), executor.WithLogger(log)}, opts.DryRun...)
		exec = executor.NewDryRun(dryOpts...)
	}

	op := opts.Operator
	if op == nil {
		op = PolicyOperator(cfg)
	}

	notify := opts.Notifier
	if notify == nil && cfg.Notifications != nil && (cfg.Notifications.Enabled == nil || *cfg.Notifications.Enabled) {
		notify = notifier.New(notifier.Config{Enabled: true, Sound: cfg.Notifications.Sound}, log)
	}

	name := opts.Name
	if name == "" {
		name = "job"
	}

	s := &Session{
		Config:     cfg,
		ConfigPath: opts.ConfigPath,
		Logger:     log,
		Store:      st,
		Job:        job,
		Executor:   exec,
		name:       name,
	}
	if opts.StateDir != "" {
		s.progress = state.NewManager(opts.StateDir, log)
		notify = &progressNotifier{session: s, next: notify}
	}
	s.Controller = engine.NewController(engine.Options{
		Name:     name,
		Job:      job,
		Executor: exec,
		Operator: op,
		Notifier: notify,
		Catalog:  Catalog(cfg),
		Logger:   log,
	})

	log.Info("Session ready",
		logger.WithField("roots", len(cfg.Job.Roots)),
		logger.WithField("locations", job.Len()),
		logger.WithField("definitions", len(job.Definitions())))
	return s, nil
}

// Load reads the configuration at path and creates a session from it
func Load(path string, opts Options) (*Session, error) {
	cfg, err := config.NewManager().LoadConfig(path)
	if err != nil {
		return nil, err
	}
	opts.ConfigPath = path
	return New(cfg, opts)
}

// Catalog builds the preflight catalog from the parts and nozzle tips of cfg. Without
// either section preflight only checks that parts are assigned.
func Catalog(cfg *types.JobConfig) *engine.Catalog {
	if len(cfg.Parts) == 0 && len(cfg.NozzleTips) == 0 {
		return nil
	}
	c := &engine.Catalog{
		Parts:      make(map[string]string, len(cfg.Parts)),
		NozzleTips: make(map[string][]string, len(cfg.NozzleTips)),
	}
	for _, p := range cfg.Parts {
		c.Parts[p.ID] = p.Package
	}
	for _, t := range cfg.NozzleTips {
		c.NozzleTips[t.ID] = t.Packages
	}
	return c
}

// PolicyOperator returns the unattended operator described by the recovery section
func PolicyOperator(cfg *types.JobConfig) *engine.PolicyOperator {
	if cfg.Recovery == nil {
		return engine.NewPolicyOperator(types.RecoveryPause, 0, false)
	}
	action, err := types.ParseRecoveryAction(string(cfg.Recovery.Policy))
	if err != nil {
		action = types.RecoveryPause
	}
	return engine.NewPolicyOperator(action, cfg.Recovery.MaxRetries, cfg.Recovery.ResetPlaced)
}

// ReloadDefinition re-reads a definition file and rebuilds the job from it. Fails with
// ErrJobNotStopped while a run is active.
func (s *Session) ReloadDefinition(path string) error {
	if err := s.Store.Reload(path); err != nil {
		return err
	}
	if err := s.Job.Rebuild(); err != nil {
		return fmt.Errorf("failed to rebuild job after reloading %s: %w", path, err)
	}

	s.mu.Lock()
	rm := s.reloader
	s.mu.Unlock()
	if rm != nil {
		// A reload can bring in new child files
		if err := rm.AddFiles(s.Job.Definitions()...); err != nil {
			s.Logger.Warn("Failed to watch new definitions", logger.WithError(err))
		}
	}

	s.Logger.Info("Definition reloaded",
		logger.WithField("path", path),
		logger.WithField("locations", s.Job.Len()))
	return nil
}

// Watch reloads definition files when they change on disk, as long as the controller
// is stopped. Changes seen while a run is active are reported through onChange and
// otherwise ignored. onChange may be nil.
func (s *Session) Watch(ctx context.Context, onChange func(path string, err error)) error {
	s.mu.Lock()
	if s.reloader != nil {
		s.mu.Unlock()
		return fmt.Errorf("session is already watching")
	}
	rm := config.NewReloadManager(s.ConfigPath, s.Logger.WithScope("watch"))
	s.reloader = rm
	s.mu.Unlock()

	if err := rm.AddFiles(s.Job.Definitions()...); err != nil {
		return err
	}

	rm.AddCallback(func(e config.ReloadEvent) {
		var err error
		switch {
		case e.Error != nil:
			err = e.Error
		case e.EventType == config.ReloadEventTypeDefinition:
			err = s.ReloadDefinition(e.Path)
			if err != nil {
				s.Logger.Warn("Definition change not applied",
					logger.WithField("path", e.Path),
					logger.WithError(err))
			}
		case e.Config != nil:
			s.Logger.Info("Configuration changed; restart to apply it",
				logger.WithField("path", e.Path))
		}
		if onChange != nil {
			onChange(e.Path, err)
		}
	})

	if err := rm.StartWatching(); err != nil {
		s.mu.Lock()
		s.reloader = nil
		s.mu.Unlock()
		return err
	}
	context.AfterFunc(ctx, func() { _ = s.Close() })
	return nil
}

// Close stops watching files and any active run, and releases the progress file
func (s *Session) Close() error {
	s.mu.Lock()
	rm := s.reloader
	s.reloader = nil
	s.mu.Unlock()

	if rm != nil {
		if err := rm.StopWatching(); err != nil {
			return err
		}
	}
	if err := s.Controller.Stop(); err != nil {
		return err
	}
	if s.progress != nil {
		return s.progress.Cleanup()
	}
	return nil
}

// Name is the job name progress is saved under
func (s *Session) Name() string {
	return s.name
}

// ClaimProgress takes the job's progress file for this process and keeps its heartbeat
// fresh until ctx ends. With restore the saved placed flags are applied to the job.
// Fails with ErrJobAlreadyRunning while another process runs the job.
func (s *Session) ClaimProgress(ctx context.Context, restore bool) (int, error) {
	if s.progress == nil {
		return 0, nil
	}
	if _, err := s.progress.Initialize(s.name); err != nil {
		return 0, err
	}
	s.progress.StartHeartbeat(ctx, 0)

	if !restore {
		return 0, s.progress.Capture(s.name, s.Job)
	}
	return s.progress.Restore(s.name, s.Job)
}

// RestoreProgress applies saved placed flags without claiming the job
func (s *Session) RestoreProgress() (int, error) {
	if s.progress == nil {
		return 0, nil
	}
	n, err := s.progress.Restore(s.name, s.Job)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	return n, err
}

// SaveProgress writes the job's current placed flags
func (s *Session) SaveProgress() error {
	if s.progress == nil {
		return nil
	}
	return s.progress.Capture(s.name, s.Job)
}

// RecordState stores the controller state in the job's progress file
func (s *Session) RecordState(st types.JobState) error {
	if s.progress == nil {
		return nil
	}
	return s.progress.RecordState(s.name, st)
}

// Progress returns the saved progress of the job
func (s *Session) Progress() (*state.JobProgress, error) {
	if s.progress == nil {
		return nil, fmt.Errorf("progress is not tracked: %w", types.ErrInvalidArgument)
	}
	return s.progress.Read(s.name)
}

// JobName derives a progress name from a config path
func JobName(configPath string) string {
	base := filepath.Base(configPath)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	if name == "" || name == "." {
		return "job"
	}
	return name
}

// progressNotifier saves progress when a run ends and passes every notification on
type progressNotifier struct {
	session *Session
	next    engine.Notifier
}

func (n *progressNotifier) record(completed bool, d time.Duration) {
	s := n.session
	if err := s.progress.Capture(s.name, s.Job); err != nil {
		s.Logger.Warn("Failed to save progress", logger.WithError(err))
		return
	}
	if err := s.progress.RecordRun(s.name, completed, d, nil); err != nil {
		s.Logger.Warn("Failed to record run", logger.WithError(err))
	}
}

func (n *progressNotifier) NotifyJobCompleted(job string, d time.Duration) {
	n.record(true, d)
	if n.next != nil {
		n.next.NotifyJobCompleted(job, d)
	}
}

func (n *progressNotifier) NotifyJobAborted(job string) {
	n.record(false, 0)
	if n.next != nil {
		n.next.NotifyJobAborted(job)
	}
}

func (n *progressNotifier) NotifyStepError(job string, err error) {
	if n.next != nil {
		n.next.NotifyStepError(job, err)
	}
}
