package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pnpforge/pnpjob/internal/hierarchy"
	pcontext "github.com/pnpforge/pnpjob/pkg/context"
	"github.com/pnpforge/pnpjob/pkg/logger"
	"github.com/pnpforge/pnpjob/pkg/types"
)

// Options configures a Controller
type Options struct {
	Name     string
	Job      *hierarchy.Job
	Executor Executor
	Operator Operator
	Notifier Notifier
	Catalog  *Catalog
	Logger   logger.Logger
}

// Controller is the job state machine. It runs the executor on one background worker;
// Pause, Resume, Step and Stop only set flags that the worker acts on between steps.
type Controller struct {
	name     string
	job      *hierarchy.Job
	executor Executor
	operator Operator
	notifier Notifier
	catalog  *Catalog
	logger   logger.Logger
	events   *EventQueue

	mu          sync.Mutex
	cond        *sync.Cond
	state       types.JobState
	starting    bool
	stepPending bool
	group       *SafeGroup
	done        chan struct{}
	startedAt   time.Time
}

// NewController creates a stopped controller and installs its mutation guard on the
// job and the job's definition store
func NewController(opts Options) *Controller {
	if opts.Job == nil {
		panic("Job dependency is required")
	}
	if opts.Executor == nil {
		panic("Executor dependency is required")
	}
	if opts.Operator == nil {
		opts.Operator = NewPolicyOperator(types.RecoveryPause, 0, false)
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNopLogger()
	}
	if opts.Name == "" {
		opts.Name = "job"
	}

	c := &Controller{
		name:     opts.Name,
		job:      opts.Job,
		executor: opts.Executor,
		operator: opts.Operator,
		notifier: opts.Notifier,
		catalog:  opts.Catalog,
		logger:   opts.Logger.WithScope(opts.Name),
		events:   NewEventQueue(),
		state:    types.JobStateStopped,
	}
	c.cond = sync.NewCond(&c.mu)

	c.job.SetMutationGuard(c.checkStopped)
	c.job.Store().SetMutationGuard(c.checkStopped)
	recordState(c.state)
	return c
}

// State returns the current state
func (c *Controller) State() types.JobState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Events returns the queue the controller posts state changes to
func (c *Controller) Events() *EventQueue {
	return c.events
}

func (c *Controller) checkStopped() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != types.JobStateStopped || c.starting {
		return types.NewConfigurationError(types.ErrJobNotStopped, "%s is %s", c.name, c.state)
	}
	return nil
}

// Start runs the job from the beginning. Only allowed while stopped.
func (c *Controller) Start(ctx context.Context) error {
	return c.start(ctx, false)
}

func (c *Controller) start(ctx context.Context, stepping bool) error {
	c.mu.Lock()
	if c.state != types.JobStateStopped || c.starting {
		state := c.state
		c.mu.Unlock()
		return types.NewConfigurationError(types.ErrJobAlreadyRunning, "%s is %s", c.name, state)
	}
	c.starting = true
	c.mu.Unlock()

	ctx = pcontext.WithOperation(pcontext.EnrichContext(ctx), "start")
	log := logger.WithContext(ctx, c.logger)

	if err := c.prepare(ctx, log); err != nil {
		c.mu.Lock()
		c.starting = false
		c.mu.Unlock()
		log.Error("Job did not start", logger.WithError(err))
		return err
	}

	g, gctx := NewSafeGroup(pcontext.WithOperation(ctx, "run"), c.logger)

	c.mu.Lock()
	c.starting = false
	c.group = g
	c.done = make(chan struct{})
	c.startedAt = time.Now()
	c.stepPending = stepping
	if stepping {
		c.setStateLocked(types.JobStatePausing)
	} else {
		c.setStateLocked(types.JobStateRunning)
	}
	done := c.done
	c.mu.Unlock()

	// A cancelled context stops the run at the next step boundary
	stopOnCancel := context.AfterFunc(ctx, func() { c.stopRun(done) })
	g.Go(func() error {
		defer stopOnCancel()
		defer close(done)
		return c.run(gctx)
	})

	log.Info("Job started", logger.WithField("stepping", stepping))
	return nil
}

// prepare runs the placed check, the preflight and the executor initialisation
func (c *Controller) prepare(ctx context.Context, log logger.Logger) error {
	if total, placed := c.job.PlacementStats(); total > 0 && placed == total {
		if c.operator.ConfirmResetPlaced(ctx) {
			c.job.ResetPlaced()
			log.Info("Cleared placed flags", logger.WithField("placements", total))
		}
	}

	if err := Preflight(c.job, c.catalog); err != nil {
		return err
	}
	if err := c.executor.Initialize(ctx, c.job); err != nil {
		return fmt.Errorf("failed to initialize executor: %w", err)
	}
	return nil
}

// Pause asks the run to stop after the step in flight
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case types.JobStateRunning:
		c.setStateLocked(types.JobStatePausing)
		return nil
	case types.JobStatePausing, types.JobStatePaused:
		return nil
	}
	return c.invalidLocked("pause")
}

// Resume continues a paused run
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case types.JobStatePaused, types.JobStatePausing:
		c.stepPending = false
		c.setStateLocked(types.JobStateRunning)
		c.cond.Broadcast()
		return nil
	case types.JobStateRunning:
		return nil
	}
	return c.invalidLocked("resume")
}

// Step runs exactly one unit of work and pauses again. From Stopped it starts the job
// paused and runs its first unit.
func (c *Controller) Step(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case types.JobStateStopped:
		c.mu.Unlock()
		return c.start(ctx, true)
	case types.JobStatePaused:
		c.stepPending = true
		c.setStateLocked(types.JobStatePausing)
		c.cond.Broadcast()
		c.mu.Unlock()
		return nil
	}
	defer c.mu.Unlock()
	return c.invalidLocked("step")
}

// Stop asks the run to abort after the step in flight. Stopping a stopped job is a
// no-op.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
	return nil
}

// stopRun stops the run that owns done; a later run is left alone
func (c *Controller) stopRun(done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == done {
		c.stopLocked()
	}
}

func (c *Controller) stopLocked() {
	switch c.state {
	case types.JobStateRunning, types.JobStatePaused, types.JobStatePausing:
		c.setStateLocked(types.JobStateStopping)
		c.cond.Broadcast()
	}
}

// Wait blocks until the current run has finished and returns the worker's error
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	done, g := c.done, c.group
	c.mu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return g.Wait()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitForState blocks until the controller is in state or ctx is done
func (c *Controller) WaitForState(ctx context.Context, state types.JobState) error {
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	for c.state != state {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.cond.Wait()
	}
	return nil
}

func (c *Controller) invalidLocked(op string) error {
	return types.NewConfigurationError(types.ErrInvalidTransition, "cannot %s while %s", op, c.state)
}

func (c *Controller) setStateLocked(to types.JobState) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	c.cond.Broadcast()
	recordState(to)
	c.events.Post(Event{Kind: EventStateChanged, From: from, To: to})
	c.logger.Debug("State changed",
		logger.WithField("from", string(from)),
		logger.WithField("to", string(to)))
}

// run is the worker loop. State requests are only looked at here, between steps.
func (c *Controller) run(ctx context.Context) error {
	completed := false
	defer func() {
		c.finish(ctx, completed)
	}()

	for {
		c.mu.Lock()
		for c.state == types.JobStatePaused {
			c.cond.Wait()
		}

		switch c.state {
		case types.JobStateStopping:
			c.mu.Unlock()
			return c.abort(ctx)
		case types.JobStatePausing:
			if !c.stepPending {
				c.setStateLocked(types.JobStatePaused)
				c.mu.Unlock()
				c.logger.Info("Job paused")
				continue
			}
			c.stepPending = false
		}
		c.mu.Unlock()

		more, stepErr := c.executor.Next(pcontext.WithOperation(ctx, "next"))
		if stepErr != nil {
			recordStepError()
			c.handleStepError(ctx, &types.StepError{Op: "next", Err: stepErr})
			continue
		}
		recordStep()

		if more {
			c.events.Post(Event{Kind: EventStepCompleted})
			continue
		}

		c.mu.Lock()
		if c.state == types.JobStateStopping {
			c.mu.Unlock()
			return c.abort(ctx)
		}
		completed = true
		c.mu.Unlock()
		return nil
	}
}

func (c *Controller) abort(ctx context.Context) error {
	c.logger.Info("Aborting job")
	// Abort must reach the executor even when the run was cancelled
	err := c.executor.Abort(pcontext.WithOperation(context.WithoutCancel(ctx), "abort"))
	if err != nil {
		return fmt.Errorf("abort failed: %w", err)
	}
	return nil
}

// finish runs when the worker exits, including by panic. It is the only place a run
// publishes Stopped, after the outcome has been reported, so a Start accepted after
// that cannot be touched by this worker.
func (c *Controller) finish(ctx context.Context, completed bool) {
	c.mu.Lock()
	duration := time.Since(c.startedAt)
	c.mu.Unlock()

	log := logger.WithContext(ctx, c.logger)
	if completed {
		recordRun("completed")
		log.Success("Job completed", logger.WithField("duration", duration.String()))
		if c.notifier != nil {
			c.notifier.NotifyJobCompleted(c.name, duration)
		}
	} else {
		recordRun("aborted")
		log.Warn("Job aborted", logger.WithField("duration", duration.String()))
		if c.notifier != nil {
			c.notifier.NotifyJobAborted(c.name)
		}
	}

	c.mu.Lock()
	c.stepPending = false
	c.setStateLocked(types.JobStateStopped)
	c.mu.Unlock()
}
