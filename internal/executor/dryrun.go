// Package executor contains step executors for the job controller. DryRun resolves every
// placement of a job and marks it placed without driving a machine.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pnpforge/pnpjob/internal/hierarchy"
	"github.com/pnpforge/pnpjob/pkg/logger"
	"github.com/pnpforge/pnpjob/pkg/types"
)

// FailFunc decides whether placing p on the board at location fails. attempt counts
// from 1 for each placement.
type FailFunc func(location string, p *types.Placement, attempt int) error

// Record is one placement the dry run has finished with
type Record struct {
	Location  string
	Placement string
	Part      string
	Pose      types.Pose
	Side      types.Side
	Skipped   bool
	Ignored   bool
	// Fiducial records one resolved fiducial of a location's fiducial check
	Fiducial bool
}

type step struct {
	location  hierarchy.NodeID
	path      string
	placement *types.Placement
	deferred  bool
	attempts  int
	// check resolves the location's fiducials instead of placing
	check bool
}

// Option configures a DryRun
type Option func(*DryRun)

// WithStepDelay makes every Next take at least d
func WithStepDelay(d time.Duration) Option {
	return func(r *DryRun) { r.delay = d }
}

// WithFailFunc installs a fault injection hook
func WithFailFunc(fn FailFunc) Option {
	return func(r *DryRun) { r.fail = fn }
}

// WithLogger sets the logger
func WithLogger(log logger.Logger) Option {
	return func(r *DryRun) { r.logger = log }
}

// DryRun is an Executor that places one placement per step
type DryRun struct {
	logger logger.Logger
	delay  time.Duration
	fail   FailFunc

	mu      sync.Mutex
	job     *hierarchy.Job
	queue   []*step
	pos     int
	records []Record
}

// NewDryRun creates a dry run executor
func NewDryRun(opts ...Option) *DryRun {
	r := &DryRun{}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logger.NewNopLogger()
	}
	r.logger = r.logger.WithScope("dry-run")
	return r
}

// Initialize queues every active placement that is not yet placed, board by board in
// job order
func (r *DryRun) Initialize(ctx context.Context, job *hierarchy.Job) error {
	if job == nil {
		return fmt.Errorf("dry run needs a job: %w", types.ErrInvalidArgument)
	}

	var queue []*step
	for _, id := range job.Boards(true) {
		path := job.UniquePath(id)
		for _, p := range job.ActivePlacements(id) {
			if job.IsPlaced(id, p.ID) {
				continue
			}
			queue = append(queue, &step{location: id, path: path, placement: p})
		}
	}
	queue = insertFiducialChecks(job, queue)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.job = job
	r.queue = queue
	r.pos = 0
	r.records = nil

	logger.WithContext(ctx, r.logger).Info("Dry run initialized",
		logger.WithField("placements", len(queue)))
	return nil
}

// Next places the current placement and reports whether more remain
func (r *DryRun) Next(ctx context.Context) (bool, error) {
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			// Nothing done; the controller stops at this boundary
			return true, nil
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.job == nil {
		return false, fmt.Errorf("dry run is not initialized")
	}
	if r.pos >= len(r.queue) {
		return false, nil
	}

	s := r.queue[r.pos]
	if s.check {
		if err := r.checkFiducialsLocked(s); err != nil {
			return true, err
		}
		r.pos++
		return r.pos < len(r.queue), nil
	}
	p := s.placement
	pose, err := r.job.PlacementGlobalPose(s.location, p)
	if err != nil {
		return true, fmt.Errorf("failed to resolve %s on %s: %w", p.ID, s.path, err)
	}

	s.attempts++
	if r.fail != nil {
		if err := r.fail(s.path, p, s.attempts); err != nil {
			if p.ErrorHandling == types.ErrorHandlingDefer && !s.deferred {
				s.deferred = true
				copy(r.queue[r.pos:], r.queue[r.pos+1:])
				r.queue[len(r.queue)-1] = s
				r.logger.Warn("Deferred placement",
					logger.WithField("location", s.path),
					logger.WithField("placement", p.ID),
					logger.WithError(err))
				return true, nil
			}
			return true, fmt.Errorf("failed to place %s on %s: %w", p.ID, s.path, err)
		}
	}

	side, err := r.job.GlobalSide(s.location)
	if err != nil {
		return true, err
	}
	if err := r.job.SetPlaced(s.location, p.ID, true); err != nil {
		return true, err
	}
	r.records = append(r.records, Record{
		Location:  s.path,
		Placement: p.ID,
		Part:      p.Part,
		Pose:      pose,
		Side:      side,
	})
	r.logger.Debug("Placed",
		logger.WithField("location", s.path),
		logger.WithField("placement", p.ID),
		logger.WithField("x", pose.X),
		logger.WithField("y", pose.Y),
		logger.WithField("rotation", pose.Rotation))

	r.pos++
	return r.pos < len(r.queue), nil
}

// checkFiducialsLocked resolves the global pose of every fiducial of the step's location
func (r *DryRun) checkFiducialsLocked(s *step) error {
	loc, ok := r.job.Location(s.location)
	if !ok {
		return fmt.Errorf("location %s is gone: %w", s.path, types.ErrNotFound)
	}
	side, err := r.job.GlobalSide(s.location)
	if err != nil {
		return err
	}
	for _, fid := range loc.Holder.Fiducials() {
		if !fid.Enabled {
			continue
		}
		pose, err := r.job.PlacementGlobalPose(s.location, fid)
		if err != nil {
			return fmt.Errorf("failed to resolve fiducial %s on %s: %w", fid.ID, s.path, err)
		}
		r.records = append(r.records, Record{
			Location:  s.path,
			Placement: fid.ID,
			Part:      fid.Part,
			Pose:      pose,
			Side:      side.Xor(fid.Side),
			Fiducial:  true,
		})
	}
	r.logger.Debug("Checked fiducials", logger.WithField("location", s.path))
	return nil
}

// insertFiducialChecks puts a check step before the first queued placement at or below
// every enabled location that checks fiducials and has any. Panels come before their
// boards.
func insertFiducialChecks(job *hierarchy.Job, queue []*step) []*step {
	var checked []hierarchy.HolderLocation
	job.Walk(func(loc hierarchy.HolderLocation, depth int) {
		if loc.CheckFiducials {
			checked = append(checked, loc)
		}
	})

	for _, loc := range checked {
		if !job.EffectiveEnabled(loc.ID) || !hasEnabledFiducial(loc.Holder) {
			continue
		}
		below := map[hierarchy.NodeID]bool{loc.ID: true}
		for _, d := range job.Descendants(loc.ID) {
			below[d] = true
		}
		for i, s := range queue {
			if s.check || !below[s.location] {
				continue
			}
			check := &step{location: loc.ID, path: job.UniquePath(loc.ID), check: true}
			queue = append(queue[:i], append([]*step{check}, queue[i:]...)...)
			break
		}
	}
	return queue
}

func hasEnabledFiducial(h *types.Holder) bool {
	for _, f := range h.Fiducials() {
		if f.Enabled {
			return true
		}
	}
	return false
}

// Skip leaves the current placement unplaced and moves past it
func (r *DryRun) Skip(ctx context.Context) error {
	return r.advance(false)
}

// IgnoreContinue marks the current placement placed and moves past it
func (r *DryRun) IgnoreContinue(ctx context.Context) error {
	return r.advance(true)
}

func (r *DryRun) advance(markPlaced bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pos >= len(r.queue) {
		return fmt.Errorf("no current placement: %w", types.ErrInvalidArgument)
	}
	s := r.queue[r.pos]
	if s.check {
		r.records = append(r.records, Record{Location: s.path, Fiducial: true, Skipped: !markPlaced, Ignored: markPlaced})
		r.pos++
		return nil
	}
	if markPlaced {
		if err := r.job.SetPlaced(s.location, s.placement.ID, true); err != nil {
			return err
		}
	}
	r.records = append(r.records, Record{
		Location:  s.path,
		Placement: s.placement.ID,
		Part:      s.placement.Part,
		Skipped:   !markPlaced,
		Ignored:   markPlaced,
	})
	r.pos++
	return nil
}

// Abort drops the remaining queue
func (r *DryRun) Abort(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if remaining := len(r.queue) - r.pos; remaining > 0 {
		r.logger.Info("Dry run aborted", logger.WithField("remaining", remaining))
	}
	r.queue = nil
	r.pos = 0
	return nil
}

// CanSkip implements engine.Executor
func (r *DryRun) CanSkip() bool { return true }

// CanIgnoreContinue implements engine.Executor
func (r *DryRun) CanIgnoreContinue() bool { return true }

// Remaining returns the number of placements still queued
func (r *DryRun) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue) - r.pos
}

// Records returns what the run has done so far, in order
func (r *DryRun) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Record(nil), r.records...)
}
