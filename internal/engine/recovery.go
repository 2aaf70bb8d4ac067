package engine

import (
	"context"
	"sync"

	pcontext "github.com/pnpforge/pnpjob/pkg/context"
	"github.com/pnpforge/pnpjob/pkg/logger"
	"github.com/pnpforge/pnpjob/pkg/types"
)

// RecoveryOptions returns the choices offered after a failed step, in display order
func RecoveryOptions(e Executor) []types.RecoveryAction {
	options := []types.RecoveryAction{types.RecoveryRetry}
	if e.CanSkip() {
		options = append(options, types.RecoverySkip)
	}
	if e.CanIgnoreContinue() {
		options = append(options, types.RecoveryIgnoreContinue)
	}
	return append(options, types.RecoveryPause)
}

func offered(action types.RecoveryAction, options []types.RecoveryAction) bool {
	for _, o := range options {
		if o == action {
			return true
		}
	}
	return false
}

// handleStepError asks the operator how to continue after err and applies the answer.
// An error from Skip or IgnoreContinue is presented again the same way. On return the
// run loop goes back to its boundary checks.
func (c *Controller) handleStepError(ctx context.Context, err error) {
	ctx = pcontext.WithOperation(ctx, "recover")
	log := logger.WithContext(ctx, c.logger)

	for {
		c.events.Post(Event{Kind: EventStepFailed, Err: err})
		if c.notifier != nil {
			c.notifier.NotifyStepError(c.name, err)
		}

		options := RecoveryOptions(c.executor)
		action := c.operator.ResolveStepError(ctx, err, options)
		if !offered(action, options) {
			action = types.RecoveryPause
		}
		recordRecovery(action)
		c.events.Post(Event{Kind: EventRecovery, Action: action, Err: err})
		log.Warn("Step failed",
			logger.WithError(err),
			logger.WithField("action", string(action)))

		var actionErr error
		switch action {
		case types.RecoveryRetry:
		case types.RecoverySkip:
			actionErr = c.executor.Skip(ctx)
		case types.RecoveryIgnoreContinue:
			actionErr = c.executor.IgnoreContinue(ctx)
		case types.RecoveryPause:
			c.mu.Lock()
			if c.state == types.JobStateRunning {
				c.setStateLocked(types.JobStatePaused)
			}
			c.mu.Unlock()
			return
		}

		if actionErr != nil {
			recordStepError()
			err = &types.StepError{Op: string(action), Err: actionErr}
			continue
		}

		// A single step did not complete a unit yet; keep it armed
		if action == types.RecoveryRetry || action == types.RecoverySkip {
			c.mu.Lock()
			if c.state == types.JobStatePausing {
				c.stepPending = true
			}
			c.mu.Unlock()
		}
		return
	}
}

// PolicyOperator answers every question the same way. It is used for unattended runs.
type PolicyOperator struct {
	action     types.RecoveryAction
	maxRetries int
	resetAll   bool

	mu      sync.Mutex
	retries int
}

// NewPolicyOperator creates an operator that always picks action. With a retry policy
// the failure after maxRetries retries pauses instead and the count starts over; 0
// means unlimited. resetPlaced answers the reset question.
func NewPolicyOperator(action types.RecoveryAction, maxRetries int, resetPlaced bool) *PolicyOperator {
	return &PolicyOperator{
		action:     action,
		maxRetries: maxRetries,
		resetAll:   resetPlaced,
	}
}

// ConfirmResetPlaced implements Operator
func (o *PolicyOperator) ConfirmResetPlaced(ctx context.Context) bool {
	return o.resetAll
}

// ResolveStepError implements Operator
func (o *PolicyOperator) ResolveStepError(ctx context.Context, err error, options []types.RecoveryAction) types.RecoveryAction {
	o.mu.Lock()
	defer o.mu.Unlock()

	action := o.action
	if !offered(action, options) {
		action = types.RecoveryPause
	}

	if action == types.RecoveryRetry {
		o.retries++
		if o.maxRetries > 0 && o.retries > o.maxRetries {
			o.retries = 0
			return types.RecoveryPause
		}
		return action
	}
	o.retries = 0
	return action
}
