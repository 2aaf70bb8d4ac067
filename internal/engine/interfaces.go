package engine

import (
	"context"
	"time"

	"github.com/pnpforge/pnpjob/internal/hierarchy"
	"github.com/pnpforge/pnpjob/pkg/types"
)

//go:generate mockgen -destination=../../pkg/mocks/engine_mocks.go -package=mocks github.com/pnpforge/pnpjob/internal/engine Executor,Operator

// Executor performs the physical work of a job, one unit per Next call. The controller
// drives exactly this contract and assumes nothing about what a unit is.
type Executor interface {
	Initialize(ctx context.Context, job *hierarchy.Job) error
	// Next performs one unit of work. It returns false once there is nothing left.
	Next(ctx context.Context) (bool, error)
	Skip(ctx context.Context) error
	IgnoreContinue(ctx context.Context) error
	Abort(ctx context.Context) error
	CanSkip() bool
	CanIgnoreContinue() bool
}

// Operator answers the questions a run asks of the person at the machine
type Operator interface {
	// ConfirmResetPlaced is asked before a run in which everything is already placed.
	// Returning true clears the placed flags.
	ConfirmResetPlaced(ctx context.Context) bool
	// ResolveStepError picks one of options after a failed step
	ResolveStepError(ctx context.Context, err error, options []types.RecoveryAction) types.RecoveryAction
}

// Notifier is told about run outcomes. notifier.JobNotifier implements it.
type Notifier interface {
	NotifyJobCompleted(job string, duration time.Duration)
	NotifyJobAborted(job string)
	NotifyStepError(job string, err error)
}
