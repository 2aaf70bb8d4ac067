package engine_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pnpforge/pnpjob/internal/engine"
	"github.com/pnpforge/pnpjob/internal/hierarchy"
	"github.com/pnpforge/pnpjob/internal/store"
	"github.com/pnpforge/pnpjob/pkg/mocks"
	"github.com/pnpforge/pnpjob/pkg/types"
)

type harness struct {
	t        *testing.T
	ctx      context.Context
	job      *hierarchy.Job
	board    *types.Holder
	root     hierarchy.NodeID
	exec     *mocks.MockExecutor
	op       *mocks.MockOperator
	notifier *recordingNotifier
	ctrl     *engine.Controller
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	st := store.New(nil)
	job := hierarchy.NewJob(st, nil)
	board := types.NewBoard(filepath.Join(t.TempDir(), "sensor.board.yaml"))
	board.Placements = []*types.Placement{
		{ID: "R1", Part: "R0402-10k", Type: types.PlacementTypePlace, Enabled: true},
	}
	root, err := job.AddRoot(board, types.ChildSpec{ID: "B1", Enabled: true})
	require.NoError(t, err)

	mc := gomock.NewController(t)
	h := &harness{
		t:        t,
		ctx:      ctx,
		job:      job,
		board:    board,
		root:     root,
		exec:     mocks.NewMockExecutor(mc),
		op:       mocks.NewMockOperator(mc),
		notifier: &recordingNotifier{},
	}
	h.ctrl = engine.NewController(engine.Options{
		Name:     "test-job",
		Job:      job,
		Executor: h.exec,
		Operator: h.op,
		Notifier: h.notifier,
	})

	h.exec.EXPECT().CanSkip().Return(true).AnyTimes()
	h.exec.EXPECT().CanIgnoreContinue().Return(true).AnyTimes()
	return h
}

func (h *harness) expectInitialize() {
	h.exec.EXPECT().Initialize(gomock.Any(), h.job).Return(nil)
}

func (h *harness) waitState(state types.JobState) {
	h.t.Helper()
	require.NoError(h.t, h.ctrl.WaitForState(h.ctx, state), "waiting for %s, state is %s", state, h.ctrl.State())
}

func (h *harness) wait() error {
	h.t.Helper()
	return h.ctrl.Wait(h.ctx)
}

// blockingNext returns a Next implementation that signals entry and waits for release
func blockingNext(entered chan<- struct{}, release <-chan struct{}, more bool) func(context.Context) (bool, error) {
	return func(context.Context) (bool, error) {
		entered <- struct{}{}
		<-release
		return more, nil
	}
}

type recordingNotifier struct {
	mu        sync.Mutex
	completed int
	aborted   int
	errors    []error
	// onCompleted runs on the worker after the completion is counted
	onCompleted func()
}

func (n *recordingNotifier) NotifyJobCompleted(string, time.Duration) {
	n.mu.Lock()
	n.completed++
	hook := n.onCompleted
	n.mu.Unlock()

	if hook != nil {
		hook()
	}
}

func (n *recordingNotifier) NotifyJobAborted(string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.aborted++
}

func (n *recordingNotifier) NotifyStepError(_ string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errors = append(n.errors, err)
}

func (n *recordingNotifier) counts() (int, int, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.completed, n.aborted, len(n.errors)
}

func TestController_RunsToCompletion(t *testing.T) {
	h := newHarness(t)
	h.expectInitialize()
	gomock.InOrder(
		h.exec.EXPECT().Next(gomock.Any()).Return(true, nil).Times(2),
		h.exec.EXPECT().Next(gomock.Any()).Return(false, nil),
	)

	require.NoError(t, h.ctrl.Start(h.ctx))
	require.NoError(t, h.wait())
	assert.Equal(t, types.JobStateStopped, h.ctrl.State())

	completed, aborted, _ := h.notifier.counts()
	assert.Equal(t, 1, completed)
	assert.Equal(t, 0, aborted)

	var transitions []string
	for _, e := range h.ctrl.Events().Drain() {
		if e.Kind == engine.EventStateChanged {
			transitions = append(transitions, string(e.From)+">"+string(e.To))
		}
	}
	assert.Equal(t, []string{"stopped>running", "running>stopped"}, transitions)
}

func TestController_StoppedPublishedOnceAfterReport(t *testing.T) {
	h := newHarness(t)
	h.exec.EXPECT().Initialize(gomock.Any(), h.job).Return(nil).Times(2)
	h.exec.EXPECT().Next(gomock.Any()).Return(false, nil).Times(2)

	var stateDuringReport types.JobState
	var restartErr error
	h.notifier.onCompleted = func() {
		stateDuringReport = h.ctrl.State()
		restartErr = h.ctrl.Start(h.ctx)
	}

	require.NoError(t, h.ctrl.Start(h.ctx))
	require.NoError(t, h.wait())
	assert.Equal(t, types.JobStateRunning, stateDuringReport)
	assert.True(t, errors.Is(restartErr, types.ErrJobAlreadyRunning), "got %v", restartErr)
	assert.Equal(t, types.JobStateStopped, h.ctrl.State())

	h.notifier.mu.Lock()
	h.notifier.onCompleted = nil
	h.notifier.mu.Unlock()

	// A restart after Stopped is untouched by the finished worker
	require.NoError(t, h.ctrl.Start(h.ctx))
	require.NoError(t, h.wait())

	completed, aborted, _ := h.notifier.counts()
	assert.Equal(t, 2, completed)
	assert.Equal(t, 0, aborted)

	var transitions []string
	for _, e := range h.ctrl.Events().Drain() {
		if e.Kind == engine.EventStateChanged {
			transitions = append(transitions, string(e.From)+">"+string(e.To))
		}
	}
	assert.Equal(t, []string{"stopped>running", "running>stopped", "stopped>running", "running>stopped"}, transitions)
}

func TestController_StartThenStop(t *testing.T) {
	h := newHarness(t)
	h.expectInitialize()

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	h.exec.EXPECT().Next(gomock.Any()).DoAndReturn(blockingNext(entered, release, true)).MaxTimes(1)
	h.exec.EXPECT().Abort(gomock.Any()).Return(nil).Times(1)

	require.NoError(t, h.ctrl.Start(h.ctx))
	require.NoError(t, h.ctrl.Stop())
	close(release)

	require.NoError(t, h.wait())
	assert.Equal(t, types.JobStateStopped, h.ctrl.State())

	_, aborted, _ := h.notifier.counts()
	assert.Equal(t, 1, aborted)
}

func TestController_StopWaitsForInFlightStep(t *testing.T) {
	h := newHarness(t)
	h.expectInitialize()

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	h.exec.EXPECT().Next(gomock.Any()).DoAndReturn(blockingNext(entered, release, true)).Times(1)
	h.exec.EXPECT().Abort(gomock.Any()).Return(nil).Times(1)

	require.NoError(t, h.ctrl.Start(h.ctx))
	<-entered
	require.NoError(t, h.ctrl.Stop())
	assert.Equal(t, types.JobStateStopping, h.ctrl.State(), "stop takes effect only after the step")

	close(release)
	require.NoError(t, h.wait())
	assert.Equal(t, types.JobStateStopped, h.ctrl.State())
}

func TestController_PauseSettlesAfterStep(t *testing.T) {
	h := newHarness(t)
	h.expectInitialize()

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	first := h.exec.EXPECT().Next(gomock.Any()).DoAndReturn(blockingNext(entered, release, true)).Times(1)

	require.NoError(t, h.ctrl.Start(h.ctx))
	<-entered
	require.NoError(t, h.ctrl.Pause())
	assert.Equal(t, types.JobStatePausing, h.ctrl.State())
	assert.NotEqual(t, types.JobStatePaused, h.ctrl.State())

	close(release)
	h.waitState(types.JobStatePaused)

	// Any Next call here would be unexpected and fail the test
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, types.JobStatePaused, h.ctrl.State())

	h.exec.EXPECT().Next(gomock.Any()).Return(false, nil).After(first)
	require.NoError(t, h.ctrl.Resume())
	require.NoError(t, h.wait())
	assert.Equal(t, types.JobStateStopped, h.ctrl.State())
}

func TestController_RetryAfterStepError(t *testing.T) {
	h := newHarness(t)
	h.expectInitialize()
	gomock.InOrder(
		h.exec.EXPECT().Next(gomock.Any()).Return(false, errors.New("feeder jam")),
		h.exec.EXPECT().Next(gomock.Any()).Return(false, nil),
	)
	h.op.EXPECT().ResolveStepError(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, err error, options []types.RecoveryAction) types.RecoveryAction {
			assert.Contains(t, err.Error(), "feeder jam")
			var stepErr *types.StepError
			assert.True(t, errors.As(err, &stepErr))
			assert.Equal(t, []types.RecoveryAction{
				types.RecoveryRetry, types.RecoverySkip, types.RecoveryIgnoreContinue, types.RecoveryPause,
			}, options)
			return types.RecoveryRetry
		}).Times(1)

	require.NoError(t, h.ctrl.Start(h.ctx))
	require.NoError(t, h.wait())
	assert.Equal(t, types.JobStateStopped, h.ctrl.State())

	completed, _, stepErrors := h.notifier.counts()
	assert.Equal(t, 1, completed)
	assert.Equal(t, 1, stepErrors)
}

func TestController_RetryIsReentrant(t *testing.T) {
	h := newHarness(t)
	h.expectInitialize()
	gomock.InOrder(
		h.exec.EXPECT().Next(gomock.Any()).Return(false, errors.New("pick failed")).Times(3),
		h.exec.EXPECT().Next(gomock.Any()).Return(false, nil),
	)
	h.op.EXPECT().ResolveStepError(gomock.Any(), gomock.Any(), gomock.Any()).Return(types.RecoveryRetry).Times(3)

	require.NoError(t, h.ctrl.Start(h.ctx))
	require.NoError(t, h.wait())
}

func TestController_SkipAndIgnore(t *testing.T) {
	tests := []struct {
		name   string
		action types.RecoveryAction
		expect func(h *harness)
	}{
		{
			name:   "skip",
			action: types.RecoverySkip,
			expect: func(h *harness) { h.exec.EXPECT().Skip(gomock.Any()).Return(nil).Times(1) },
		},
		{
			name:   "ignore and continue",
			action: types.RecoveryIgnoreContinue,
			expect: func(h *harness) { h.exec.EXPECT().IgnoreContinue(gomock.Any()).Return(nil).Times(1) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.expectInitialize()
			gomock.InOrder(
				h.exec.EXPECT().Next(gomock.Any()).Return(true, errors.New("vision failed")),
				h.exec.EXPECT().Next(gomock.Any()).Return(false, nil),
			)
			h.op.EXPECT().ResolveStepError(gomock.Any(), gomock.Any(), gomock.Any()).Return(tt.action)
			tt.expect(h)

			require.NoError(t, h.ctrl.Start(h.ctx))
			require.NoError(t, h.wait())
			assert.Equal(t, types.JobStateStopped, h.ctrl.State())
		})
	}
}

func TestController_RecoveryActionErrorIsPresentedAgain(t *testing.T) {
	h := newHarness(t)
	h.expectInitialize()
	h.exec.EXPECT().Next(gomock.Any()).Return(false, errors.New("nozzle blocked"))
	h.exec.EXPECT().Skip(gomock.Any()).Return(errors.New("cannot skip now"))
	gomock.InOrder(
		h.op.EXPECT().ResolveStepError(gomock.Any(), gomock.Any(), gomock.Any()).Return(types.RecoverySkip),
		h.op.EXPECT().ResolveStepError(gomock.Any(), gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, err error, _ []types.RecoveryAction) types.RecoveryAction {
				var stepErr *types.StepError
				if assert.True(t, errors.As(err, &stepErr)) {
					assert.Equal(t, "skip", stepErr.Op)
				}
				return types.RecoveryPause
			}),
	)
	h.exec.EXPECT().Abort(gomock.Any()).Return(nil)

	require.NoError(t, h.ctrl.Start(h.ctx))
	h.waitState(types.JobStatePaused)
	require.NoError(t, h.ctrl.Stop())
	require.NoError(t, h.wait())
}

func TestController_RecoveryPauseAndUnofferedOption(t *testing.T) {
	mc := gomock.NewController(t)
	exec := mocks.NewMockExecutor(mc)
	op := mocks.NewMockOperator(mc)

	h := newHarness(t)
	h.exec, h.op = exec, op
	h.ctrl = engine.NewController(engine.Options{Job: h.job, Executor: exec, Operator: op})

	exec.EXPECT().CanSkip().Return(false).AnyTimes()
	exec.EXPECT().CanIgnoreContinue().Return(false).AnyTimes()
	exec.EXPECT().Initialize(gomock.Any(), h.job).Return(nil)
	first := exec.EXPECT().Next(gomock.Any()).Return(false, errors.New("no part in feeder"))
	op.EXPECT().ResolveStepError(gomock.Any(), gomock.Any(), []types.RecoveryAction{types.RecoveryRetry, types.RecoveryPause}).
		Return(types.RecoverySkip)

	require.NoError(t, h.ctrl.Start(h.ctx))
	h.waitState(types.JobStatePaused)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, types.JobStatePaused, h.ctrl.State(), "no automatic retry after pause")

	exec.EXPECT().Next(gomock.Any()).Return(false, nil).After(first)
	require.NoError(t, h.ctrl.Resume())
	require.NoError(t, h.wait())
}

func TestController_StepFromStoppedAndPaused(t *testing.T) {
	h := newHarness(t)
	h.expectInitialize()

	first := h.exec.EXPECT().Next(gomock.Any()).Return(true, nil).Times(1)
	require.NoError(t, h.ctrl.Step(h.ctx))
	h.waitState(types.JobStatePaused)

	second := h.exec.EXPECT().Next(gomock.Any()).Return(true, nil).Times(1).After(first)
	require.NoError(t, h.ctrl.Step(h.ctx))
	h.waitState(types.JobStatePaused)

	h.exec.EXPECT().Next(gomock.Any()).Return(false, nil).After(second)
	require.NoError(t, h.ctrl.Resume())
	require.NoError(t, h.wait())
}

func TestController_StepRetriesUntilAUnitCompletes(t *testing.T) {
	h := newHarness(t)
	h.expectInitialize()
	gomock.InOrder(
		h.exec.EXPECT().Next(gomock.Any()).Return(true, errors.New("pick failed")),
		h.exec.EXPECT().Next(gomock.Any()).Return(true, nil),
	)
	h.op.EXPECT().ResolveStepError(gomock.Any(), gomock.Any(), gomock.Any()).Return(types.RecoveryRetry)
	h.exec.EXPECT().Abort(gomock.Any()).Return(nil)

	require.NoError(t, h.ctrl.Step(h.ctx))
	h.waitState(types.JobStatePaused)

	require.NoError(t, h.ctrl.Stop())
	require.NoError(t, h.wait())
	assert.Equal(t, types.JobStateStopped, h.ctrl.State())
}

func TestController_StopWhilePaused(t *testing.T) {
	h := newHarness(t)
	h.expectInitialize()
	h.exec.EXPECT().Next(gomock.Any()).Return(true, nil).Times(1)
	h.exec.EXPECT().Abort(gomock.Any()).Return(nil).Times(1)

	require.NoError(t, h.ctrl.Step(h.ctx))
	h.waitState(types.JobStatePaused)
	require.NoError(t, h.ctrl.Stop())
	require.NoError(t, h.wait())
	assert.Equal(t, types.JobStateStopped, h.ctrl.State())
}

func TestController_InvalidTransitions(t *testing.T) {
	h := newHarness(t)
	h.expectInitialize()

	assert.True(t, errors.Is(h.ctrl.Pause(), types.ErrInvalidTransition))
	assert.True(t, errors.Is(h.ctrl.Resume(), types.ErrInvalidTransition))
	assert.NoError(t, h.ctrl.Stop())

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	h.exec.EXPECT().Next(gomock.Any()).DoAndReturn(blockingNext(entered, release, false))

	require.NoError(t, h.ctrl.Start(h.ctx))
	<-entered

	err := h.ctrl.Start(h.ctx)
	assert.True(t, errors.Is(err, types.ErrJobAlreadyRunning))
	assert.True(t, errors.Is(h.ctrl.Step(h.ctx), types.ErrInvalidTransition))

	close(release)
	require.NoError(t, h.wait())
}

func TestController_RejectsEditsWhileActive(t *testing.T) {
	h := newHarness(t)
	h.expectInitialize()

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	h.exec.EXPECT().Next(gomock.Any()).DoAndReturn(blockingNext(entered, release, false))

	require.NoError(t, h.ctrl.Start(h.ctx))
	<-entered

	err := h.job.AddPlacement(h.board, &types.Placement{ID: "R2", Part: "R0402-10k", Enabled: true})
	assert.True(t, errors.Is(err, types.ErrJobNotStopped))
	assert.True(t, errors.Is(h.job.SetEnabled(h.root, false), types.ErrJobNotStopped))
	assert.True(t, errors.Is(h.job.Store().Reload(h.board.Path), types.ErrJobNotStopped))

	// placed flags are run state
	assert.NoError(t, h.job.SetPlaced(h.root, "R1", true))

	close(release)
	require.NoError(t, h.wait())
	assert.NoError(t, h.job.AddPlacement(h.board, &types.Placement{ID: "R2", Part: "R0402-10k", Enabled: true}))
}

func TestController_ResetPlacedPrompt(t *testing.T) {
	for _, accept := range []bool{true, false} {
		h := newHarness(t)
		require.NoError(t, h.job.SetPlaced(h.root, "R1", true))

		h.op.EXPECT().ConfirmResetPlaced(gomock.Any()).Return(accept)
		h.exec.EXPECT().Initialize(gomock.Any(), h.job).DoAndReturn(func(context.Context, *hierarchy.Job) error {
			assert.Equal(t, !accept, h.job.AllPlaced())
			return nil
		})
		h.exec.EXPECT().Next(gomock.Any()).Return(false, nil)

		require.NoError(t, h.ctrl.Start(h.ctx))
		require.NoError(t, h.wait())
	}
}

func TestController_StartFailures(t *testing.T) {
	t.Run("preflight", func(t *testing.T) {
		h := newHarness(t)
		h.board.Placements[0].Part = ""

		err := h.ctrl.Start(h.ctx)
		assert.True(t, errors.Is(err, types.ErrNoPartsDefined))
		assert.True(t, types.IsConfiguration(err))
		assert.Equal(t, types.JobStateStopped, h.ctrl.State())
	})

	t.Run("initialize", func(t *testing.T) {
		h := newHarness(t)
		h.exec.EXPECT().Initialize(gomock.Any(), h.job).Return(errors.New("machine not homed"))

		err := h.ctrl.Start(h.ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "machine not homed")
		assert.Equal(t, types.JobStateStopped, h.ctrl.State())
		assert.NoError(t, h.job.SetEnabled(h.root, false), "a failed start leaves the job editable")
	})
}

func TestController_PanicInExecutor(t *testing.T) {
	h := newHarness(t)
	h.expectInitialize()
	h.exec.EXPECT().Next(gomock.Any()).DoAndReturn(func(context.Context) (bool, error) {
		panic("motion controller exploded")
	})

	require.NoError(t, h.ctrl.Start(h.ctx))
	err := h.wait()
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "goroutine panic"))
	assert.Equal(t, types.JobStateStopped, h.ctrl.State())
}

func TestController_CancelledContextStops(t *testing.T) {
	h := newHarness(t)
	h.expectInitialize()

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	h.exec.EXPECT().Next(gomock.Any()).DoAndReturn(blockingNext(entered, release, true))
	h.exec.EXPECT().Abort(gomock.Any()).Return(nil)

	runCtx, cancel := context.WithCancel(h.ctx)
	require.NoError(t, h.ctrl.Start(runCtx))
	<-entered
	cancel()
	h.waitState(types.JobStateStopping)

	close(release)
	require.NoError(t, h.wait())
	assert.Equal(t, types.JobStateStopped, h.ctrl.State())
}
