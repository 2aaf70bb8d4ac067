package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/pnpforge/pnpjob/pkg/types"
)

var (
	metricStepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pnpjob",
		Name:      "steps_total",
		Help:      "Number of executor steps that completed.",
	})
	metricStepErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pnpjob",
		Name:      "step_errors_total",
		Help:      "Number of executor steps that failed.",
	})
	metricRecoveryActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pnpjob",
		Name:      "recovery_actions_total",
		Help:      "Recovery choices made after failed steps.",
	}, []string{"action"})
	metricJobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pnpjob",
		Name:      "job_runs_total",
		Help:      "Finished job runs by outcome.",
	}, []string{"outcome"})
	metricJobState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pnpjob",
		Name:      "job_state",
		Help:      "1 for the state the controller is in, 0 for the others.",
	}, []string{"state"})
)

var allStates = []types.JobState{
	types.JobStateStopped,
	types.JobStateRunning,
	types.JobStatePausing,
	types.JobStatePaused,
	types.JobStateStopping,
}

func recordStep() {
	metricStepsTotal.Inc()
}

func recordStepError() {
	metricStepErrors.Inc()
}

func recordRecovery(action types.RecoveryAction) {
	metricRecoveryActions.WithLabelValues(string(action)).Inc()
}

func recordRun(outcome string) {
	metricJobRuns.WithLabelValues(outcome).Inc()
}

func recordState(state types.JobState) {
	for _, s := range allStates {
		v := 0.0
		if s == state {
			v = 1
		}
		metricJobState.WithLabelValues(string(s)).Set(v)
	}
}
