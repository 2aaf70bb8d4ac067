// Package engine runs a placement job: the controller state machine, the step error
// recovery protocol and the preflight checks that gate a start.
package engine

// The implementation is split across multiple files:
// - controller.go: state machine and run loop
// - recovery.go: step error recovery and the policy operator
// - preflight.go: checks run before a job starts
// - queue.go: state change event queue
// - safegroup.go: panic-safe worker goroutine
// - metrics.go: Prometheus collectors
