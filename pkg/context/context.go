// Package context carries job-run tracing values through context.Context
package context

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Unexported struct pointers prevent key collisions.
var (
	runIDKey         = &struct{}{}
	correlationIDKey = &struct{}{}
	operationKey     = &struct{}{}
	startTimeKey     = &struct{}{}
)

const (
	unknownRun         = "unknown-run"
	unknownCorrelation = "unknown-correlation"
	unknownOperation   = "unknown-operation"
)

// WithRunID tags the context with a job run id, generating one when empty
func WithRunID(parent context.Context, runID string) context.Context {
	if runID == "" {
		runID = GenerateRunID()
	}
	return context.WithValue(parent, runIDKey, runID)
}

// GetRunID returns the job run id
func GetRunID(ctx context.Context) string {
	if id, ok := ctx.Value(runIDKey).(string); ok && id != "" {
		return id
	}
	return unknownRun
}

// HasRunID reports whether a run id is present
func HasRunID(ctx context.Context) bool {
	return GetRunID(ctx) != unknownRun
}

// WithCorrelationID links the context to an outer request, such as a CLI invocation
func WithCorrelationID(parent context.Context, correlationID string) context.Context {
	if correlationID == "" {
		correlationID = GenerateCorrelationID()
	}
	return context.WithValue(parent, correlationIDKey, correlationID)
}

// GetCorrelationID returns the correlation id
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok && id != "" {
		return id
	}
	return unknownCorrelation
}

// WithOperation names the operation in progress
func WithOperation(parent context.Context, operation string) context.Context {
	return context.WithValue(parent, operationKey, operation)
}

// GetOperation returns the operation name
func GetOperation(ctx context.Context) string {
	if op, ok := ctx.Value(operationKey).(string); ok && op != "" {
		return op
	}
	return unknownOperation
}

// WithStartTime records when the operation began
func WithStartTime(parent context.Context, startTime time.Time) context.Context {
	return context.WithValue(parent, startTimeKey, startTime)
}

// GetStartTime returns the operation start time, or the zero time
func GetStartTime(ctx context.Context) time.Time {
	if t, ok := ctx.Value(startTimeKey).(time.Time); ok {
		return t
	}
	return time.Time{}
}

// GetDuration returns the time elapsed since the start time, or 0 when no start time is set
func GetDuration(ctx context.Context) time.Duration {
	start := GetStartTime(ctx)
	if start.IsZero() {
		return 0
	}
	return time.Since(start)
}

// GenerateRunID creates a new job run id
func GenerateRunID() string {
	return "run_" + uuid.New().String()
}

// GenerateCorrelationID creates a new correlation id
func GenerateCorrelationID() string {
	return "cor_" + uuid.New().String()
}

// EnrichContext adds a run id, a correlation id and a start time where missing
func EnrichContext(parent context.Context) context.Context {
	ctx := parent
	if !HasRunID(ctx) {
		ctx = WithRunID(ctx, "")
	}
	if GetCorrelationID(ctx) == unknownCorrelation {
		ctx = WithCorrelationID(ctx, "")
	}
	if GetStartTime(ctx).IsZero() {
		ctx = WithStartTime(ctx, time.Now())
	}
	return ctx
}
