// Package types provides the core placement model shared by the store, hierarchy and engine
package types

import (
	"fmt"
	"strings"
)

// Side represents which face of a holder is facing up
type Side int

const (
	SideTop Side = iota
	SideBottom
)

// Flip returns the opposite side
func (s Side) Flip() Side {
	if s == SideBottom {
		return SideTop
	}
	return SideBottom
}

// Xor composes two sides: a Bottom flips, two flips cancel.
func (s Side) Xor(other Side) Side {
	if other == SideBottom {
		return s.Flip()
	}
	return s
}

func (s Side) String() string {
	if s == SideBottom {
		return "Bottom"
	}
	return "Top"
}

// ParseSide parses a side name, case-insensitively
func ParseSide(v string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "top":
		return SideTop, nil
	case "bottom":
		return SideBottom, nil
	}
	return SideTop, fmt.Errorf("invalid side: %q", v)
}

// MarshalText implements encoding.TextMarshaler
func (s Side) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *Side) UnmarshalText(text []byte) error {
	parsed, err := ParseSide(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// PlacementType represents how a placement is used during a job
type PlacementType int

const (
	PlacementTypePlace PlacementType = iota
	PlacementTypeFiducial
	PlacementTypeIgnore
)

func (t PlacementType) String() string {
	switch t {
	case PlacementTypeFiducial:
		return "Fiducial"
	case PlacementTypeIgnore:
		return "Ignore"
	default:
		return "Place"
	}
}

// ParsePlacementType parses a placement type name
func ParsePlacementType(v string) (PlacementType, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "place", "placement":
		return PlacementTypePlace, nil
	case "fiducial":
		return PlacementTypeFiducial, nil
	case "ignore":
		return PlacementTypeIgnore, nil
	}
	return PlacementTypePlace, fmt.Errorf("invalid placement type: %q", v)
}

// MarshalText implements encoding.TextMarshaler
func (t PlacementType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (t *PlacementType) UnmarshalText(text []byte) error {
	parsed, err := ParsePlacementType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ErrorHandling is the per-placement policy applied when its step fails
type ErrorHandling int

const (
	ErrorHandlingAlert ErrorHandling = iota
	ErrorHandlingDefer
)

func (e ErrorHandling) String() string {
	if e == ErrorHandlingDefer {
		return "Defer"
	}
	return "Alert"
}

// MarshalText implements encoding.TextMarshaler
func (e ErrorHandling) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (e *ErrorHandling) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "", "alert":
		*e = ErrorHandlingAlert
	case "defer":
		*e = ErrorHandlingDefer
	default:
		return fmt.Errorf("invalid error handling: %q", string(text))
	}
	return nil
}

// HolderKind distinguishes board and panel definitions
type HolderKind int

const (
	HolderKindBoard HolderKind = iota
	HolderKindPanel
)

func (k HolderKind) String() string {
	if k == HolderKindPanel {
		return "panel"
	}
	return "board"
}

// MarshalText implements encoding.TextMarshaler
func (k HolderKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (k *HolderKind) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "", "board":
		*k = HolderKindBoard
	case "panel":
		*k = HolderKindPanel
	default:
		return fmt.Errorf("invalid holder kind: %q", string(text))
	}
	return nil
}

// JobState represents the state of the job execution controller
type JobState string

const (
	JobStateStopped  JobState = "stopped"
	JobStateRunning  JobState = "running"
	JobStatePausing  JobState = "pausing"
	JobStatePaused   JobState = "paused"
	JobStateStopping JobState = "stopping"
)

// IsActive reports whether a run is in progress in any form
func (s JobState) IsActive() bool {
	return s != JobStateStopped
}

// RecoveryAction is an answer to a step error
type RecoveryAction string

const (
	RecoveryRetry          RecoveryAction = "retry"
	RecoverySkip           RecoveryAction = "skip"
	RecoveryIgnoreContinue RecoveryAction = "ignore"
	RecoveryPause          RecoveryAction = "pause"
)

// ParseRecoveryAction parses a recovery action name
func ParseRecoveryAction(v string) (RecoveryAction, error) {
	switch RecoveryAction(strings.ToLower(strings.TrimSpace(v))) {
	case RecoveryRetry:
		return RecoveryRetry, nil
	case RecoverySkip:
		return RecoverySkip, nil
	case RecoveryIgnoreContinue, "ignore-continue", "ignoreandcontinue":
		return RecoveryIgnoreContinue, nil
	case RecoveryPause, "":
		return RecoveryPause, nil
	}
	return RecoveryPause, fmt.Errorf("invalid recovery action: %q", v)
}
