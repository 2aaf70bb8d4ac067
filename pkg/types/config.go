package types

// JobConfig is the pnpjob configuration file
type JobConfig struct {
	Version       string              `json:"version" yaml:"version"`
	LogLevel      string              `json:"logLevel,omitempty" yaml:"logLevel,omitempty"`
	LogFile       string              `json:"logFile,omitempty" yaml:"logFile,omitempty"`
	Job           JobSection          `json:"job" yaml:"job"`
	Parts         []PartConfig        `json:"parts,omitempty" yaml:"parts,omitempty"`
	NozzleTips    []NozzleTipConfig   `json:"nozzleTips,omitempty" yaml:"nozzleTips,omitempty"`
	Recovery      *RecoveryConfig     `json:"recovery,omitempty" yaml:"recovery,omitempty"`
	Notifications *NotificationConfig `json:"notifications,omitempty" yaml:"notifications,omitempty"`
	Metrics       *MetricsConfig      `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Executor      *ExecutorConfig     `json:"executor,omitempty" yaml:"executor,omitempty"`
}

// JobSection lists the top-level locations of the job
type JobSection struct {
	Roots []RootConfig `json:"roots" yaml:"roots"`
}

// RootConfig places a board or panel file at the top of the job
type RootConfig struct {
	File           string  `json:"file" yaml:"file"`
	ID             string  `json:"id,omitempty" yaml:"id,omitempty"`
	X              float64 `json:"x,omitempty" yaml:"x,omitempty"`
	Y              float64 `json:"y,omitempty" yaml:"y,omitempty"`
	Rotation       float64 `json:"rotation,omitempty" yaml:"rotation,omitempty"`
	Side           Side    `json:"side" yaml:"side"`
	Enabled        *bool   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	CheckFiducials *bool   `json:"checkFiducials,omitempty" yaml:"checkFiducials,omitempty"`
}

// Spec converts the root entry to a child spec
func (r RootConfig) Spec() ChildSpec {
	return ChildSpec{
		ID:             r.ID,
		File:           r.File,
		Pose:           NewPose(r.X, r.Y, r.Rotation),
		Side:           r.Side,
		Enabled:        r.Enabled == nil || *r.Enabled,
		CheckFiducials: r.CheckFiducials == nil || *r.CheckFiducials,
	}
}

// PartConfig maps a part to its package
type PartConfig struct {
	ID      string `json:"id" yaml:"id"`
	Package string `json:"package" yaml:"package"`
}

// NozzleTipConfig lists the packages a nozzle tip can pick
type NozzleTipConfig struct {
	ID       string   `json:"id" yaml:"id"`
	Packages []string `json:"packages" yaml:"packages"`
}

// RecoveryConfig is the unattended answer to step errors
type RecoveryConfig struct {
	Policy      RecoveryAction `json:"policy" yaml:"policy"`
	MaxRetries  int            `json:"maxRetries,omitempty" yaml:"maxRetries,omitempty"`
	ResetPlaced bool           `json:"resetPlaced,omitempty" yaml:"resetPlaced,omitempty"`
}

// NotificationConfig controls desktop notifications
type NotificationConfig struct {
	Enabled *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Sound   string `json:"sound,omitempty" yaml:"sound,omitempty"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Address string `json:"address,omitempty" yaml:"address,omitempty"`
}

// ExecutorConfig configures the dry run executor
type ExecutorConfig struct {
	StepDelayMs int `json:"stepDelayMs,omitempty" yaml:"stepDelayMs,omitempty"`
}
