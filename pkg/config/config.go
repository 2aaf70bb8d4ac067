// Package config handles configuration loading and management
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pnpforge/pnpjob/pkg/types"
	"gopkg.in/yaml.v3"
)

// DefaultConfigNames are looked up in order when no config path is given
var DefaultConfigNames = []string{"pnpjob.yaml", "pnpjob.yml", "pnpjob.json"}

// Manager handles configuration operations
type Manager struct{}

// NewManager creates a new configuration manager
func NewManager() *Manager {
	return &Manager{}
}

// FindConfig returns the first default config file present in dir
func (m *Manager) FindConfig(dir string) (string, error) {
	for _, name := range DefaultConfigNames {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no configuration file found in %s", dir)
}

// LoadConfig loads configuration from a file. Relative root files are resolved against
// the config file's directory.
func (m *Manager) LoadConfig(path string) (*types.JobConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := m.parse(data)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	for i := range cfg.Job.Roots {
		if f := cfg.Job.Roots[i].File; f != "" && !filepath.IsAbs(f) {
			cfg.Job.Roots[i].File = filepath.Join(dir, f)
		}
	}
	return m.validateConfig(cfg)
}

func (m *Manager) parse(data []byte) (*types.JobConfig, error) {
	var cfg types.JobConfig

	// Try JSON first
	if err := json.Unmarshal(data, &cfg); err == nil {
		return &cfg, nil
	}

	// YAML goes through JSON so both formats share the text unmarshalers
	var yamlData map[string]interface{}
	if err := yaml.Unmarshal(data, &yamlData); err == nil {
		jsonData, err := json.Marshal(yamlData)
		if err == nil {
			cfg = types.JobConfig{}
			if err := json.Unmarshal(jsonData, &cfg); err != nil {
				return nil, fmt.Errorf("invalid configuration: %w", err)
			}
			return &cfg, nil
		}
	}

	return nil, fmt.Errorf("failed to parse config as JSON or YAML")
}

// ValidateConfig validates a configuration
func (m *Manager) ValidateConfig(config *types.JobConfig) error {
	if config.Version != "1.0" {
		return fmt.Errorf("unsupported config version: %s", config.Version)
	}

	if len(config.Job.Roots) == 0 {
		return fmt.Errorf("no job roots defined")
	}
	rootIDs := make(map[string]bool)
	for i, root := range config.Job.Roots {
		if root.File == "" {
			return fmt.Errorf("root %d: missing file", i)
		}
		if root.ID == "" {
			continue
		}
		if rootIDs[root.ID] {
			return fmt.Errorf("duplicate root id: %s", root.ID)
		}
		rootIDs[root.ID] = true
	}

	partIDs := make(map[string]bool)
	for i, part := range config.Parts {
		if part.ID == "" {
			return fmt.Errorf("part %d: missing id", i)
		}
		if part.Package == "" {
			return fmt.Errorf("part '%s': missing package", part.ID)
		}
		if partIDs[part.ID] {
			return fmt.Errorf("duplicate part id: %s", part.ID)
		}
		partIDs[part.ID] = true
	}

	tipIDs := make(map[string]bool)
	for i, tip := range config.NozzleTips {
		if tip.ID == "" {
			return fmt.Errorf("nozzle tip %d: missing id", i)
		}
		if len(tip.Packages) == 0 {
			return fmt.Errorf("nozzle tip '%s': no packages", tip.ID)
		}
		if tipIDs[tip.ID] {
			return fmt.Errorf("duplicate nozzle tip id: %s", tip.ID)
		}
		tipIDs[tip.ID] = true
	}

	if r := config.Recovery; r != nil {
		if _, err := types.ParseRecoveryAction(string(r.Policy)); err != nil {
			return fmt.Errorf("recovery: %w", err)
		}
		if r.MaxRetries < 0 {
			return fmt.Errorf("recovery: maxRetries must not be negative")
		}
	}

	if e := config.Executor; e != nil && e.StepDelayMs < 0 {
		return fmt.Errorf("executor: stepDelayMs must not be negative")
	}

	return nil
}

// SaveConfig writes cfg as YAML or JSON depending on the extension of path
func (m *Manager) SaveConfig(path string, cfg *types.JobConfig) error {
	var (
		data []byte
		err  error
	)
	if filepath.Ext(path) == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GetDefaultConfig returns a configuration with every optional section filled in
func (m *Manager) GetDefaultConfig() *types.JobConfig {
	enabled := true

	return &types.JobConfig{
		Version:  "1.0",
		LogLevel: "info",
		Job: types.JobSection{
			Roots: []types.RootConfig{},
		},
		Recovery: &types.RecoveryConfig{
			Policy:     types.RecoveryPause,
			MaxRetries: 3,
		},
		Notifications: &types.NotificationConfig{
			Enabled: &enabled,
		},
		Metrics: &types.MetricsConfig{},
		Executor: &types.ExecutorConfig{
			StepDelayMs: 0,
		},
	}
}

func (m *Manager) validateConfig(cfg *types.JobConfig) (*types.JobConfig, error) {
	if err := m.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
