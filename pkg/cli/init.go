package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pnpforge/pnpjob/pkg/config"
	"github.com/pnpforge/pnpjob/pkg/types"
	"github.com/spf13/cobra"
)

func (c *CLI) newInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [definition-file...]",
		Short: "Create a job configuration",
		Long: `Create pnpjob.yaml in the job directory. Every definition file given becomes a
job root; without any, the board and panel files in the directory are used.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runInit(args, force)
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite existing configuration")
	return cmd
}

func (c *CLI) runInit(files []string, force bool) error {
	configPath := c.config.ConfigFile
	if configPath == "" {
		configPath = filepath.Join(c.config.ProjectRoot, config.DefaultConfigNames[0])
	}

	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("configuration already exists. Use --force to overwrite")
	}

	if len(files) == 0 {
		files = detectDefinitions(c.config.ProjectRoot)
		if len(files) == 0 {
			c.printWarning("No *.board.yaml or *.panel.yaml files found; add job roots by hand")
		}
	}

	manager := config.NewManager()
	cfg := manager.GetDefaultConfig()
	for _, f := range files {
		cfg.Job.Roots = append(cfg.Job.Roots, types.RootConfig{File: f})
	}

	if err := manager.SaveConfig(configPath, cfg); err != nil {
		return err
	}

	c.printSuccess(fmt.Sprintf("Created configuration at %s", configPath))
	c.printInfo("Add parts and nozzle tips to enable the preflight catalog checks")
	return nil
}

// detectDefinitions lists definition files in dir, panels first
func detectDefinitions(dir string) []string {
	var found []string
	for _, pattern := range []string{"*.panel.yaml", "*.panel.json", "*.board.yaml", "*.board.json"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			continue
		}
		for _, m := range matches {
			found = append(found, filepath.Base(m))
		}
	}
	return found
}
