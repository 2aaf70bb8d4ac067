package cli

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/fatih/color"
	"github.com/pnpforge/pnpjob/internal/state"
	"github.com/spf13/cobra"
)

func (c *CLI) newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show saved job progress",
		Long: `List every job with saved progress in the job directory: its last controller
state, how many placements are placed, its run counters, and whether a live process
is running it right now.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runStatus()
		},
	}
}

func (c *CLI) runStatus() error {
	dir := c.config.ProjectRoot
	if path, err := c.getConfigPath(); err == nil {
		dir = filepath.Dir(path)
	}

	progress := state.NewManager(dir, c.logger)
	jobs, err := progress.Discover()
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		c.printInfo(fmt.Sprintf("No saved job progress in %s", dir))
		return nil
	}

	names := make([]string, 0, len(jobs))
	for name := range jobs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		p := jobs[name]
		placed := 0
		for _, ids := range p.Placed {
			placed += len(ids)
		}

		line := fmt.Sprintf("%s %s, %d placed, %d runs (%d completed, %d aborted)",
			color.CyanString(name), p.State, placed, p.RunCount, p.CompletedCount, p.AbortCount)
		if !p.LastRunTime.IsZero() {
			line += fmt.Sprintf(", last run %s", p.LastRunTime.Format("2006-01-02 15:04:05"))
		}
		if p.LastError != "" {
			line += color.RedString(", last error: %s", p.LastError)
		}

		locked, err := progress.IsLocked(name)
		if err != nil {
			c.printWarning(fmt.Sprintf("%s: %v", name, err))
		}
		if locked {
			line += color.YellowString(" running (pid %d)", p.ProcessID)
		}
		fmt.Fprintln(c.output, line)
	}
	return nil
}
