package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/pnpforge/pnpjob/internal/engine"
	"github.com/pnpforge/pnpjob/internal/session"
	"github.com/spf13/cobra"
)

func (c *CLI) newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration, definitions and preflight",
		Long: `Load the job configuration and every board and panel definition it references,
then run the same preflight checks a run does: unique placement ids, a part for
every placement and a nozzle tip for every part package.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runValidate()
		},
	}
}

func (c *CLI) runValidate() error {
	sess, err := c.loadSession(session.Options{}, false)
	if err != nil {
		c.printError(fmt.Sprintf("Configuration is invalid: %v", err))
		return err
	}
	fmt.Fprintf(c.output, "  %s configuration %s\n", color.GreenString("✓"), sess.ConfigPath)
	fmt.Fprintf(c.output, "  %s %d locations from %d definitions\n",
		color.GreenString("✓"), sess.Job.Len(), len(sess.Job.Definitions()))

	if err := engine.Preflight(sess.Job, session.Catalog(sess.Config)); err != nil {
		fmt.Fprintf(c.output, "  %s %s\n", color.RedString("✗"), err)
		c.printError("Preflight failed")
		return err
	}

	total, placed := sess.Job.PlacementStats()
	fmt.Fprintf(c.output, "  %s preflight: %d placements, %d already placed\n",
		color.GreenString("✓"), total, placed)
	if total == 0 {
		c.printWarning("The job has nothing to place")
	}

	c.printSuccess("Job is valid")
	return nil
}
