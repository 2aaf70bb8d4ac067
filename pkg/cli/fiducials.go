package cli

import (
	"fmt"

	"github.com/pnpforge/pnpjob/internal/hierarchy"
	"github.com/pnpforge/pnpjob/internal/store"
	"github.com/pnpforge/pnpjob/pkg/types"
	"github.com/spf13/cobra"
)

type fiducialsOptions struct {
	clear  bool
	dryRun bool
}

func (c *CLI) newFiducialsCmd() *cobra.Command {
	opts := fiducialsOptions{}

	cmd := &cobra.Command{
		Use:   "fiducials <panel-file> [child-path]",
		Short: "Copy a child's fiducials onto its panel",
		Long: `Project the fiducials of a location below a panel into the panel definition and
save it. child-path names the location by its local ids below the panel, e.g. B1 or
P2/B1. The copies are named <fiducial>@<child-path>.

With --clear every projected fiducial is dropped first; child-path may then be omitted.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var childPath string
			if len(args) == 2 {
				childPath = args[1]
			} else if !opts.clear {
				return fmt.Errorf("a child path is required without --clear: %w", types.ErrInvalidArgument)
			}
			return c.runFiducials(args[0], childPath, opts)
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&opts.clear, "clear", false, "drop the panel's projected fiducials first")
	flags.BoolVar(&opts.dryRun, "dry-run", false, "show the fiducials without saving the panel")

	return cmd
}

func (c *CLI) runFiducials(panelFile, childPath string, opts fiducialsOptions) error {
	log := c.logger.WithScope("fiducials")
	st := store.New(log)
	job := hierarchy.NewJob(st, log)

	root, err := job.AddRootFile(panelFile, types.ChildSpec{ID: "panel", Enabled: true, CheckFiducials: true})
	if err != nil {
		return err
	}
	loc, _ := job.Location(root)
	if !loc.Holder.IsPanel() {
		return types.NewStructuralError(types.ErrInvalidArgument, "%s is not a panel", panelFile)
	}

	if opts.clear {
		if err := job.ClearPseudoFiducials(root); err != nil {
			return err
		}
	}

	var added []*types.Placement
	if childPath != "" {
		target, ok := job.Find("panel/" + childPath)
		if !ok {
			return types.NewStructuralError(types.ErrNotFound, "panel %s has no location %s", panelFile, childPath)
		}
		if added, err = job.ProjectChildFiducials(root, target); err != nil {
			return err
		}
		if len(added) == 0 {
			c.printWarning(fmt.Sprintf("%s has no fiducials", childPath))
		}
	}

	for _, p := range added {
		fmt.Fprintf(c.output, "  %s at (%.3f, %.3f) %s\n", p.ID, p.X, p.Y, p.Side)
	}

	if opts.dryRun {
		c.printInfo(fmt.Sprintf("Would leave %d projected fiducials on %s", len(loc.Holder.PseudoFiducials), loc.Holder.Path))
		return nil
	}
	if err := st.Save(loc.Holder); err != nil {
		return err
	}
	c.printSuccess(fmt.Sprintf("%s now carries %d projected fiducials", loc.Holder.Path, len(loc.Holder.PseudoFiducials)))
	return nil
}
