package cli

import (
	"fmt"

	"github.com/pnpforge/pnpjob/internal/hierarchy"
	"github.com/pnpforge/pnpjob/internal/store"
	"github.com/pnpforge/pnpjob/pkg/types"
	"github.com/spf13/cobra"
)

type arrayOptions struct {
	rows    int
	cols    int
	xPitch  float64
	yPitch  float64
	replace bool
	dryRun  bool
}

func (c *CLI) newArrayCmd() *cobra.Command {
	opts := arrayOptions{}

	cmd := &cobra.Command{
		Use:   "array <panel-file> <child-id>",
		Short: "Repeat a panel child in a grid",
		Long: `Add rows x cols copies of a child location to a panel definition and save it.
Copies are named <child-id>_R<row>C<col> and offset from the child along its own
axes by the column and row pitch.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runArray(args[0], args[1], opts)
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&opts.rows, "rows", 1, "number of rows")
	flags.IntVar(&opts.cols, "cols", 1, "number of columns")
	flags.Float64Var(&opts.xPitch, "x-pitch", 0, "column spacing in mm")
	flags.Float64Var(&opts.yPitch, "y-pitch", 0, "row spacing in mm")
	flags.BoolVar(&opts.replace, "replace", false, "remove the original child once the grid exists")
	flags.BoolVar(&opts.dryRun, "dry-run", false, "show the grid without saving it")

	return cmd
}

func (c *CLI) runArray(panelFile, childID string, opts arrayOptions) error {
	log := c.logger.WithScope("array")
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
	template, ok := job.ChildByLocalID(root, childID)
	if !ok {
		return types.NewStructuralError(types.ErrNotFound, "panel %s has no child %s", panelFile, childID)
	}

	var arrayOpts []hierarchy.ArrayOption
	if opts.replace {
		arrayOpts = append(arrayOpts, hierarchy.ReplaceTemplate())
	}
	ids, err := job.CreateArray(root, template, opts.rows, opts.cols, opts.xPitch, opts.yPitch, arrayOpts...)
	if err != nil {
		return err
	}

	for _, id := range ids {
		child, _ := job.Location(id)
		fmt.Fprintf(c.output, "  %s at (%.3f, %.3f) %.1f°\n",
			child.LocalID, child.Pose.X, child.Pose.Y, child.Pose.Rotation)
	}

	if opts.dryRun {
		c.printInfo(fmt.Sprintf("Would add %d children to %s", len(ids), loc.Holder.Path))
		return nil
	}
	if err := st.Save(loc.Holder); err != nil {
		return err
	}
	c.printSuccess(fmt.Sprintf("Added %d children to %s", len(ids), loc.Holder.Path))
	return nil
}
