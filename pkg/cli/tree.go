package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/pnpforge/pnpjob/internal/hierarchy"
	"github.com/pnpforge/pnpjob/internal/session"
	"github.com/spf13/cobra"
)

func (c *CLI) newTreeCmd() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Print the placement hierarchy",
		Long: `Print every board and panel location of the job with its global pose and side.
With --watch the tree is printed again whenever a definition file changes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runTree(cmd.Context(), watch)
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "re-print when definition files change")
	return cmd
}

func (c *CLI) runTree(parent context.Context, watch bool) error {
	sess, err := c.loadSession(session.Options{}, true)
	if err != nil {
		return err
	}
	if _, err := sess.RestoreProgress(); err != nil {
		c.printWarning(fmt.Sprintf("Saved progress not shown: %v", err))
	}
	if err := printTree(c.output, sess.Job); err != nil {
		return err
	}
	if !watch {
		return nil
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = sess.Watch(ctx, func(path string, err error) {
		if err != nil {
			c.printError(fmt.Sprintf("%s: %v", path, err))
			return
		}
		c.printInfo(fmt.Sprintf("%s changed", path))
		if err := printTree(c.output, sess.Job); err != nil {
			c.printError(err.Error())
		}
	})
	if err != nil {
		return err
	}
	c.printInfo("Watching definitions, press Ctrl+C to stop")

	<-ctx.Done()
	return nil
}

// printTree writes one line per location: local id, definition, global pose, side
// and placement progress for boards
func printTree(w io.Writer, job *hierarchy.Job) error {
	type entry struct {
		loc   hierarchy.HolderLocation
		depth int
	}
	var entries []entry
	job.Walk(func(loc hierarchy.HolderLocation, depth int) {
		entries = append(entries, entry{loc, depth})
	})

	for _, e := range entries {
		loc := e.loc
		pose, err := job.GlobalPose(loc.ID)
		if err != nil {
			return err
		}
		side, err := job.GlobalSide(loc.ID)
		if err != nil {
			return err
		}

		kind := color.BlueString("panel")
		if loc.IsBoard() {
			kind = color.GreenString("board")
		}
		state := ""
		if !job.EffectiveEnabled(loc.ID) {
			state = color.HiBlackString(" (disabled)")
		}

		progress := ""
		if loc.IsBoard() {
			placed, total := 0, 0
			for _, p := range job.ActivePlacements(loc.ID) {
				total++
				if job.IsPlaced(loc.ID, p.ID) {
					placed++
				}
			}
			progress = fmt.Sprintf(" %d/%d placed", placed, total)
		}

		fmt.Fprintf(w, "%s%s %s %s at (%.3f, %.3f) %.1f° %s%s%s\n",
			strings.Repeat("  ", e.depth),
			color.CyanString(loc.LocalID),
			kind,
			definitionName(loc),
			pose.X, pose.Y, pose.Rotation,
			side,
			progress,
			state)
	}
	return nil
}

func definitionName(loc hierarchy.HolderLocation) string {
	if loc.Holder.Name != "" {
		return fmt.Sprintf("%q", loc.Holder.Name)
	}
	return loc.Holder.Path
}
