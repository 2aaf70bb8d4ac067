package hierarchy

import (
	"fmt"

	"github.com/pnpforge/pnpjob/pkg/logger"
	"github.com/pnpforge/pnpjob/pkg/types"
)

// ArrayOption configures CreateArray
type ArrayOption func(*arrayOptions)

type arrayOptions struct {
	replaceTemplate bool
}

// ReplaceTemplate removes the template location once the grid is built. The R1C1
// element sits exactly where the template was.
func ReplaceTemplate() ArrayOption {
	return func(o *arrayOptions) { o.replaceTemplate = true }
}

// ArrayID returns the id of the grid element at the zero-based row and column
func ArrayID(templateID string, row, col int) string {
	return fmt.Sprintf("%s_R%dC%d", templateID, row+1, col+1)
}

// CreateArray adds rows*cols copies of template to panel's definition. Element (row,
// col) is offset from the template by (col*xPitch, row*yPitch) along the template's own
// axes and shares its definition. Either every element is added or none is.
func (j *Job) CreateArray(panel, template NodeID, rows, cols int, xPitch, yPitch float64, opts ...ArrayOption) ([]NodeID, error) {
	if err := j.checkMutable(); err != nil {
		return nil, err
	}
	if rows < 1 || cols < 1 {
		return nil, types.NewStructuralError(types.ErrInvalidArgument, "array needs at least one row and column, got %dx%d", rows, cols)
	}

	o := &arrayOptions{}
	for _, opt := range opts {
		opt(o)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	parent, ok := j.nodes[panel]
	if !ok {
		return nil, types.NewStructuralError(types.ErrNotFound, "location #%d", panel)
	}
	tmpl, ok := j.nodes[template]
	if !ok {
		return nil, types.NewStructuralError(types.ErrNotFound, "location #%d", template)
	}
	if tmpl.Parent != panel {
		return nil, types.NewStructuralError(types.ErrInvalidArgument, "%s is not a child of %s", tmpl.LocalID, parent.LocalID)
	}

	def := parent.Holder
	specs := make([]types.ChildSpec, 0, rows*cols)
	for row := 0; row < rows; row++ {
		for col := 0; col < cols; col++ {
			id := ArrayID(tmpl.LocalID, row, col)
			if def.ChildIndex(id) >= 0 {
				return nil, types.NewStructuralError(types.ErrDuplicateID, "%s already has a child %s", def.Name, id)
			}
			specs = append(specs, types.ChildSpec{
				ID:             id,
				File:           tmpl.Holder.Path,
				Pose:           tmpl.Pose.Add(float64(col)*xPitch, float64(row)*yPitch),
				Side:           tmpl.Side,
				Enabled:        tmpl.LocallyEnabled,
				CheckFiducials: tmpl.CheckFiducials,
			})
		}
	}

	ids, err := j.attachLocked(def, specs, panel)
	if err != nil {
		return nil, err
	}

	if o.replaceTemplate {
		if err := j.removeChildLocked(panel, tmpl.LocalID); err != nil {
			return nil, err
		}
	}

	j.logger.Info("Created array",
		logger.WithField("panel", def.Path),
		logger.WithField("template", tmpl.LocalID),
		logger.WithField("rows", rows),
		logger.WithField("cols", cols))
	return ids, nil
}
