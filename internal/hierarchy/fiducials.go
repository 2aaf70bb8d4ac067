package hierarchy

import (
	"fmt"
	"strings"

	"github.com/pnpforge/pnpjob/pkg/logger"
	"github.com/pnpforge/pnpjob/pkg/types"
)

// ProjectChildFiducials copies the fiducials of a descendant's definition into the
// definition of the panel at parent, expressed in the panel's frame. descendant may sit
// any number of levels below parent. Each copy gets the id "<placement>@<path>", path
// being the descendant's local ids below parent joined by "/", and remembers the direct
// child it came through.
func (j *Job) ProjectChildFiducials(parent, descendant NodeID) ([]*types.Placement, error) {
	if err := j.checkMutable(); err != nil {
		return nil, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	p, ok := j.nodes[parent]
	if !ok {
		return nil, types.NewStructuralError(types.ErrNotFound, "location #%d", parent)
	}
	c, ok := j.nodes[descendant]
	if !ok {
		return nil, types.NewStructuralError(types.ErrNotFound, "location #%d", descendant)
	}
	rel, via, ok := j.relativePathLocked(parent, descendant)
	if !ok {
		return nil, types.NewStructuralError(types.ErrInvalidArgument, "%s is not below %s", c.LocalID, p.LocalID)
	}

	frame, err := j.globalPoseLocked(parent)
	if err != nil {
		return nil, err
	}
	parentSide, err := j.globalSideLocked(parent)
	if err != nil {
		return nil, err
	}
	childSide, err := j.globalSideLocked(descendant)
	if err != nil {
		return nil, err
	}
	childSide = childSide.Xor(parentSide)

	var added []*types.Placement
	for _, fid := range c.Holder.Fiducials() {
		global, err := j.placementGlobalPoseLocked(descendant, fid.Pose)
		if err != nil {
			return nil, err
		}
		added = append(added, &types.Placement{
			ID:          uniquePlacementID(p.Holder, fmt.Sprintf("%s@%s", fid.ID, rel), added),
			Part:        fid.Part,
			Pose:        global.RelativeTo(frame),
			Side:        fid.Side.Xor(childSide),
			Type:        types.PlacementTypeFiducial,
			Enabled:     true,
			Comments:    fid.Comments,
			Pseudo:      true,
			SourceChild: via,
		})
	}
	p.Holder.PseudoFiducials = append(p.Holder.PseudoFiducials, added...)

	j.logger.Debug("Projected child fiducials",
		logger.WithField("panel", p.Holder.Path),
		logger.WithField("child", rel),
		logger.WithField("count", len(added)))
	return added, nil
}

// relativePathLocked returns the local ids from below ancestor down to id and the
// first of them
func (j *Job) relativePathLocked(ancestor, id NodeID) (string, string, bool) {
	var ids []string
	for cur := id; cur != ancestor; {
		n, ok := j.nodes[cur]
		if !ok || n.Parent == 0 {
			return "", "", false
		}
		ids = append([]string{n.LocalID}, ids...)
		cur = n.Parent
	}
	if len(ids) == 0 {
		return "", "", false
	}
	return strings.Join(ids, "/"), ids[0], true
}

// ClearPseudoFiducials drops every projected fiducial from the definition of panel
func (j *Job) ClearPseudoFiducials(panel NodeID) error {
	if err := j.checkMutable(); err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	p, ok := j.nodes[panel]
	if !ok {
		return types.NewStructuralError(types.ErrNotFound, "location #%d", panel)
	}
	p.Holder.PseudoFiducials = nil
	return nil
}

func uniquePlacementID(h *types.Holder, base string, pending []*types.Placement) string {
	taken := func(id string) bool {
		if h.Placement(id) != nil {
			return true
		}
		for _, p := range pending {
			if p.ID == id {
				return true
			}
		}
		return false
	}

	if !taken(base) {
		return base
	}
	for i := 2; ; i++ {
		id := fmt.Sprintf("%s~%d", base, i)
		if !taken(id) {
			return id
		}
	}
}
