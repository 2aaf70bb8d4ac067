package hierarchy

import (
	"github.com/pnpforge/pnpjob/pkg/types"
)

// GlobalPose composes the local poses from the root down to id
func (j *Job) GlobalPose(id NodeID) (types.Pose, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.globalPoseLocked(id)
}

func (j *Job) globalPoseLocked(id NodeID) (types.Pose, error) {
	chain, err := j.chainLocked(id)
	if err != nil {
		return types.Pose{}, err
	}
	var pose types.Pose
	for _, n := range chain {
		pose = pose.Compose(n.Pose)
	}
	return pose, nil
}

// GlobalSide XOR-composes the local sides from the root down to id
func (j *Job) GlobalSide(id NodeID) (types.Side, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.globalSideLocked(id)
}

func (j *Job) globalSideLocked(id NodeID) (types.Side, error) {
	chain, err := j.chainLocked(id)
	if err != nil {
		return types.SideTop, err
	}
	side := types.SideTop
	for _, n := range chain {
		side = side.Xor(n.Side)
	}
	return side, nil
}

// PlacementGlobalPose returns where a placement of the location's definition ends up
// in job coordinates. On a location facing bottom up the placement is mirrored about
// the holder's centre line first.
func (j *Job) PlacementGlobalPose(id NodeID, p *types.Placement) (types.Pose, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.placementGlobalPoseLocked(id, p.Pose)
}

func (j *Job) placementGlobalPoseLocked(id NodeID, local types.Pose) (types.Pose, error) {
	n, ok := j.nodes[id]
	if !ok {
		return types.Pose{}, types.NewStructuralError(types.ErrNotFound, "location #%d", id)
	}
	pose, err := j.globalPoseLocked(id)
	if err != nil {
		return types.Pose{}, err
	}
	side, err := j.globalSideLocked(id)
	if err != nil {
		return types.Pose{}, err
	}

	if side == types.SideBottom {
		local = local.MirrorX(n.Holder.Dimensions.Width)
	}
	return pose.Compose(local), nil
}

// LocalToAncestor expresses a pose given in id's frame in the frame of one of its
// ancestors. A zero ancestor means job coordinates.
func (j *Job) LocalToAncestor(id, ancestor NodeID, local types.Pose) (types.Pose, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	pose, err := j.globalPoseLocked(id)
	if err != nil {
		return types.Pose{}, err
	}
	global := pose.Compose(local)
	if ancestor == 0 {
		return global, nil
	}

	chain, _ := j.chainLocked(id)
	found := false
	for _, n := range chain {
		if n.ID == ancestor {
			found = true
			break
		}
	}
	if !found {
		return types.Pose{}, types.NewStructuralError(types.ErrInvalidArgument, "#%d is not an ancestor of #%d", ancestor, id)
	}

	frame, err := j.globalPoseLocked(ancestor)
	if err != nil {
		return types.Pose{}, err
	}
	return global.RelativeTo(frame), nil
}
