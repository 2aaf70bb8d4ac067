package hierarchy

import (
	"fmt"
	"sort"

	"github.com/pnpforge/pnpjob/internal/store"
	"github.com/pnpforge/pnpjob/pkg/logger"
	"github.com/pnpforge/pnpjob/pkg/types"
)

// AddRoot appends a top-level location for h. spec supplies the local id, pose, side
// and flags; its File is ignored. An empty id is generated.
func (j *Job) AddRoot(h *types.Holder, spec types.ChildSpec) (NodeID, error) {
	if err := j.checkMutable(); err != nil {
		return 0, err
	}
	if h == nil || h.Path == "" {
		return 0, types.NewStructuralError(types.ErrInvalidArgument, "root definition needs a path")
	}
	h.Path = store.Canonical(h.Path)

	j.mu.Lock()
	defer j.mu.Unlock()

	// Nothing is cached until every check has passed
	if err := j.verifyNoCycleLocked(0, h); err != nil {
		return 0, err
	}

	taken := make(map[string]bool, len(j.roots))
	for _, r := range j.roots {
		taken[j.nodes[r].LocalID] = true
	}
	if spec.ID == "" {
		spec.ID = nextLocalID(h, taken)
	} else if taken[spec.ID] {
		return 0, types.NewStructuralError(types.ErrDuplicateID, "root %s already exists", spec.ID)
	}
	spec.File = h.Path

	if err := j.store.Put(h); err != nil {
		return 0, err
	}

	id, err := j.instantiateLocked(0, spec, h)
	if err != nil {
		return 0, err
	}
	j.roots = append(j.roots, id)

	j.logger.Info("Added root location",
		logger.WithField("id", spec.ID),
		logger.WithField("definition", h.Path))
	return id, nil
}

// AddRootFile loads the definition at path and adds it as a root
func (j *Job) AddRootFile(path string, spec types.ChildSpec) (NodeID, error) {
	if err := j.checkMutable(); err != nil {
		return 0, err
	}
	h, err := j.store.Load(path)
	if err != nil {
		return 0, err
	}
	return j.AddRoot(h, spec)
}

// RemoveRoot removes a top-level location and everything below it
func (j *Job) RemoveRoot(id NodeID) error {
	if err := j.checkMutable(); err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	n, ok := j.nodes[id]
	if !ok || !n.IsRoot() {
		return types.NewStructuralError(types.ErrNotFound, "root #%d", id)
	}
	j.removeSubtreeLocked(id)
	return nil
}

// AddChild adds a child location to the definition of the panel at panel. The child
// appears under every location that instantiates that panel; the returned id is the
// one under panel. The definition at spec.File is loaded if needed and checked for
// cycles before anything changes.
func (j *Job) AddChild(panel NodeID, spec types.ChildSpec) (NodeID, error) {
	if err := j.checkMutable(); err != nil {
		return 0, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	parent, ok := j.nodes[panel]
	if !ok {
		return 0, types.NewStructuralError(types.ErrNotFound, "location #%d", panel)
	}
	if !parent.Holder.IsPanel() {
		return 0, types.NewStructuralError(types.ErrInvalidArgument, "%s is not a panel", parent.LocalID)
	}

	spec.File = store.Canonical(spec.File)
	child, err := j.resolveHolder(spec.File)
	if err != nil {
		return 0, err
	}
	if err := j.verifyNoCycleLocked(panel, child); err != nil {
		return 0, err
	}

	def := parent.Holder
	if spec.ID == "" {
		taken := make(map[string]bool, len(def.Children))
		for _, c := range def.Children {
			taken[c.ID] = true
		}
		spec.ID = nextLocalID(child, taken)
	} else if def.ChildIndex(spec.ID) >= 0 {
		return 0, types.NewStructuralError(types.ErrDuplicateID, "%s already has a child %s", def.Name, spec.ID)
	}

	ids, err := j.attachLocked(def, []types.ChildSpec{spec}, panel)
	if err != nil {
		return 0, err
	}

	j.logger.Info("Added child location",
		logger.WithField("panel", def.Path),
		logger.WithField("id", spec.ID),
		logger.WithField("definition", child.Path))
	return ids[0], nil
}

// attachLocked appends specs to def and instantiates them under every location of def.
// It returns the new ids under want. On failure def and the arena are left unchanged.
func (j *Job) attachLocked(def *types.Holder, specs []types.ChildSpec, want NodeID) ([]NodeID, error) {
	holders := make([]*types.Holder, len(specs))
	for i, s := range specs {
		h, err := j.resolveHolder(s.File)
		if err != nil {
			return nil, err
		}
		holders[i] = h
	}

	var created []NodeID
	var wanted []NodeID
	for _, inst := range j.instancesLocked(def) {
		for i, s := range specs {
			id, err := j.instantiateLocked(inst, s, holders[i])
			if err != nil {
				for _, c := range created {
					j.removeSubtreeLocked(c)
				}
				return nil, err
			}
			created = append(created, id)
			if inst == want {
				wanted = append(wanted, id)
			}
		}
	}
	def.Children = append(def.Children, specs...)
	return wanted, nil
}

// RemoveChild removes the child with the given local id from the definition of the
// panel at panel, from every instance of that panel, and drops the pseudo fiducials it
// contributed. The child's own definition is not modified.
func (j *Job) RemoveChild(panel NodeID, childID string) error {
	if err := j.checkMutable(); err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	return j.removeChildLocked(panel, childID)
}

func (j *Job) removeChildLocked(panel NodeID, childID string) error {
	parent, ok := j.nodes[panel]
	if !ok {
		return types.NewStructuralError(types.ErrNotFound, "location #%d", panel)
	}
	def := parent.Holder
	idx := def.ChildIndex(childID)
	if idx < 0 {
		return types.NewStructuralError(types.ErrNotFound, "%s has no child %s", def.Name, childID)
	}

	for _, inst := range j.instancesLocked(def) {
		if c, ok := j.childByLocalIDLocked(inst, childID); ok {
			j.removeSubtreeLocked(c)
		}
	}
	def.Children = append(def.Children[:idx:idx], def.Children[idx+1:]...)

	kept := def.PseudoFiducials[:0]
	for _, p := range def.PseudoFiducials {
		if p.SourceChild != childID {
			kept = append(kept, p)
		}
	}
	def.PseudoFiducials = kept

	j.logger.Info("Removed child location",
		logger.WithField("panel", def.Path),
		logger.WithField("id", childID))
	return nil
}

// instancesLocked returns the locations instantiating def in id order
func (j *Job) instancesLocked(def *types.Holder) []NodeID {
	var out []NodeID
	for id, n := range j.nodes {
		if n.Holder == def {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}

func (j *Job) instantiateLocked(parent NodeID, spec types.ChildSpec, h *types.Holder) (NodeID, error) {
	j.next++
	n := &HolderLocation{
		ID:             j.next,
		LocalID:        spec.ID,
		Parent:         parent,
		Holder:         h,
		Pose:           spec.Pose,
		Side:           spec.Side,
		LocallyEnabled: spec.Enabled,
		CheckFiducials: spec.CheckFiducials,
		placed:         make(map[string]bool),
	}
	j.nodes[n.ID] = n
	j.store.Retain(h)
	if p, ok := j.nodes[parent]; ok {
		p.Children = append(p.Children, n.ID)
	}

	if h.IsPanel() {
		for _, c := range h.Children {
			ch, err := j.resolveHolder(c.File)
			if err != nil {
				j.removeSubtreeLocked(n.ID)
				return 0, fmt.Errorf("child %s of %s: %w", c.ID, h.Path, err)
			}
			if _, err := j.instantiateLocked(n.ID, c, ch); err != nil {
				j.removeSubtreeLocked(n.ID)
				return 0, err
			}
		}
	}
	return n.ID, nil
}

func (j *Job) removeSubtreeLocked(id NodeID) {
	n, ok := j.nodes[id]
	if !ok {
		return
	}
	for _, c := range append([]NodeID(nil), n.Children...) {
		j.removeSubtreeLocked(c)
	}

	if p, ok := j.nodes[n.Parent]; ok {
		p.Children = removeID(p.Children, id)
	} else {
		j.roots = removeID(j.roots, id)
	}
	delete(j.nodes, id)
	j.store.Release(n.Holder)
}

func removeID(ids []NodeID, id NodeID) []NodeID {
	for i, v := range ids {
		if v == id {
			return append(ids[:i:i], ids[i+1:]...)
		}
	}
	return ids
}

// nextLocalID generates "Brd<n>" or "Pnl<n>" with the lowest free n
func nextLocalID(h *types.Holder, taken map[string]bool) string {
	prefix := "Brd"
	if h.IsPanel() {
		prefix = "Pnl"
	}
	for i := 1; ; i++ {
		id := fmt.Sprintf("%s%d", prefix, i)
		if !taken[id] {
			return id
		}
	}
}

// SetLocationPose changes the local pose and side of one location
func (j *Job) SetLocationPose(id NodeID, pose types.Pose, side types.Side) error {
	return j.editLocation(id, func(n *HolderLocation) {
		n.Pose = pose
		n.Side = side
	})
}

// SetEnabled changes the locally-enabled flag of one location
func (j *Job) SetEnabled(id NodeID, enabled bool) error {
	return j.editLocation(id, func(n *HolderLocation) {
		n.LocallyEnabled = enabled
	})
}

// SetCheckFiducials changes the check-fiducials flag of one location
func (j *Job) SetCheckFiducials(id NodeID, check bool) error {
	return j.editLocation(id, func(n *HolderLocation) {
		n.CheckFiducials = check
	})
}

func (j *Job) editLocation(id NodeID, fn func(*HolderLocation)) error {
	if err := j.checkMutable(); err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	n, ok := j.nodes[id]
	if !ok {
		return types.NewStructuralError(types.ErrNotFound, "location #%d", id)
	}
	fn(n)
	return nil
}

// AddPlacement appends a placement to a definition. The id must be unique within it.
func (j *Job) AddPlacement(h *types.Holder, p *types.Placement) error {
	if err := j.checkMutable(); err != nil {
		return err
	}
	if p == nil || p.ID == "" {
		return types.NewStructuralError(types.ErrInvalidArgument, "placement needs an id")
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if h.Placement(p.ID) != nil {
		return types.NewStructuralError(types.ErrDuplicateID, "%s already has a placement %s", h.Name, p.ID)
	}
	h.Placements = append(h.Placements, p)
	return nil
}

// RemovePlacement removes a placement or pseudo fiducial from a definition and clears
// its placed flag on every location of that definition
func (j *Job) RemovePlacement(h *types.Holder, id string) error {
	if err := j.checkMutable(); err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	removed := false
	h.Placements, removed = removePlacement(h.Placements, id)
	if !removed {
		h.PseudoFiducials, removed = removePlacement(h.PseudoFiducials, id)
	}
	if !removed {
		return types.NewStructuralError(types.ErrNotFound, "%s has no placement %s", h.Name, id)
	}

	for _, inst := range j.instancesLocked(h) {
		delete(j.nodes[inst].placed, id)
	}
	return nil
}

func removePlacement(list []*types.Placement, id string) ([]*types.Placement, bool) {
	for i, p := range list {
		if p.ID == id {
			return append(list[:i:i], list[i+1:]...), true
		}
	}
	return list, false
}

// UpdatePlacement applies fn to a copy of the placement and commits it if the id is
// still unique
func (j *Job) UpdatePlacement(h *types.Holder, id string, fn func(p *types.Placement)) error {
	if err := j.checkMutable(); err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	p := h.Placement(id)
	if p == nil {
		return types.NewStructuralError(types.ErrNotFound, "%s has no placement %s", h.Name, id)
	}
	edited := p.Clone()
	fn(edited)

	if edited.ID == "" {
		return types.NewStructuralError(types.ErrInvalidArgument, "placement needs an id")
	}
	if edited.ID != id && h.Placement(edited.ID) != nil {
		return types.NewStructuralError(types.ErrDuplicateID, "%s already has a placement %s", h.Name, edited.ID)
	}
	*p = *edited
	return nil
}

// Rebuild re-instantiates every root from its current definition. Per-instance state
// of roots is kept; locations below them take their definition defaults and all placed
// flags are cleared. Used after definitions were reloaded from disk.
func (j *Job) Rebuild() error {
	if err := j.checkMutable(); err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	type rootState struct {
		holder *types.Holder
		spec   types.ChildSpec
	}
	var saved []rootState
	for _, r := range j.roots {
		n := j.nodes[r]
		if err := j.verifyNoCycleLocked(0, n.Holder); err != nil {
			return err
		}
		saved = append(saved, rootState{
			holder: n.Holder,
			spec: types.ChildSpec{
				ID:             n.LocalID,
				File:           n.Holder.Path,
				Pose:           n.Pose,
				Side:           n.Side,
				Enabled:        n.LocallyEnabled,
				CheckFiducials: n.CheckFiducials,
			},
		})
	}

	// Hold every definition in use so removal does not evict it
	held := make([]*types.Holder, 0, len(j.nodes))
	for _, n := range j.nodes {
		j.store.Retain(n.Holder)
		held = append(held, n.Holder)
	}
	defer func() {
		for _, h := range held {
			j.store.Release(h)
		}
	}()

	for _, r := range append([]NodeID(nil), j.roots...) {
		j.removeSubtreeLocked(r)
	}
	for _, s := range saved {
		id, err := j.instantiateLocked(0, s.spec, s.holder)
		if err != nil {
			return err
		}
		j.roots = append(j.roots, id)
	}
	return nil
}
