// Package hierarchy holds the placement tree of a job: board and panel locations kept
// in a flat arena keyed by NodeID.
package hierarchy

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/pnpforge/pnpjob/internal/store"
	"github.com/pnpforge/pnpjob/pkg/logger"
	"github.com/pnpforge/pnpjob/pkg/types"
)

// NodeID identifies a location in a Job's arena. The zero value means "no node".
type NodeID uint64

// HolderLocation instantiates a board or panel definition at a local pose within its
// parent. The definition is shared; everything else is per instance.
type HolderLocation struct {
	ID             NodeID
	LocalID        string
	Parent         NodeID
	Holder         *types.Holder
	Pose           types.Pose
	Side           types.Side
	LocallyEnabled bool
	CheckFiducials bool
	Children       []NodeID

	placed map[string]bool
}

// IsRoot reports whether the location is a top-level job entry
func (l *HolderLocation) IsRoot() bool {
	return l.Parent == 0
}

// IsBoard reports whether the location instantiates a board
func (l *HolderLocation) IsBoard() bool {
	return !l.Holder.IsPanel()
}

// Job is the root container of a placement hierarchy
type Job struct {
	logger logger.Logger
	store  *store.Store

	mu    sync.RWMutex
	nodes map[NodeID]*HolderLocation
	roots []NodeID
	next  NodeID
	guard func() error
}

// NewJob creates an empty job backed by a definition store
func NewJob(st *store.Store, log logger.Logger) *Job {
	if st == nil {
		panic("hierarchy: store is required")
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Job{
		logger: log,
		store:  st,
		nodes:  make(map[NodeID]*HolderLocation),
	}
}

// Store returns the definition store backing the job
func (j *Job) Store() *store.Store {
	return j.store
}

// SetMutationGuard installs a check that every structural or placement edit must pass
func (j *Job) SetMutationGuard(guard func() error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.guard = guard
}

func (j *Job) checkMutable() error {
	j.mu.RLock()
	guard := j.guard
	j.mu.RUnlock()

	if guard == nil {
		return nil
	}
	return guard()
}

// Roots returns the top-level locations in job order
func (j *Job) Roots() []NodeID {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return append([]NodeID(nil), j.roots...)
}

// Location returns a snapshot of a location
func (j *Job) Location(id NodeID) (HolderLocation, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	n, ok := j.nodes[id]
	if !ok {
		return HolderLocation{}, false
	}
	snap := *n
	snap.Children = append([]NodeID(nil), n.Children...)
	snap.placed = nil
	return snap, true
}

// Children returns the child locations of a panel location in definition order
func (j *Job) Children(id NodeID) []NodeID {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if n, ok := j.nodes[id]; ok {
		return append([]NodeID(nil), n.Children...)
	}
	return nil
}

// Len returns the number of locations in the arena
func (j *Job) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.nodes)
}

// ChildByLocalID finds the child of parent with the given local id. A zero parent
// searches the roots.
func (j *Job) ChildByLocalID(parent NodeID, localID string) (NodeID, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.childByLocalIDLocked(parent, localID)
}

func (j *Job) childByLocalIDLocked(parent NodeID, localID string) (NodeID, bool) {
	ids := j.roots
	if parent != 0 {
		n, ok := j.nodes[parent]
		if !ok {
			return 0, false
		}
		ids = n.Children
	}
	for _, id := range ids {
		if n := j.nodes[id]; n != nil && n.LocalID == localID {
			return id, true
		}
	}
	return 0, false
}

// Find resolves a slash separated path of local ids, as produced by UniquePath
func (j *Job) Find(path string) (NodeID, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var cur NodeID
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		id, ok := j.childByLocalIDLocked(cur, part)
		if !ok {
			return 0, false
		}
		cur = id
	}
	return cur, cur != 0
}

// UniquePath returns the local ids from the root to the node joined by "/"
func (j *Job) UniquePath(id NodeID) string {
	j.mu.RLock()
	defer j.mu.RUnlock()

	chain, err := j.chainLocked(id)
	if err != nil {
		return fmt.Sprintf("#%d", id)
	}
	parts := make([]string, len(chain))
	for i, n := range chain {
		parts[i] = n.LocalID
	}
	return strings.Join(parts, "/")
}

// chainLocked returns the locations from the root down to id
func (j *Job) chainLocked(id NodeID) ([]*HolderLocation, error) {
	var chain []*HolderLocation
	seen := make(map[NodeID]bool)

	cur := id
	for {
		n, ok := j.nodes[cur]
		if !ok {
			if cur == id {
				return nil, types.NewStructuralError(types.ErrNotFound, "location #%d", id)
			}
			return nil, types.NewStructuralError(types.ErrBrokenParentLink, "location #%d has no parent #%d", chain[len(chain)-1].ID, cur)
		}
		if seen[cur] {
			return nil, types.NewStructuralError(types.ErrBrokenParentLink, "parent chain of #%d loops at #%d", id, cur)
		}
		seen[cur] = true
		chain = append(chain, n)
		if n.Parent == 0 {
			break
		}
		cur = n.Parent
	}

	for l, r := 0, len(chain)-1; l < r; l, r = l+1, r-1 {
		chain[l], chain[r] = chain[r], chain[l]
	}
	return chain, nil
}

// EffectiveEnabled reports whether the location and all of its ancestors are enabled
func (j *Job) EffectiveEnabled(id NodeID) bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.effectiveEnabledLocked(id)
}

func (j *Job) effectiveEnabledLocked(id NodeID) bool {
	chain, err := j.chainLocked(id)
	if err != nil {
		return false
	}
	for _, n := range chain {
		if !n.LocallyEnabled {
			return false
		}
	}
	return true
}

// Descendants returns every location below id, depth first
func (j *Job) Descendants(id NodeID) []NodeID {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var out []NodeID
	j.walkLocked(id, func(n *HolderLocation) {
		if n.ID != id {
			out = append(out, n.ID)
		}
	})
	return out
}

func (j *Job) walkLocked(id NodeID, fn func(*HolderLocation)) {
	n, ok := j.nodes[id]
	if !ok {
		return
	}
	fn(n)
	for _, c := range n.Children {
		j.walkLocked(c, fn)
	}
}

// Walk visits every location depth first in job order
func (j *Job) Walk(fn func(loc HolderLocation, depth int)) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var visit func(id NodeID, depth int)
	visit = func(id NodeID, depth int) {
		n, ok := j.nodes[id]
		if !ok {
			return
		}
		snap := *n
		snap.placed = nil
		fn(snap, depth)
		for _, c := range n.Children {
			visit(c, depth+1)
		}
	}
	for _, r := range j.roots {
		visit(r, 0)
	}
}

// InstanceCount returns how many locations instantiate the definition at path
func (j *Job) InstanceCount(path string) int {
	j.mu.RLock()
	defer j.mu.RUnlock()

	path = store.Canonical(path)
	count := 0
	for _, n := range j.nodes {
		if n.Holder.Path == path {
			count++
		}
	}
	return count
}

// Boards returns the board locations in job order. With enabledOnly, locations that are
// not effectively enabled are left out.
func (j *Job) Boards(enabledOnly bool) []NodeID {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var out []NodeID
	for _, r := range j.roots {
		j.walkLocked(r, func(n *HolderLocation) {
			if n.IsBoard() && (!enabledOnly || j.effectiveEnabledLocked(n.ID)) {
				out = append(out, n.ID)
			}
		})
	}
	return out
}

// Definitions returns the distinct definition paths used by the job, sorted
func (j *Job) Definitions() []string {
	j.mu.RLock()
	defer j.mu.RUnlock()

	seen := make(map[string]bool)
	for _, n := range j.nodes {
		seen[n.Holder.Path] = true
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// SetPlaced records whether a placement of a board location has been placed
func (j *Job) SetPlaced(id NodeID, placementID string, placed bool) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	n, ok := j.nodes[id]
	if !ok {
		return types.NewStructuralError(types.ErrNotFound, "location #%d", id)
	}
	if !n.IsBoard() {
		return types.NewStructuralError(types.ErrInvalidArgument, "%s is not a board", n.LocalID)
	}
	if placed {
		n.placed[placementID] = true
	} else {
		delete(n.placed, placementID)
	}
	return nil
}

// IsPlaced reports the placed flag of a placement on a board location
func (j *Job) IsPlaced(id NodeID, placementID string) bool {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if n, ok := j.nodes[id]; ok {
		return n.placed[placementID]
	}
	return false
}

// ResetPlaced clears the placed flags of every location
func (j *Job) ResetPlaced() {
	j.mu.Lock()
	defer j.mu.Unlock()

	for _, n := range j.nodes {
		n.placed = make(map[string]bool)
	}
}

// ActivePlacements returns the placements a run would place on a board location:
// enabled, of type Place, on the side currently facing up.
func (j *Job) ActivePlacements(id NodeID) []*types.Placement {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.activePlacementsLocked(id)
}

func (j *Job) activePlacementsLocked(id NodeID) []*types.Placement {
	n, ok := j.nodes[id]
	if !ok || !n.IsBoard() {
		return nil
	}
	side, err := j.globalSideLocked(id)
	if err != nil {
		return nil
	}

	var out []*types.Placement
	for _, p := range n.Holder.Placements {
		if p.Enabled && p.Type == types.PlacementTypePlace && p.Side == side {
			out = append(out, p)
		}
	}
	return out
}

// PlacementStats counts the active placements of every enabled board location and how
// many of them are placed
func (j *Job) PlacementStats() (total, placed int) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	for _, r := range j.roots {
		j.walkLocked(r, func(n *HolderLocation) {
			if !n.IsBoard() || !j.effectiveEnabledLocked(n.ID) {
				return
			}
			for _, p := range j.activePlacementsLocked(n.ID) {
				total++
				if n.placed[p.ID] {
					placed++
				}
			}
		})
	}
	return total, placed
}

// AllPlaced reports whether every active placement of every enabled board location is
// placed
func (j *Job) AllPlaced() bool {
	total, placed := j.PlacementStats()
	return total == placed
}
