package hierarchy

import (
	"fmt"

	"github.com/pnpforge/pnpjob/internal/store"
	"github.com/pnpforge/pnpjob/pkg/types"
)

// VerifyNoCycle checks that attaching candidate under the panel location attach cannot
// make a definition its own descendant. It walks candidate's definition tree and fails
// with ErrCircularReference if any panel in it is the definition of attach or of one
// of attach's ancestors. A zero attach only checks candidate's own tree.
func (j *Job) VerifyNoCycle(attach NodeID, candidate *types.Holder) error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.verifyNoCycleLocked(attach, candidate)
}

func (j *Job) verifyNoCycleLocked(attach NodeID, candidate *types.Holder) error {
	forbidden := make(map[string]bool)
	if attach != 0 {
		chain, err := j.chainLocked(attach)
		if err != nil {
			return err
		}
		for _, n := range chain {
			forbidden[n.Holder.Path] = true
		}
	}
	return j.checkDefinitions(candidate, forbidden, make(map[string]bool))
}

func (j *Job) checkDefinitions(h *types.Holder, forbidden, visiting map[string]bool) error {
	if !h.IsPanel() {
		return nil
	}
	if forbidden[h.Path] {
		return types.NewStructuralError(types.ErrCircularReference, "%s would contain itself", h.Path)
	}
	if visiting[h.Path] {
		return types.NewStructuralError(types.ErrCircularReference, "%s contains itself", h.Path)
	}

	visiting[h.Path] = true
	defer delete(visiting, h.Path)

	for _, c := range h.Children {
		// Caught by path so an uncached candidate is never read back from disk
		if p := store.Canonical(c.File); forbidden[p] || visiting[p] {
			return types.NewStructuralError(types.ErrCircularReference, "%s contains itself through %s", p, c.ID)
		}
		child, err := j.resolveHolder(c.File)
		if err != nil {
			return fmt.Errorf("child %s of %s: %w", c.ID, h.Path, err)
		}
		if err := j.checkDefinitions(child, forbidden, visiting); err != nil {
			return err
		}
	}
	return nil
}

// resolveHolder returns the cached definition at path, loading it on first use
func (j *Job) resolveHolder(path string) (*types.Holder, error) {
	if h, ok := j.store.Get(path); ok {
		return h, nil
	}
	return j.store.Load(path)
}
