package engine

import (
	"github.com/pnpforge/pnpjob/internal/hierarchy"
	"github.com/pnpforge/pnpjob/pkg/types"
)

// Catalog lists the parts and nozzle tips the machine knows about
type Catalog struct {
	// Parts maps a part id to its package
	Parts map[string]string
	// NozzleTips maps a tip id to the packages it can pick
	NozzleTips map[string][]string
}

// Supports reports whether some nozzle tip can pick the given package
func (c *Catalog) Supports(pkg string) bool {
	for _, pkgs := range c.NozzleTips {
		for _, p := range pkgs {
			if p == pkg {
				return true
			}
		}
	}
	return false
}

// Preflight checks that a run can start. Every enabled board location must have unique
// placement ids, and every active placement not yet placed needs a part. With a
// catalog the part must be known and some nozzle tip must handle its package.
func Preflight(job *hierarchy.Job, catalog *Catalog) error {
	for _, id := range job.Boards(true) {
		loc, ok := job.Location(id)
		if !ok {
			continue
		}
		path := job.UniquePath(id)

		if dup, found := loc.Holder.DuplicatePlacementID(); found {
			return types.NewStructuralError(types.ErrDuplicateID, "placement %s appears twice on %s", dup, path)
		}

		for _, p := range job.ActivePlacements(id) {
			if job.IsPlaced(id, p.ID) {
				continue
			}
			if p.Part == "" {
				return types.NewConfigurationError(types.ErrNoPartsDefined, "placement %s on %s has no part", p.ID, path)
			}
			if catalog == nil {
				continue
			}
			pkg, known := catalog.Parts[p.Part]
			if !known {
				return types.NewConfigurationError(types.ErrNoPartsDefined, "part %s of %s on %s is not defined", p.Part, p.ID, path)
			}
			if !catalog.Supports(pkg) {
				return types.NewConfigurationError(types.ErrNoCompatibleTool, "no nozzle tip can pick %s (package %s) for %s on %s", p.Part, pkg, p.ID, path)
			}
		}
	}
	return nil
}
