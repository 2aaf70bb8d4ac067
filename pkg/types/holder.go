package types

// Dimensions is the size of a holder in millimetres
type Dimensions struct {
	Width  float64 `json:"width" yaml:"width"`
	Height float64 `json:"height" yaml:"height"`
}

// Placement is a single part-position record on a board or panel
type Placement struct {
	ID            string `json:"id" yaml:"id"`
	Part          string `json:"part,omitempty" yaml:"part,omitempty"`
	Pose          `yaml:",inline"`
	Side          Side          `json:"side" yaml:"side"`
	Type          PlacementType `json:"type" yaml:"type"`
	Enabled       bool          `json:"enabled" yaml:"enabled"`
	ErrorHandling ErrorHandling `json:"errorHandling" yaml:"errorHandling"`
	Comments      string        `json:"comments,omitempty" yaml:"comments,omitempty"`

	// Pseudo placements are fiducials projected from a child location
	Pseudo      bool   `json:"pseudo,omitempty" yaml:"pseudo,omitempty"`
	SourceChild string `json:"sourceChild,omitempty" yaml:"sourceChild,omitempty"`
}

// Clone returns a copy of the placement
func (p *Placement) Clone() *Placement {
	c := *p
	return &c
}

// Pad is a solder-paste pad on a board
type Pad struct {
	ID     string `json:"id" yaml:"id"`
	Pose   `yaml:",inline"`
	Side   Side    `json:"side" yaml:"side"`
	Width  float64 `json:"width" yaml:"width"`
	Height float64 `json:"height" yaml:"height"`
}

// ChildSpec describes one child location inside a panel definition
type ChildSpec struct {
	ID             string `json:"id" yaml:"id"`
	File           string `json:"file" yaml:"file"`
	Pose           `yaml:",inline"`
	Side           Side `json:"side" yaml:"side"`
	Enabled        bool `json:"enabled" yaml:"enabled"`
	CheckFiducials bool `json:"checkFiducials" yaml:"checkFiducials"`
}

// Holder is a reusable board or panel definition. A holder is identified by its Path
// and shared by reference between every location that instantiates it.
type Holder struct {
	Kind       HolderKind   `json:"kind" yaml:"kind"`
	Path       string       `json:"-" yaml:"-"`
	Name       string       `json:"name" yaml:"name"`
	Dimensions Dimensions   `json:"dimensions" yaml:"dimensions"`
	Placements []*Placement `json:"placements,omitempty" yaml:"placements,omitempty"`

	// Board only
	Pads []Pad `json:"pads,omitempty" yaml:"pads,omitempty"`

	// Panel only
	Children        []ChildSpec  `json:"children,omitempty" yaml:"children,omitempty"`
	PseudoFiducials []*Placement `json:"pseudoFiducials,omitempty" yaml:"pseudoFiducials,omitempty"`
}

// NewBoard creates an empty board definition
func NewBoard(path string) *Holder {
	return &Holder{Kind: HolderKindBoard, Path: path}
}

// NewPanel creates an empty panel definition
func NewPanel(path string) *Holder {
	return &Holder{Kind: HolderKindPanel, Path: path}
}

// IsPanel reports whether the holder is a panel
func (h *Holder) IsPanel() bool {
	return h.Kind == HolderKindPanel
}

// Placement finds a placement or pseudo fiducial by id
func (h *Holder) Placement(id string) *Placement {
	for _, p := range h.Placements {
		if p.ID == id {
			return p
		}
	}
	for _, p := range h.PseudoFiducials {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// Fiducials returns the fiducial placements of the holder, pseudo fiducials last
func (h *Holder) Fiducials() []*Placement {
	var out []*Placement
	for _, p := range h.Placements {
		if p.Type == PlacementTypeFiducial {
			out = append(out, p)
		}
	}
	for _, p := range h.PseudoFiducials {
		if p.Type == PlacementTypeFiducial {
			out = append(out, p)
		}
	}
	return out
}

// ChildIndex returns the index of the child with the given id, or -1
func (h *Holder) ChildIndex(id string) int {
	for i, c := range h.Children {
		if c.ID == id {
			return i
		}
	}
	return -1
}

// DuplicatePlacementID returns the first placement id that appears twice, if any
func (h *Holder) DuplicatePlacementID() (string, bool) {
	seen := make(map[string]bool, len(h.Placements))
	for _, p := range h.Placements {
		if seen[p.ID] {
			return p.ID, true
		}
		seen[p.ID] = true
	}
	return "", false
}
