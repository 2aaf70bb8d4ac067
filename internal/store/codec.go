package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pnpforge/pnpjob/pkg/types"
	"gopkg.in/yaml.v3"
)

// Definition files mirror types.Holder but keep enable flags optional so an omitted
// flag means enabled.

type filePlacement struct {
	ID            string              `json:"id" yaml:"id"`
	Part          string              `json:"part,omitempty" yaml:"part,omitempty"`
	X             float64             `json:"x" yaml:"x"`
	Y             float64             `json:"y" yaml:"y"`
	Rotation      float64             `json:"rotation" yaml:"rotation"`
	Side          types.Side          `json:"side" yaml:"side"`
	Type          types.PlacementType `json:"type" yaml:"type"`
	Enabled       *bool               `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	ErrorHandling types.ErrorHandling `json:"errorHandling" yaml:"errorHandling"`
	Comments      string              `json:"comments,omitempty" yaml:"comments,omitempty"`
	Pseudo        bool                `json:"pseudo,omitempty" yaml:"pseudo,omitempty"`
	SourceChild   string              `json:"sourceChild,omitempty" yaml:"sourceChild,omitempty"`
}

type fileChild struct {
	ID             string     `json:"id" yaml:"id"`
	File           string     `json:"file" yaml:"file"`
	X              float64    `json:"x" yaml:"x"`
	Y              float64    `json:"y" yaml:"y"`
	Rotation       float64    `json:"rotation" yaml:"rotation"`
	Side           types.Side `json:"side" yaml:"side"`
	Enabled        *bool      `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	CheckFiducials *bool      `json:"checkFiducials,omitempty" yaml:"checkFiducials,omitempty"`
}

type fileHolder struct {
	Kind            types.HolderKind `json:"kind" yaml:"kind"`
	Name            string           `json:"name" yaml:"name"`
	Dimensions      types.Dimensions `json:"dimensions" yaml:"dimensions"`
	Placements      []filePlacement  `json:"placements,omitempty" yaml:"placements,omitempty"`
	Pads            []types.Pad      `json:"pads,omitempty" yaml:"pads,omitempty"`
	Children        []fileChild      `json:"children,omitempty" yaml:"children,omitempty"`
	PseudoFiducials []filePlacement  `json:"pseudoFiducials,omitempty" yaml:"pseudoFiducials,omitempty"`
}

// decodeHolder parses a definition file. JSON is tried first, then YAML.
func decodeHolder(path string, data []byte) (*types.Holder, error) {
	var fh fileHolder

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &fh); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &fh); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, &fh); err != nil {
			fh = fileHolder{}
			if yerr := yaml.Unmarshal(data, &fh); yerr != nil {
				return nil, fmt.Errorf("failed to parse %s as JSON or YAML", path)
			}
		}
	}

	h := &types.Holder{
		Kind:       fh.Kind,
		Path:       path,
		Name:       fh.Name,
		Dimensions: fh.Dimensions,
		Pads:       fh.Pads,
	}
	if h.Name == "" {
		h.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	for _, fp := range fh.Placements {
		h.Placements = append(h.Placements, fp.toPlacement())
	}
	if h.IsPanel() {
		dir := filepath.Dir(path)
		for _, fc := range fh.Children {
			file := fc.File
			if file != "" && !filepath.IsAbs(file) {
				file = filepath.Join(dir, file)
			}
			h.Children = append(h.Children, types.ChildSpec{
				ID:             fc.ID,
				File:           Canonical(file),
				Pose:           types.NewPose(fc.X, fc.Y, fc.Rotation),
				Side:           fc.Side,
				Enabled:        boolOr(fc.Enabled, true),
				CheckFiducials: boolOr(fc.CheckFiducials, true),
			})
		}
		for _, fp := range fh.PseudoFiducials {
			p := fp.toPlacement()
			p.Pseudo = true
			h.PseudoFiducials = append(h.PseudoFiducials, p)
		}
	} else if len(fh.Children) > 0 {
		return nil, fmt.Errorf("%s: a board cannot have children", path)
	}

	return h, nil
}

// encodeHolder serialises a definition in the format implied by its extension.
// Child file references are written relative to the holder's directory.
func encodeHolder(h *types.Holder) ([]byte, error) {
	fh := fileHolder{
		Kind:       h.Kind,
		Name:       h.Name,
		Dimensions: h.Dimensions,
		Pads:       h.Pads,
	}
	for _, p := range h.Placements {
		fh.Placements = append(fh.Placements, fromPlacement(p))
	}
	dir := filepath.Dir(h.Path)
	for _, c := range h.Children {
		file := c.File
		if rel, err := filepath.Rel(dir, c.File); err == nil {
			file = rel
		}
		enabled, check := c.Enabled, c.CheckFiducials
		fh.Children = append(fh.Children, fileChild{
			ID:             c.ID,
			File:           file,
			X:              c.X,
			Y:              c.Y,
			Rotation:       c.Rotation,
			Side:           c.Side,
			Enabled:        &enabled,
			CheckFiducials: &check,
		})
	}
	for _, p := range h.PseudoFiducials {
		fh.PseudoFiducials = append(fh.PseudoFiducials, fromPlacement(p))
	}

	switch strings.ToLower(filepath.Ext(h.Path)) {
	case ".yaml", ".yml":
		return yaml.Marshal(&fh)
	default:
		return json.MarshalIndent(&fh, "", "  ")
	}
}

func (fp filePlacement) toPlacement() *types.Placement {
	return &types.Placement{
		ID:            fp.ID,
		Part:          fp.Part,
		Pose:          types.NewPose(fp.X, fp.Y, fp.Rotation),
		Side:          fp.Side,
		Type:          fp.Type,
		Enabled:       boolOr(fp.Enabled, true),
		ErrorHandling: fp.ErrorHandling,
		Comments:      fp.Comments,
		Pseudo:        fp.Pseudo,
		SourceChild:   fp.SourceChild,
	}
}

func fromPlacement(p *types.Placement) filePlacement {
	enabled := p.Enabled
	return filePlacement{
		ID:            p.ID,
		Part:          p.Part,
		X:             p.X,
		Y:             p.Y,
		Rotation:      p.Rotation,
		Side:          p.Side,
		Type:          p.Type,
		Enabled:       &enabled,
		ErrorHandling: p.ErrorHandling,
		Comments:      p.Comments,
		Pseudo:        p.Pseudo,
		SourceChild:   p.SourceChild,
	}
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
