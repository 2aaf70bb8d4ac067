package types

import (
	"fmt"
	"math"
)

// Pose is a planar location: an offset in millimetres and a rotation in degrees,
// counter-clockwise positive.
type Pose struct {
	X        float64 `json:"x" yaml:"x"`
	Y        float64 `json:"y" yaml:"y"`
	Rotation float64 `json:"rotation" yaml:"rotation"`
}

// NewPose creates a pose
func NewPose(x, y, rotation float64) Pose {
	return Pose{X: x, Y: y, Rotation: rotation}
}

// Compose returns the pose of child, expressed in p's frame, mapped into the frame
// p itself is expressed in.
func (p Pose) Compose(child Pose) Pose {
	x, y := rotateXY(child.X, child.Y, p.Rotation)
	return Pose{
		X:        p.X + x,
		Y:        p.Y + y,
		Rotation: NormalizeAngle(p.Rotation + child.Rotation),
	}
}

// Inverse returns the pose q such that p.Compose(q) is the identity
func (p Pose) Inverse() Pose {
	x, y := rotateXY(-p.X, -p.Y, -p.Rotation)
	return Pose{X: x, Y: y, Rotation: NormalizeAngle(-p.Rotation)}
}

// RelativeTo expresses p, given in the same frame as frame, in frame's local coordinates
func (p Pose) RelativeTo(frame Pose) Pose {
	return frame.Inverse().Compose(p)
}

// MirrorX mirrors the pose about the vertical line x = width/2 and negates the rotation,
// which is how a placement moves when its holder is flipped over.
func (p Pose) MirrorX(width float64) Pose {
	return Pose{X: width - p.X, Y: p.Y, Rotation: NormalizeAngle(-p.Rotation)}
}

// Add offsets the pose by (dx, dy) expressed in the pose's own frame
func (p Pose) Add(dx, dy float64) Pose {
	x, y := rotateXY(dx, dy, p.Rotation)
	return Pose{X: p.X + x, Y: p.Y + y, Rotation: p.Rotation}
}

// ApproxEqual compares two poses with a tolerance on every component
func (p Pose) ApproxEqual(other Pose, eps float64) bool {
	return math.Abs(p.X-other.X) <= eps &&
		math.Abs(p.Y-other.Y) <= eps &&
		math.Abs(NormalizeAngle(p.Rotation-other.Rotation)) <= eps
}

func (p Pose) String() string {
	return fmt.Sprintf("(%.3f, %.3f, %.3f°)", p.X, p.Y, p.Rotation)
}

// NormalizeAngle maps an angle in degrees into (-180, 180]
func NormalizeAngle(deg float64) float64 {
	a := math.Mod(deg, 360)
	if a <= -180 {
		a += 360
	} else if a > 180 {
		a -= 360
	}
	return a
}

func rotateXY(x, y, deg float64) (float64, float64) {
	if deg == 0 {
		return x, y
	}
	rad := deg * math.Pi / 180
	sin, cos := math.Sincos(rad)
	return x*cos - y*sin, x*sin + y*cos
}
