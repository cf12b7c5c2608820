package spatialmath

import (
	"fmt"

	"github.com/golang/geo/r3"
)

// Pose is a rigid transform from a board frame to the projector frame. Rotation is a
// rotation vector in radians; Translation is in the same units as the board points.
type Pose struct {
	Rotation    r3.Vector `json:"rotation"`
	Translation r3.Vector `json:"translation"`
}

// NewZeroPose returns the identity transform.
func NewZeroPose() Pose {
	return Pose{}
}

// NewPoseFromRotationMatrix builds a pose from a rotation matrix and a translation.
func NewPoseFromRotationMatrix(rm *RotationMatrix, translation r3.Vector) Pose {
	return Pose{Rotation: rm.RotationVector(), Translation: translation}
}

// RotationMatrix returns the rotation part of the pose as a matrix.
func (p Pose) RotationMatrix() *RotationMatrix {
	return RotationVectorToMatrix(p.Rotation)
}

// Transform maps a point from the board frame into the projector frame.
func (p Pose) Transform(pt r3.Vector) r3.Vector {
	return p.RotationMatrix().Mul(pt).Add(p.Translation)
}

// TransformAll maps every point, computing the rotation matrix once.
func (p Pose) TransformAll(pts []r3.Vector) []r3.Vector {
	rm := p.RotationMatrix()
	out := make([]r3.Vector, len(pts))
	for i, pt := range pts {
		out[i] = rm.Mul(pt).Add(p.Translation)
	}
	return out
}

// Params returns the pose as [rx, ry, rz, tx, ty, tz].
func (p Pose) Params() [6]float64 {
	return [6]float64{p.Rotation.X, p.Rotation.Y, p.Rotation.Z, p.Translation.X, p.Translation.Y, p.Translation.Z}
}

// PoseFromParams is the inverse of Params.
func PoseFromParams(v []float64) Pose {
	return Pose{
		Rotation:    r3.Vector{X: v[0], Y: v[1], Z: v[2]},
		Translation: r3.Vector{X: v[3], Y: v[4], Z: v[5]},
	}
}

// PoseAlmostEqual reports whether the rotation vectors of the poses are within epsilon of each other in
// Euclidean distance, and likewise their translations.
func PoseAlmostEqual(a, b Pose, epsilon float64) bool {
	return a.Rotation.Sub(b.Rotation).Norm() <= epsilon && a.Translation.Sub(b.Translation).Norm() <= epsilon
}

func (p Pose) String() string {
	return fmt.Sprintf("{rotation: %v, translation: %v}", p.Rotation, p.Translation)
}
