package transform

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/tinker/projcal/spatialmath"
)

// PoseFromHomography recovers the pose of a planar board (z = 0) from a homography that maps board
// coordinates (X, Y) onto normalized image coordinates. The rotation is re-orthonormalized and the
// translation is placed in front of the device.
func PoseFromHomography(h *Homography) (spatialmath.Pose, error) {
	m1 := r3.Vector{X: h[0][0], Y: h[1][0], Z: h[2][0]}
	m2 := r3.Vector{X: h[0][1], Y: h[1][1], Z: h[2][1]}
	m3 := r3.Vector{X: h[0][2], Y: h[1][2], Z: h[2][2]}

	n1, n2 := m1.Norm(), m2.Norm()
	if n1 == 0 || n2 == 0 {
		return spatialmath.Pose{}, errors.New("homography has a zero column, cannot recover pose")
	}
	lambda := 2 / (n1 + n2)
	r1, r2, t := m1.Mul(lambda), m2.Mul(lambda), m3.Mul(lambda)
	if t.Z < 0 {
		r1, r2, t = r1.Mul(-1), r2.Mul(-1), t.Mul(-1)
	}
	r3v := r1.Cross(r2)

	rot := mat.NewDense(3, 3, []float64{
		r1.X, r2.X, r3v.X,
		r1.Y, r2.Y, r3v.Y,
		r1.Z, r2.Z, r3v.Z,
	})
	rm, err := spatialmath.RotationMatrixFromDense(rot)
	if err != nil {
		return spatialmath.Pose{}, err
	}
	return spatialmath.NewPoseFromRotationMatrix(rm, t), nil
}

// PoseFromPixelHomography is PoseFromHomography for a homography that ends in pixel coordinates of a
// device with the given intrinsics.
func PoseFromPixelHomography(h *Homography, intrinsics *PinholeCameraIntrinsics) (spatialmath.Pose, error) {
	if err := intrinsics.CheckValid(); err != nil {
		return spatialmath.Pose{}, err
	}
	var kInv, normalized mat.Dense
	if err := kInv.Inverse(intrinsics.GetCameraMatrix()); err != nil {
		return spatialmath.Pose{}, errors.Wrap(err, "camera matrix is not invertible")
	}
	normalized.Mul(&kInv, h.Dense())
	return PoseFromHomography(homographyFromDense(&normalized))
}
