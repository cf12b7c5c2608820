package transform

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/tinker/projcal/spatialmath"
)

// ErrDegenerateProjection is returned when a point cannot be projected, e.g. it lies on or behind the
// projector's focal plane or the projection is not finite.
var ErrDegenerateProjection = errors.New("degenerate projection")

// minProjectionDepth is the smallest depth in the projector frame a point may have.
const minProjectionDepth = 1e-12

// PinholeCameraModel is the model of a pinhole camera.
type PinholeCameraModel struct {
	*PinholeCameraIntrinsics `json:"intrinsic_parameters"`
	Distortion               Distorter `json:"distortion"`
}

// CheckValid checks the intrinsics and the distortion, when present.
func (params *PinholeCameraModel) CheckValid() error {
	if params == nil {
		return NewNoIntrinsicsError("camera model does not exist")
	}
	if err := params.PinholeCameraIntrinsics.CheckValid(); err != nil {
		return err
	}
	if params.Distortion != nil {
		return params.Distortion.CheckValid()
	}
	return nil
}

// ProjectPoint maps a point in the board frame to a pixel. The point is moved into the
// projector frame by pose, divided by its depth, distorted, and finally scaled and shifted
// by the intrinsics.
func (params *PinholeCameraModel) ProjectPoint(pose spatialmath.Pose, pt r3.Vector) (r2.Point, error) {
	return params.projectWithRotation(pose.RotationMatrix(), pose.Translation, pt)
}

// ProjectPoints projects every point of a view with one pose.
func (params *PinholeCameraModel) ProjectPoints(pose spatialmath.Pose, pts []r3.Vector) ([]r2.Point, error) {
	rm := pose.RotationMatrix()
	out := make([]r2.Point, len(pts))
	for i, pt := range pts {
		px, err := params.projectWithRotation(rm, pose.Translation, pt)
		if err != nil {
			return nil, errors.Wrapf(err, "point %d", i)
		}
		out[i] = px
	}
	return out, nil
}

func (params *PinholeCameraModel) projectWithRotation(
	rm *spatialmath.RotationMatrix,
	translation, pt r3.Vector,
) (r2.Point, error) {
	pc := rm.Mul(pt).Add(translation)
	if !(pc.Z > minProjectionDepth) {
		return r2.Point{}, errors.Wrapf(ErrDegenerateProjection, "point %v has depth %v in the projector frame", pt, pc.Z)
	}
	x, y := pc.X/pc.Z, pc.Y/pc.Z
	if params.Distortion != nil {
		x, y = params.Distortion.Transform(x, y)
	}
	px := params.NormalizedToPixel(r2.Point{X: x, Y: y})
	if math.IsNaN(px.X) || math.IsNaN(px.Y) || math.IsInf(px.X, 0) || math.IsInf(px.Y, 0) {
		return r2.Point{}, errors.Wrapf(ErrDegenerateProjection, "point %v projects to %v", pt, px)
	}
	return px, nil
}
