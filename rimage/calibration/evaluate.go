package calibration

import (
	"context"
	"math"

	"github.com/pkg/errors"

	"github.com/tinker/projcal/rimage/transform"
	"github.com/tinker/projcal/spatialmath"
	"github.com/tinker/projcal/utils"
)

// Evaluate reprojects every view with the given parameters. The error of a view is the root mean
// square of the pixel distances between observed and reprojected points; the aggregate error pools
// the squared distances of all points before taking the root, so views with more points weigh more.
func Evaluate(
	set *CorrespondenceSet,
	intrinsics *transform.PinholeCameraIntrinsics,
	distortion *transform.BrownConrady,
	extrinsics []spatialmath.Pose,
) ([]float64, float64, error) {
	if set.NumViews() == 0 {
		return nil, 0, newInsufficientDataError("no views to evaluate")
	}
	if len(extrinsics) != len(set.Views) {
		return nil, 0, newShapeMismatchError("%d extrinsics for %d views", len(extrinsics), len(set.Views))
	}
	for i, v := range set.Views {
		if len(v.ObjectPoints) != len(v.ImagePoints) {
			return nil, 0, newShapeMismatchError("view %d has %d object points and %d image points",
				i, len(v.ObjectPoints), len(v.ImagePoints))
		}
	}
	model := &transform.PinholeCameraModel{PinholeCameraIntrinsics: intrinsics, Distortion: distortion}

	sqErrs := make([]float64, len(set.Views))
	err := utils.ParallelForEach(context.Background(), len(set.Views), func(i int) error {
		sum, err := viewSquaredError(model, set.Views[i], extrinsics[i])
		if err != nil {
			return errors.Wrapf(err, "view %d", i)
		}
		sqErrs[i] = sum
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	perView := make([]float64, len(set.Views))
	total, totalPoints := 0., 0
	for i, v := range set.Views {
		n := len(v.ImagePoints)
		if n > 0 {
			perView[i] = math.Sqrt(sqErrs[i] / float64(n))
		}
		total += sqErrs[i]
		totalPoints += n
	}
	if totalPoints == 0 {
		return perView, 0, nil
	}
	return perView, math.Sqrt(total / float64(totalPoints)), nil
}

func viewSquaredError(model *transform.PinholeCameraModel, v View, pose spatialmath.Pose) (float64, error) {
	projected, err := model.ProjectPoints(pose, v.ObjectPoints)
	if err != nil {
		return 0, err
	}
	sum := 0.
	for j, p := range projected {
		d := p.Sub(v.ImagePoints[j])
		sum += d.X*d.X + d.Y*d.Y
	}
	return sum, nil
}
