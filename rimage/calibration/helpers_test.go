package calibration

import (
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/tinker/projcal/rimage/transform"
	"github.com/tinker/projcal/spatialmath"
)

// staggeredBoard is an asymmetric circle grid where every other row is shifted by one spacing.
func staggeredBoard(rows, cols int, spacing float64) []r3.Vector {
	pts := make([]r3.Vector, 0, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			pts = append(pts, r3.Vector{X: float64(2*j+i%2) * spacing, Y: float64(i) * spacing})
		}
	}
	return pts
}

func trueIntrinsics() transform.PinholeCameraIntrinsics {
	return transform.PinholeCameraIntrinsics{Width: 1280, Height: 720, Fx: 800, Fy: 800, Ppx: 640, Ppy: 360}
}

func syntheticSet(t *testing.T, cfg SyntheticConfig) (*CorrespondenceSet, []spatialmath.Pose) {
	t.Helper()
	if cfg.Intrinsics == (transform.PinholeCameraIntrinsics{}) {
		cfg.Intrinsics = trueIntrinsics()
	}
	if cfg.NumViews == 0 {
		cfg.NumViews = 10
	}
	set, poses, err := GenerateSyntheticViews(staggeredBoard(5, 7, 30), cfg)
	test.That(t, err, test.ShouldBeNil)
	return set, poses
}
