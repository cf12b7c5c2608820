package calibration

import (
	"fmt"
	"image"
	"math"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/tinker/projcal/rimage/transform"
	"github.com/tinker/projcal/spatialmath"
	"github.com/tinker/projcal/utils"
)

// Result is the outcome of a calibration. Success is authoritative: when it is false the numeric
// fields hold the last state of the optimizer and must only be used for diagnostics.
type Result struct {
	Intrinsics    transform.PinholeCameraIntrinsics `json:"intrinsics"`
	Distortion    transform.BrownConrady            `json:"distortion"`
	Extrinsics    []spatialmath.Pose                `json:"extrinsics"`
	PerViewErrors []float64                         `json:"per_view_errors"`
	RMSError      float64                           `json:"rms_error"`
	Success       bool                              `json:"success"`
}

// ImageSize returns the size of the projector image the intrinsics refer to.
func (r *Result) ImageSize() image.Point {
	return image.Point{X: r.Intrinsics.Width, Y: r.Intrinsics.Height}
}

// String prints the projector parameters followed by a table of the views, with columns of index,
// reprojection error, rotation and translation.
func (r *Result) String() string {
	in := r.Intrinsics
	header := fmt.Sprintf("success: %t  image: %dx%d  rms: %.4f\nfx: %.4f  fy: %.4f  cx: %.4f  cy: %.4f\n"+
		"distortion (k1 k2 p1 p2 k3): %.6g\n",
		r.Success, in.Width, in.Height, r.RMSError, in.Fx, in.Fy, in.Ppx, in.Ppy, r.Distortion.OpenCVCoefficients())

	t := table.NewWriter()
	t.AppendHeader(table.Row{"#", "Error", "Rotation", "Translation"})
	for i, pose := range r.Extrinsics {
		viewErr := ""
		if i < len(r.PerViewErrors) {
			viewErr = fmt.Sprintf("%.4f", r.PerViewErrors[i])
		}
		t.AppendRow([]interface{}{
			fmt.Sprintf("%d", i),
			viewErr,
			fmt.Sprintf("X:%.4f, Y:%.4f, Z:%.4f", pose.Rotation.X, pose.Rotation.Y, pose.Rotation.Z),
			fmt.Sprintf("X:%.2f, Y:%.2f, Z:%.2f", pose.Translation.X, pose.Translation.Y, pose.Translation.Z),
		})
	}
	return header + t.Render()
}

// CheckRange verifies that every parameter is finite and inside the bounds. All violations are
// reported together, each wrapping ErrOutOfRangeResult.
func (r *Result) CheckRange(bounds Bounds) error {
	var errs error
	addErr := func(format string, args ...interface{}) {
		errs = multierr.Append(errs, errors.Wrapf(ErrOutOfRangeResult, format, args...))
	}

	in := r.Intrinsics
	maxDim := float64(max(in.Width, in.Height))
	maxFocal := bounds.MaxFocalScale * maxDim
	for _, f := range []struct {
		name  string
		value float64
	}{{"fx", in.Fx}, {"fy", in.Fy}} {
		switch {
		case !utils.IsFinite(f.value):
			addErr("%s is not finite: %v", f.name, f.value)
		case f.value <= 0:
			addErr("%s must be positive, got %v", f.name, f.value)
		case bounds.MaxFocalScale > 0 && f.value > maxFocal:
			addErr("%s = %v exceeds %v", f.name, f.value, maxFocal)
		}
	}

	for _, pp := range []struct {
		name   string
		value  float64
		center float64
		dim    int
	}{{"cx", in.Ppx, float64(in.Width-1) / 2, in.Width}, {"cy", in.Ppy, float64(in.Height-1) / 2, in.Height}} {
		switch {
		case !utils.IsFinite(pp.value):
			addErr("%s is not finite: %v", pp.name, pp.value)
		case bounds.MaxPrincipalPointScale > 0 &&
			math.Abs(pp.value-pp.center) > bounds.MaxPrincipalPointScale*float64(pp.dim):
			addErr("%s = %v is too far from the image center %v", pp.name, pp.value, pp.center)
		}
	}

	names := []string{"k1", "k2", "p1", "p2", "k3"}
	for i, c := range r.Distortion.OpenCVCoefficients() {
		switch {
		case !utils.IsFinite(c):
			addErr("distortion coefficient %s is not finite: %v", names[i], c)
		case bounds.MaxDistortion > 0 && math.Abs(c) > bounds.MaxDistortion:
			addErr("distortion coefficient %s = %v exceeds %v", names[i], c, bounds.MaxDistortion)
		}
	}

	for i, e := range r.Extrinsics {
		p := e.Params()
		if !utils.IsFinite(p[:]...) {
			addErr("extrinsics of view %d are not finite", i)
		}
	}
	return errs
}
