package calibration

import (
	"image"

	"github.com/tinker/projcal/rimage/transform"
	"github.com/tinker/projcal/spatialmath"
)

// indices of the shared parameters, distortion in OpenCV order
const (
	idxFx = iota
	idxFy
	idxCx
	idxCy
	idxK1
	idxK2
	idxP1
	idxP2
	idxK3
	numGlobals
)

// poseParams is the number of parameters per view: rotation vector then translation.
const poseParams = 6

type globalParams [numGlobals]float64

func globalsFrom(intrinsics *transform.PinholeCameraIntrinsics, distortion *transform.BrownConrady) globalParams {
	var g globalParams
	g[idxFx], g[idxFy], g[idxCx], g[idxCy] = intrinsics.Fx, intrinsics.Fy, intrinsics.Ppx, intrinsics.Ppy
	copy(g[idxK1:], distortion.OpenCVCoefficients())
	return g
}

func (g globalParams) intrinsics(imageSize image.Point) *transform.PinholeCameraIntrinsics {
	return &transform.PinholeCameraIntrinsics{
		Width:  imageSize.X,
		Height: imageSize.Y,
		Fx:     g[idxFx],
		Fy:     g[idxFy],
		Ppx:    g[idxCx],
		Ppy:    g[idxCy],
	}
}

func (g globalParams) distortion() *transform.BrownConrady {
	return &transform.BrownConrady{
		RadialK1:     g[idxK1],
		RadialK2:     g[idxK2],
		RadialK3:     g[idxK3],
		TangentialP1: g[idxP1],
		TangentialP2: g[idxP2],
	}
}

func (g globalParams) model(imageSize image.Point) *transform.PinholeCameraModel {
	return &transform.PinholeCameraModel{PinholeCameraIntrinsics: g.intrinsics(imageSize), Distortion: g.distortion()}
}

// paramLayout maps the optimizer's flat vector onto the calibration parameters. The vector holds the
// free shared parameters followed by six parameters per view. Pinned shared parameters live in base;
// with a fixed aspect ratio fx is derived from fy.
type paramLayout struct {
	free      []int
	base      globalParams
	aspect    float64
	numViews  int
	imageSize image.Point
}

func newParamLayout(cfg Config, initial globalParams, numViews int, imageSize image.Point) *paramLayout {
	l := &paramLayout{base: initial, numViews: numViews, imageSize: imageSize}
	if cfg.FixAspectRatio {
		l.aspect = cfg.AspectRatio
		l.base[idxFx] = l.aspect * l.base[idxFy]
	} else {
		l.free = append(l.free, idxFx)
	}
	l.free = append(l.free, idxFy)
	if !cfg.FixPrincipalPoint {
		l.free = append(l.free, idxCx, idxCy)
	}
	l.free = append(l.free, idxK1, idxK2)
	if cfg.ZeroTangentialDistortion {
		l.base[idxP1], l.base[idxP2] = 0, 0
	} else {
		l.free = append(l.free, idxP1, idxP2)
	}
	if cfg.FixHigherOrderRadialTerms {
		l.base[idxK3] = 0
	} else {
		l.free = append(l.free, idxK3)
	}
	return l
}

func (l *paramLayout) numFree() int {
	return len(l.free)
}

func (l *paramLayout) size() int {
	return len(l.free) + poseParams*l.numViews
}

func (l *paramLayout) poseOffset(view int) int {
	return len(l.free) + poseParams*view
}

func (l *paramLayout) pack(poses []spatialmath.Pose) []float64 {
	x := make([]float64, l.size())
	for i, idx := range l.free {
		x[i] = l.base[idx]
	}
	for v, p := range poses {
		params := p.Params()
		copy(x[l.poseOffset(v):], params[:])
	}
	return x
}

// globals expands the free shared parameters (the head of x) into the full set.
func (l *paramLayout) globals(free []float64) globalParams {
	g := l.base
	for i, idx := range l.free {
		g[idx] = free[i]
	}
	if l.aspect > 0 {
		g[idxFx] = l.aspect * g[idxFy]
	}
	return g
}

func (l *paramLayout) pose(x []float64, view int) spatialmath.Pose {
	off := l.poseOffset(view)
	return spatialmath.PoseFromParams(x[off : off+poseParams])
}

func (l *paramLayout) poses(x []float64) []spatialmath.Pose {
	out := make([]spatialmath.Pose, l.numViews)
	for v := range out {
		out[v] = l.pose(x, v)
	}
	return out
}
