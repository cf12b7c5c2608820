package calibration

import (
	"image"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/tinker/projcal/logging"
	"github.com/tinker/projcal/rimage/transform"
	"github.com/tinker/projcal/spatialmath"
	"github.com/tinker/projcal/utils"
)

// initialGuess seeds the optimizer.
type initialGuess struct {
	globals globalParams
	poses   []spatialmath.Pose
}

func boardPlanePoints(v View) []r2.Point {
	out := make([]r2.Point, len(v.ObjectPoints))
	for i, p := range v.ObjectPoints {
		out[i] = r2.Point{X: p.X, Y: p.Y}
	}
	return out
}

// initialize estimates starting values for every parameter. With a planar board the focal lengths
// come from the per view homographies and the poses from decomposing them. A non planar board uses
// per view 3x4 projection matrices for both instead.
func initialize(set *CorrespondenceSet, imageSize image.Point, cfg Config, logger logging.Logger) (*initialGuess, error) {
	w, h := float64(imageSize.X), float64(imageSize.Y)
	planar := set.IsPlanar()

	var g globalParams
	if cfg.UseIntrinsicGuess {
		g = globalsFrom(cfg.InitialIntrinsics, cfg.InitialDistortion)
	} else {
		g[idxCx], g[idxCy] = (w-1)/2, (h-1)/2
		g[idxFx], g[idxFy] = math.Max(w, h), math.Max(w, h)
		if planar {
			homographies := make([]*transform.Homography, len(set.Views))
			for i, v := range set.Views {
				hom, err := transform.EstimateHomography(boardPlanePoints(v), v.ImagePoints)
				if err != nil {
					return nil, newDegenerateConfigurationError("view %d: %v", i, err)
				}
				homographies[i] = hom
			}
			if fx, fy, err := focalFromHomographies(homographies, g[idxCx], g[idxCy]); err == nil {
				g[idxFx], g[idxFy] = fx, fy
			} else {
				logger.Warnw("could not estimate focal lengths from homographies, using image size", "error", err)
			}
		} else if fx, fy, n := focalFromProjectionMatrices(set, logger); n > 0 {
			g[idxFx], g[idxFy] = fx, fy
		} else {
			logger.Warnw("could not estimate focal lengths from any view, using image size", "focal", g[idxFx])
		}
	}
	if cfg.FixAspectRatio {
		tf := (g[idxFx] + g[idxFy]) / (cfg.AspectRatio + 1)
		g[idxFx], g[idxFy] = cfg.AspectRatio*tf, tf
	}
	if cfg.ZeroTangentialDistortion {
		g[idxP1], g[idxP2] = 0, 0
	}
	if cfg.FixHigherOrderRadialTerms {
		g[idxK3] = 0
	}

	intrinsics := g.intrinsics(imageSize)
	undistort := g.distortion().Inverse()
	poses := make([]spatialmath.Pose, len(set.Views))
	for i, v := range set.Views {
		normalized := make([]r2.Point, len(v.ImagePoints))
		for j, p := range v.ImagePoints {
			n := intrinsics.PixelToNormalized(p)
			n.X, n.Y = undistort.Transform(n.X, n.Y)
			normalized[j] = n
		}
		if !planar {
			pose, err := poseFromProjectionMatrix(v.ObjectPoints, normalized)
			if err != nil {
				logger.Debugw("cannot estimate pose from projection matrix, placing board on the optical axis",
					"view", i, "error", err)
				pose = seedPose(v.ObjectPoints, g[idxFx], math.Max(w, h))
			}
			poses[i] = pose
			continue
		}
		hom, err := transform.EstimateHomography(boardPlanePoints(v), normalized)
		if err != nil {
			return nil, newDegenerateConfigurationError("view %d: %v", i, err)
		}
		pose, err := transform.PoseFromHomography(hom)
		if err != nil {
			return nil, newDegenerateConfigurationError("view %d: %v", i, err)
		}
		poses[i] = pose
	}
	return &initialGuess{globals: g, poses: poses}, nil
}

// focalFromHomographies solves the orthogonality and equal norm constraints of the rotation columns
// for 1/fx² and 1/fy² in the least squares sense, with the principal point at (cx, cy).
func focalFromHomographies(homographies []*transform.Homography, cx, cy float64) (float64, float64, error) {
	a := mat.NewDense(2*len(homographies), 2, nil)
	b := mat.NewVecDense(2*len(homographies), nil)
	for i, hom := range homographies {
		var hc [3][2]float64
		for j := 0; j < 2; j++ {
			hc[0][j] = hom[0][j] - cx*hom[2][j]
			hc[1][j] = hom[1][j] - cy*hom[2][j]
			hc[2][j] = hom[2][j]
		}
		col0 := r3.Vector{X: hc[0][0], Y: hc[1][0], Z: hc[2][0]}
		col1 := r3.Vector{X: hc[0][1], Y: hc[1][1], Z: hc[2][1]}
		d1 := col0.Add(col1).Mul(0.5)
		d2 := col0.Sub(col1).Mul(0.5)
		vecs := []r3.Vector{col0, col1, d1, d2}
		for k, vec := range vecs {
			n := vec.Norm()
			if n == 0 {
				return 0, 0, errors.Errorf("homography %d has a degenerate column", i)
			}
			vecs[k] = vec.Mul(1 / n)
		}
		col0, col1, d1, d2 = vecs[0], vecs[1], vecs[2], vecs[3]

		a.SetRow(2*i, []float64{col0.X * col1.X, col0.Y * col1.Y})
		b.SetVec(2*i, -col0.Z*col1.Z)
		a.SetRow(2*i+1, []float64{d1.X * d2.X, d1.Y * d2.Y})
		b.SetVec(2*i+1, -d1.Z*d2.Z)
	}

	var f mat.VecDense
	if err := f.SolveVec(a, b); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return 0, 0, errors.Wrap(err, "cannot solve for focal lengths")
		}
	}
	if f.AtVec(0) == 0 || f.AtVec(1) == 0 {
		return 0, 0, errors.New("focal length system has a zero solution")
	}
	fx := math.Sqrt(math.Abs(1 / f.AtVec(0)))
	fy := math.Sqrt(math.Abs(1 / f.AtVec(1)))
	if !utils.IsFinite(fx, fy) {
		return 0, 0, errors.Errorf("focal lengths are not finite: %v, %v", fx, fy)
	}
	return fx, fy, nil
}

// focalFromProjectionMatrices averages the focal lengths of the camera matrices decomposed from each
// view's pixel projection matrix. It returns how many views contributed.
func focalFromProjectionMatrices(set *CorrespondenceSet, logger logging.Logger) (float64, float64, int) {
	var fx, fy float64
	n := 0
	for i, v := range set.Views {
		p, err := transform.EstimateProjectionMatrix(v.ObjectPoints, v.ImagePoints)
		if err != nil {
			logger.Debugw("cannot estimate projection matrix", "view", i, "error", err)
			continue
		}
		k, _, err := transform.DecomposeProjectionMatrix(p)
		if err != nil || !utils.IsFinite(k.At(0, 0), k.At(1, 1)) {
			logger.Debugw("cannot decompose projection matrix", "view", i, "error", err)
			continue
		}
		fx += k.At(0, 0)
		fy += k.At(1, 1)
		n++
	}
	if n == 0 {
		return 0, 0, 0
	}
	return fx / float64(n), fy / float64(n), n
}

// poseFromProjectionMatrix recovers the board pose from normalized image points, where the camera
// matrix of the projection is the identity.
func poseFromProjectionMatrix(points []r3.Vector, normalized []r2.Point) (spatialmath.Pose, error) {
	p, err := transform.EstimateProjectionMatrix(points, normalized)
	if err != nil {
		return spatialmath.Pose{}, err
	}
	_, pose, err := transform.DecomposeProjectionMatrix(p)
	if err != nil {
		return spatialmath.Pose{}, err
	}
	if !utils.IsFinite(pose.Translation.X, pose.Translation.Y, pose.Translation.Z) {
		return spatialmath.Pose{}, errors.New("pose is not finite")
	}
	return pose, nil
}

// seedPose returns an unrotated pose that puts the centroid of the points on the optical axis at a
// depth where the board spans roughly half of the image.
func seedPose(points []r3.Vector, focal, imageExtent float64) spatialmath.Pose {
	centroid := r3.Vector{}
	for _, p := range points {
		centroid = centroid.Add(p)
	}
	centroid = centroid.Mul(1 / float64(len(points)))
	extent := 0.
	for _, p := range points {
		extent = math.Max(extent, p.Sub(centroid).Norm())
	}
	if extent == 0 {
		extent = 1
	}
	depth := focal * extent / (imageExtent / 4)
	return spatialmath.Pose{Translation: r3.Vector{X: -centroid.X, Y: -centroid.Y, Z: -centroid.Z + depth}}
}
