package calibration

import (
	"math"
	"math/rand"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/tinker/projcal/rimage/transform"
	"github.com/tinker/projcal/spatialmath"
	"github.com/tinker/projcal/utils"
)

// SyntheticConfig describes a simulated projector and the random poses it sees the board from.
type SyntheticConfig struct {
	Intrinsics transform.PinholeCameraIntrinsics `json:"intrinsics"`
	Distortion transform.BrownConrady            `json:"distortion"`
	NumViews   int                               `json:"num_views"`
	// NoiseStdDev is the standard deviation in pixels of the noise added to each image coordinate.
	NoiseStdDev float64 `json:"noise_std_dev"`
	// MaxTiltDegrees bounds each component of the rotation vector. Zero means 30.
	MaxTiltDegrees float64 `json:"max_tilt_degrees"`
	// MinDepth and MaxDepth bound the distance of the board center. Zero picks depths at which the
	// board spans about half of the image.
	MinDepth float64 `json:"min_depth"`
	MaxDepth float64 `json:"max_depth"`
	Seed     int64   `json:"seed"`
}

const defaultMaxTiltDegrees = 30

// GenerateSyntheticViews projects the board template through NumViews random poses and returns the
// resulting correspondences together with the true poses. The same seed always yields the same views.
func GenerateSyntheticViews(template []r3.Vector, cfg SyntheticConfig) (*CorrespondenceSet, []spatialmath.Pose, error) {
	if len(template) == 0 {
		return nil, nil, newInsufficientDataError("empty board template")
	}
	if cfg.NumViews <= 0 {
		return nil, nil, newInsufficientDataError("need at least one view, got %d", cfg.NumViews)
	}
	if err := cfg.Intrinsics.CheckValid(); err != nil {
		return nil, nil, err
	}
	if cfg.NoiseStdDev < 0 {
		return nil, nil, errors.Errorf("noise standard deviation must not be negative, got %v", cfg.NoiseStdDev)
	}
	tilt := cfg.MaxTiltDegrees
	if tilt == 0 {
		tilt = defaultMaxTiltDegrees
	}
	tilt = utils.DegToRad(tilt)

	centroid := r3.Vector{}
	for _, p := range template {
		centroid = centroid.Add(p)
	}
	centroid = centroid.Mul(1 / float64(len(template)))
	extent := 0.
	for _, p := range template {
		extent = math.Max(extent, 2*p.Sub(centroid).Norm())
	}
	minDepth, maxDepth := cfg.MinDepth, cfg.MaxDepth
	if minDepth == 0 || maxDepth == 0 {
		nominal := cfg.Intrinsics.Fx * extent / (0.5 * float64(cfg.Intrinsics.Width))
		minDepth, maxDepth = 0.8*nominal, 1.2*nominal
	}
	if !(minDepth > 0 && maxDepth >= minDepth) {
		return nil, nil, errors.Errorf("invalid depth range [%v, %v]", minDepth, maxDepth)
	}

	intrinsics := cfg.Intrinsics
	distortion := cfg.Distortion
	model := &transform.PinholeCameraModel{PinholeCameraIntrinsics: &intrinsics, Distortion: &distortion}
	//nolint:gosec
	rng := rand.New(rand.NewSource(cfg.Seed))

	set := &CorrespondenceSet{}
	poses := make([]spatialmath.Pose, cfg.NumViews)
	for i := range poses {
		rotation := r3.Vector{
			X: utils.SampleRandomFloatRange(-tilt, tilt, rng),
			Y: utils.SampleRandomFloatRange(-tilt, tilt, rng),
			Z: utils.SampleRandomFloatRange(-tilt/2, tilt/2, rng),
		}
		depth := utils.SampleRandomFloatRange(minDepth, maxDepth, rng)
		// the board center lands near the optical axis, within a tenth of the image
		offset := r3.Vector{
			X: depth * utils.SampleRandomFloatRange(-0.1, 0.1, rng) * float64(intrinsics.Width) / intrinsics.Fx,
			Y: depth * utils.SampleRandomFloatRange(-0.1, 0.1, rng) * float64(intrinsics.Height) / intrinsics.Fy,
			Z: depth,
		}
		rm := spatialmath.RotationVectorToMatrix(rotation)
		pose := spatialmath.Pose{Rotation: rotation, Translation: offset.Sub(rm.Mul(centroid))}

		projected, err := model.ProjectPoints(pose, template)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "view %d", i)
		}
		for j := range projected {
			projected[j] = projected[j].Add(r2.Point{X: rng.NormFloat64(), Y: rng.NormFloat64()}.Mul(cfg.NoiseStdDev))
		}
		set.AddView(template, projected)
		poses[i] = pose
	}
	return set, poses, nil
}
