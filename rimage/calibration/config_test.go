package calibration

import (
	"errors"
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.uber.org/multierr"
	"go.viam.com/test"

	"github.com/tinker/projcal/rimage/transform"
	"github.com/tinker/projcal/spatialmath"
)

func TestFlags(t *testing.T) {
	test.That(t, Flags(0).String(), test.ShouldEqual, "")
	all := FlagUseIntrinsicGuess | FlagFixAspectRatio | FlagFixPrincipalPoint | FlagZeroTangentDist | FlagFixK3
	test.That(t, int(all), test.ShouldEqual, 143)
	test.That(t, all.String(), test.ShouldEqual,
		"+use_intrinsic_guess+fix_aspectRatio+fix_principal_point+zero_tangent_dist+fix_k3")
	test.That(t, (FlagFixAspectRatio | FlagFixK3).String(), test.ShouldEqual, "+fix_aspectRatio+fix_k3")
	test.That(t, all.Has(FlagZeroTangentDist), test.ShouldBeTrue)
	test.That(t, FlagFixK3.Has(FlagFixAspectRatio), test.ShouldBeFalse)

	for _, f := range []Flags{0, FlagFixAspectRatio, FlagZeroTangentDist | FlagFixK3, all} {
		test.That(t, ConfigFromFlags(f, 1).Flags(), test.ShouldEqual, f)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := DefaultConfig()
	test.That(t, cfg.Flags(), test.ShouldEqual, Flags(0))
	test.That(t, cfg.MaxIterations, test.ShouldEqual, 100)
	test.That(t, cfg.Tolerance, test.ShouldEqual, 1e-10)
	test.That(t, cfg.MaxCondition, test.ShouldEqual, 1e10)
	test.That(t, cfg.Bounds, test.ShouldResemble, Bounds{MaxFocalScale: 100, MaxPrincipalPointScale: 1, MaxDistortion: 100})
	test.That(t, cfg.Validate(), test.ShouldBeNil)

	fixed := Config{FixAspectRatio: true}.WithDefaults()
	test.That(t, fixed.AspectRatio, test.ShouldEqual, 1.)

	guess := trueIntrinsics()
	guess.Fx = 1200
	fromGuess := Config{FixAspectRatio: true, UseIntrinsicGuess: true, InitialIntrinsics: &guess}.WithDefaults()
	test.That(t, fromGuess.AspectRatio, test.ShouldEqual, 1.5)
	test.That(t, fromGuess.Validate(), test.ShouldBeNil)

	custom := Config{MaxIterations: 7, Bounds: Bounds{MaxDistortion: 2}}.WithDefaults()
	test.That(t, custom.MaxIterations, test.ShouldEqual, 7)
	test.That(t, custom.Bounds.MaxDistortion, test.ShouldEqual, 2.)
}

func TestConfigValidate(t *testing.T) {
	bad := Config{
		FixAspectRatio:    true,
		AspectRatio:       -1,
		MaxIterations:     -1,
		UseIntrinsicGuess: true,
		InitialDistortion: &transform.BrownConrady{RadialK1: math.NaN()},
	}
	err := bad.Validate()
	test.That(t, errors.Is(err, ErrInvalidConfig), test.ShouldBeTrue)
	// aspect ratio, iterations, missing intrinsics and distortion
	test.That(t, multierr.Errors(err), test.ShouldHaveLength, 4)
	test.That(t, err.Error(), test.ShouldContainSubstring, "aspect ratio")
	test.That(t, err.Error(), test.ShouldContainSubstring, "initial intrinsics")
}

func TestCheckRange(t *testing.T) {
	good := &Result{Intrinsics: trueIntrinsics(), Extrinsics: []spatialmath.Pose{spatialmath.NewZeroPose()}}
	bounds := DefaultConfig().Bounds
	test.That(t, good.CheckRange(bounds), test.ShouldBeNil)
	test.That(t, good.ImageSize().X, test.ShouldEqual, 1280)

	bad := *good
	bad.Intrinsics.Fx = -3
	bad.Intrinsics.Fy = 1e9
	bad.Intrinsics.Ppx = 5000
	bad.Distortion = transform.BrownConrady{TangentialP2: math.Inf(1), RadialK2: 150}
	bad.Extrinsics = []spatialmath.Pose{{Translation: r3.Vector{Z: math.NaN()}}}
	err := bad.CheckRange(bounds)
	test.That(t, errors.Is(err, ErrOutOfRangeResult), test.ShouldBeTrue)
	errs := multierr.Errors(err)
	test.That(t, errs, test.ShouldHaveLength, 6)
	for _, name := range []string{"fx", "fy", "cx", "k2", "p2", "view 0"} {
		test.That(t, err.Error(), test.ShouldContainSubstring, name)
	}

	// the principal point may sit anywhere within one image dimension of the center
	shifted := *good
	shifted.Intrinsics.Ppx = 640 + 1279
	test.That(t, shifted.CheckRange(bounds), test.ShouldBeNil)
}

func TestSummarizeErrors(t *testing.T) {
	s, err := SummarizeErrors([]float64{1, 4, 2, 3})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, s.Mean, test.ShouldAlmostEqual, 2.5)
	test.That(t, s.Median, test.ShouldAlmostEqual, 2.5)
	test.That(t, s.Max, test.ShouldEqual, 4.)
	test.That(t, s.WorstView, test.ShouldEqual, 1)
	test.That(t, s.StdDev, test.ShouldAlmostEqual, math.Sqrt(1.25), 1e-12)
	test.That(t, s.String(), test.ShouldContainSubstring, "(view 1)")

	_, err = SummarizeErrors(nil)
	test.That(t, errors.Is(err, ErrInsufficientData), test.ShouldBeTrue)
}

func TestResultString(t *testing.T) {
	res := &Result{
		Intrinsics: trueIntrinsics(),
		Extrinsics: []spatialmath.Pose{
			spatialmath.NewZeroPose(),
			{Rotation: r3.Vector{X: 0.1}, Translation: r3.Vector{Z: 500}},
		},
		PerViewErrors: []float64{0.25},
		RMSError:      0.125,
		Success:       true,
	}
	s := res.String()
	test.That(t, s, test.ShouldContainSubstring, "success: true  image: 1280x720  rms: 0.1250")
	test.That(t, s, test.ShouldContainSubstring, "fx: 800.0000")
	test.That(t, s, test.ShouldContainSubstring, "ERROR")
	test.That(t, s, test.ShouldContainSubstring, "0.2500")
	test.That(t, s, test.ShouldContainSubstring, "X:0.00, Y:0.00, Z:500.00")
}
