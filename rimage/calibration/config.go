package calibration

import (
	"math"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/tinker/projcal/rimage/transform"
)

// Flags is the bitmask of solver options as persisted with a result. The values match the
// OpenCV calibration flags so that records can be read by OpenCV based tools.
type Flags int

const (
	// FlagUseIntrinsicGuess starts the optimization from the supplied intrinsics and distortion.
	FlagUseIntrinsicGuess Flags = 1
	// FlagFixAspectRatio keeps fx/fy constant.
	FlagFixAspectRatio Flags = 2
	// FlagFixPrincipalPoint keeps the principal point at its initial value.
	FlagFixPrincipalPoint Flags = 4
	// FlagZeroTangentDist forces p1 = p2 = 0.
	FlagZeroTangentDist Flags = 8
	// FlagFixK3 forces k3 = 0.
	FlagFixK3 Flags = 128
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagUseIntrinsicGuess, "use_intrinsic_guess"},
	{FlagFixAspectRatio, "fix_aspectRatio"},
	{FlagFixPrincipalPoint, "fix_principal_point"},
	{FlagZeroTangentDist, "zero_tangent_dist"},
	{FlagFixK3, "fix_k3"},
}

// Has reports whether every bit of flag is set.
func (f Flags) Has(flag Flags) bool {
	return f&flag == flag
}

// String lists the set flags as "+name+name".
func (f Flags) String() string {
	var sb strings.Builder
	for _, fn := range flagNames {
		if f.Has(fn.flag) {
			sb.WriteString("+")
			sb.WriteString(fn.name)
		}
	}
	return sb.String()
}

// Bounds are the sanity ranges an optimized result must fall in.
type Bounds struct {
	// MaxFocalScale bounds fx and fy by MaxFocalScale * max(width, height).
	MaxFocalScale float64 `json:"max_focal_scale,omitempty"`
	// MaxPrincipalPointScale bounds the distance of the principal point from the image center by
	// MaxPrincipalPointScale * the image dimension.
	MaxPrincipalPointScale float64 `json:"max_principal_point_scale,omitempty"`
	// MaxDistortion bounds the absolute value of every distortion coefficient.
	MaxDistortion float64 `json:"max_distortion,omitempty"`
}

// Config holds the solver options.
type Config struct {
	UseIntrinsicGuess bool                               `json:"use_intrinsic_guess"`
	InitialIntrinsics *transform.PinholeCameraIntrinsics `json:"initial_intrinsics,omitempty"`
	InitialDistortion *transform.BrownConrady            `json:"initial_distortion,omitempty"`

	FixAspectRatio bool `json:"fix_aspect_ratio"`
	// AspectRatio is fx/fy when FixAspectRatio is set. Zero means 1, or the ratio of the
	// initial intrinsics when UseIntrinsicGuess is set.
	AspectRatio               float64 `json:"aspect_ratio,omitempty"`
	FixPrincipalPoint         bool    `json:"fix_principal_point"`
	ZeroTangentialDistortion  bool    `json:"zero_tangent_dist"`
	FixHigherOrderRadialTerms bool    `json:"fix_k3"`

	MaxIterations int     `json:"max_iterations,omitempty"`
	Tolerance     float64 `json:"tolerance,omitempty"`
	MaxCondition  float64 `json:"max_condition,omitempty"`
	Bounds        Bounds  `json:"bounds"`
}

const (
	defaultMaxIterations          = 100
	defaultTolerance              = 1e-10
	defaultMaxCondition           = 1e10
	defaultMaxFocalScale          = 100
	defaultMaxPrincipalPointScale = 1
	defaultMaxDistortion          = 100
)

// DefaultConfig returns a config with every intrinsic and distortion parameter free.
func DefaultConfig() Config {
	return Config{}.WithDefaults()
}

// WithDefaults returns a copy of the config with zero valued numeric options replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.MaxIterations == 0 {
		c.MaxIterations = defaultMaxIterations
	}
	if c.Tolerance == 0 {
		c.Tolerance = defaultTolerance
	}
	if c.MaxCondition == 0 {
		c.MaxCondition = defaultMaxCondition
	}
	if c.Bounds.MaxFocalScale == 0 {
		c.Bounds.MaxFocalScale = defaultMaxFocalScale
	}
	if c.Bounds.MaxPrincipalPointScale == 0 {
		c.Bounds.MaxPrincipalPointScale = defaultMaxPrincipalPointScale
	}
	if c.Bounds.MaxDistortion == 0 {
		c.Bounds.MaxDistortion = defaultMaxDistortion
	}
	if c.FixAspectRatio && c.AspectRatio == 0 {
		c.AspectRatio = 1
		if c.UseIntrinsicGuess && c.InitialIntrinsics != nil && c.InitialIntrinsics.Fy > 0 {
			c.AspectRatio = c.InitialIntrinsics.Fx / c.InitialIntrinsics.Fy
		}
	}
	return c
}

// Validate returns every problem with the config combined in a single error.
func (c Config) Validate() error {
	var errs error
	addErr := func(format string, args ...interface{}) {
		errs = multierr.Append(errs, errors.Wrapf(ErrInvalidConfig, format, args...))
	}
	if c.FixAspectRatio && !(c.AspectRatio > 0 && !math.IsInf(c.AspectRatio, 0)) {
		addErr("aspect ratio must be positive, got %v", c.AspectRatio)
	}
	if c.MaxIterations < 0 {
		addErr("max iterations must not be negative, got %d", c.MaxIterations)
	}
	if c.Tolerance < 0 {
		addErr("tolerance must not be negative, got %v", c.Tolerance)
	}
	if c.MaxCondition < 0 {
		addErr("max condition must not be negative, got %v", c.MaxCondition)
	}
	if c.UseIntrinsicGuess {
		if c.InitialIntrinsics == nil {
			addErr("use_intrinsic_guess requires initial intrinsics")
		} else if err := c.InitialIntrinsics.CheckValid(); err != nil {
			errs = multierr.Append(errs, errors.Wrap(ErrInvalidConfig, err.Error()))
		}
		if c.InitialDistortion != nil {
			if err := c.InitialDistortion.CheckValid(); err != nil {
				errs = multierr.Append(errs, errors.Wrap(ErrInvalidConfig, err.Error()))
			}
		}
	}
	return errs
}

// Flags returns the bitmask describing the config.
func (c Config) Flags() Flags {
	var f Flags
	if c.UseIntrinsicGuess {
		f |= FlagUseIntrinsicGuess
	}
	if c.FixAspectRatio {
		f |= FlagFixAspectRatio
	}
	if c.FixPrincipalPoint {
		f |= FlagFixPrincipalPoint
	}
	if c.ZeroTangentialDistortion {
		f |= FlagZeroTangentDist
	}
	if c.FixHigherOrderRadialTerms {
		f |= FlagFixK3
	}
	return f
}

// ConfigFromFlags builds a default config with the options of the bitmask.
func ConfigFromFlags(flags Flags, aspectRatio float64) Config {
	return Config{
		UseIntrinsicGuess:         flags.Has(FlagUseIntrinsicGuess),
		FixAspectRatio:            flags.Has(FlagFixAspectRatio),
		AspectRatio:               aspectRatio,
		FixPrincipalPoint:         flags.Has(FlagFixPrincipalPoint),
		ZeroTangentialDistortion:  flags.Has(FlagZeroTangentDist),
		FixHigherOrderRadialTerms: flags.Has(FlagFixK3),
	}.WithDefaults()
}
