// Package projector calibrates a projector by treating it as an inverse camera: the image points are the
// projector pixels the pattern was drawn at and the object points are where those features landed.
package projector

import (
	"encoding/json"
	"image"
	"math"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/tinker/projcal/rimage/calibration"
)

// PatternType is the calibration pattern drawn by the projector.
type PatternType string

// The supported patterns.
const (
	Chessboard            PatternType = "chessboard"
	CirclesGrid           PatternType = "circles_grid"
	AsymmetricCirclesGrid PatternType = "asymmetric_circles_grid"
)

// BoardSize is the number of pattern features along each axis.
type BoardSize struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

// Count returns the number of features on the board.
func (b BoardSize) Count() int {
	return b.Rows * b.Cols
}

// Config describes a projector calibration run.
type Config struct {
	ImageSize image.Point `json:"image_size"`
	// OutputFile receives the calibration record. An empty path skips saving.
	OutputFile  string      `json:"output_file"`
	PatternType PatternType `json:"pattern_type"`
	BoardSize   BoardSize   `json:"board_size"`
	// SquareSize is the feature spacing in the units of the object points.
	SquareSize float64            `json:"square_size"`
	Solver     calibration.Config `json:"solver"`

	WriteExtrinsics bool `json:"write_extrinsics"`
	WritePoints     bool `json:"write_points"`
}

// DefaultConfig returns the configuration of an asymmetric circle grid calibration that records extrinsics
// and image points along with the intrinsics.
func DefaultConfig() Config {
	return Config{
		PatternType:     AsymmetricCirclesGrid,
		Solver:          calibration.DefaultConfig(),
		WriteExtrinsics: true,
		WritePoints:     true,
	}
}

// Validate returns every problem with the config combined in a single error.
func (cfg *Config) Validate() error {
	var errs error
	if cfg.ImageSize.X <= 0 || cfg.ImageSize.Y <= 0 {
		errs = multierr.Append(errs, errors.Errorf("image_size must be positive, got %dx%d", cfg.ImageSize.X, cfg.ImageSize.Y))
	}
	switch cfg.PatternType {
	case Chessboard, CirclesGrid, AsymmetricCirclesGrid:
	default:
		errs = multierr.Append(errs, errors.Errorf("unknown pattern_type %q", cfg.PatternType))
	}
	if cfg.BoardSize.Rows < 1 || cfg.BoardSize.Cols < 1 {
		errs = multierr.Append(errs, errors.Errorf("board_size must be at least 1x1, got %dx%d",
			cfg.BoardSize.Rows, cfg.BoardSize.Cols))
	} else if cfg.BoardSize.Count() < 4 {
		errs = multierr.Append(errs, errors.Errorf("board needs at least 4 features, got %d", cfg.BoardSize.Count()))
	}
	if !(cfg.SquareSize > 0) || math.IsInf(cfg.SquareSize, 0) {
		errs = multierr.Append(errs, errors.Errorf("square_size must be positive, got %v", cfg.SquareSize))
	}
	if err := cfg.Solver.WithDefaults().Validate(); err != nil {
		errs = multierr.Append(errs, errors.Wrap(err, "solver"))
	}
	return errs
}

// ReadConfig reads a JSON config file. Fields missing from the file keep the values of DefaultConfig.
func ReadConfig(path string) (Config, error) {
	//nolint:gosec
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "cannot parse config %q", path)
	}
	return cfg, nil
}
