package calibration

import (
	"github.com/pkg/errors"

	"github.com/tinker/projcal/rimage/transform"
)

var (
	// ErrInsufficientData is returned when there are too few views or points to determine the parameters.
	ErrInsufficientData = errors.New("insufficient calibration data")
	// ErrDegenerateConfiguration is returned when the views do not constrain the parameters, e.g. every view
	// shows the board from the same pose.
	ErrDegenerateConfiguration = errors.New("degenerate calibration configuration")
	// ErrOutOfRangeResult is returned when the optimizer converged to parameters outside of the sanity bounds.
	ErrOutOfRangeResult = errors.New("calibration result out of range")
	// ErrShapeMismatch is returned when correspondence or parameter counts disagree.
	ErrShapeMismatch = errors.New("shape mismatch")
	// ErrDegenerateProjection is returned when a point cannot be projected with the current parameters.
	ErrDegenerateProjection = transform.ErrDegenerateProjection
	// ErrInvalidConfig is returned when solver options contradict each other or are out of range.
	ErrInvalidConfig = errors.New("invalid calibration config")
)

func newShapeMismatchError(format string, args ...interface{}) error {
	return errors.Wrapf(ErrShapeMismatch, format, args...)
}

func newInsufficientDataError(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInsufficientData, format, args...)
}

func newDegenerateConfigurationError(format string, args ...interface{}) error {
	return errors.Wrapf(ErrDegenerateConfiguration, format, args...)
}
