package transform

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
)

// BrownConrady is the radial and tangential lens distortion model.
//
//	r² = x² + y²
//	x_d = x * (1 + k1*r² + k2*r⁴ + k3*r⁶) + 2*p1*x*y + p2*(r² + 2*x²)
//	y_d = y * (1 + k1*r² + k2*r⁴ + k3*r⁶) + p1*(r² + 2*y²) + 2*p2*x*y
//
// (x, y) are normalized image coordinates. Parameters() and NewBrownConrady use the
// order k1, k2, k3, p1, p2; OpenCVCoefficients and NewBrownConradyFromOpenCV use OpenCV's
// k1, k2, p1, p2, k3.
type BrownConrady struct {
	RadialK1     float64 `json:"rk1"`
	RadialK2     float64 `json:"rk2"`
	RadialK3     float64 `json:"rk3"`
	TangentialP1 float64 `json:"tp1"`
	TangentialP2 float64 `json:"tp2"`
}

// NumDistortionCoefficients is the length of a Brown-Conrady coefficient vector.
const NumDistortionCoefficients = 5

// NewBrownConrady takes in a slice of floats that will be passed into the struct in order.
func NewBrownConrady(inp []float64) (*BrownConrady, error) {
	if len(inp) > NumDistortionCoefficients {
		return nil, errors.Errorf("list of parameters too long, expected max %d, got %d", NumDistortionCoefficients, len(inp))
	}
	vals := make([]float64, NumDistortionCoefficients)
	copy(vals, inp)
	return &BrownConrady{vals[0], vals[1], vals[2], vals[3], vals[4]}, nil
}

// NewBrownConradyFromOpenCV builds the model from coefficients in OpenCV order (k1, k2, p1, p2, k3).
func NewBrownConradyFromOpenCV(coeffs []float64) (*BrownConrady, error) {
	if len(coeffs) != NumDistortionCoefficients {
		return nil, errors.Errorf("expected %d distortion coefficients, got %d", NumDistortionCoefficients, len(coeffs))
	}
	return &BrownConrady{
		RadialK1:     coeffs[0],
		RadialK2:     coeffs[1],
		TangentialP1: coeffs[2],
		TangentialP2: coeffs[3],
		RadialK3:     coeffs[4],
	}, nil
}

// CheckValid checks if the fields for BrownConrady have valid inputs.
func (bc *BrownConrady) CheckValid() error {
	if bc == nil {
		return InvalidDistortionError("BrownConrady shaped distortion_parameters not provided")
	}
	for i, v := range bc.Parameters() {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return InvalidDistortionError(fmt.Sprintf("coefficient %d is not finite: %v", i, v))
		}
	}
	return nil
}

// ModelType returns the type of distortion model.
func (bc *BrownConrady) ModelType() DistortionType {
	return BrownConradyDistortionType
}

// Parameters returns the parameters of the distortion model as a list of floats.
func (bc *BrownConrady) Parameters() []float64 {
	if bc == nil {
		return []float64{}
	}
	return []float64{bc.RadialK1, bc.RadialK2, bc.RadialK3, bc.TangentialP1, bc.TangentialP2}
}

// OpenCVCoefficients returns the coefficients in OpenCV order (k1, k2, p1, p2, k3).
func (bc *BrownConrady) OpenCVCoefficients() []float64 {
	if bc == nil {
		return make([]float64, NumDistortionCoefficients)
	}
	return []float64{bc.RadialK1, bc.RadialK2, bc.TangentialP1, bc.TangentialP2, bc.RadialK3}
}

// Transform distorts a point in normalized image coordinates.
func (bc *BrownConrady) Transform(x, y float64) (float64, float64) {
	if bc == nil {
		return x, y
	}
	r2 := x*x + y*y
	radDist := 1. + bc.RadialK1*r2 + bc.RadialK2*r2*r2 + bc.RadialK3*r2*r2*r2
	radDistX := x * radDist
	radDistY := y * radDist
	tanDistX := 2.*bc.TangentialP1*x*y + bc.TangentialP2*(r2+2.*x*x)
	tanDistY := bc.TangentialP1*(r2+2.*y*y) + 2.*bc.TangentialP2*x*y
	return radDistX + tanDistX, radDistY + tanDistY
}

// Inverse returns the undistorting counterpart of the model.
func (bc *BrownConrady) Inverse() *InverseBrownConrady {
	if bc == nil {
		return &InverseBrownConrady{}
	}
	return &InverseBrownConrady{Forward: *bc}
}
