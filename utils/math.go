package utils

import (
	"math"
	"math/rand"
)

// DegToRad converts degrees to radians.
func DegToRad(degrees float64) float64 {
	return degrees * math.Pi / 180
}

// IsFinite reports whether every value is neither NaN nor infinite.
func IsFinite(values ...float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// SampleRandomFloatRange samples a uniform value in [lo, hi).
func SampleRandomFloatRange(lo, hi float64, r *rand.Rand) float64 {
	return lo + r.Float64()*(hi-lo)
}
