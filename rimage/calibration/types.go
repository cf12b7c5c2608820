// Package calibration estimates the intrinsic parameters of a projector, modeled as an inverse pinhole
// camera, from views of a known planar pattern.
package calibration

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"github.com/tinker/projcal/utils"
)

// minPointsPerView is the number of correspondences needed for a plane homography.
const minPointsPerView = 4

// planarTolerance is the largest |z| of a board point still treated as lying on the z = 0 plane,
// relative to the extent of the board.
const planarTolerance = 1e-9

// View is one observation of the pattern: board points paired index by index with the pixels
// they were seen at.
type View struct {
	ObjectPoints []r3.Vector `json:"object_points"`
	ImagePoints  []r2.Point  `json:"image_points"`
}

// CorrespondenceSet is the ordered list of views fed to the solver.
type CorrespondenceSet struct {
	Views []View `json:"views"`
}

// NewCorrespondenceSet returns a set with one view per image point slice, all sharing the template
// object points.
func NewCorrespondenceSet(template []r3.Vector, imagePoints ...[]r2.Point) *CorrespondenceSet {
	set := &CorrespondenceSet{}
	for _, pts := range imagePoints {
		set.AddView(template, pts)
	}
	return set
}

// AddView appends a view. The slices are copied.
func (s *CorrespondenceSet) AddView(objectPoints []r3.Vector, imagePoints []r2.Point) {
	s.Views = append(s.Views, View{
		ObjectPoints: append([]r3.Vector{}, objectPoints...),
		ImagePoints:  append([]r2.Point{}, imagePoints...),
	})
}

// NumViews returns the number of views.
func (s *CorrespondenceSet) NumViews() int {
	if s == nil {
		return 0
	}
	return len(s.Views)
}

// TotalPoints returns the number of correspondences across all views.
func (s *CorrespondenceSet) TotalPoints() int {
	total := 0
	for _, v := range s.Views {
		total += len(v.ImagePoints)
	}
	return total
}

// Validate checks the shape of the set: at least one view, matching counts inside each view and
// enough points per view to fit a homography.
func (s *CorrespondenceSet) Validate() error {
	if s.NumViews() == 0 {
		return newInsufficientDataError("no views")
	}
	for i, v := range s.Views {
		if len(v.ObjectPoints) != len(v.ImagePoints) {
			return newShapeMismatchError("view %d has %d object points and %d image points",
				i, len(v.ObjectPoints), len(v.ImagePoints))
		}
		if len(v.ObjectPoints) < minPointsPerView {
			return newInsufficientDataError("view %d has %d points, need at least %d", i, len(v.ObjectPoints), minPointsPerView)
		}
		for j, p := range v.ImagePoints {
			if !utils.IsFinite(p.X, p.Y) {
				return newShapeMismatchError("view %d image point %d is not finite", i, j)
			}
		}
		for j, p := range v.ObjectPoints {
			if !utils.IsFinite(p.X, p.Y, p.Z) {
				return newShapeMismatchError("view %d object point %d is not finite", i, j)
			}
		}
	}
	return nil
}

// IsPlanar reports whether every object point of every view lies on the z = 0 plane.
func (s *CorrespondenceSet) IsPlanar() bool {
	for _, v := range s.Views {
		extent := 0.
		for _, p := range v.ObjectPoints {
			extent = math.Max(extent, math.Max(math.Abs(p.X), math.Abs(p.Y)))
		}
		tol := planarTolerance * math.Max(extent, 1)
		for _, p := range v.ObjectPoints {
			if math.Abs(p.Z) > tol {
				return false
			}
		}
	}
	return true
}
