package transform

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Homography is a 3x3 matrix (represented as a 2D array) used to transform a plane from one perspective to
// another. Indices are [row][column].
type Homography [3][3]float64

// NewHomography builds a homography from 9 values in row major order.
func NewHomography(vals []float64) (*Homography, error) {
	if len(vals) != 9 {
		return nil, errors.Errorf("input to NewHomography must have length of 9. Has length of %d", len(vals))
	}
	h := &Homography{}
	for i, v := range vals {
		h[i/3][i%3] = v
	}
	return h, nil
}

// At returns the element at row, col.
func (h *Homography) At(row, col int) float64 {
	return h[row][col]
}

// Apply maps a point through the homography.
func (h *Homography) Apply(pt r2.Point) r2.Point {
	x := h.At(0, 0)*pt.X + h.At(0, 1)*pt.Y + h.At(0, 2)
	y := h.At(1, 0)*pt.X + h.At(1, 1)*pt.Y + h.At(1, 2)
	z := h.At(2, 0)*pt.X + h.At(2, 1)*pt.Y + h.At(2, 2)
	return r2.Point{X: x / z, Y: y / z}
}

// Dense returns the homography as a gonum matrix.
func (h *Homography) Dense() *mat.Dense {
	m := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m.Set(i, j, h[i][j])
		}
	}
	return m
}

func homographyFromDense(m mat.Matrix) *Homography {
	h := &Homography{}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			h[i][j] = m.At(i, j)
		}
	}
	return h
}

// EstimateHomography computes the homography mapping src onto dst with the normalized direct linear
// transform. At least 4 correspondences in general position are needed. The result is scaled so that
// its bottom right element is 1 whenever that element is not zero.
func EstimateHomography(src, dst []r2.Point) (*Homography, error) {
	if len(src) != len(dst) {
		return nil, errors.Errorf("point sets have different lengths %d and %d", len(src), len(dst))
	}
	if len(src) < 4 {
		return nil, errors.Errorf("need at least 4 point correspondences to estimate a homography, got %d", len(src))
	}
	srcN, srcT, err := normalizePoints(src)
	if err != nil {
		return nil, errors.Wrap(err, "source points")
	}
	dstN, dstT, err := normalizePoints(dst)
	if err != nil {
		return nil, errors.Wrap(err, "destination points")
	}

	a := mat.NewDense(2*len(src), 9, nil)
	for i := range srcN {
		x, y := srcN[i].X, srcN[i].Y
		u, v := dstN[i].X, dstN[i].Y
		a.SetRow(2*i, []float64{-x, -y, -1, 0, 0, 0, u * x, u * y, u})
		a.SetRow(2*i+1, []float64{0, 0, 0, -x, -y, -1, v * x, v * y, v})
	}
	svd, err := performSVD(a)
	if err != nil {
		return nil, err
	}
	// the solution is one dimensional only if the 8th singular value is clearly non zero
	if svd.Values[7] <= 1e-10*svd.Values[0] {
		return nil, errors.New("point configuration is degenerate (collinear points?)")
	}
	hn := mat.NewDense(3, 3, nil)
	for i := 0; i < 9; i++ {
		hn.Set(i/3, i%3, svd.V.At(i, 8))
	}

	// undo normalization: H = dstT^-1 * Hn * srcT
	var dstTInv, tmp, h mat.Dense
	if err := dstTInv.Inverse(dstT); err != nil {
		return nil, errors.Wrap(err, "normalization transform is not invertible")
	}
	tmp.Mul(&dstTInv, hn)
	h.Mul(&tmp, srcT)

	if s := h.At(2, 2); math.Abs(s) > 1e-15 {
		h.Scale(1/s, &h)
	} else {
		h.Scale(1/mat.Norm(&h, 2), &h)
	}
	return homographyFromDense(&h), nil
}
