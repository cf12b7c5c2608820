package transform

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/tinker/projcal/spatialmath"
)

// normalizePoints3D is normalizePoints for 3D points: the centroid moves to the origin and the mean
// distance to it becomes sqrt(3). The applied 4x4 transform is returned with the points.
func normalizePoints3D(pts []r3.Vector) ([]r3.Vector, *mat.Dense, error) {
	if len(pts) == 0 {
		return nil, nil, errors.New("cannot normalize an empty point set")
	}
	mu := r3.Vector{}
	for _, pt := range pts {
		mu = mu.Add(pt)
	}
	mu = mu.Mul(1 / float64(len(pts)))
	d := 0.
	for _, pt := range pts {
		d += pt.Sub(mu).Norm() / float64(len(pts))
	}
	if d == 0 || math.IsNaN(d) || math.IsInf(d, 0) {
		return nil, nil, errors.New("points are coincident or not finite")
	}
	scale := math.Sqrt(3) / d
	T := mat.NewDense(4, 4, []float64{
		scale, 0, 0, -scale * mu.X,
		0, scale, 0, -scale * mu.Y,
		0, 0, scale, -scale * mu.Z,
		0, 0, 0, 1,
	})
	out := make([]r3.Vector, len(pts))
	for i, pt := range pts {
		out[i] = pt.Sub(mu).Mul(scale)
	}
	return out, T, nil
}

// EstimateProjectionMatrix computes the 3x4 matrix P with dst ~ P·[src; 1] by the normalized direct
// linear transform. At least 6 correspondences that do not all lie on one plane are needed.
func EstimateProjectionMatrix(src []r3.Vector, dst []r2.Point) (*mat.Dense, error) {
	if len(src) != len(dst) {
		return nil, errors.Errorf("point sets have different lengths %d and %d", len(src), len(dst))
	}
	if len(src) < 6 {
		return nil, errors.Errorf("need at least 6 point correspondences to estimate a projection matrix, got %d", len(src))
	}
	srcN, srcT, err := normalizePoints3D(src)
	if err != nil {
		return nil, errors.Wrap(err, "object points")
	}
	dstN, dstT, err := normalizePoints(dst)
	if err != nil {
		return nil, errors.Wrap(err, "image points")
	}

	a := mat.NewDense(2*len(src), 12, nil)
	for i := range srcN {
		x, y, z := srcN[i].X, srcN[i].Y, srcN[i].Z
		u, v := dstN[i].X, dstN[i].Y
		a.SetRow(2*i, []float64{x, y, z, 1, 0, 0, 0, 0, -u * x, -u * y, -u * z, -u})
		a.SetRow(2*i+1, []float64{0, 0, 0, 0, x, y, z, 1, -v * x, -v * y, -v * z, -v})
	}
	svd, err := performSVD(a)
	if err != nil {
		return nil, err
	}
	if svd.Values[10] <= 1e-10*svd.Values[0] {
		return nil, errors.New("point configuration is degenerate (coplanar points?)")
	}
	pn := mat.NewDense(3, 4, nil)
	for i := 0; i < 12; i++ {
		pn.Set(i/4, i%4, svd.V.At(i, 11))
	}

	// undo normalization: P = dstT^-1 * Pn * srcT
	var dstTInv, tmp, p mat.Dense
	if err := dstTInv.Inverse(dstT); err != nil {
		return nil, errors.Wrap(err, "normalization transform is not invertible")
	}
	tmp.Mul(&dstTInv, pn)
	p.Mul(&tmp, srcT)
	return &p, nil
}

// rq3 factors a 3x3 matrix into an upper triangular and an orthogonal matrix, m = upper * orth.
func rq3(m mat.Matrix) (*mat.Dense, *mat.Dense) {
	flip := mat.NewDense(3, 3, []float64{0, 0, 1, 0, 1, 0, 1, 0, 0})
	var flipped mat.Dense
	flipped.Mul(flip, m)

	var qr mat.QR
	qr.Factorize(flipped.T())
	var q, r mat.Dense
	qr.QTo(&q)
	qr.RTo(&r)

	var tmp, upper, orth mat.Dense
	tmp.Mul(flip, r.T())
	upper.Mul(&tmp, flip)
	orth.Mul(flip, q.T())
	return &upper, &orth
}

// DecomposeProjectionMatrix splits P = K·[R | t] into the camera matrix K, scaled so that its bottom
// right element is 1 and its diagonal is positive, and the pose (R, t) of the object frame in the
// camera frame.
func DecomposeProjectionMatrix(p mat.Matrix) (*mat.Dense, spatialmath.Pose, error) {
	if r, c := p.Dims(); r != 3 || c != 4 {
		return nil, spatialmath.Pose{}, errors.Errorf("expected a 3x4 matrix, got %dx%d", r, c)
	}
	m := mat.NewDense(3, 3, nil)
	m.Copy(p)
	last := mat.NewVecDense(3, []float64{p.At(0, 3), p.At(1, 3), p.At(2, 3)})

	det := mat.Det(m)
	if det == 0 || math.IsNaN(det) || math.IsInf(det, 0) {
		return nil, spatialmath.Pose{}, errors.New("projection matrix has a singular left block")
	}
	// P is only known up to scale; the sign that gives a proper rotation puts the object in front
	if det < 0 {
		m.Scale(-1, m)
		last.ScaleVec(-1, last)
	}

	k, rot := rq3(m)
	for i := 0; i < 3; i++ {
		if k.At(i, i) >= 0 {
			continue
		}
		for j := 0; j < 3; j++ {
			k.Set(j, i, -k.At(j, i))
			rot.Set(i, j, -rot.At(i, j))
		}
	}

	var kInv mat.Dense
	if err := kInv.Inverse(k); err != nil {
		return nil, spatialmath.Pose{}, errors.Wrap(err, "camera matrix is not invertible")
	}
	var t mat.VecDense
	t.MulVec(&kInv, last)
	k.Scale(1/k.At(2, 2), k)

	rm, err := spatialmath.RotationMatrixFromDense(rot)
	if err != nil {
		return nil, spatialmath.Pose{}, err
	}
	return k, spatialmath.NewPoseFromRotationMatrix(rm, r3.Vector{X: t.AtVec(0), Y: t.AtVec(1), Z: t.AtVec(2)}), nil
}
