package calibration

import (
	"context"
	"image"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/tinker/projcal/logging"
	"github.com/tinker/projcal/spatialmath"
	"github.com/tinker/projcal/utils"
)

// fdStep is the relative step of the central differences used for the Jacobian.
const fdStep = 1e-6

// identicalPoseTolerance is how close two seeded poses must be to count as the same view.
const identicalPoseTolerance = 1e-9

// calibrationProblem is the reprojection error of every view as a function of the flat parameter vector.
type calibrationProblem struct {
	set    *CorrespondenceSet
	layout *paramLayout
}

type viewBlock struct {
	jtj  *mat.SymDense
	jtr  *mat.VecDense
	cost float64
}

func (p *calibrationProblem) numParams() int {
	return p.layout.size()
}

func (p *calibrationProblem) cost(ctx context.Context, x []float64) (float64, error) {
	model := p.layout.globals(x[:p.layout.numFree()]).model(p.layout.imageSize)
	sq := make([]float64, len(p.set.Views))
	err := utils.ParallelForEach(ctx, len(p.set.Views), func(i int) error {
		s, err := viewSquaredError(model, p.set.Views[i], p.layout.pose(x, i))
		sq[i] = s
		return err
	})
	if err != nil {
		return 0, err
	}
	return floats.Sum(sq), nil
}

// normalEquations builds JᵀJ and Jᵀr from per view blocks. The blocks are computed in parallel and
// summed in view order so the result does not depend on scheduling.
func (p *calibrationProblem) normalEquations(ctx context.Context, x []float64) (*mat.SymDense, *mat.VecDense, float64, error) {
	blocks := make([]viewBlock, len(p.set.Views))
	err := utils.ParallelForEach(ctx, len(p.set.Views), func(i int) error {
		b, err := p.viewBlock(x, i)
		if err != nil {
			return errors.Wrapf(err, "view %d", i)
		}
		blocks[i] = b
		return nil
	})
	if err != nil {
		return nil, nil, 0, err
	}

	n := p.layout.size()
	ng := p.layout.numFree()
	a := mat.NewSymDense(n, nil)
	g := mat.NewVecDense(n, nil)
	cost := 0.
	for v, b := range blocks {
		global := func(k int) int {
			if k < ng {
				return k
			}
			return p.layout.poseOffset(v) + k - ng
		}
		nl := b.jtr.Len()
		for k := 0; k < nl; k++ {
			gk := global(k)
			g.SetVec(gk, g.AtVec(gk)+b.jtr.AtVec(k))
			for l := k; l < nl; l++ {
				gl := global(l)
				a.SetSym(gk, gl, a.At(gk, gl)+b.jtj.At(k, l))
			}
		}
		cost += b.cost
	}
	return a, g, cost, nil
}

// viewBlock differentiates the residuals of one view with respect to the free shared parameters and
// the view's own pose. Other views' poses do not affect this view.
func (p *calibrationProblem) viewBlock(x []float64, view int) (viewBlock, error) {
	ng := p.layout.numFree()
	nl := ng + poseParams
	local := make([]float64, nl)
	copy(local[:ng], x[:ng])
	off := p.layout.poseOffset(view)
	copy(local[ng:], x[off:off+poseParams])

	v := p.set.Views[view]
	m := 2 * len(v.ObjectPoints)
	r := make([]float64, m)
	if err := p.localResiduals(local, v, r); err != nil {
		return viewBlock{}, err
	}

	jac := mat.NewDense(m, nl, nil)
	plus, minus := make([]float64, m), make([]float64, m)
	for k := 0; k < nl; k++ {
		orig := local[k]
		h := fdStep * math.Max(math.Abs(orig), 1)
		local[k] = orig + h
		if err := p.localResiduals(local, v, plus); err != nil {
			return viewBlock{}, err
		}
		local[k] = orig - h
		if err := p.localResiduals(local, v, minus); err != nil {
			return viewBlock{}, err
		}
		local[k] = orig
		for row := 0; row < m; row++ {
			jac.Set(row, k, (plus[row]-minus[row])/(2*h))
		}
	}

	jtj := mat.NewSymDense(nl, nil)
	jtj.SymOuterK(1, jac.T())
	jtr := mat.NewVecDense(nl, nil)
	jtr.MulVec(jac.T(), mat.NewVecDense(m, r))
	return viewBlock{jtj: jtj, jtr: jtr, cost: floats.Dot(r, r)}, nil
}

// localResiduals writes the x and y reprojection residuals of every point of the view into dst.
func (p *calibrationProblem) localResiduals(local []float64, v View, dst []float64) error {
	ng := p.layout.numFree()
	model := p.layout.globals(local[:ng]).model(p.layout.imageSize)
	projected, err := model.ProjectPoints(spatialmath.PoseFromParams(local[ng:]), v.ObjectPoints)
	if err != nil {
		return err
	}
	for j, px := range projected {
		dst[2*j] = px.X - v.ImagePoints[j].X
		dst[2*j+1] = px.Y - v.ImagePoints[j].Y
	}
	return nil
}

// Solve estimates the projector intrinsics, distortion and per view poses from the correspondence set.
//
// Problems found before optimizing (bad options, empty or malformed input, too few residuals, every
// view seen from the same pose) return a nil result. Problems found after optimizing (no convergence
// within cfg.MaxIterations, unconstrained parameters, values outside cfg.Bounds, cancellation) return
// the last optimizer state with Success false together with the error.
func Solve(
	ctx context.Context,
	set *CorrespondenceSet,
	imageSize image.Point,
	cfg Config,
	logger logging.Logger,
) (*Result, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if imageSize.X <= 0 || imageSize.Y <= 0 {
		return nil, errors.Wrapf(ErrInvalidConfig, "image size must be positive, got %v", imageSize)
	}
	if err := set.Validate(); err != nil {
		return nil, err
	}

	guess, err := initialize(set, imageSize, cfg, logger)
	if err != nil {
		return nil, err
	}
	if allPosesIdentical(guess.poses) {
		return nil, newDegenerateConfigurationError("all %d views show the board from the same pose", len(guess.poses))
	}

	layout := newParamLayout(cfg, guess.globals, set.NumViews(), imageSize)
	if residuals := 2 * set.TotalPoints(); residuals < layout.size() {
		return nil, newInsufficientDataError("%d residuals cannot determine %d parameters", residuals, layout.size())
	}
	problem := &calibrationProblem{set: set, layout: layout}
	logger.Debugw("starting optimization",
		"views", set.NumViews(), "points", set.TotalPoints(), "parameters", layout.size(), "flags", cfg.Flags().String())

	x, stats, err := levenbergMarquardt(ctx, problem, layout.pack(guess.poses), lmSettings{
		maxIterations: cfg.MaxIterations,
		tolerance:     cfg.Tolerance,
	}, logger)
	if errors.Is(err, ErrDegenerateProjection) {
		err = errors.Wrap(ErrDegenerateConfiguration, err.Error())
	}
	res := resultFromParams(layout, x)
	if err != nil {
		return res, err
	}
	perView, rms, evalErr := Evaluate(set, &res.Intrinsics, &res.Distortion, res.Extrinsics)
	if evalErr == nil {
		res.PerViewErrors, res.RMSError = perView, rms
	}
	if !stats.converged {
		logger.Warnw("optimization stopped before converging", "iterations", stats.iterations, "cost", stats.cost)
		return res, newDegenerateConfigurationError("optimization did not converge within %d iterations", stats.iterations)
	}
	logger.Debugw("optimization finished", "iterations", stats.iterations, "reason", stats.reason,
		"initial_cost", stats.initialCost, "cost", stats.cost)
	if evalErr != nil {
		return res, evalErr
	}

	a, _, _, err := problem.normalEquations(ctx, x)
	if err != nil {
		return res, err
	}
	if err := checkConditioning(a, cfg.MaxCondition); err != nil {
		return res, err
	}
	if err := res.CheckRange(cfg.Bounds); err != nil {
		return res, err
	}
	res.Success = true
	return res, nil
}

func resultFromParams(layout *paramLayout, x []float64) *Result {
	g := layout.globals(x[:layout.numFree()])
	return &Result{
		Intrinsics: *g.intrinsics(layout.imageSize),
		Distortion: *g.distortion(),
		Extrinsics: layout.poses(x),
	}
}

func allPosesIdentical(poses []spatialmath.Pose) bool {
	if len(poses) < 2 {
		return false
	}
	for _, p := range poses[1:] {
		scale := math.Max(1, poses[0].Translation.Norm())
		if !spatialmath.PoseAlmostEqual(poses[0], p, identicalPoseTolerance*scale) {
			return false
		}
	}
	return true
}
