package calibration

import (
	"context"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/tinker/projcal/logging"
)

const (
	initialLambda = 1e-3
	minLambda     = 1e-15
	maxLambda     = 1e16
	// stepTolerance stops the iteration once a step no longer moves the parameters.
	stepTolerance = 1e-14
	// minDamping keeps the damped diagonal positive for parameters the data barely touches.
	minDamping = 1e-12
)

// leastSquaresProblem is a sum of squared residuals over a flat parameter vector.
type leastSquaresProblem interface {
	numParams() int
	// cost returns the sum of squared residuals at x.
	cost(ctx context.Context, x []float64) (float64, error)
	// normalEquations returns JᵀJ, Jᵀr and the cost at x.
	normalEquations(ctx context.Context, x []float64) (*mat.SymDense, *mat.VecDense, float64, error)
}

type lmSettings struct {
	maxIterations int
	tolerance     float64
}

type lmStats struct {
	iterations  int
	initialCost float64
	cost        float64
	lambda      float64
	converged   bool
	reason      string
}

// levenbergMarquardt minimizes the problem starting at x0. Each iteration solves
// (JᵀJ + λ·diag(JᵀJ)) δ = -Jᵀr with a Cholesky factorization. A step is kept only if it lowers the
// cost, in which case λ shrinks tenfold; otherwise λ grows tenfold and the step is retried. Trial
// points whose projection is degenerate count as infinitely expensive.
func levenbergMarquardt(
	ctx context.Context,
	p leastSquaresProblem,
	x0 []float64,
	settings lmSettings,
	logger logging.Logger,
) ([]float64, lmStats, error) {
	n := p.numParams()
	if len(x0) != n {
		return nil, lmStats{}, newShapeMismatchError("initial vector has %d parameters, expected %d", len(x0), n)
	}
	x := append([]float64{}, x0...)
	stats := lmStats{lambda: initialLambda}

	a, g, cost, err := p.normalEquations(ctx, x)
	if err != nil {
		return x, stats, err
	}
	stats.initialCost, stats.cost = cost, cost

	var chol mat.Cholesky
	damped := mat.NewSymDense(n, nil)
	delta := mat.NewVecDense(n, nil)
	negG := mat.NewVecDense(n, nil)
	trial := make([]float64, n)

	for stats.iterations < settings.maxIterations {
		if err := ctx.Err(); err != nil {
			return x, stats, err
		}
		if cost == 0 {
			stats.converged, stats.reason = true, "zero cost"
			return x, stats, nil
		}
		negG.ScaleVec(-1, g)

		var newCost float64
		for {
			if stats.lambda > maxLambda {
				stats.converged, stats.reason = true, "no further decrease possible"
				return x, stats, nil
			}
			damped.CopySym(a)
			for i := 0; i < n; i++ {
				d := math.Max(a.At(i, i), minDamping)
				damped.SetSym(i, i, a.At(i, i)+stats.lambda*d)
			}
			if ok := chol.Factorize(damped); !ok {
				stats.lambda *= 10
				continue
			}
			if err := chol.SolveVecTo(delta, negG); err != nil {
				var cond mat.Condition
				if !errors.As(err, &cond) {
					stats.lambda *= 10
					continue
				}
			}
			for i := range trial {
				trial[i] = x[i] + delta.AtVec(i)
			}
			newCost, err = p.cost(ctx, trial)
			if err != nil {
				if !errors.Is(err, ErrDegenerateProjection) {
					return x, stats, err
				}
				newCost = math.Inf(1)
			}
			if newCost < cost {
				break
			}
			stats.lambda *= 10
		}

		stats.iterations++
		stepNorm := floats.Norm(delta.RawVector().Data, 2)
		xNorm := floats.Norm(x, 2)
		relDecrease := (cost - newCost) / cost
		copy(x, trial)
		cost = newCost
		stats.cost = cost
		stats.lambda = math.Max(stats.lambda/10, minLambda)
		logger.Debugw("step accepted", "iteration", stats.iterations, "cost", cost, "lambda", stats.lambda, "step", stepNorm)

		if relDecrease < settings.tolerance {
			stats.converged, stats.reason = true, "relative cost decrease below tolerance"
			return x, stats, nil
		}
		if stepNorm <= stepTolerance*(xNorm+stepTolerance) {
			stats.converged, stats.reason = true, "step below tolerance"
			return x, stats, nil
		}
		a, g, _, err = p.normalEquations(ctx, x)
		if err != nil {
			return x, stats, err
		}
	}
	stats.reason = "max iterations reached"
	return x, stats, nil
}

// checkConditioning scales the normal matrix to a unit diagonal and rejects it when it is singular or
// its condition number exceeds maxCondition, meaning some parameter combination is not determined by
// the data.
func checkConditioning(a *mat.SymDense, maxCondition float64) error {
	n := a.SymmetricDim()
	scale := make([]float64, n)
	for i := 0; i < n; i++ {
		d := a.At(i, i)
		if !(d > 0) || math.IsInf(d, 0) {
			return newDegenerateConfigurationError("parameter %d is not constrained by the data", i)
		}
		scale[i] = 1 / math.Sqrt(d)
	}
	scaled := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			scaled.SetSym(i, j, a.At(i, j)*scale[i]*scale[j])
		}
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(scaled); !ok {
		return newDegenerateConfigurationError("normal equations are singular")
	}
	if c := chol.Cond(); c > maxCondition || math.IsNaN(c) {
		return newDegenerateConfigurationError("normal equations are ill conditioned (condition number %.3g)", c)
	}
	return nil
}
