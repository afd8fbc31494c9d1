// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package surface

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize" // source via "go get gonum.org/v1/gonum"
)

var errSingular = errors.New("singular linear system")
var errNoConvergence = errors.New("nonlinear fit did not converge")

// Escalating iteration budgets for the nonlinear fit. On non-convergence
// the next tier is tried; exhausting the last tier fails the solve.
var fitIterTiers = []int{10000, 100000, 1000000}

// Solves the linear system a*x=b in place with gaussian elimination and
// partial pivoting. Returns errSingular if no pivot can be found.
// a and b are overwritten
func gaussElim(a [][]float64, b []float64) ([]float64, error) {
	n := len(b)
	for col := 0; col < n; col++ {
		// find the row with the largest pivot in this column
		pivRow := col
		pivAbs := math.Abs(a[col][col])
		for row := col + 1; row < n; row++ {
			if v := math.Abs(a[row][col]); v > pivAbs {
				pivRow, pivAbs = row, v
			}
		}
		if pivAbs == 0 {
			return nil, errSingular
		}
		if pivRow != col {
			a[col], a[pivRow] = a[pivRow], a[col]
			b[col], b[pivRow] = b[pivRow], b[col]
		}

		// eliminate below the pivot
		for row := col + 1; row < n; row++ {
			factor := a[row][col] / a[col][col]
			for k := col; k < n; k++ {
				a[row][k] -= factor * a[col][k]
			}
			b[row] -= factor * b[col]
		}
	}

	// back substitution
	x := make([]float64, n)
	for row := n - 1; row >= 0; row-- {
		sum := b[row]
		for k := row + 1; k < n; k++ {
			sum -= a[row][k] * x[k]
		}
		x[row] = sum / a[row][row]
	}
	return x, nil
}

// Solves the overdetermined system design*par=rhs in the least squares
// sense via QR. Ill-conditioned systems still return their solution;
// only structural failures surface as errors
func solveLstSq(design *mat.Dense, rhs *mat.VecDense) ([]float64, error) {
	var x mat.VecDense
	if err := x.SolveVec(design, rhs); err != nil {
		if _, ok := err.(mat.Condition); !ok {
			return nil, err
		}
	}
	_, cols := design.Dims()
	par := make([]float64, cols)
	for i := range par {
		par[i] = x.AtVec(i)
	}
	return par, nil
}

// A surface model evaluated at one (x,y) location with the given parameters
type fitFunc func(par []float64, x, y float64) float64

// Fits the model to the given points with bounded nonlinear least squares.
// Minimizes the sum of squared residuals with Nelder-Mead, keeping the
// parameters within [lower,upper] via an infinite penalty. Retries with
// escalating iteration budgets before giving up
func curveFit(f fitFunc, xs, ys, values, p0, lower, upper []float64) ([]float64, error) {
	problem := optimize.Problem{
		Func: func(par []float64) float64 {
			for i := range par {
				if par[i] < lower[i] || par[i] > upper[i] {
					return math.Inf(1)
				}
			}
			sumSqDiff := 0.0
			for i, v := range values {
				diff := f(par, xs[i], ys[i]) - v
				sumSqDiff += diff * diff
			}
			return sumSqDiff
		},
	}

	for _, tier := range fitIterTiers {
		settings := &optimize.Settings{
			MajorIterations: tier,
			Converger: &optimize.FunctionConverge{
				Absolute:   1e-15,
				Relative:   1e-15,
				Iterations: 100,
			},
		}
		result, err := optimize.Minimize(problem, p0, settings, &optimize.NelderMead{})
		if err != nil || result == nil {
			continue // increase the iteration budget and retry
		}
		// Minimize reports an exhausted iteration budget with a nil error
		// and Status==IterationLimit, so check the status explicitly
		if result.Status == optimize.IterationLimit {
			continue
		}
		if math.IsInf(result.F, 1) || math.IsNaN(result.F) {
			continue
		}
		return result.X, nil
	}
	return nil, errNoConvergence
}
