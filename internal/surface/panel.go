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
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Unit conversion factors for screw adjustments
const (
	m2mm   = 1000.0
	m2mils = 1000.0 / 0.0254 // meters to milli-inches
)

var errPanelNotSolved = errors.New("cannot correct a panel that is not solved")

// Fractional inset of the screw positions from the panel edges
const screwInset = 0.1

// An aperture point collected by a panel: physical coordinates, pixel
// indices into the aperture grid, and the deviation value
type Point struct {
	X, Y   float64
	IX, IY int32
	Value  float64
}

// A per-pixel correction determined by a solved panel, to be written into
// the antenna-wide arrays by the surface that owns the panel
type Correction struct {
	IX, IY int32
	Value  float64
}

// A single adjustable reflector panel covering one angular sector of one
// ring of the dish. Collects the aperture points inside its bounds, fits
// its surface model to them, and evaluates per-point corrections.
//
// Samples and margins are append-only before solving and read-only after.
// The kind is fixed at construction; the only later transition is the
// irreversible fallback to the mean model, recorded in FellBack.
type Panel struct {
	Kind     PanelKind
	Ring     int // zero-based ring index
	Position int // zero-based position within the ring

	InRad     float64 // inner radius of the ring
	OuRad     float64 // outer radius of the ring
	AngleSpan float64 // angular extent, 2*pi/panels in ring
	AngleOfs  float64 // angular lower bound, position*span

	Center     [2]float64 // cartesian panel center, used by the paraboloid models
	Zeta       float64    // center angle, fixes the rotation of the corotated models
	MarginFrac float64    // fraction of the span excluded from fitting at each edge

	Screws [4][2]float64 // inner-left, inner-right, outer-left, outer-right

	Samples []Point // points fitted and corrected
	Margins []Point // points corrected but not fitted

	Par      []float64 // fitted parameters, nil until solved
	Solved   bool
	FellBack bool // the assigned kind failed and the panel degraded to mean
}

// Creates a panel for the given angular sector of a ring
func NewRingPanel(kind PanelKind, ring, position int, inRad, ouRad, angleSpan, marginFrac float64) *Panel {
	angleOfs := float64(position) * angleSpan
	zeta := angleOfs + 0.5*angleSpan
	radius := 0.5 * (inRad + ouRad)

	p := &Panel{
		Kind:       kind,
		Ring:       ring,
		Position:   position,
		InRad:      inRad,
		OuRad:      ouRad,
		AngleSpan:  angleSpan,
		AngleOfs:   angleOfs,
		Center:     [2]float64{radius * math.Cos(zeta), radius * math.Sin(zeta)},
		Zeta:       zeta,
		MarginFrac: marginFrac,
	}

	rIn := inRad + screwInset*(ouRad-inRad)
	rOu := ouRad - screwInset*(ouRad-inRad)
	aLeft := angleOfs + screwInset*angleSpan
	aRight := angleOfs + (1-screwInset)*angleSpan
	p.Screws[0] = [2]float64{rIn * math.Cos(aLeft), rIn * math.Sin(aLeft)}
	p.Screws[1] = [2]float64{rIn * math.Cos(aRight), rIn * math.Sin(aRight)}
	p.Screws[2] = [2]float64{rOu * math.Cos(aLeft), rOu * math.Sin(aLeft)}
	p.Screws[3] = [2]float64{rOu * math.Cos(aRight), rOu * math.Sin(aRight)}
	return p
}

// Tests whether polar coordinates fall inside the panel, and if so whether
// they fall inside the fitting region or the margin band near the edges.
// Bounds are half-open: lower inclusive, upper exclusive, so that points
// on a shared boundary belong to exactly one panel
func (p *Panel) IsInside(rad, phi float64) (inside, inFit bool) {
	if rad < p.InRad || rad >= p.OuRad {
		return false, false
	}
	if phi < p.AngleOfs || phi >= p.AngleOfs+p.AngleSpan {
		return false, false
	}
	radMargin := p.MarginFrac * (p.OuRad - p.InRad)
	phiMargin := p.MarginFrac * p.AngleSpan
	inFit = rad >= p.InRad+radMargin && rad < p.OuRad-radMargin &&
		phi >= p.AngleOfs+phiMargin && phi < p.AngleOfs+p.AngleSpan-phiMargin
	return true, inFit
}

// Adds a point to the list of points to be fitted
func (p *Panel) AddSample(pt Point) { p.Samples = append(p.Samples, pt) }

// Adds a point to the list of points to be corrected but not fitted
func (p *Panel) AddMargin(pt Point) { p.Margins = append(p.Margins, pt) }

// Fits the panel surface with the assigned model. Never fails: panels with
// fewer samples than model parameters, singular rigid systems and
// non-converging nonlinear fits all fall back to the mean model.
// The fallback is one-way and observable via FellBack
func (p *Panel) Solve() {
	if len(p.Samples) < p.Kind.NumPar() {
		p.fallback()
		return
	}

	var err error
	switch p.Kind {
	case PanelMean:
		p.solveMean()
	case PanelRigid:
		err = p.solveRigid()
	case PanelXYParaboloid, PanelRotatedParaboloid, PanelCorotatedParaboloid:
		err = p.solveParaboloid()
	case PanelLeastSquares:
		err = p.solveLeastSquares()
	case PanelCorotatedLstSq:
		err = p.solveCorotatedLstSq()
	default:
		err = fmt.Errorf("unknown panel kind %d", int(p.Kind))
	}
	if err != nil {
		p.fallback()
	}
}

// Degrades the panel to the mean model and solves with it
func (p *Panel) fallback() {
	p.Kind = PanelMean
	p.FellBack = true
	p.solveMean()
}

func (p *Panel) solveMean() {
	mean := 0.0
	if len(p.Samples) > 0 {
		for _, s := range p.Samples {
			mean += s.Value
		}
		mean /= float64(len(p.Samples))
	}
	p.Par = []float64{mean}
	p.Solved = true
}

// Fits a rigid plane z = a*x + b*y + c by accumulating the 3x3 normal
// equations over all samples with nonzero value, then solving with
// gaussian elimination
func (p *Panel) solveRigid() error {
	system := [][]float64{make([]float64, 3), make([]float64, 3), make([]float64, 3)}
	vector := make([]float64, 3)
	for _, s := range p.Samples {
		if s.Value == 0 {
			continue
		}
		system[0][0] += s.X * s.X
		system[0][1] += s.X * s.Y
		system[0][2] += s.X
		system[1][1] += s.Y * s.Y
		system[1][2] += s.Y
		system[2][2] += 1.0
		vector[0] += s.Value * s.X
		vector[1] += s.Value * s.Y
		vector[2] += s.Value
	}
	system[1][0] = system[0][1]
	system[2][0] = system[0][2]
	system[2][1] = system[1][2]

	par, err := gaussElim(system, vector)
	if err != nil {
		return err
	}
	p.Par = par
	p.Solved = true
	return nil
}

// Paraboloid bending only along the panel-local x and y directions
func (p *Panel) xyParaboloid(par []float64, x, y float64) float64 {
	u := x - p.Center[0]
	v := y - p.Center[1]
	return par[0]*u*u + par[1]*v*v + par[2]
}

// Paraboloid with a free rotation angle between the x,y and u,v systems.
// Degenerate in the combinations of theta, ucurv and vcurv
func (p *Panel) rotatedParaboloid(par []float64, x, y float64) float64 {
	theta := par[3]
	u := (x-p.Center[0])*math.Cos(theta) + (y-p.Center[1])*math.Sin(theta)
	v := (x-p.Center[0])*math.Sin(theta) + (y-p.Center[1])*math.Cos(theta)
	return par[0]*u*u + par[1]*v*v + par[2]
}

// Same as the rotated paraboloid, with the rotation fixed to the panel
// center angle. Not valid for panels that are not arranged in rings
func (p *Panel) corotatedParaboloid(par []float64, x, y float64) float64 {
	u := (x-p.Center[0])*math.Cos(p.Zeta) + (y-p.Center[1])*math.Sin(p.Zeta)
	v := (x-p.Center[0])*math.Sin(p.Zeta) + (y-p.Center[1])*math.Cos(p.Zeta)
	return par[0]*u*u + par[1]*v*v + par[2]
}

// Fits one of the paraboloid variants with bounded nonlinear least squares
func (p *Panel) solveParaboloid() error {
	n := len(p.Samples)
	xs, ys, values := make([]float64, n), make([]float64, n), make([]float64, n)
	mean := 0.0
	for i, s := range p.Samples {
		xs[i], ys[i], values[i] = s.X, s.Y, s.Value
		mean += s.Value
	}
	mean /= float64(n)

	p0 := []float64{100, 100, mean}
	lower := []float64{0, 0, math.Inf(-1)}
	upper := []float64{math.Inf(1), math.Inf(1), math.Inf(1)}

	var f fitFunc
	switch p.Kind {
	case PanelXYParaboloid:
		f = p.xyParaboloid
	case PanelRotatedParaboloid:
		f = p.rotatedParaboloid
		p0 = append(p0, 0)
		lower = append(lower, 0)
		upper = append(upper, math.Pi)
	case PanelCorotatedParaboloid:
		f = p.corotatedParaboloid
	}

	par, err := curveFit(f, xs, ys, values, p0, lower, upper)
	if err != nil {
		return err
	}
	p.Par = par
	p.Solved = true
	return nil
}

// Fits the full 9-parameter paraboloid
// a*x2y2 + b*x2y + c*xy2 + d*x2 + e*y2 + g*xy + h*x + i*y + j
// with linear least squares on the design matrix
func (p *Panel) solveLeastSquares() error {
	n := len(p.Samples)
	design := mat.NewDense(n, 9, nil)
	rhs := mat.NewVecDense(n, nil)
	for i, s := range p.Samples {
		xsq, ysq := s.X*s.X, s.Y*s.Y
		design.Set(i, 0, xsq*ysq)
		design.Set(i, 1, xsq*s.Y)
		design.Set(i, 2, ysq*s.X)
		design.Set(i, 3, xsq)
		design.Set(i, 4, ysq)
		design.Set(i, 5, s.X*s.Y)
		design.Set(i, 6, s.X)
		design.Set(i, 7, s.Y)
		design.Set(i, 8, 1.0)
		rhs.SetVec(i, s.Value)
	}
	par, err := solveLstSq(design, rhs)
	if err != nil {
		return err
	}
	p.Par = par
	p.Solved = true
	return nil
}

// Fits a*u2 + b*v2 + c with u,v in the corotated system, with linear
// least squares on the design matrix
func (p *Panel) solveCorotatedLstSq() error {
	n := len(p.Samples)
	design := mat.NewDense(n, 3, nil)
	rhs := mat.NewVecDense(n, nil)
	sin, cos := math.Sincos(p.Zeta)
	for i, s := range p.Samples {
		u := (s.X-p.Center[0])*cos + (s.Y-p.Center[1])*sin
		v := (s.X-p.Center[0])*sin + (s.Y-p.Center[1])*cos
		design.Set(i, 0, u*u)
		design.Set(i, 1, v*v)
		design.Set(i, 2, 1.0)
		rhs.SetVec(i, s.Value)
	}
	par, err := solveLstSq(design, rhs)
	if err != nil {
		return err
	}
	p.Par = par
	p.Solved = true
	return nil
}

// Evaluates the fitted model at the given physical coordinates.
// Must not be called before the panel is solved
func (p *Panel) CorrPoint(x, y float64) float64 {
	switch p.Kind {
	case PanelMean:
		return p.Par[0]
	case PanelRigid:
		return x*p.Par[0] + y*p.Par[1] + p.Par[2]
	case PanelXYParaboloid:
		return p.xyParaboloid(p.Par, x, y)
	case PanelRotatedParaboloid:
		return p.rotatedParaboloid(p.Par, x, y)
	case PanelCorotatedParaboloid, PanelCorotatedLstSq:
		return p.corotatedParaboloid(p.Par, x, y)
	case PanelLeastSquares:
		xsq, ysq := x*x, y*y
		point := p.Par[0]*xsq*ysq + p.Par[1]*xsq*y + p.Par[2]*ysq*x
		point += p.Par[3]*xsq + p.Par[4]*ysq + p.Par[5]*x*y
		point += p.Par[6]*x + p.Par[7]*y + p.Par[8]
		return point
	}
	return math.NaN()
}

// Evaluates the fitted model at every collected point, fit samples and
// margin points alike, and returns the pixel indices with the correction
// values. The owning surface performs the actual array writes
func (p *Panel) Corrections() ([]Correction, error) {
	if !p.Solved {
		return nil, errPanelNotSolved
	}
	corr := make([]Correction, 0, len(p.Samples)+len(p.Margins))
	for _, s := range p.Samples {
		corr = append(corr, Correction{IX: s.IX, IY: s.IY, Value: p.CorrPoint(s.X, s.Y)})
	}
	for _, m := range p.Margins {
		corr = append(corr, Correction{IX: m.IX, IY: m.IY, Value: p.CorrPoint(m.X, m.Y)})
	}
	return corr, nil
}

// Evaluates the fitted model at the four screw positions, in meters
func (p *Panel) ScrewAdjustments() [4]float64 {
	var adj [4]float64
	for i, screw := range p.Screws {
		adj[i] = p.CorrPoint(screw[0], screw[1])
	}
	return adj
}

// Maps a screw adjustment unit to its conversion factor from meters
func screwUnitFactor(unit string) (float64, error) {
	switch unit {
	case "mm":
		return m2mm, nil
	case "mils":
		return m2mils, nil
	}
	return 0, fmt.Errorf("unknown unit %q", unit)
}

// Formats the screw adjustments of this panel as one text table row
func (p *Panel) ExportAdjustments(unit string) (string, error) {
	fac, err := screwUnitFactor(unit)
	if err != nil {
		return "", err
	}
	sb := strings.Builder{}
	fmt.Fprintf(&sb, "%5s%8d%8d", "", p.Ring+1, p.Position+1)
	for _, adj := range p.ScrewAdjustments() {
		fmt.Fprintf(&sb, " %10.2f", fac*adj)
	}
	return sb.String(), nil
}
