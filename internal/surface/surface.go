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

// Package surface fits adjustable panel models to antenna aperture maps
// and derives surface corrections and screw adjustments from the fits
package surface

import (
	"errors"
	"fmt"
	"io"
	"math"
	"runtime"
	"strings"

	"github.com/mlnoga/dishfit/internal/telescope"
)

var (
	ErrNotSolved    = errors.New("surface must be fitted before it can be corrected")
	ErrNotCorrected = errors.New("surface must be corrected first")
)

// Default fraction of the maximum amplitude below which pixels are masked out
const DefaultCutoff = 0.21

// Default fraction of the panel span excluded from fitting at each edge
const DefaultMargin = 0.2

// Tunable settings for building a surface from an aperture map
type Params struct {
	Telescope  *telescope.Telescope
	Wavelength float64 // observing wavelength in meters
	Cutoff     float64 // amplitude threshold as fraction of the maximum, DefaultCutoff if zero
	Kind       string  // panel model, empty selects by dish layout
	Margin     float64 // panel edge margin fraction, DefaultMargin if negative
	Reso       float64 // aperture resolution in meters, pixel size if zero
	DevIsPhase bool    // the deviation input holds phases in radians instead of meters
}

// An antenna surface under analysis: the gridded aperture maps, the polar
// coordinate field and mask derived from them, and the dish partitioned
// into panels. Deviations are held in meters, phases in radians, with both
// representations kept in sync.
//
// Flat arrays are row major, indexed iy*nx+ix
type Surface struct {
	Tel        *telescope.Telescope
	Kind       PanelKind
	Wavelength float64
	Reso       float64
	Cut        float64 // absolute amplitude threshold, Cutoff*max(Amplitude)

	XAxis, YAxis LinearAxis
	NX, NY       int32

	Amplitude []float64
	Deviation []float64 // surface deviation in meters
	Phase     []float64 // same deviations expressed as phase in radians
	Rad, Phi  []float64 // polar coordinates of each pixel center
	Mask      []bool

	Panels    []*Panel
	Fallbacks int // panels that degraded to the mean model during fitting

	Corrections []float64 // correction to apply at each pixel, nil until corrected
	Residuals   []float64 // deviation remaining after correction
	PhaseCorr   []float64
	PhaseResid  []float64

	solved    bool
	corrected bool
}

// Builds a surface from gridded amplitude and deviation maps. The flat
// arrays must both hold one value per axis grid point. NaN deviations and
// amplitudes below the cutoff are masked out along with pixels outside the
// radial limits of the dish
func NewSurface(amplitude, deviation []float64, xAxis, yAxis LinearAxis, params *Params) (*Surface, error) {
	nx, ny := xAxis.N, yAxis.N
	if int32(len(amplitude)) != nx*ny || int32(len(deviation)) != nx*ny {
		return nil, fmt.Errorf("amplitude has %d and deviation %d values, expected %d x %d = %d",
			len(amplitude), len(deviation), nx, ny, nx*ny)
	}
	if params.Telescope == nil {
		return nil, errors.New("missing telescope description")
	}
	if err := params.Telescope.Validate(); err != nil {
		return nil, err
	}
	if params.Wavelength <= 0 {
		return nil, errors.New("wavelength must be positive")
	}

	cutoff := params.Cutoff
	if cutoff == 0 {
		cutoff = DefaultCutoff
	}
	margin := params.Margin
	if margin < 0 {
		margin = DefaultMargin
	}
	reso := params.Reso
	if reso == 0 {
		reso = math.Abs(xAxis.Delta)
	}

	kindName := params.Kind
	if kindName == "" {
		if params.Telescope.Ringed {
			kindName = "rotatedparaboloid"
		} else {
			kindName = "xyparaboloid"
		}
	}
	kind, err := ParsePanelKind(kindName)
	if err != nil {
		return nil, err
	}
	if kind.Corotated() && !params.Telescope.Ringed {
		return nil, fmt.Errorf("kind %s requires a ringed dish", kind)
	}

	s := &Surface{
		Tel:        params.Telescope,
		Kind:       kind,
		Wavelength: params.Wavelength,
		Reso:       reso,
		XAxis:      xAxis,
		YAxis:      yAxis,
		NX:         nx,
		NY:         ny,
		Amplitude:  amplitude,
	}
	s.Cut = cutoff * maxIgnoringNaNs(amplitude)

	s.buildPolar()
	if params.DevIsPhase {
		s.Phase = deviation
		s.Deviation = make([]float64, len(deviation))
		for i, ph := range deviation {
			s.Deviation[i] = s.phaseToDeviation(ph, s.Rad[i])
		}
	} else {
		s.Deviation = deviation
		s.Phase = make([]float64, len(deviation))
		for i, dev := range deviation {
			s.Phase[i] = s.deviationToPhase(dev, s.Rad[i])
		}
	}
	s.buildMask()
	s.buildRingPanels(margin)
	s.compilePanelPoints()
	return s, nil
}

func maxIgnoringNaNs(values []float64) float64 {
	max := math.Inf(-1)
	for _, v := range values {
		if !math.IsNaN(v) && v > max {
			max = v
		}
	}
	return max
}

// Fills the polar coordinate field from the axes. Pixels are sampled at
// their centers, and azimuths normalized to [0, 2*pi)
func (s *Surface) buildPolar() {
	n := int(s.NX) * int(s.NY)
	s.Rad = make([]float64, n)
	s.Phi = make([]float64, n)
	for iy := int32(0); iy < s.NY; iy++ {
		y := s.YAxis.Coord(float64(iy) + 0.5)
		for ix := int32(0); ix < s.NX; ix++ {
			x := s.XAxis.Coord(float64(ix) + 0.5)
			idx := iy*s.NX + ix
			s.Rad[idx] = math.Hypot(x, y)
			phi := math.Atan2(y, x)
			if phi < 0 {
				phi += 2 * math.Pi
			}
			s.Phi[idx] = phi
		}
	}
}

// Marks the pixels that carry usable signal: inside the radial limits of
// the dish, above the amplitude cutoff, and with a finite deviation
func (s *Surface) buildMask() {
	s.Mask = make([]bool, len(s.Amplitude))
	for i, amp := range s.Amplitude {
		s.Mask[i] = s.Rad[i] >= s.Tel.InLim && s.Rad[i] <= s.Tel.OuLim &&
			!math.IsNaN(amp) && amp >= s.Cut && !math.IsNaN(s.Deviation[i])
	}
}

// Creates the panels of each ring, ordered by ring and position
func (s *Surface) buildRingPanels(margin float64) {
	s.Panels = make([]*Panel, 0, s.Tel.TotalPanels())
	for ring := 0; ring < s.Tel.NRings; ring++ {
		span := 2 * math.Pi / float64(s.Tel.NPanel[ring])
		for pos := 0; pos < s.Tel.NPanel[ring]; pos++ {
			s.Panels = append(s.Panels,
				NewRingPanel(s.Kind, ring, pos, s.Tel.InRad[ring], s.Tel.OuRad[ring], span, margin))
		}
	}
}

// Distributes the masked pixels onto the panels. Each pixel goes to the
// first panel that contains it, as a fit sample when it lies in the
// fitting region and as a margin point otherwise
func (s *Surface) compilePanelPoints() {
	for iy := int32(0); iy < s.NY; iy++ {
		y := s.YAxis.Coord(float64(iy) + 0.5)
		for ix := int32(0); ix < s.NX; ix++ {
			idx := iy*s.NX + ix
			if !s.Mask[idx] {
				continue
			}
			x := s.XAxis.Coord(float64(ix) + 0.5)
			for _, p := range s.Panels {
				inside, inFit := p.IsInside(s.Rad[idx], s.Phi[idx])
				if !inside {
					continue
				}
				pt := Point{X: x, Y: y, IX: ix, IY: iy, Value: s.Deviation[idx]}
				if inFit {
					p.AddSample(pt)
				} else {
					p.AddMargin(pt)
				}
				break
			}
		}
	}
}

// Fits all panels, spreading the work over up to maxThreads goroutines.
// Zero or negative maxThreads selects the number of processors.
// Reports panels that fell back to the mean model on the log writer
func (s *Surface) FitSurface(logWriter io.Writer, maxThreads int) {
	if maxThreads <= 0 {
		maxThreads = runtime.GOMAXPROCS(0)
	}
	limiter := make(chan bool, maxThreads)
	for _, p := range s.Panels {
		limiter <- true
		go func(p *Panel) {
			defer func() { <-limiter }()
			p.Solve()
		}(p)
	}
	for i := 0; i < cap(limiter); i++ { // wait for goroutines to finish
		limiter <- true
	}

	s.Fallbacks = 0
	for _, p := range s.Panels {
		if p.FellBack {
			s.Fallbacks++
			fmt.Fprintf(logWriter, "Warning: panel %d-%d fell back to mean model\n", p.Ring+1, p.Position+1)
		}
	}
	s.solved = true
	fmt.Fprintf(logWriter, "Fitted %d panels with %s model, %d fallbacks\n",
		len(s.Panels), s.Kind, s.Fallbacks)
}

// Applies the fitted panel models to the surface. Fills the correction
// and residual arrays in both deviation and phase form. Masked pixels not
// claimed by any panel keep a zero correction and their original
// deviation; pixels outside the mask carry a NaN correction
func (s *Surface) CorrectSurface() error {
	if !s.solved {
		return ErrNotSolved
	}
	n := len(s.Deviation)
	s.Corrections = make([]float64, n)
	for i := range s.Corrections {
		if !s.Mask[i] {
			s.Corrections[i] = math.NaN()
		}
	}
	s.Residuals = make([]float64, n)
	copy(s.Residuals, s.Deviation)

	for _, p := range s.Panels {
		corr, err := p.Corrections()
		if err != nil {
			return err
		}
		for _, c := range corr {
			idx := c.IY*s.NX + c.IX
			s.Residuals[idx] -= c.Value
			s.Corrections[idx] = -c.Value
		}
	}

	s.PhaseCorr = make([]float64, n)
	s.PhaseResid = make([]float64, n)
	for i := range s.Corrections {
		s.PhaseCorr[i] = s.deviationToPhase(s.Corrections[i], s.Rad[i])
		s.PhaseResid[i] = s.deviationToPhase(s.Residuals[i], s.Rad[i])
	}
	s.corrected = true
	return nil
}

// Converts a phase in radians to a surface deviation in meters at the
// given dish radius, accounting for the reflector geometry
func (s *Surface) phaseToDeviation(phase, rad float64) float64 {
	acoeff := (s.Wavelength / (2 * math.Pi)) / (4.0 * s.Tel.Focus)
	return acoeff * phase * math.Sqrt(rad*rad+4.0*s.Tel.Focus*s.Tel.Focus)
}

// Converts a surface deviation in meters to a phase in radians at the
// given dish radius
func (s *Surface) deviationToPhase(deviation, rad float64) float64 {
	acoeff := (s.Wavelength / (2 * math.Pi)) / (4.0 * s.Tel.Focus)
	return deviation / (acoeff * math.Sqrt(rad*rad+4.0*s.Tel.Focus*s.Tel.Focus))
}

// Root mean square of the masked surface deviations, in millimeters
func (s *Surface) RMS() float64 {
	return m2mm * s.rmsOf(s.Deviation)
}

// Root mean square of the masked residual deviations after correction,
// in millimeters
func (s *Surface) ResidualRMS() (float64, error) {
	if !s.corrected {
		return 0, ErrNotCorrected
	}
	return m2mm * s.rmsOf(s.Residuals), nil
}

func (s *Surface) rmsOf(values []float64) float64 {
	sum, n := 0.0, 0
	for i, m := range s.Mask {
		if m {
			sum += values[i] * values[i]
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(n))
}

// Antenna gain before any correction, and the theoretical maximum for a
// perfect surface. Both in dB
func (s *Surface) Gains() (gain, theoretical float64) {
	return s.gainsOf(s.Phase)
}

// Antenna gain the corrected surface would achieve, and the theoretical
// maximum. Both in dB
func (s *Surface) ResidualGains() (gain, theoretical float64, err error) {
	if !s.corrected {
		return 0, 0, ErrNotCorrected
	}
	gain, theoretical = s.gainsOf(s.PhaseResid)
	return gain, theoretical, nil
}

// Ruze coherent sum of the masked phases against the theoretical gain of
// an aperture of the given resolution
func (s *Surface) gainsOf(phase []float64) (gain, theoretical float64) {
	thGain := 4 * math.Pi * (1000.0 * s.Reso / s.Wavelength) * (1000.0 * s.Reso / s.Wavelength)
	sumRe, sumIm, n := 0.0, 0.0, 0
	for i, m := range s.Mask {
		if m {
			sin, cos := math.Sincos(phase[i])
			sumRe += cos
			sumIm += sin
			n++
		}
	}
	g := thGain
	if n > 0 {
		g = thGain * math.Hypot(sumRe, sumIm) / float64(n)
	}
	return toDB(g), toDB(thGain)
}

func toDB(value float64) float64 {
	return 10 * math.Log10(value)
}

// Returns the panel at the given one-based ring and position
func (s *Surface) FetchPanel(ring, position int) (*Panel, error) {
	if ring < 1 || ring > s.Tel.NRings {
		return nil, fmt.Errorf("ring %d out of range [1, %d]", ring, s.Tel.NRings)
	}
	if position < 1 || position > s.Tel.NPanel[ring-1] {
		return nil, fmt.Errorf("panel %d out of range [1, %d] in ring %d", position, s.Tel.NPanel[ring-1], ring)
	}
	idx := position - 1
	for i := 0; i < ring-1; i++ {
		idx += s.Tel.NPanel[i]
	}
	return s.Panels[idx], nil
}

// Formats the screw adjustments of all panels as a text report in the
// given unit, "mm" or "mils"
func (s *Surface) ExportScrewAdjustments(unit string) (string, error) {
	if !s.corrected {
		return "", ErrNotCorrected
	}
	sb := strings.Builder{}
	fmt.Fprintf(&sb, "Screw adjustments for %s antenna\n", s.Tel.Name)
	fmt.Fprintf(&sb, "Adjustments are in %s\n\n", unit)
	fmt.Fprintf(&sb, "%5s%8s%8s %10s %10s %10s %10s\n", "", "Ring", "Panel", "il", "ir", "ol", "or")
	for _, p := range s.Panels {
		row, err := p.ExportAdjustments(unit)
		if err != nil {
			return "", err
		}
		sb.WriteString(row)
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

// Returns the screw adjustments of all panels as a flat list in meters,
// four values per panel in ring and position order
func (s *Surface) ScrewValues() ([]float64, error) {
	if !s.corrected {
		return nil, ErrNotCorrected
	}
	values := make([]float64, 0, 4*len(s.Panels))
	for _, p := range s.Panels {
		adj := p.ScrewAdjustments()
		values = append(values, adj[0], adj[1], adj[2], adj[3])
	}
	return values, nil
}
