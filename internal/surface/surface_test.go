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
	"io"
	"math"
	"strings"
	"testing"

	"github.com/valyala/fastrand"

	"github.com/mlnoga/dishfit/internal/telescope"
)

const testWavelength = 0.02

func testAxes(t *testing.T) (LinearAxis, LinearAxis) {
	t.Helper()
	xAxis, err := NewLinearAxis(64, 32, 0, 0.4)
	if err != nil {
		t.Fatalf("creating axis: %s", err.Error())
	}
	yAxis, err := NewLinearAxis(64, 32, 0, 0.4)
	if err != nil {
		t.Fatalf("creating axis: %s", err.Error())
	}
	return xAxis, yAxis
}

// builds a surface over the full VLA dish with unit amplitude and the
// given constant deviation
func newTestSurface(t *testing.T, dev float64, kind string) *Surface {
	t.Helper()
	xAxis, yAxis := testAxes(t)
	n := int(xAxis.N) * int(yAxis.N)
	amplitude := make([]float64, n)
	deviation := make([]float64, n)
	for i := range amplitude {
		amplitude[i] = 1.0
		deviation[i] = dev
	}
	s, err := NewSurface(amplitude, deviation, xAxis, yAxis, &Params{
		Telescope:  telescope.VLA(),
		Wavelength: testWavelength,
		Kind:       kind,
	})
	if err != nil {
		t.Fatalf("creating surface: %s", err.Error())
	}
	return s
}

func TestSurfaceDimensionMismatch(t *testing.T) {
	xAxis, yAxis := testAxes(t)
	amplitude := make([]float64, 64*64)
	deviation := make([]float64, 64*63)
	_, err := NewSurface(amplitude, deviation, xAxis, yAxis, &Params{
		Telescope:  telescope.VLA(),
		Wavelength: testWavelength,
	})
	if err == nil {
		t.Errorf("expected error for mismatched array sizes")
	}
}

func TestSurfaceDefaultKind(t *testing.T) {
	s := newTestSurface(t, 0, "")
	if s.Kind != PanelRotatedParaboloid {
		t.Errorf("ringed dish default kind got %s expect rotatedparaboloid", s.Kind)
	}
}

func TestSurfaceMaskRespectsLimitsAndCutoff(t *testing.T) {
	s := newTestSurface(t, 0.001, "mean")
	for i, masked := range s.Mask {
		inLimits := s.Rad[i] >= s.Tel.InLim && s.Rad[i] <= s.Tel.OuLim
		if masked && !inLimits {
			t.Fatalf("masked pixel %d at radius %f outside limits", i, s.Rad[i])
		}
		if !masked && inLimits {
			t.Fatalf("unmasked pixel %d at radius %f inside limits", i, s.Rad[i])
		}
	}
}

func TestSurfaceMaskDropsNaNsAndWeakSignal(t *testing.T) {
	xAxis, yAxis := testAxes(t)
	n := int(xAxis.N) * int(yAxis.N)
	amplitude := make([]float64, n)
	deviation := make([]float64, n)
	for i := range amplitude {
		amplitude[i] = 1.0
	}
	// pick two pixels known to lie on the dish
	idx1 := 32*64 + 32 + 12 // about 5 m out on the x axis
	idx2 := 32*64 + 32 - 12
	idx3 := 32*64 + 32 + 13
	amplitude[idx1] = 0.05 // below the 0.21 cutoff
	deviation[idx2] = math.NaN()
	amplitude[idx3] = 0.21 // exactly at the cutoff fraction of max

	s, err := NewSurface(amplitude, deviation, xAxis, yAxis, &Params{
		Telescope:  telescope.VLA(),
		Wavelength: testWavelength,
		Kind:       "mean",
	})
	if err != nil {
		t.Fatalf("creating surface: %s", err.Error())
	}
	if s.Mask[idx1] {
		t.Errorf("pixel below amplitude cutoff must be masked out")
	}
	if s.Mask[idx2] {
		t.Errorf("pixel with NaN deviation must be masked out")
	}
	if !s.Mask[idx3] {
		t.Errorf("pixel exactly at the amplitude cutoff must stay masked in")
	}
}

func TestSurfacePartition(t *testing.T) {
	s := newTestSurface(t, 0.001, "mean")
	if len(s.Panels) != s.Tel.TotalPanels() {
		t.Fatalf("got %d panels expect %d", len(s.Panels), s.Tel.TotalPanels())
	}

	// no pixel may be claimed by more than one panel
	seen := map[[2]int32]bool{}
	points := 0
	for _, p := range s.Panels {
		for _, pt := range append(append([]Point{}, p.Samples...), p.Margins...) {
			key := [2]int32{pt.IX, pt.IY}
			if seen[key] {
				t.Fatalf("pixel %d,%d claimed twice", pt.IX, pt.IY)
			}
			seen[key] = true
			idx := pt.IY*s.NX + pt.IX
			if !s.Mask[idx] {
				t.Fatalf("pixel %d,%d claimed but not masked", pt.IX, pt.IY)
			}
			points++
		}
	}
	if points == 0 {
		t.Fatalf("no pixels claimed by any panel")
	}

	// every masked pixel inside some ring must be claimed
	masked := 0
	for i, m := range s.Mask {
		if m && s.Rad[i] >= s.Tel.InRad[0] && s.Rad[i] < s.Tel.OuRad[s.Tel.NRings-1] {
			masked++
		}
	}
	if points < masked {
		t.Errorf("claimed %d pixels but %d masked pixels lie on rings", points, masked)
	}
}

func TestSurfaceRMS(t *testing.T) {
	s := newTestSurface(t, 0.002, "mean")
	if got := s.RMS(); math.Abs(got-2.0) > 1e-9 {
		t.Errorf("constant deviation RMS got %g expect 2.0 mm", got)
	}
	s = newTestSurface(t, 0, "mean")
	if got := s.RMS(); got != 0 {
		t.Errorf("zero deviation RMS got %g expect 0", got)
	}
}

func TestPhaseDeviationRoundTrip(t *testing.T) {
	s := newTestSurface(t, 0, "mean")
	rng := fastrand.RNG{}
	for i := 0; i < 1000; i++ {
		rad := 2.0 + 10.0*float64(rng.Uint32n(10000))/10000.0
		dev := -0.005 + 0.01*float64(rng.Uint32n(10000))/10000.0
		back := s.phaseToDeviation(s.deviationToPhase(dev, rad), rad)
		if math.Abs(back-dev) > 1e-15 {
			t.Errorf("deviation %g at radius %g round trips to %g", dev, rad, back)
		}
	}
}

func TestSurfaceCorrectBeforeFit(t *testing.T) {
	s := newTestSurface(t, 0.001, "mean")
	if err := s.CorrectSurface(); err != ErrNotSolved {
		t.Errorf("expected ErrNotSolved, got %v", err)
	}
	if _, err := s.ExportScrewAdjustments("mm"); err != ErrNotCorrected {
		t.Errorf("expected ErrNotCorrected, got %v", err)
	}
	if _, err := s.ScrewValues(); err != ErrNotCorrected {
		t.Errorf("expected ErrNotCorrected, got %v", err)
	}
	if _, err := s.ResidualRMS(); err != ErrNotCorrected {
		t.Errorf("expected ErrNotCorrected, got %v", err)
	}
}

func TestSurfaceFullPipelineMean(t *testing.T) {
	s := newTestSurface(t, 0.0015, "mean")
	s.FitSurface(io.Discard, 0)
	if s.Fallbacks > 0 {
		t.Errorf("%d panels fell back on constant data", s.Fallbacks)
	}
	if err := s.CorrectSurface(); err != nil {
		t.Fatalf("correcting surface: %s", err.Error())
	}

	// the mean model reproduces a constant surface exactly
	resRMS, err := s.ResidualRMS()
	if err != nil {
		t.Fatalf("residual RMS: %s", err.Error())
	}
	if resRMS > 1e-9 {
		t.Errorf("residual RMS %g on constant surface", resRMS)
	}
	if resRMS > s.RMS() {
		t.Errorf("correction increased RMS from %g to %g", s.RMS(), resRMS)
	}

	// corrections point opposite the deviations on claimed pixels
	for _, p := range s.Panels {
		for _, pt := range p.Samples {
			idx := pt.IY*s.NX + pt.IX
			if math.Abs(s.Corrections[idx]-(-0.0015)) > 1e-12 {
				t.Fatalf("correction at %d got %g expect -0.0015", idx, s.Corrections[idx])
			}
			if math.Abs(s.Residuals[idx]) > 1e-12 {
				t.Fatalf("residual at %d got %g expect 0", idx, s.Residuals[idx])
			}
		}
	}

	// off-dish pixels have no defined correction
	if corner := s.Corrections[0]; !math.IsNaN(corner) {
		t.Errorf("correction outside the mask got %g expect NaN", corner)
	}

	values, err := s.ScrewValues()
	if err != nil {
		t.Fatalf("screw values: %s", err.Error())
	}
	if len(values) != 4*len(s.Panels) {
		t.Fatalf("got %d screw values expect %d", len(values), 4*len(s.Panels))
	}

	report, err := s.ExportScrewAdjustments("mm")
	if err != nil {
		t.Fatalf("exporting screws: %s", err.Error())
	}
	if !strings.Contains(report, "VLA") || !strings.Contains(report, "Adjustments are in mm") {
		t.Errorf("report header missing, got %q", report[:80])
	}
	if len(strings.Split(strings.TrimSpace(report), "\n")) < len(s.Panels) {
		t.Errorf("report has fewer rows than panels")
	}
}

func TestSurfaceGains(t *testing.T) {
	s := newTestSurface(t, 0.0005, "mean")
	gain, theoretical := s.Gains()
	if gain > theoretical {
		t.Errorf("gain %f dB above theoretical %f dB", gain, theoretical)
	}

	s.FitSurface(io.Discard, 0)
	if err := s.CorrectSurface(); err != nil {
		t.Fatalf("correcting surface: %s", err.Error())
	}
	resGain, resTheoretical, err := s.ResidualGains()
	if err != nil {
		t.Fatalf("residual gains: %s", err.Error())
	}
	if resTheoretical != theoretical {
		t.Errorf("theoretical gain changed from %f to %f", theoretical, resTheoretical)
	}
	if resGain < gain-1e-9 {
		t.Errorf("correction lowered gain from %f to %f dB", gain, resGain)
	}
}

func TestSurfaceFetchPanel(t *testing.T) {
	s := newTestSurface(t, 0, "mean")

	p, err := s.FetchPanel(1, 1)
	if err != nil {
		t.Fatalf("fetching 1,1: %s", err.Error())
	}
	if p.Ring != 0 || p.Position != 0 {
		t.Errorf("panel 1,1 got ring %d position %d", p.Ring, p.Position)
	}

	p, err = s.FetchPanel(2, 3)
	if err != nil {
		t.Fatalf("fetching 2,3: %s", err.Error())
	}
	if p.Ring != 1 || p.Position != 2 {
		t.Errorf("panel 2,3 got ring %d position %d", p.Ring, p.Position)
	}
	if p != s.Panels[s.Tel.NPanel[0]+2] {
		t.Errorf("panel 2,3 not at cumulative index")
	}

	if _, err = s.FetchPanel(0, 1); err == nil {
		t.Errorf("expected error for ring 0")
	}
	if _, err = s.FetchPanel(7, 1); err == nil {
		t.Errorf("expected error for ring beyond last")
	}
	if _, err = s.FetchPanel(1, 13); err == nil {
		t.Errorf("expected error for position beyond ring size")
	}
}

func TestSurfaceDevIsPhase(t *testing.T) {
	xAxis, yAxis := testAxes(t)
	n := int(xAxis.N) * int(yAxis.N)
	amplitude := make([]float64, n)
	phase := make([]float64, n)
	for i := range amplitude {
		amplitude[i] = 1.0
		phase[i] = 0.3
	}
	s, err := NewSurface(amplitude, phase, xAxis, yAxis, &Params{
		Telescope:  telescope.VLA(),
		Wavelength: testWavelength,
		Kind:       "mean",
		DevIsPhase: true,
	})
	if err != nil {
		t.Fatalf("creating surface: %s", err.Error())
	}
	for i, m := range s.Mask {
		if !m {
			continue
		}
		if s.Phase[i] != 0.3 {
			t.Fatalf("phase at %d got %g expect 0.3", i, s.Phase[i])
		}
		expect := s.phaseToDeviation(0.3, s.Rad[i])
		if math.Abs(s.Deviation[i]-expect) > 1e-15 {
			t.Fatalf("deviation at %d got %g expect %g", i, s.Deviation[i], expect)
		}
	}
}

func TestSurfaceCorotatedNeedsRings(t *testing.T) {
	xAxis, yAxis := testAxes(t)
	n := int(xAxis.N) * int(yAxis.N)
	tel := telescope.VLA()
	tel.Ringed = false
	tel.NRings, tel.NPanel, tel.InRad, tel.OuRad = 0, nil, nil, nil
	_, err := NewSurface(make([]float64, n), make([]float64, n), xAxis, yAxis, &Params{
		Telescope:  tel,
		Wavelength: testWavelength,
		Kind:       "corotatedparaboloid",
	})
	if err == nil {
		t.Errorf("expected error for corotated kind on non-ringed dish")
	}
}
