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

package job

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mlnoga/dishfit/internal/aperture"
)

// writes a synthetic 64x64 aperture map pair for a full VLA dish to the
// given directory and returns the two file names
func writeTestMaps(t *testing.T, dir string, dev float64) (ampFile, devFile string) {
	t.Helper()
	build := func(value float64) *aperture.Map {
		m := aperture.NewMap()
		m.Bitpix = -64
		m.Naxisn = []int32{64, 64}
		m.Pixels = 64 * 64
		m.Data = make([]float64, 64*64)
		for i := range m.Data {
			m.Data[i] = value
		}
		m.Header.Floats["CRPIX1"] = 32
		m.Header.Floats["CRVAL1"] = 0
		m.Header.Floats["CDELT1"] = 0.4
		m.Header.Floats["CRPIX2"] = 32
		m.Header.Floats["CRVAL2"] = 0
		m.Header.Floats["CDELT2"] = 0.4
		m.Header.History = []string{
			"AIPS Visibilities = 16900",
			"AIPS Observing wavelength: 0.007 m",
			"AIPS Antenna surface limits: -2.0 12.5 m",
		}
		return m
	}

	ampFile = filepath.Join(dir, "amp.fits")
	devFile = filepath.Join(dir, "dev.fits")
	if err := build(1.0).WriteFile(ampFile); err != nil {
		t.Fatalf("writing amplitude: %s", err.Error())
	}
	if err := build(dev).WriteFile(devFile); err != nil {
		t.Fatalf("writing deviation: %s", err.Error())
	}
	return ampFile, devFile
}

func TestJobRun(t *testing.T) {
	dir := t.TempDir()
	ampFile, devFile := writeTestMaps(t, dir, 0.0015)
	screwsFile := filepath.Join(dir, "screws.txt")
	residFile := filepath.Join(dir, "resid.fits")

	j := &Job{
		AmpFile:    ampFile,
		DevFile:    devFile,
		Telescope:  "VLA",
		Kind:       "mean",
		ScrewsFile: screwsFile,
		ResidFile:  residFile,
		Unit:       "mm",
	}
	s, err := j.Run(NewContext(io.Discard))
	if err != nil {
		t.Fatalf("running job: %s", err.Error())
	}

	// wavelength and limits come from the FITS history
	if s.Wavelength != 0.007 {
		t.Errorf("wavelength got %g expect 0.007", s.Wavelength)
	}
	if s.Tel.InLim != 2.0 || s.Tel.OuLim != 12.5 {
		t.Errorf("limits got %g,%g expect 2,12.5", s.Tel.InLim, s.Tel.OuLim)
	}

	resRMS, err := s.ResidualRMS()
	if err != nil {
		t.Fatalf("residual RMS: %s", err.Error())
	}
	if resRMS > 1e-9 {
		t.Errorf("residual RMS %g on constant surface", resRMS)
	}

	report, err := os.ReadFile(screwsFile)
	if err != nil {
		t.Fatalf("reading screw report: %s", err.Error())
	}
	if !strings.Contains(string(report), "VLA") || !strings.Contains(string(report), "1.50") {
		t.Errorf("unexpected screw report %q", string(report)[:80])
	}

	// the residual map parses back with the same grid
	back, err := aperture.NewMapFromFile(residFile, 0, io.Discard)
	if err != nil {
		t.Fatalf("reading residual map: %s", err.Error())
	}
	if back.Naxisn[0] != 64 || back.Naxisn[1] != 64 {
		t.Errorf("residual map dimensions got %s", back.DimensionsToString())
	}
	if _, err := back.Axis(1); err != nil {
		t.Errorf("residual map lost its axis keywords: %s", err.Error())
	}
}

func TestJobRunMissingTelescope(t *testing.T) {
	dir := t.TempDir()
	ampFile, devFile := writeTestMaps(t, dir, 0.001)
	j := &Job{AmpFile: ampFile, DevFile: devFile}
	if _, err := j.Run(NewContext(io.Discard)); err == nil {
		t.Errorf("expected error without telescope")
	}
}

func TestJobRunMissingFiles(t *testing.T) {
	j := &Job{Telescope: "VLA"}
	if _, err := j.Run(NewContext(io.Discard)); err == nil {
		t.Errorf("expected error without input files")
	}
	j = &Job{Telescope: "VLA", AmpFile: "no-such.fits", DevFile: "neither.fits"}
	if _, err := j.Run(NewContext(io.Discard)); err == nil {
		t.Errorf("expected error for missing input files")
	}
}

func TestContextJobLimit(t *testing.T) {
	cases := []struct {
		memoryMB   int
		maxThreads int
		limit      int
	}{
		{16 * 1024, 8, 8},          // plenty of memory, thread-bound
		{2 * 1024, 8, 4},           // memory holds fewer jobs than threads
		{256, 8, 1},                // always at least one job
		{estJobMB * 3, 2, 2},       // thread cap below memory cap
	}
	for _, c := range cases {
		ctx := &Context{MemoryMB: c.memoryMB, MaxThreads: c.maxThreads}
		if got := ctx.JobLimit(); got != c.limit {
			t.Errorf("JobLimit with %d MiB, %d threads got %d expect %d",
				c.memoryMB, c.maxThreads, got, c.limit)
		}
	}
}

func TestIsPathAllowed(t *testing.T) {
	cases := []struct {
		path  string
		allow bool
	}{
		{"amp.fits", true},
		{"maps/amp.fits", true},
		{"/etc/passwd", false},
		{"../amp.fits", false},
		{"maps/../../amp.fits", false},
	}
	for _, c := range cases {
		if got := IsPathAllowed(c.path); got != c.allow {
			t.Errorf("IsPathAllowed(%q) got %v expect %v", c.path, got, c.allow)
		}
	}
}
