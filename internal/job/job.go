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

// Package job turns aperture map files into fitted surfaces and reports,
// running the load, fit, correct and export stages of the analysis
package job

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/pbnjay/memory"

	"github.com/mlnoga/dishfit/internal/aperture"
	"github.com/mlnoga/dishfit/internal/surface"
	"github.com/mlnoga/dishfit/internal/telescope"
)

// An execution context for jobs
type Context struct {
	Log        io.Writer `json:"-"`
	MemoryMB   int       // memory.TotalMemory()/1024/1024
	MaxThreads int       `json:"maxThreads"`
}

func NewContext(log io.Writer) *Context {
	return &Context{
		Log:        log,
		MemoryMB:   int(memory.TotalMemory() / 1024 / 1024),
		MaxThreads: runtime.GOMAXPROCS(0),
	}
}

// Estimated peak memory per job in MiB: two input aperture maps plus the
// deviation, phase, correction and residual grids derived from them
const estJobMB = 512

// Number of jobs to process concurrently: one per thread, reduced when
// total memory cannot hold that many jobs at the estimated footprint
func (c *Context) JobLimit() int {
	limit := c.MaxThreads
	if memCap := c.MemoryMB / estJobMB; memCap < limit {
		limit = memCap
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

// A promise for an aperture map. Returns a materialized map, or an error
type Promise func() (m *aperture.Map, err error)

// Materializes all promises with given concurrency limit
func MaterializeAll(ins []Promise, maxThreads int) (outs []*aperture.Map, err error) {
	if len(ins) == 0 {
		return nil, nil
	}
	outs = make([]*aperture.Map, len(ins))
	limiter := make(chan bool, maxThreads)
	errs := make(chan error, len(ins))
	for i, in := range ins {
		limiter <- true
		go func(i int, theIn Promise) {
			defer func() { <-limiter }()
			m, err := theIn() // materialize the promise
			outs[i] = m
			errs <- err
		}(i, in)
	}
	for i := 0; i < cap(limiter); i++ { // wait for goroutines to finish
		limiter <- true
	}
	for i := 0; i < len(ins); i++ { // collect errors
		e := <-errs
		if e != nil {
			if err == nil {
				err = e
			} else {
				err = fmt.Errorf("%s; %s", err.Error(), e.Error())
			}
		}
	}
	return outs, err
}

// One antenna surface analysis run: input maps, fit settings and the
// outputs to produce. Zero values select defaults where they exist
type Job struct {
	ID int `json:"id"`

	AmpFile string `json:"ampFile"` // aperture amplitude FITS
	DevFile string `json:"devFile"` // aperture deviation or phase FITS

	Telescope     string `json:"telescope"`     // built-in antenna name
	TelescopeFile string `json:"telescopeFile"` // YAML descriptor, overrides Telescope

	Cutoff     float64 `json:"cutoff"`
	Kind       string  `json:"kind"`
	Margin     float64 `json:"margin"`
	Wavelength float64 `json:"wavelength"` // overrides the value from the FITS history
	DevIsPhase bool    `json:"devIsPhase"`

	ResidFile  string `json:"residFile"`  // residual deviations FITS output
	CorrFile   string `json:"corrFile"`   // corrections FITS output
	ScrewsFile string `json:"screwsFile"` // screw adjustment report output
	Unit       string `json:"unit"`       // screw adjustment unit, "mm" or "mils"
}

// Runs the job start to finish and returns the corrected surface
func (j *Job) Run(c *Context) (*surface.Surface, error) {
	tel, err := j.loadTelescope()
	if err != nil {
		return nil, err
	}

	amp, dev, err := j.loadMaps(c)
	if err != nil {
		return nil, err
	}

	s, err := j.buildSurface(amp, dev, tel)
	if err != nil {
		return nil, err
	}

	rms := s.RMS()
	gain, thGain := s.Gains()
	fmt.Fprintf(c.Log, "%d: Before fitting: RMS %.3f mm, gain %.2f dB of %.2f dB theoretical\n",
		j.ID, rms, gain, thGain)

	s.FitSurface(c.Log, c.MaxThreads)
	if err := s.CorrectSurface(); err != nil {
		return nil, err
	}

	resRMS, _ := s.ResidualRMS()
	resGain, _, _ := s.ResidualGains()
	fmt.Fprintf(c.Log, "%d: After fitting:  RMS %.3f mm, gain %.2f dB of %.2f dB theoretical\n",
		j.ID, resRMS, resGain, thGain)

	return s, j.writeOutputs(c, s, amp)
}

// Resolves the telescope descriptor from the job settings
func (j *Job) loadTelescope() (*telescope.Telescope, error) {
	if j.TelescopeFile != "" {
		return telescope.Load(j.TelescopeFile)
	}
	if j.Telescope != "" {
		return telescope.Get(j.Telescope)
	}
	return nil, errors.New("no telescope given")
}

// Loads the amplitude and deviation maps concurrently and checks that
// they describe the same grid
func (j *Job) loadMaps(c *Context) (amp, dev *aperture.Map, err error) {
	if j.AmpFile == "" || j.DevFile == "" {
		return nil, nil, errors.New("need both an amplitude and a deviation file")
	}
	promises := []Promise{
		j.loadPromise(j.AmpFile, 2*j.ID, c),
		j.loadPromise(j.DevFile, 2*j.ID+1, c),
	}
	maps, err := MaterializeAll(promises, c.MaxThreads)
	if err != nil {
		return nil, nil, err
	}
	amp, dev = maps[0], maps[1]
	if len(amp.Naxisn) < 2 || len(dev.Naxisn) < 2 {
		return nil, nil, fmt.Errorf("%d: aperture maps must have at least two axes", j.ID)
	}
	if amp.Naxisn[0] != dev.Naxisn[0] || amp.Naxisn[1] != dev.Naxisn[1] {
		return nil, nil, fmt.Errorf("%d: amplitude is %s but deviation is %s",
			j.ID, amp.DimensionsToString(), dev.DimensionsToString())
	}
	return amp, dev, nil
}

func (j *Job) loadPromise(fileName string, id int, c *Context) Promise {
	return func() (*aperture.Map, error) {
		m, err := aperture.NewMapFromFile(fileName, id, c.Log)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(c.Log, "%d: Loaded %s aperture map from %s\n", m.ID, m.DimensionsToString(), m.FileName)
		return m, nil
	}
}

// Assembles the surface from the loaded maps. Radial limits from the map
// history override the telescope defaults, as the reduction knows the
// actual blockage of the observation
func (j *Job) buildSurface(amp, dev *aperture.Map, tel *telescope.Telescope) (*surface.Surface, error) {
	xAxis, err := amp.Axis(1)
	if err != nil {
		return nil, err
	}
	yAxis, err := amp.Axis(2)
	if err != nil {
		return nil, err
	}

	wavelength := j.Wavelength
	if wavelength == 0 {
		wavelength = amp.Wavelength
	}
	if amp.InLim > 0 {
		tel.InLim = amp.InLim
	}
	if amp.OuLim > 0 {
		tel.OuLim = amp.OuLim
	}
	reso := 0.0
	if amp.NPoint > 0 {
		reso = tel.Diameter / float64(amp.NPoint)
	}

	return surface.NewSurface(amp.Data, dev.Data, xAxis, yAxis, &surface.Params{
		Telescope:  tel,
		Wavelength: wavelength,
		Cutoff:     j.Cutoff,
		Kind:       j.Kind,
		Margin:     j.Margin,
		Reso:       reso,
		DevIsPhase: j.DevIsPhase,
	})
}

// Writes the requested result files. Map outputs reuse the deviation map
// header so axes and history survive the round trip
func (j *Job) writeOutputs(c *Context, s *surface.Surface, amp *aperture.Map) error {
	if j.ResidFile != "" {
		if err := j.writeMap(c, s.Residuals, amp, j.ResidFile); err != nil {
			return err
		}
	}
	if j.CorrFile != "" {
		if err := j.writeMap(c, s.Corrections, amp, j.CorrFile); err != nil {
			return err
		}
	}
	if j.ScrewsFile != "" {
		unit := j.Unit
		if unit == "" {
			unit = "mm"
		}
		report, err := s.ExportScrewAdjustments(unit)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.Log, "%d: Writing screw adjustments in %s to %s\n", j.ID, unit, j.ScrewsFile)
		if err := os.WriteFile(j.ScrewsFile, []byte(report), 0644); err != nil {
			return err
		}
	}
	return nil
}

func (j *Job) writeMap(c *Context, data []float64, template *aperture.Map, fileName string) error {
	out := aperture.NewMap()
	out.ID = template.ID
	out.Header = template.Header
	out.Bitpix = -64
	out.Naxisn = append([]int32(nil), template.Naxisn...)
	out.Pixels = template.Pixels
	out.Data = data
	fmt.Fprintf(c.Log, "%d: Writing %s aperture map to %s\n", out.ID, out.DimensionsToString(), fileName)
	return out.WriteFile(fileName)
}

// Runs all jobs with the memory-aware concurrency limit of the context,
// collecting errors like map materialization does
func RunAll(jobs []*Job, c *Context) error {
	if len(jobs) == 0 {
		return nil
	}
	limiter := make(chan bool, c.JobLimit())
	errs := make(chan error, len(jobs))
	for _, job := range jobs {
		limiter <- true
		go func(job *Job) {
			defer func() { <-limiter }()
			_, err := job.Run(c)
			errs <- err
		}(job)
	}
	for i := 0; i < cap(limiter); i++ {
		limiter <- true
	}
	var err error
	for i := 0; i < len(jobs); i++ {
		if e := <-errs; e != nil {
			if err == nil {
				err = e
			} else {
				err = fmt.Errorf("%s; %s", err.Error(), e.Error())
			}
		}
	}
	return err
}

// Returns true if a path is considered safe for server use, i.e. not an
// absolute path, and not changing to a parent directory
func IsPathAllowed(p string) bool {
	if filepath.IsAbs(p) {
		return false
	}
	if strings.Contains(p, "..") {
		return false
	}
	return true
}
