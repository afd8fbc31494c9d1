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

package main

import (
	"flag"
	"fmt"
	"os"
	"runtime"
	"runtime/pprof"
	"strings"
	"time"

	df "github.com/mlnoga/dishfit/internal"
	"github.com/mlnoga/dishfit/internal/job"
	"github.com/mlnoga/dishfit/internal/rest"
	"github.com/mlnoga/dishfit/internal/surface"
	"github.com/mlnoga/dishfit/internal/telescope"
)

const version = "0.1.0"

var cpuprofile = flag.String("cpuprofile", "", "write cpu profile to `file`")
var memprofile = flag.String("memprofile", "", "write memory profile to `file`")

var log = flag.String("log", "", "save log output to `file` in addition to stdout")

var tele     = flag.String("telescope", "", "telescope name, one of VLA, VLBA")
var teleFile = flag.String("telescopeFile", "", "load telescope description from YAML `file`, overrides -telescope")

var cutoff  = flag.Float64("cutoff", surface.DefaultCutoff, "mask out pixels below this fraction of the maximum amplitude")
var kind    = flag.String("kind", "", "panel model, one of mean, rigid, xyparaboloid, rotatedparaboloid, corotatedparaboloid, leastsquares, corotatedlstsq; blank selects by dish layout")
var margin  = flag.Float64("margin", surface.DefaultMargin, "fraction of each panel span near the edges excluded from fitting")
var wavelen = flag.Float64("wavelength", 0, "observing wavelength in meters, 0 reads it from the FITS history")
var isPhase = flag.Bool("devIsPhase", false, "deviation input holds phases in radians instead of meters")

var resid  = flag.String("resid", "", "save residual deviations with given filename pattern, e.g. `resid%02d.fits`")
var corr   = flag.String("corr", "", "save corrections with given filename pattern, e.g. `corr%02d.fits`")
var screws = flag.String("screws", "screws%02d.txt", "save screw adjustment reports with given filename pattern")
var unit   = flag.String("unit", "mm", "screw adjustment unit, mm or mils")

var chroot = flag.String("chroot", "", "in serve mode, change filesystem root to `dir` before serving (requires root)")
var setuid = flag.Int("setuid", -1, "in serve mode, change to this numerical user id before serving")

func main() {
	start := time.Now()
	flag.Usage = func() {
		fmt.Fprintf(os.Stdout, `Dishfit Copyright (c) 2020 Markus L. Noga
This program comes with ABSOLUTELY NO WARRANTY.
This is free software, and you are welcome to redistribute it under certain conditions.
Refer to https://www.gnu.org/licenses/gpl-3.0.en.html for details.

Usage: %s [-flag value] (fit|serve|legal|version) (amp0.fits dev0.fits ... ampN.fits devN.fits)

Commands:
  fit     Fit panels to aperture map pairs and export adjustments.
          Inputs are treated as amplitude, deviation pairs in that order
  serve   Run a REST server that accepts fitting jobs
  legal   Show license and attribution information
  version Show version information

Flags:
`, os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	// Initialize logging to file in addition to stdout, if selected
	if *log != "" {
		if err := df.LogAlsoToFile(*log); err != nil {
			df.LogFatalf("Unable to open logfile '%s'\n", *log)
		}
	}
	logWriter := df.LogWriter()

	// Enable CPU profiling if flagged
	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			df.LogFatal("Could not create CPU profile: ", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			df.LogFatal("Could not start CPU profile: ", err)
		}
		defer pprof.StopCPUProfile()
	}

	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		return
	}

	var err error
	switch args[0] {
	case "fit":
		err = cmdFit(args[1:])

	case "serve":
		rest.MakeSandbox(*chroot, *setuid)
		rest.Serve()

	case "legal":
		cmdLegal()

	case "version":
		fmt.Fprintf(logWriter, "Version %s\n", version)

	case "help", "?":
		flag.Usage()

	default:
		fmt.Fprintf(logWriter, "Unknown command '%s'\n\n", args[0])
		flag.Usage()
		return
	}

	elapsed := time.Now().Sub(start)
	fmt.Fprintf(logWriter, "\nDone after %v\n", elapsed)

	// Store memory profile if flagged
	if *memprofile != "" {
		f, err := os.Create(*memprofile)
		if err != nil {
			df.LogFatal("Could not create memory profile: ", err)
		}
		defer f.Close()
		runtime.GC() // get up-to-date statistics
		if err := pprof.Lookup("allocs").WriteTo(f, 0); err != nil {
			df.LogFatal("Could not write allocation profile: ", err)
		}
	}

	if err != nil {
		fmt.Fprintf(logWriter, "Error: %s\n", err.Error())
		os.Exit(-1)
	}
	df.LogSync()
}

// Runs one fitting job per amplitude and deviation file pair
func cmdFit(args []string) error {
	logWriter := df.LogWriter()
	if len(args) == 0 || len(args)%2 != 0 {
		return fmt.Errorf("fit needs pairs of amplitude and deviation files, have %d arguments", len(args))
	}
	if *teleFile == "" && *tele == "" {
		return fmt.Errorf("fit needs -telescope or -telescopeFile")
	}
	if _, err := telescope.Get(*tele); *teleFile == "" && err != nil {
		return err
	}

	jobs := make([]*job.Job, 0, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		jobs = append(jobs, &job.Job{
			ID:            i / 2,
			AmpFile:       args[i],
			DevFile:       args[i+1],
			Telescope:     *tele,
			TelescopeFile: *teleFile,
			Cutoff:        *cutoff,
			Kind:          *kind,
			Margin:        *margin,
			Wavelength:    *wavelen,
			DevIsPhase:    *isPhase,
			ResidFile:     expandPattern(*resid, i/2),
			CorrFile:      expandPattern(*corr, i/2),
			ScrewsFile:    expandPattern(*screws, i/2),
			Unit:          *unit,
		})
	}

	ctx := job.NewContext(logWriter)
	fmt.Fprintf(logWriter, "Fitting %d aperture map pair(s), %d concurrently, with %d threads and %d MiB of memory\n",
		len(jobs), ctx.JobLimit(), ctx.MaxThreads, ctx.MemoryMB)
	return job.RunAll(jobs, ctx)
}

// Expands a %d file name pattern with the job id
func expandPattern(pattern string, id int) string {
	if pattern == "" || !strings.Contains(pattern, "%") {
		return pattern
	}
	return fmt.Sprintf(pattern, id)
}

// Show licensing information
func cmdLegal() {
	df.LogPrint(`Dishfit is Copyright (c) 2020 Markus L. Noga
This program comes with ABSOLUTELY NO WARRANTY.
This is free software, and you are welcome to redistribute it under certain conditions.
Refer to https://www.gnu.org/licenses/gpl-3.0.en.html for details.
The binary version of this program uses several open source libraries and components, which come with their own licensing terms. See below for a list of attributions.

ATTRIBUTIONS

A1. https://github.com/gonum/gonum is Copyright (c) 2013 The Gonum Authors. All rights reserved.
Licensed under the BSD 3-clause license.

A2. https://github.com/pbnjay/memory is Copyright (c) 2017, Jeremy Jay. All rights reserved.
Licensed under the BSD 3-clause license.

A3. https://github.com/valyala/fastrand is Copyright (c) 2017 Aliaksandr Valialkin.
Licensed under the MIT license.

A4. https://github.com/gin-gonic/gin is Copyright (c) 2014 Manuel Martinez-Almeida.
Licensed under the MIT license.

A5. https://gopkg.in/yaml.v3 is Copyright (c) 2011-2019 Canonical Ltd.
Licensed under the Apache License 2.0 and the MIT license.
`)
}
