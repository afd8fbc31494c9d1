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

// Package aperture reads and writes gridded antenna aperture maps stored
// as FITS files, including the metadata that AIPS holography reductions
// place in HISTORY records
package aperture

import (
	"fmt"
	"math"
	"strings"

	"github.com/mlnoga/dishfit/internal/surface"
)

// A gridded aperture map loaded from FITS.
// Spec here:   https://fits.gsfc.nasa.gov/standard40/fits_standard40aa-le.pdf
// Primer here: https://fits.gsfc.nasa.gov/fits_primer.html
type Map struct {
	ID       int    // Sequential ID number, for log output
	FileName string // Original file name, if any, for log output

	Header Header  // The header with all keys, values, comments and history entries
	Bitpix int32   // Bits per pixel value from the header. Positive values are integral, negative floating
	Bzero  float64 // Zero offset. True pixel value is Bzero + Bscale * Data[i]
	Bscale float64 // Value scaler. True pixel value is Bzero + Bscale * Data[i]
	Naxisn []int32 // Axis dimensions. Most quickly varying dimension first (i.e. X,Y)
	Pixels int32   // Number of pixels in the map. Product of Naxisn[]

	Data []float64 // The map data, row major

	// Metadata recovered from AIPS HISTORY records, zero when absent
	NPoint     int32   // Side length of the holography pointing grid
	Wavelength float64 // Observing wavelength in meters
	InLim      float64 // Inner radial limit of the usable surface in meters
	OuLim      float64 // Outer radial limit of the usable surface in meters
}

// Creates an aperture map initialized with an empty header
func NewMap() *Map {
	return &Map{
		Header: NewHeader(),
		Bscale: 1,
	}
}

// FITS header data
type Header struct {
	Bools    map[string]bool
	Ints     map[string]int32
	Floats   map[string]float64
	Strings  map[string]string
	Dates    map[string]string
	Comments []string
	History  []string
	End      bool
	Length   int32
}

// Creates a FITS header initialized with empty maps and arrays
func NewHeader() Header {
	return Header{
		Bools:    make(map[string]bool),
		Ints:     make(map[string]int32),
		Floats:   make(map[string]float64),
		Strings:  make(map[string]string),
		Dates:    make(map[string]string),
		Comments: make([]string, 0),
		History:  make([]string, 0),
	}
}

const fitsBlockSize int = 2880 // Block size of FITS header and data units
const headerLineSize int = 80  // Line size of a FITS header

// Returns a header value that may have been written as float or int,
// integer-valued floats lose their decimal point in FITS formatting
func (h *Header) Float(key string) (float64, bool) {
	if v, ok := h.Floats[key]; ok {
		return v, true
	}
	if v, ok := h.Ints[key]; ok {
		return float64(v), true
	}
	return 0, false
}

// Returns the linear axis described by CRPIXn, CRVALn and CDELTn for the
// given one-based FITS axis number
func (m *Map) Axis(n int) (surface.LinearAxis, error) {
	if n < 1 || n > len(m.Naxisn) {
		return surface.LinearAxis{}, fmt.Errorf("%d: axis %d out of range, map has %d axes", m.ID, n, len(m.Naxisn))
	}
	refPix, ok := m.Header.Float(fmt.Sprintf("CRPIX%d", n))
	if !ok {
		return surface.LinearAxis{}, fmt.Errorf("%d: FITS header does not contain key CRPIX%d", m.ID, n)
	}
	refVal, ok := m.Header.Float(fmt.Sprintf("CRVAL%d", n))
	if !ok {
		return surface.LinearAxis{}, fmt.Errorf("%d: FITS header does not contain key CRVAL%d", m.ID, n)
	}
	delta, ok := m.Header.Float(fmt.Sprintf("CDELT%d", n))
	if !ok {
		return surface.LinearAxis{}, fmt.Errorf("%d: FITS header does not contain key CDELT%d", m.ID, n)
	}
	return surface.NewLinearAxis(m.Naxisn[n-1], refPix, refVal, delta)
}

// Extracts holography metadata from AIPS HISTORY records. Records start
// with a program token, e.g. "AIPS Visibilities = 16900". Missing records
// leave the corresponding fields at zero
func (m *Map) parseHistory() {
	for _, line := range m.Header.History {
		wrds := strings.Fields(line)
		if len(wrds) < 3 {
			continue
		}
		switch {
		case wrds[1] == "Visibilities":
			if n, err := parseFloat(wrds[len(wrds)-1]); err == nil {
				m.NPoint = int32(math.Sqrt(n))
			}
		case wrds[1] == "Observing" && len(wrds) >= 4:
			if w, err := parseFloat(wrds[len(wrds)-2]); err == nil {
				m.Wavelength = w
			}
		case wrds[1] == "Antenna" && wrds[2] == "surface" && len(wrds) >= 5:
			in, errIn := parseFloat(wrds[len(wrds)-3])
			ou, errOu := parseFloat(wrds[len(wrds)-2])
			if errIn == nil && errOu == nil {
				m.InLim, m.OuLim = math.Abs(in), math.Abs(ou)
			}
		}
	}
}

func (m *Map) DimensionsToString() string {
	b := strings.Builder{}
	for i, naxis := range m.Naxisn {
		if i > 0 {
			fmt.Fprintf(&b, "x%d", naxis)
		} else {
			fmt.Fprintf(&b, "%d", naxis)
		}
	}
	return b.String()
}
