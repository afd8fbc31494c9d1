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
	"fmt"
)

// A linear mapping between integer pixel indices and physical coordinates
// along one image axis, as given by the FITS keywords CRPIXn/CRVALn/CDELTn.
// Pure value type, no hidden state.
type LinearAxis struct {
	N      int32   // number of pixels along the axis
	RefPix float64 // reference pixel index
	RefVal float64 // physical coordinate at the reference pixel
	Delta  float64 // physical increment per pixel, nonzero
}

// Creates a linear axis mapping. The increment must be nonzero
func NewLinearAxis(n int32, refPix, refVal, delta float64) (LinearAxis, error) {
	if delta == 0 {
		return LinearAxis{}, fmt.Errorf("linear axis with %d pixels has zero increment", n)
	}
	return LinearAxis{N: n, RefPix: refPix, RefVal: refVal, Delta: delta}, nil
}

// Returns the physical coordinate for a (fractional) pixel index
func (a LinearAxis) Coord(index float64) float64 {
	return a.RefVal + (index-a.RefPix)*a.Delta
}

// Returns the (fractional) pixel index for a physical coordinate
func (a LinearAxis) Index(coord float64) float64 {
	return (coord-a.RefVal)/a.Delta + a.RefPix
}
