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

// The panel surface model used for fitting. Selected once at panel
// construction; the only permitted later change is the one-way fallback
// to PanelMean for under-constrained or numerically failed fits.
type PanelKind int

const (
	PanelRigid               PanelKind = iota // plane z = a*x + b*y + c, gaussian elimination on normal equations
	PanelMean                                 // constant offset, arithmetic mean of samples
	PanelXYParaboloid                         // axis-aligned paraboloid in panel-local coordinates
	PanelRotatedParaboloid                    // paraboloid with a fitted rotation angle
	PanelCorotatedParaboloid                  // paraboloid rotated by the fixed panel center angle
	PanelLeastSquares                         // full 9-parameter conic, linear least squares
	PanelCorotatedLstSq                       // corotated paraboloid, linear least squares
)

var panelKindNames = []string{"rigid", "mean", "xyparaboloid", "rotatedparaboloid",
	"corotatedparaboloid", "leastsquares", "corotatedlstsq"}

// Number of free parameters of the fitting model
var panelKindNumPars = []int{3, 1, 3, 4, 3, 9, 3}

func (k PanelKind) String() string {
	if k < 0 || int(k) >= len(panelKindNames) {
		return fmt.Sprintf("panelKind(%d)", int(k))
	}
	return panelKindNames[k]
}

func (k PanelKind) NumPar() int { return panelKindNumPars[k] }

// Returns true for kinds which use the fixed panel center angle, and
// hence are only valid for panels arranged in rings
func (k PanelKind) Corotated() bool {
	return k == PanelCorotatedParaboloid || k == PanelCorotatedLstSq
}

// Parses a panel kind from its string representation
func ParsePanelKind(s string) (PanelKind, error) {
	for i, name := range panelKindNames {
		if s == name {
			return PanelKind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown panel kind %q", s)
}
