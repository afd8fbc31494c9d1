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

package telescope

import (
	"os"
	"path/filepath"
	"testing"
)

func TestBuiltinsValidate(t *testing.T) {
	for _, tel := range []*Telescope{VLA(), VLBA()} {
		if err := tel.Validate(); err != nil {
			t.Errorf("%s does not validate: %s", tel.Name, err.Error())
		}
	}
}

func TestVLALayout(t *testing.T) {
	tel := VLA()
	if tel.Diameter != 25.0 || tel.Focus != 8.8 {
		t.Errorf("unexpected VLA optics %f m diameter, %f m focus", tel.Diameter, tel.Focus)
	}
	if tel.NRings != 6 || tel.TotalPanels() != 172 {
		t.Errorf("unexpected VLA layout, %d rings, %d panels", tel.NRings, tel.TotalPanels())
	}
	// rings tile the dish without gaps
	for i := 1; i < tel.NRings; i++ {
		if tel.InRad[i] != tel.OuRad[i-1] {
			t.Errorf("gap between rings %d and %d", i, i+1)
		}
	}
}

func TestGet(t *testing.T) {
	tel, err := Get("vlba")
	if err != nil {
		t.Fatalf("getting vlba: %s", err.Error())
	}
	if tel.Name != "VLBA" || tel.Focus != 8.75 {
		t.Errorf("got %s with focus %f", tel.Name, tel.Focus)
	}
	if _, err := Get("arecibo"); err == nil {
		t.Errorf("expected error for unknown telescope")
	}
}

func TestLoad(t *testing.T) {
	yml := `name: testdish
diameter: 12.0
focus: 4.8
inlim: 0.5
oulim: 6.0
ringed: true
nrings: 2
npanel: [8, 16]
inrad: [0.5, 3.0]
ourad: [3.0, 6.0]
`
	fileName := filepath.Join(t.TempDir(), "testdish.yml")
	if err := os.WriteFile(fileName, []byte(yml), 0644); err != nil {
		t.Fatalf("writing descriptor: %s", err.Error())
	}

	tel, err := Load(fileName)
	if err != nil {
		t.Fatalf("loading descriptor: %s", err.Error())
	}
	if tel.Name != "testdish" || tel.Diameter != 12.0 || !tel.Ringed {
		t.Errorf("unexpected descriptor %+v", tel)
	}
	if len(tel.NPanel) != 2 || tel.NPanel[1] != 16 || tel.OuRad[1] != 6.0 {
		t.Errorf("unexpected ring layout %+v", tel)
	}
}

func TestLoadInvalid(t *testing.T) {
	yml := `name: broken
diameter: 12.0
focus: 4.8
inlim: 0.5
oulim: 6.0
ringed: true
nrings: 2
npanel: [8]
inrad: [0.5, 3.0]
ourad: [3.0, 6.0]
`
	fileName := filepath.Join(t.TempDir(), "broken.yml")
	if err := os.WriteFile(fileName, []byte(yml), 0644); err != nil {
		t.Fatalf("writing descriptor: %s", err.Error())
	}
	if _, err := Load(fileName); err == nil {
		t.Errorf("expected error for ring count mismatch")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Errorf("expected error for missing file")
	}
}

func TestValidateRejectsBadGeometry(t *testing.T) {
	tel := VLA()
	tel.OuRad[2] = tel.InRad[2] - 0.1
	if err := tel.Validate(); err == nil {
		t.Errorf("expected error for inverted ring radii")
	}

	tel = VLA()
	tel.Focus = 0
	if err := tel.Validate(); err == nil {
		t.Errorf("expected error for zero focus")
	}

	tel = VLA()
	tel.InLim = tel.OuLim + 1
	if err := tel.Validate(); err == nil {
		t.Errorf("expected error for inverted limits")
	}
}
