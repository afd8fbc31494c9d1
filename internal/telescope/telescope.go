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

// Package telescope holds the geometric descriptions of the supported
// antennas: overall optics plus the ring and panel layout of the dish
package telescope

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Geometry of one antenna type. Lengths are in meters.
// For ringed dishes NPanel, InRad and OuRad have one entry per ring
type Telescope struct {
	Name     string    `yaml:"name"`
	Diameter float64   `yaml:"diameter"`
	Focus    float64   `yaml:"focus"`
	InLim    float64   `yaml:"inlim"`  // arm shadow radius, pixels below are ignored
	OuLim    float64   `yaml:"oulim"`  // dish edge radius, pixels beyond are ignored
	Ringed   bool      `yaml:"ringed"` // panels are arranged in concentric rings
	NRings   int       `yaml:"nrings"`
	NPanel   []int     `yaml:"npanel"`
	InRad    []float64 `yaml:"inrad"`
	OuRad    []float64 `yaml:"ourad"`
}

// The 25m VLA antenna
func VLA() *Telescope {
	return &Telescope{
		Name:     "VLA",
		Diameter: 25.0,
		Focus:    8.8,
		InLim:    2.0,
		OuLim:    12.5,
		Ringed:   true,
		NRings:   6,
		NPanel:   []int{12, 16, 24, 40, 40, 40},
		InRad:    []float64{1.983, 3.683, 5.563, 7.391, 9.144, 10.87},
		OuRad:    []float64{3.683, 5.563, 7.391, 9.144, 10.87, 12.5},
	}
}

// The 25m VLBA antenna
func VLBA() *Telescope {
	return &Telescope{
		Name:     "VLBA",
		Diameter: 25.0,
		Focus:    8.75,
		InLim:    2.0,
		OuLim:    12.5,
		Ringed:   true,
		NRings:   6,
		NPanel:   []int{20, 20, 40, 40, 40, 40},
		InRad:    []float64{1.676, 3.518, 5.423, 7.277, 9.081, 10.808},
		OuRad:    []float64{3.518, 5.423, 7.277, 9.081, 10.808, 12.5},
	}
}

// Returns the built-in telescope of the given name, case insensitive
func Get(name string) (*Telescope, error) {
	switch strings.ToLower(name) {
	case "vla":
		return VLA(), nil
	case "vlba":
		return VLBA(), nil
	}
	return nil, fmt.Errorf("unknown telescope %q", name)
}

// Loads a telescope description from a YAML file
func Load(fileName string) (*Telescope, error) {
	data, err := os.ReadFile(fileName)
	if err != nil {
		return nil, err
	}
	t := &Telescope{}
	if err := yaml.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("%s: %w", fileName, err)
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", fileName, err)
	}
	return t, nil
}

// Checks the descriptor for internal consistency
func (t *Telescope) Validate() error {
	if t.Diameter <= 0 {
		return fmt.Errorf("telescope %s: diameter must be positive", t.Name)
	}
	if t.Focus <= 0 {
		return fmt.Errorf("telescope %s: focus must be positive", t.Name)
	}
	if t.InLim < 0 || t.OuLim <= t.InLim {
		return fmt.Errorf("telescope %s: need 0 <= inlim < oulim", t.Name)
	}
	if !t.Ringed {
		return nil
	}
	if t.NRings <= 0 {
		return fmt.Errorf("telescope %s: ringed dish needs at least one ring", t.Name)
	}
	if len(t.NPanel) != t.NRings || len(t.InRad) != t.NRings || len(t.OuRad) != t.NRings {
		return fmt.Errorf("telescope %s: npanel, inrad and ourad must have %d entries", t.Name, t.NRings)
	}
	for i := 0; i < t.NRings; i++ {
		if t.NPanel[i] <= 0 {
			return fmt.Errorf("telescope %s: ring %d has no panels", t.Name, i+1)
		}
		if t.InRad[i] >= t.OuRad[i] {
			return fmt.Errorf("telescope %s: ring %d has inrad >= ourad", t.Name, i+1)
		}
		if i > 0 && t.InRad[i] < t.OuRad[i-1]-1e-9 {
			return fmt.Errorf("telescope %s: ring %d overlaps ring %d", t.Name, i+1, i)
		}
	}
	return nil
}

// Total number of panels across all rings
func (t *Telescope) TotalPanels() int {
	total := 0
	for _, n := range t.NPanel {
		total += n
	}
	return total
}
