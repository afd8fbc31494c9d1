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

package aperture

import (
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"
)

// Writes an in-memory aperture map to a file with the given name.
// Creates/overwrites the file if necessary
func (m *Map) WriteFile(fileName string) error {
	f, err := os.OpenFile(fileName, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	return m.Write(f)
}

// Writes an in-memory aperture map to an io.Writer as 64-bit floating
// point FITS. Retained header floats like the axis keywords and the
// HISTORY records are carried over, so written maps parse back with the
// same geometry and metadata
func (m *Map) Write(f io.Writer) error {
	// Build header in string buffer
	sb := strings.Builder{}
	writeBool(&sb, "SIMPLE", true, "    FITS standard 4.0")
	writeInt32(&sb, "BITPIX", -64, "    64-bit floating point")
	writeInt32(&sb, "NAXIS", int32(len(m.Naxisn)), "[1] Number of axis")
	for i := 0; i < len(m.Naxisn); i++ {
		writeInt32(&sb, fmt.Sprintf("NAXIS%d", i+1), m.Naxisn[i], "[1] Axis size")
	}
	writeFloat64(&sb, "BZERO", m.Bzero, "[1] Zero offset")

	keys := make([]string, 0, len(m.Header.Floats))
	for key := range m.Header.Floats {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		writeFloat64(&sb, key, m.Header.Floats[key], "")
	}
	keys = keys[:0]
	for key := range m.Header.Ints {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		writeInt32(&sb, key, m.Header.Ints[key], "")
	}
	for _, hist := range m.Header.History {
		writeHistory(&sb, hist)
	}
	writeEnd(&sb)

	// Pad current header block with spaces if necessary
	bytesInHeaderBlock := (sb.Len() % fitsBlockSize)
	if bytesInHeaderBlock > 0 {
		for i := bytesInHeaderBlock; i < fitsBlockSize; i++ {
			sb.WriteRune(' ')
		}
	}

	// Write header block(s)
	_, err := f.Write([]byte(sb.String()))
	if err != nil {
		return err
	}

	return writeFloat64Array(f, m.Data)
}

// Writes a FITS header boolean value
func writeBool(w io.Writer, key string, value bool, comment string) {
	if len(key) > 8 {
		key = key[0:8]
	}
	if len(comment) > 47 {
		comment = comment[0:47]
	}
	v := "F"
	if value {
		v = "T"
	}
	fmt.Fprintf(w, "%-8s= %20s / %-47s", key, v, comment)
}

// Writes a FITS header int32 value
func writeInt32(w io.Writer, key string, value int32, comment string) {
	if len(key) > 8 {
		key = key[0:8]
	}
	if len(comment) > 47 {
		comment = comment[0:47]
	}
	fmt.Fprintf(w, "%-8s= %20d / %-47s", key, value, comment)
}

// Writes a FITS header float64 value. Exponents use an uppercase E as
// the standard demands
func writeFloat64(w io.Writer, key string, value float64, comment string) {
	if len(key) > 8 {
		key = key[0:8]
	}
	if len(comment) > 47 {
		comment = comment[0:47]
	}
	v := strings.ToUpper(fmt.Sprintf("%.12g", value))
	fmt.Fprintf(w, "%-8s= %20s / %-47s", key, v, comment)
}

// Writes a FITS header history record
func writeHistory(w io.Writer, value string) {
	if len(value) > 70 {
		value = value[0:70]
	}
	fmt.Fprintf(w, "HISTORY %-72s", value)
}

// Writes a FITS header end record
func writeEnd(w io.Writer) {
	fmt.Fprintf(w, "END%s", strings.Repeat(" ", 80-3))
}

// Writes FITS binary body data in network byte order, padded to a full
// block. NaNs pass through unchanged, FITS floating point uses them as
// the blank value
func writeFloat64Array(w io.Writer, data []float64) error {
	buf := make([]byte, bufLen)

	bytesWritten := 0
	for block := 0; block < len(data); block += (bufLen >> 3) {
		size := len(data) - block
		if size > (bufLen >> 3) {
			size = (bufLen >> 3)
		}

		for offset := 0; offset < size; offset++ {
			val := math.Float64bits(data[block+offset])
			buf[(offset<<3)+0] = byte(val >> 56)
			buf[(offset<<3)+1] = byte(val >> 48)
			buf[(offset<<3)+2] = byte(val >> 40)
			buf[(offset<<3)+3] = byte(val >> 32)
			buf[(offset<<3)+4] = byte(val >> 24)
			buf[(offset<<3)+5] = byte(val >> 16)
			buf[(offset<<3)+6] = byte(val >> 8)
			buf[(offset<<3)+7] = byte(val)
		}
		_, err := w.Write(buf[:(size << 3)])
		if err != nil {
			return err
		}
		bytesWritten += size << 3
	}

	if pad := bytesWritten % fitsBlockSize; pad > 0 {
		zeros := make([]byte, fitsBlockSize-pad)
		if _, err := w.Write(zeros); err != nil {
			return err
		}
	}
	return nil
}
