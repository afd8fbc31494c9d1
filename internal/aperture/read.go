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
	"compress/gzip"
	"fmt"
	"io"
	"math"
	"os"
	"path"
	"regexp"
	"strconv"
	"strings"
)

var reParser *regexp.Regexp = compileRE() // Regexp parser for FITS header lines

func NewMapFromFile(fileName string, id int, logWriter io.Writer) (m *Map, err error) {
	m = NewMap()
	m.ID = id
	return m, m.ReadFile(fileName, logWriter)
}

// Read FITS data from the file with the given name. Decompresses gzip if .gz or gzip suffix is present.
func (m *Map) ReadFile(fileName string, logWriter io.Writer) error {
	f, err := os.Open(fileName)
	if err != nil {
		return err
	}
	defer f.Close()

	var r io.Reader = f

	m.FileName = fileName
	lExt := strings.ToLower(path.Ext(fileName))
	if lExt == ".gz" || lExt == ".gzip" {
		r, err = gzip.NewReader(f)
		if err != nil {
			return err
		}
	}

	return m.Read(r, logWriter)
}

func (m *Map) PopHeaderInt32(key string) (res int32, err error) {
	if val, ok := m.Header.Ints[key]; ok {
		delete(m.Header.Ints, key)
		return val, nil
	}
	return 0, fmt.Errorf("%d: FITS header does not contain key %s", m.ID, key)
}

func (m *Map) PopHeaderInt32OrFloat(key string) (res float64, err error) {
	if val, ok := m.Header.Ints[key]; ok {
		delete(m.Header.Ints, key)
		return float64(val), nil
	} else if val, ok := m.Header.Floats[key]; ok {
		delete(m.Header.Floats, key)
		return val, nil
	}
	return 0, fmt.Errorf("%d: FITS header does not contain key %s", m.ID, key)
}

func (m *Map) Read(f io.Reader, logWriter io.Writer) (err error) {
	err = m.Header.read(f, m.ID, logWriter)
	if err != nil {
		return err
	}

	// check mandatory fields as per standard
	if !m.Header.Bools["SIMPLE"] {
		return fmt.Errorf("%d: Not a valid FITS file; SIMPLE=T missing in header", m.ID)
	}
	delete(m.Header.Bools, "SIMPLE")

	if m.Bitpix, err = m.PopHeaderInt32("BITPIX"); err != nil {
		return err
	}
	var naxis int32
	if naxis, err = m.PopHeaderInt32("NAXIS"); err != nil {
		return err
	}
	m.Naxisn = make([]int32, naxis)
	m.Pixels = int32(1)
	for i := int32(1); i <= naxis; i++ {
		name := "NAXIS" + strconv.FormatInt(int64(i), 10)
		var nai int32
		if nai, err = m.PopHeaderInt32(name); err != nil {
			return err
		}
		m.Naxisn[i-1] = nai
		m.Pixels *= int32(nai)
	}

	if m.Bzero, err = m.PopHeaderInt32OrFloat("BZERO"); err != nil {
		m.Bzero = 0
	}
	if m.Bscale, err = m.PopHeaderInt32OrFloat("BSCALE"); err != nil {
		m.Bscale = 1
	}

	m.parseHistory()
	return m.readData(f)
}

// Read map data from the file into float64 values, applying Bzero and
// Bscale and setting them to 0 and 1 afterwards. Aperture maps hold
// physical quantities, so only the floating point encodings are accepted
func (m *Map) readData(f io.Reader) (err error) {
	switch m.Bitpix {
	case -32:
		return m.readFloat32Data(f)
	case -64:
		return m.readFloat64Data(f)
	default:
		return fmt.Errorf("%d: Unsupported BITPIX value %d, expected -32 or -64", m.ID, m.Bitpix)
	}
}

const bufLen int = 16 * 1024 // input buffer length for reading from file

// Batched read of float32 data from the file, converting from network byte order and adjusting for Bzero
func (m *Map) readFloat32Data(r io.Reader) error {
	m.Data = make([]float64, int(m.Pixels))
	buf := make([]byte, bufLen)

	bytesPerValueShift := uint(2)
	bytesPerValue := 1 << bytesPerValueShift
	bytesPerValueMask := bytesPerValue - 1
	dataIndex := 0
	leftoverBytes := 0
	for dataIndex < len(m.Data) {
		bytesToRead := (len(m.Data)-dataIndex)*bytesPerValue - leftoverBytes
		if bytesToRead > bufLen {
			bytesToRead = bufLen
		}
		bytesRead, err := r.Read(buf[leftoverBytes : leftoverBytes+bytesToRead])
		if err != nil {
			return fmt.Errorf("%d: %s", m.ID, err.Error())
		}

		availableBytes := leftoverBytes + bytesRead
		for i := 0; i < (availableBytes &^ bytesPerValueMask); i += bytesPerValue {
			bits := (uint32(buf[i]) << 24) | (uint32(buf[i+1]) << 16) | (uint32(buf[i+2]) << 8) | (uint32(buf[i+3]))
			val := math.Float32frombits(bits)
			m.Data[dataIndex+(i>>bytesPerValueShift)] = float64(val)*m.Bscale + m.Bzero
		}
		dataIndex += availableBytes >> bytesPerValueShift
		leftoverBytes = availableBytes & bytesPerValueMask
		for i := 0; i < leftoverBytes; i++ {
			buf[i] = buf[availableBytes-leftoverBytes+i]
		}
	}
	m.Bzero, m.Bscale = 0, 1 // reflect that data values incorporate these now
	return nil
}

// Batched read of float64 data from the file, converting from network byte order and adjusting for Bzero
func (m *Map) readFloat64Data(r io.Reader) error {
	m.Data = make([]float64, int(m.Pixels))
	buf := make([]byte, bufLen)

	bytesPerValueShift := uint(3)
	bytesPerValue := 1 << bytesPerValueShift
	bytesPerValueMask := bytesPerValue - 1
	dataIndex := 0
	leftoverBytes := 0
	for dataIndex < len(m.Data) {
		bytesToRead := (len(m.Data)-dataIndex)*bytesPerValue - leftoverBytes
		if bytesToRead > bufLen {
			bytesToRead = bufLen
		}
		bytesRead, err := r.Read(buf[leftoverBytes : leftoverBytes+bytesToRead])
		if err != nil {
			return fmt.Errorf("%d: %s", m.ID, err.Error())
		}

		availableBytes := leftoverBytes + bytesRead
		for i := 0; i < (availableBytes &^ bytesPerValueMask); i += bytesPerValue {
			bits := (uint64(buf[i]) << 56) | (uint64(buf[i+1]) << 48) | (uint64(buf[i+2]) << 40) | (uint64(buf[i+3]) << 32) |
				(uint64(buf[i+4]) << 24) | (uint64(buf[i+5]) << 16) | (uint64(buf[i+6]) << 8) | (uint64(buf[i+7]))
			val := math.Float64frombits(bits)
			m.Data[dataIndex+(i>>bytesPerValueShift)] = val*m.Bscale + m.Bzero
		}
		dataIndex += availableBytes >> bytesPerValueShift
		leftoverBytes = availableBytes & bytesPerValueMask
		for i := 0; i < leftoverBytes; i++ {
			buf[i] = buf[availableBytes-leftoverBytes+i]
		}
	}
	m.Bzero, m.Bscale = 0, 1 // reflect that data values incorporate these now
	return nil
}

func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(s, 64)
}

func (h *Header) read(r io.Reader, id int, logWriter io.Writer) error {
	buf := make([]byte, fitsBlockSize)

	for h.Length = 0; !h.End; {
		// read next header unit
		bytesRead, err := io.ReadFull(r, buf)
		if err != nil || bytesRead != fitsBlockSize {
			return fmt.Errorf("%d: %s", id, err.Error())
		}
		h.Length += int32(bytesRead)

		// parse all lines in this header unit
		for lineNo := 0; lineNo < fitsBlockSize/headerLineSize && !h.End; lineNo++ {
			line := buf[lineNo*headerLineSize : (lineNo+1)*headerLineSize]
			subValues := reParser.FindSubmatch(line)
			if subValues == nil {
				fmt.Fprintf(logWriter, "%d: Warning:Cannot parse '%s', ignoring\n", id, string(line))
			} else {
				subNames := reParser.SubexpNames()
				h.readLine(subNames, subValues, id, lineNo, logWriter)
			}
		}
	}
	return nil
}

func (h *Header) readLine(subNames []string, subValues [][]byte, id, lineNo int, logWriter io.Writer) {
	key := ""
	// ignore index 0 which is the whole line
	for i := 1; i < len(subNames); i++ {
		if subValues[i] != nil && len(subNames[i]) == 1 {
			switch c := subNames[i][0]; c {
			case byte('E'): // end line
				h.End = true
			case byte('H'): // history line
				h.History = append(h.History, string(subValues[i]))
			case byte('C'): // comment line
				h.Comments = append(h.Comments, string(subValues[i]))
			case byte('k'): // key
				key = string(subValues[i])
			case byte('b'): // boolean
				if len(subValues[i]) > 0 {
					v := subValues[i][0]
					h.Bools[key] = v == byte('t') || v == byte('T')
				}
			case byte('i'): // int
				val, err := strconv.ParseInt(string(subValues[i]), 10, 64)
				if err == nil {
					h.Ints[key] = int32(val)
				}
			case byte('f'): // float
				val, err := strconv.ParseFloat(string(subValues[i]), 64)
				if err == nil {
					h.Floats[key] = val
				}
			case byte('s'): // string
				h.Strings[key] = string(subValues[i])
			case byte('d'): // date
				h.Dates[key] = string(subValues[i])
			case byte('c'): // comment
				// ignore value comments
			default:
				fmt.Fprintf(logWriter, "%d:%d:Warning:Unknown token '%s'\n", id, lineNo, string(c))
			}
		}
	}
}

// Build regexp parser for FITS header lines
func compileRE() *regexp.Regexp {
	white := "\\s+"
	whiteOpt := "\\s*"
	whiteLine := white

	hist := "HISTORY"
	rest := ".*"
	histLine := hist + white + "(?P<H>" + rest + ")"

	commKey := "COMMENT"
	commLine := commKey + white + "(?P<C>" + rest + ")"

	end := "(?P<E>END)"
	endLine := end + whiteOpt

	key := "(?P<k>[A-Z0-9_-]+)"
	equals := "="

	boo := "(?P<b>[TF])"
	inte := "(?P<i>[+-]?[0-9]+)"
	floa := "(?P<f>[+-]?[0-9]*\\.[0-9]*(?:[ED][-+]?[0-9]+)?)"
	stri := "'(?P<s>[^']*)'"
	date := "(?P<d>[0-9]{1,4}-?[012][0-9]-?[0123][0-9]T[012][0-9]:?[0-5][0-9]:?[0-5][0-9].?[0-9]*)"
	val := "(?:" + boo + "|" + inte + "|" + floa + "|" + stri + "|" + date + ")"

	commOpt := "(?:/(?P<c>.*))?"
	keyLine := key + whiteOpt + equals + whiteOpt + val + whiteOpt + commOpt

	lineRe := "^(?:" + whiteLine + "|" + histLine + "|" + commLine + "|" + keyLine + "|" + endLine + ")$"
	return regexp.MustCompile(lineRe)
}
