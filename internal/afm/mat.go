package afm

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"ferrotwin/internal/grid"
	"ferrotwin/internal/logging"
)

// MATLAB Level 5 MAT-file. 128-byte header, then a sequence of tagged data
// elements; numeric matrices arrive as miMATRIX elements, possibly wrapped
// in zlib-compressed miCOMPRESSED containers.

const matHeaderSize = 128

// MAT element data types.
const (
	miINT8       = 1
	miUINT8      = 2
	miINT16      = 3
	miUINT16     = 4
	miINT32      = 5
	miUINT32     = 6
	miSINGLE     = 7
	miDOUBLE     = 9
	miINT64      = 12
	miUINT64     = 13
	miMATRIX     = 14
	miCOMPRESSED = 15
	miUTF8       = 16
)

// MAT array classes.
const (
	mxDOUBLE_CLASS = 6
	mxSINGLE_CLASS = 7
)

// matVariable is one named numeric matrix extracted from a MAT-file.
type matVariable struct {
	name string
	rows int
	cols int
	data []float64 // column-major, as stored
}

// isMAT5Header reports whether the prefix looks like a Level 5 MAT-file:
// printable descriptive text followed by an endian indicator at offset 126.
func isMAT5Header(data []byte) bool {
	if len(data) < matHeaderSize {
		return false
	}
	ind := string(data[126:128])
	if ind != "IM" && ind != "MI" {
		return false
	}
	return bytes.HasPrefix(data, []byte("MATLAB"))
}

// loadMAT parses a MATLAB v5 .mat file. Variable names pick the channels:
// "amplitude" or "height" maps to amplitude, "phase" to phase, and when
// neither matches the first non-internal variable becomes amplitude.
func loadMAT(path string) (*ScanData, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mat: %w", err)
	}
	if !isMAT5Header(data) {
		return nil, fmt.Errorf("mat: not a Level 5 MAT-file")
	}

	var order binary.ByteOrder = binary.LittleEndian
	if string(data[126:128]) == "MI" {
		order = binary.BigEndian
	}

	vars, err := matElements(data[matHeaderSize:], order)
	if err != nil {
		return nil, err
	}
	if len(vars) == 0 {
		return nil, fmt.Errorf("mat: no numeric matrices found")
	}

	scan := &ScanData{Metadata: newMetadata()}
	var amp, phase *matVariable
	for _, v := range vars {
		name := strings.ToLower(v.name)
		switch {
		case strings.Contains(name, "amplitude") || strings.Contains(name, "height"):
			if amp == nil {
				amp = v
			}
		case strings.Contains(name, "phase"):
			if phase == nil {
				phase = v
			}
		}
	}
	if amp == nil {
		for _, v := range vars {
			if !strings.HasPrefix(v.name, "__") {
				amp = v
				break
			}
		}
	}
	if amp == nil {
		return nil, fmt.Errorf("mat: no usable variable among %d matrices", len(vars))
	}

	scan.Amplitude = matGrid(amp)
	if phase != nil {
		scan.Phase = matGrid(phase)
	} else {
		scan.Phase = grid.New(amp.rows, amp.cols)
	}

	logging.LoaderDebug("mat: %d variables, amplitude=%q %dx%d", len(vars), amp.name, amp.rows, amp.cols)
	return scan, nil
}

// matGrid converts a column-major variable to a row-major grid.
func matGrid(v *matVariable) *grid.Grid {
	g := grid.New(v.rows, v.cols)
	for c := 0; c < v.cols; c++ {
		for r := 0; r < v.rows; r++ {
			g.Set(r, c, v.data[c*v.rows+r])
		}
	}
	return g
}

// matElements walks the top-level element sequence, inflating compressed
// containers and collecting numeric matrices.
func matElements(data []byte, order binary.ByteOrder) ([]*matVariable, error) {
	var vars []*matVariable
	for len(data) >= 8 {
		dtype, size, body, rest, err := matTag(data, order)
		if err != nil {
			return nil, err
		}
		switch dtype {
		case miCOMPRESSED:
			zr, err := zlib.NewReader(bytes.NewReader(body[:size]))
			if err != nil {
				return nil, fmt.Errorf("mat: compressed element: %w", err)
			}
			inflated, err := io.ReadAll(zr)
			zr.Close()
			if err != nil {
				return nil, fmt.Errorf("mat: compressed element: %w", err)
			}
			inner, err := matElements(inflated, order)
			if err != nil {
				return nil, err
			}
			vars = append(vars, inner...)
		case miMATRIX:
			v, err := matMatrix(body[:size], order)
			if err != nil {
				return nil, err
			}
			if v != nil {
				vars = append(vars, v)
			}
		}
		data = rest
	}
	return vars, nil
}

// matTag reads one element tag, handling the small-element packing where
// data up to 4 bytes rides inside the tag itself.
func matTag(data []byte, order binary.ByteOrder) (dtype, size int, body, rest []byte, err error) {
	if len(data) < 8 {
		return 0, 0, nil, nil, fmt.Errorf("mat: truncated element tag")
	}
	raw := order.Uint32(data)
	if raw>>16 != 0 {
		// Small element: size in the upper half, data in the next word.
		size = int(raw >> 16)
		dtype = int(raw & 0xffff)
		return dtype, size, data[4:8], data[8:], nil
	}
	dtype = int(raw)
	size = int(order.Uint32(data[4:]))
	padded := (size + 7) &^ 7
	if len(data) < 8+size {
		return 0, 0, nil, nil, fmt.Errorf("mat: element overruns file (type %d, size %d)", dtype, size)
	}
	end := 8 + padded
	if end > len(data) {
		end = len(data)
	}
	return dtype, size, data[8:], data[end:], nil
}

// matMatrix parses a miMATRIX element body: array flags, dimensions, name,
// then the real part. Non-numeric and non-2D classes are skipped.
func matMatrix(body []byte, order binary.ByteOrder) (*matVariable, error) {
	// Array flags subelement.
	dtype, size, flagsBody, rest, err := matTag(body, order)
	if err != nil {
		return nil, err
	}
	if dtype != miUINT32 || size < 8 {
		return nil, fmt.Errorf("mat: malformed array flags")
	}
	class := int(order.Uint32(flagsBody) & 0xff)
	complex := order.Uint32(flagsBody)&0x0800 != 0

	// Dimensions subelement.
	dtype, size, dimsBody, rest, err := matTag(rest, order)
	if err != nil {
		return nil, err
	}
	if dtype != miINT32 {
		return nil, fmt.Errorf("mat: malformed dimensions")
	}
	ndims := size / 4
	dims := make([]int, ndims)
	for i := range dims {
		dims[i] = int(int32(order.Uint32(dimsBody[i*4:])))
	}

	// Name subelement.
	dtype, size, nameBody, rest, err := matTag(rest, order)
	if err != nil {
		return nil, err
	}
	if dtype != miINT8 && dtype != miUTF8 {
		return nil, fmt.Errorf("mat: malformed array name")
	}
	name := string(nameBody[:size])

	if class != mxDOUBLE_CLASS && class != mxSINGLE_CLASS {
		logging.LoaderDebug("mat: skipping %q (class %d)", name, class)
		return nil, nil
	}
	if complex || ndims != 2 || dims[0] <= 0 || dims[1] <= 0 {
		logging.LoaderDebug("mat: skipping %q (dims %v, complex=%v)", name, dims, complex)
		return nil, nil
	}

	// Real part subelement.
	dtype, size, prBody, _, err := matTag(rest, order)
	if err != nil {
		return nil, err
	}
	n := dims[0] * dims[1]
	vals, err := matNumeric(prBody, dtype, size, n, order)
	if err != nil {
		return nil, fmt.Errorf("mat: variable %q: %w", name, err)
	}

	return &matVariable{name: name, rows: dims[0], cols: dims[1], data: vals}, nil
}

// matNumeric decodes a numeric subelement to float64s. MATLAB may store a
// double matrix with a narrower integer storage type when values permit.
func matNumeric(body []byte, dtype, size, n int, order binary.ByteOrder) ([]float64, error) {
	itemSizes := map[int]int{
		miINT8: 1, miUINT8: 1, miINT16: 2, miUINT16: 2,
		miINT32: 4, miUINT32: 4, miSINGLE: 4, miDOUBLE: 8,
		miINT64: 8, miUINT64: 8,
	}
	item, ok := itemSizes[dtype]
	if !ok {
		return nil, fmt.Errorf("unsupported storage type %d", dtype)
	}
	if size < n*item || len(body) < n*item {
		return nil, fmt.Errorf("truncated data (need %d values of %d bytes)", n, item)
	}

	out := make([]float64, n)
	for i := 0; i < n; i++ {
		off := i * item
		switch dtype {
		case miDOUBLE:
			out[i] = math.Float64frombits(order.Uint64(body[off:]))
		case miSINGLE:
			out[i] = float64(math.Float32frombits(order.Uint32(body[off:])))
		case miINT8:
			out[i] = float64(int8(body[off]))
		case miUINT8:
			out[i] = float64(body[off])
		case miINT16:
			out[i] = float64(int16(order.Uint16(body[off:])))
		case miUINT16:
			out[i] = float64(order.Uint16(body[off:]))
		case miINT32:
			out[i] = float64(int32(order.Uint32(body[off:])))
		case miUINT32:
			out[i] = float64(order.Uint32(body[off:]))
		case miINT64:
			out[i] = float64(int64(order.Uint64(body[off:])))
		case miUINT64:
			out[i] = float64(order.Uint64(body[off:]))
		}
	}
	return out, nil
}
