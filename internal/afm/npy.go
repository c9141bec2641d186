package afm

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"ferrotwin/internal/grid"
	"ferrotwin/internal/logging"
)

var npyMagic = []byte("\x93NUMPY")

// npyHeader holds the parsed fields of the Python dict header.
type npyHeader struct {
	descr        string
	fortranOrder bool
	shape        []int
}

// loadNPY parses a NumPy .npy array file. 2D arrays load directly as the
// amplitude channel; 3D arrays are treated as channel stacks and routed
// through the PFM channel heuristic.
func loadNPY(path string) (*ScanData, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("npy: %w", err)
	}

	hdr, body, err := parseNPY(data)
	if err != nil {
		return nil, err
	}

	itemSize, signed, isFloat, err := npyItemSize(hdr.descr)
	if err != nil {
		return nil, err
	}

	n := 1
	for _, d := range hdr.shape {
		if d <= 0 {
			return nil, fmt.Errorf("npy: bad shape %v", hdr.shape)
		}
		n *= d
	}
	if len(body) < n*itemSize {
		return nil, fmt.Errorf("npy: truncated data: have %d bytes, need %d", len(body), n*itemSize)
	}

	flat := make([]float64, n)
	for i := 0; i < n; i++ {
		off := i * itemSize
		switch {
		case isFloat && itemSize == 8:
			flat[i] = math.Float64frombits(binary.LittleEndian.Uint64(body[off:]))
		case isFloat && itemSize == 4:
			flat[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(body[off:])))
		case signed && itemSize == 8:
			flat[i] = float64(int64(binary.LittleEndian.Uint64(body[off:])))
		case signed && itemSize == 4:
			flat[i] = float64(int32(binary.LittleEndian.Uint32(body[off:])))
		}
	}

	var stack []*grid.Grid
	switch len(hdr.shape) {
	case 2:
		stack = []*grid.Grid{npyGrid(flat, hdr.shape, hdr.fortranOrder, nil)}
	case 3:
		// Channel axis placement mirrors common acquisition exports:
		// a small leading dimension is the channel axis, otherwise
		// channels ride along the trailing dimension.
		if hdr.shape[0] < 10 {
			stack = make([]*grid.Grid, hdr.shape[0])
			for ch := range stack {
				stack[ch] = npyGrid(flat, hdr.shape, hdr.fortranOrder, &npySlice{axis: 0, index: ch})
			}
		} else {
			stack = make([]*grid.Grid, hdr.shape[2])
			for ch := range stack {
				stack[ch] = npyGrid(flat, hdr.shape, hdr.fortranOrder, &npySlice{axis: 2, index: ch})
			}
		}
	default:
		return nil, fmt.Errorf("npy: expected 2D or 3D array, got shape %v", hdr.shape)
	}

	scan := &ScanData{Metadata: newMetadata()}
	if len(stack) > 1 {
		ampIdx, phaseIdx := IdentifyPFMChannels(NewChannelStack(stack...))
		scan.Amplitude = stack[ampIdx]
		scan.Metadata.AmplitudeChannel = ampIdx
		if phaseIdx >= 0 {
			scan.Phase = stack[phaseIdx]
			scan.Metadata.PhaseChannel = phaseIdx
		} else {
			scan.Phase = grid.New(stack[0].Rows, stack[0].Cols)
		}
	} else {
		scan.Amplitude = stack[0]
		scan.Phase = grid.New(stack[0].Rows, stack[0].Cols)
	}

	logging.LoaderDebug("npy: shape=%v descr=%s fortran=%v channels=%d",
		hdr.shape, hdr.descr, hdr.fortranOrder, len(stack))
	return scan, nil
}

type npySlice struct {
	axis  int
	index int
}

// npyGrid extracts a 2D grid from the flat array, optionally slicing one
// axis of a 3D shape at a fixed index.
func npyGrid(flat []float64, shape []int, fortran bool, slice *npySlice) *grid.Grid {
	var rows, cols int
	var at func(r, c int) float64

	idx3 := func(i, j, k int) int {
		if fortran {
			return i + shape[0]*(j+shape[1]*k)
		}
		return k + shape[2]*(j+shape[1]*i)
	}

	switch {
	case slice == nil:
		rows, cols = shape[0], shape[1]
		at = func(r, c int) float64 {
			if fortran {
				return flat[r+rows*c]
			}
			return flat[r*cols+c]
		}
	case slice.axis == 0:
		rows, cols = shape[1], shape[2]
		at = func(r, c int) float64 { return flat[idx3(slice.index, r, c)] }
	default:
		rows, cols = shape[0], shape[1]
		at = func(r, c int) float64 { return flat[idx3(r, c, slice.index)] }
	}

	g := grid.New(rows, cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			g.Set(r, c, at(r, c))
		}
	}
	return g
}

// parseNPY splits an .npy file into its parsed header and data block.
func parseNPY(data []byte) (*npyHeader, []byte, error) {
	if len(data) < 10 || !strings.HasPrefix(string(data), string(npyMagic)) {
		return nil, nil, fmt.Errorf("npy: bad magic")
	}
	major := data[6]
	var headerLen, headerStart int
	switch major {
	case 1:
		headerLen = int(binary.LittleEndian.Uint16(data[8:10]))
		headerStart = 10
	case 2, 3:
		if len(data) < 12 {
			return nil, nil, fmt.Errorf("npy: truncated header")
		}
		headerLen = int(binary.LittleEndian.Uint32(data[8:12]))
		headerStart = 12
	default:
		return nil, nil, fmt.Errorf("npy: unsupported format version %d.%d", major, data[7])
	}
	if len(data) < headerStart+headerLen {
		return nil, nil, fmt.Errorf("npy: truncated header")
	}

	hdr, err := parseNPYDict(string(data[headerStart : headerStart+headerLen]))
	if err != nil {
		return nil, nil, err
	}
	return hdr, data[headerStart+headerLen:], nil
}

// parseNPYDict parses the Python literal dict written into the header,
// e.g. {'descr': '<f8', 'fortran_order': False, 'shape': (256, 256), }.
func parseNPYDict(s string) (*npyHeader, error) {
	hdr := &npyHeader{}

	descr, ok := npyDictValue(s, "descr")
	if !ok {
		return nil, fmt.Errorf("npy: header missing descr")
	}
	hdr.descr = strings.Trim(descr, "'\"")

	if fo, ok := npyDictValue(s, "fortran_order"); ok {
		hdr.fortranOrder = strings.HasPrefix(fo, "True")
	}

	shapeStr, ok := npyDictValue(s, "shape")
	if !ok {
		return nil, fmt.Errorf("npy: header missing shape")
	}
	open := strings.IndexByte(shapeStr, '(')
	close := strings.IndexByte(shapeStr, ')')
	if open < 0 || close < open {
		return nil, fmt.Errorf("npy: malformed shape %q", shapeStr)
	}
	for _, part := range strings.Split(shapeStr[open+1:close], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("npy: malformed shape %q", shapeStr)
		}
		hdr.shape = append(hdr.shape, d)
	}
	if len(hdr.shape) == 0 {
		return nil, fmt.Errorf("npy: scalar arrays not supported")
	}
	return hdr, nil
}

// npyDictValue returns the raw text following "'key':" up to the next
// top-level comma.
func npyDictValue(s, key string) (string, bool) {
	marker := "'" + key + "'"
	i := strings.Index(s, marker)
	if i < 0 {
		return "", false
	}
	rest := s[i+len(marker):]
	colon := strings.IndexByte(rest, ':')
	if colon < 0 {
		return "", false
	}
	rest = strings.TrimSpace(rest[colon+1:])

	depth := 0
	for j := 0; j < len(rest); j++ {
		switch rest[j] {
		case '(', '[':
			depth++
		case ')', ']':
			depth--
		case ',':
			if depth == 0 {
				return strings.TrimSpace(rest[:j]), true
			}
		}
	}
	return strings.TrimSpace(rest), true
}

// npyItemSize maps a dtype descr to its width and kind. Only native
// little-endian numeric types are supported.
func npyItemSize(descr string) (size int, signed, isFloat bool, err error) {
	switch descr {
	case "<f8":
		return 8, true, true, nil
	case "<f4":
		return 4, true, true, nil
	case "<i8":
		return 8, true, false, nil
	case "<i4":
		return 4, true, false, nil
	default:
		return 0, false, false, fmt.Errorf("npy: unsupported dtype %q", descr)
	}
}
