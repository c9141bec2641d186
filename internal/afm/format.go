// Package afm loads experimental scanning-probe microscopy data from the
// heterogeneous file formats instruments actually emit, identifies PFM
// amplitude/phase channels heuristically, and serves the loaded scans
// through a digital-twin API (probe position, line scanning, domain
// analysis).
package afm

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"ferrotwin/internal/grid"
	"ferrotwin/internal/logging"
)

// Format identifies a supported scan file format.
type Format string

const (
	FormatIBW     Format = "ibw"  // Igor Binary Wave
	FormatNPY     Format = "npy"  // NumPy array
	FormatMAT     Format = "mat"  // MATLAB level 5 MAT-file
	FormatText    Format = "txt"  // whitespace-separated values
	FormatJSON    Format = "json" // mock generator output
	FormatUnknown Format = ""
)

// extFormats maps file extensions to formats.
var extFormats = map[string]Format{
	".ibw":  FormatIBW,
	".npy":  FormatNPY,
	".mat":  FormatMAT,
	".txt":  FormatText,
	".dat":  FormatText,
	".json": FormatJSON,
}

// Metadata carries whatever a loader could recover about a scan.
type Metadata struct {
	// XRange/YRange are physical extents in meters, when known.
	XRange *[2]float64
	YRange *[2]float64

	// AmplitudeChannel/PhaseChannel record which source channel the
	// heuristic picked; -1 when not applicable.
	AmplitudeChannel int
	PhaseChannel     int

	// Note holds parsed instrument metadata (Igor note entries, MAT
	// variable names, generator parameters).
	Note map[string]any
}

func newMetadata() Metadata {
	return Metadata{AmplitudeChannel: -1, PhaseChannel: -1, Note: map[string]any{}}
}

// ScanData is the loader output: amplitude is always present, phase is a
// zero grid when the source had no identifiable phase channel.
type ScanData struct {
	Amplitude *grid.Grid
	Phase     *grid.Grid
	Metadata  Metadata
}

// DetectFormat resolves the format of a file by extension, falling back to
// content sniffing for unknown extensions. The heuristic default for
// unlabeled files is IBW, matching instrument-export conventions.
func DetectFormat(path string) Format {
	ext := strings.ToLower(filepath.Ext(path))
	if f, ok := extFormats[ext]; ok {
		return f
	}
	if ext == ".hdf5" || ext == ".h5" {
		return FormatUnknown // HDF5 containers are not readable natively
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return FormatIBW
	}
	if f := SniffFormat(data); f != FormatUnknown {
		return f
	}
	return FormatIBW
}

// SniffFormat inspects leading bytes for format magic.
func SniffFormat(data []byte) Format {
	if len(data) < 8 {
		return FormatUnknown
	}
	if bytes.HasPrefix(data, npyMagic) {
		return FormatNPY
	}
	if isMAT5Header(data) {
		return FormatMAT
	}
	// IBW: leading int16 version word in 1..5, either endianness.
	if v := int16(uint16(data[0]) | uint16(data[1])<<8); v >= 1 && v <= 5 {
		return FormatIBW
	}
	if v := int16(uint16(data[1]) | uint16(data[0])<<8); v >= 1 && v <= 5 {
		return FormatIBW
	}
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return FormatJSON
	}
	return FormatUnknown
}

// LoadFile reads a scan file in the given format. FormatUnknown triggers
// auto-detection.
func LoadFile(path string, format Format) (*ScanData, error) {
	timer := logging.StartTimer(logging.CategoryLoader, "LoadFile")
	defer timer.Stop()

	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("scan file not found: %s: %w", path, err)
	}

	if format == FormatUnknown {
		format = DetectFormat(path)
	}

	logging.Loader("loading %s as %s", path, format)

	switch format {
	case FormatIBW:
		return loadIBW(path)
	case FormatNPY:
		return loadNPY(path)
	case FormatMAT:
		return loadMAT(path)
	case FormatText:
		return loadText(path)
	case FormatJSON:
		return loadJSON(path)
	default:
		return nil, fmt.Errorf("unsupported scan format %q for %s", format, path)
	}
}
