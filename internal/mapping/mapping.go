// Package mapping suggests simulation parameters from measured AFM scans:
// lattice size from scan resolution, physical scale from material lattice
// constants, and drive amplitude from the applied tip voltage.
package mapping

import (
	"fmt"
	"strings"

	"ferrotwin/internal/afm"
	"ferrotwin/internal/logging"
	"ferrotwin/internal/sim"
)

// Film thickness assumed when converting tip voltage to field strength.
const filmThicknessM = 200e-9

// materialProps holds per-material model parameters.
type materialProps struct {
	LatticeConstM float64
	Mode          string
	Gamma         float64
	K             float64
}

var materials = map[string]materialProps{
	"batio3": {4.00e-10, "tetragonal", 1.0, 1.0},
	"pbtio3": {3.97e-10, "tetragonal", 1.2, 1.2},
	"pzt":    {4.00e-10, "tetragonal", 1.0, 1.0},
	"bifeo3": {3.96e-10, "rhombohedral", 0.8, 0.9},
}

var defaultMaterial = materialProps{4.0e-10, "tetragonal", 1.0, 1.0}

// AFMFacts restates what the suggestion was derived from.
type AFMFacts struct {
	Rows           int     `json:"rows"`
	Cols           int     `json:"cols"`
	ScanWidthM     float64 `json:"scan_width_m"`
	ScanHeightM    float64 `json:"scan_height_m"`
	PixelSizeM     float64 `json:"pixel_size_m"`
	Material       string  `json:"material"`
	DriveVoltageV  float64 `json:"drive_voltage_v"`
	FieldKVPerCm   float64 `json:"field_kv_per_cm"`
}

// Suggestion is the derived simulation request plus its physical scale.
type Suggestion struct {
	Request          sim.Request `json:"params"`
	CellsPerPixel    float64     `json:"unit_cells_per_pixel"`
	SitePhysicalSizeM float64    `json:"site_physical_size_m"`
	Note             string      `json:"scaling_note"`
}

// Analysis couples the measured facts with the suggestion.
type Analysis struct {
	AFM        AFMFacts   `json:"afm"`
	Simulation Suggestion `json:"simulation"`
}

// LatticeForResolution maps scan resolution to a tractable lattice size:
// big scans are coarse-grained, small ones simulated at full size.
func LatticeForResolution(pixels int) int {
	switch {
	case pixels >= 256:
		return 64
	case pixels >= 128:
		return 32
	default:
		return pixels
	}
}

// FieldFromVoltage converts a tip voltage across the assumed film to
// kV/cm and then to the model's dimensionless drive amplitude, scaled so
// a 100 kV/cm field maps to amplitude 10.
func FieldFromVoltage(volts float64) (kvPerCm, amplitude float64) {
	if volts <= 0 {
		// Typical PFM drive when unreported.
		return 50, 5.0
	}
	vPerM := volts / filmThicknessM
	kvPerCm = vPerM / 1e5
	return kvPerCm, kvPerCm / 10
}

// Suggest derives simulation parameters from a loaded scan. material is
// matched case-insensitively; unknown materials use generic perovskite
// values. driveVoltage of zero falls back to a typical PFM drive.
func Suggest(scan *afm.Scan, material string, driveVoltage float64) (*Analysis, error) {
	if scan == nil || scan.Data == nil {
		return nil, fmt.Errorf("no scan to analyze")
	}

	amp := scan.Data.Amplitude
	xr, yr := scan.XRange(), scan.YRange()
	width := xr[1] - xr[0]
	height := yr[1] - yr[0]
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("scan %s has degenerate spatial ranges", scan.ID)
	}
	pixelSize := width / float64(amp.Cols)

	key := strings.ToLower(strings.TrimSpace(material))
	props, known := materials[key]
	if !known {
		props = defaultMaterial
	}

	kvPerCm, fieldAmp := FieldFromVoltage(driveVoltage)
	n := LatticeForResolution(maxInt(amp.Rows, amp.Cols))
	siteSize := width / float64(n)
	cellsPerPixel := pixelSize / props.LatticeConstM

	analysis := &Analysis{
		AFM: AFMFacts{
			Rows:          amp.Rows,
			Cols:          amp.Cols,
			ScanWidthM:    width,
			ScanHeightM:   height,
			PixelSizeM:    pixelSize,
			Material:      materialLabel(key, known),
			DriveVoltageV: driveVoltage,
			FieldKVPerCm:  kvPerCm,
		},
		Simulation: Suggestion{
			Request: sim.Request{
				N:         n,
				Gamma:     props.Gamma,
				K:         props.K,
				Mode:      props.Mode,
				Steps:     sim.DefaultSteps,
				TEnd:      sim.DefaultTEnd,
				Field:     "sine",
				FieldAmp:  fieldAmp,
				FieldFreq: sim.DefaultFieldFreq,
			},
			CellsPerPixel:     cellsPerPixel,
			SitePhysicalSizeM: siteSize,
			Note: fmt.Sprintf(
				"each lattice site represents %.3g m of the %.3g m scan; one pixel spans %.0f unit cells",
				siteSize, width, cellsPerPixel),
		},
	}

	logging.AFM("parameter suggestion for scan %s: n=%d mode=%s field=%.2f", scan.ID,
		n, props.Mode, fieldAmp)
	return analysis, nil
}

func materialLabel(key string, known bool) string {
	if known {
		return key
	}
	if key == "" {
		return "generic perovskite"
	}
	return key + " (unknown, generic perovskite values)"
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
