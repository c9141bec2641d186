package afm

import (
	"testing"

	"ferrotwin/internal/grid"
)

func constGrid(rows, cols int, v float64) *grid.Grid {
	g := grid.New(rows, cols)
	g.Fill(v)
	return g
}

// rampGrid spans [lo, hi] linearly across the grid.
func rampGrid(rows, cols int, lo, hi float64) *grid.Grid {
	g := grid.New(rows, cols)
	n := rows*cols - 1
	for i := range g.Data {
		g.Data[i] = lo + (hi-lo)*float64(i)/float64(n)
	}
	return g
}

func TestIdentifyPFMChannels(t *testing.T) {
	height := rampGrid(8, 8, 0, 50)        // neither candidate
	amp := rampGrid(8, 8, 0, 2500)         // range > 1000
	phase := rampGrid(8, 8, -90, 90)       // range 180, min/max within ±200

	ampIdx, phaseIdx := IdentifyPFMChannels(NewChannelStack(height, amp, phase))
	if ampIdx != 1 {
		t.Errorf("amplitude index = %d, want 1", ampIdx)
	}
	if phaseIdx != 2 {
		t.Errorf("phase index = %d, want 2", phaseIdx)
	}
}

func TestIdentifyPFMChannelsAmplitudeByMax(t *testing.T) {
	// Small range but an absolute maximum over 1000 still marks amplitude.
	amp := rampGrid(4, 4, 1200, 1300)
	flat := constGrid(4, 4, 5)

	ampIdx, phaseIdx := IdentifyPFMChannels(NewChannelStack(flat, amp))
	if ampIdx != 1 {
		t.Errorf("amplitude index = %d, want 1", ampIdx)
	}
	if phaseIdx != -1 {
		t.Errorf("phase index = %d, want -1", phaseIdx)
	}
}

func TestIdentifyPFMChannelsFallback(t *testing.T) {
	// No channel passes either test: the widest range wins amplitude.
	a := rampGrid(4, 4, 0, 30)
	b := rampGrid(4, 4, 0, 80)

	ampIdx, phaseIdx := IdentifyPFMChannels(NewChannelStack(a, b))
	if ampIdx != 1 {
		t.Errorf("amplitude index = %d, want 1", ampIdx)
	}
	if phaseIdx != -1 {
		t.Errorf("phase index = %d, want -1", phaseIdx)
	}
}

func TestIdentifyPFMChannelsPhaseBounds(t *testing.T) {
	// Range inside (100, 500) but minimum outside ±200 is not phase.
	notPhase := rampGrid(4, 4, 300, 600)
	amp := rampGrid(4, 4, 0, 5000)

	_, phaseIdx := IdentifyPFMChannels(NewChannelStack(notPhase, amp))
	if phaseIdx != -1 {
		t.Errorf("phase index = %d, want -1", phaseIdx)
	}
}

func TestParseIgorNote(t *testing.T) {
	note := "ScanSize:4e-06\rScanRate:1.5\rImagingMode:PFM Mode\rScanLines:256\r"
	m := ParseIgorNote(note)

	if got, ok := m["ScanRate"].(float64); !ok || got != 1.5 {
		t.Errorf("ScanRate = %v, want 1.5", m["ScanRate"])
	}
	if got, ok := m["ImagingMode"].(string); !ok || got != "PFM Mode" {
		t.Errorf("ImagingMode = %v, want PFM Mode", m["ImagingMode"])
	}

	xr, ok := m["XRange"].([2]float64)
	if !ok {
		t.Fatalf("XRange missing from note map: %v", m)
	}
	if xr[0] != -2e-6 || xr[1] != 2e-6 {
		t.Errorf("XRange = %v, want [-2e-6, 2e-6]", xr)
	}
	if _, ok := m["YRange"].([2]float64); !ok {
		t.Errorf("YRange missing from note map")
	}
}

func TestParseIgorNoteEmpty(t *testing.T) {
	m := ParseIgorNote("")
	if len(m) != 0 {
		t.Errorf("empty note produced %d entries", len(m))
	}
}
