package afm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ferrotwin/internal/grid"
)

func writeTextScan(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// registerScan injects a synthetic scan directly, bypassing the loaders.
func registerScan(t *testing.T, tw *Twin, amp, phase *grid.Grid) string {
	t.Helper()
	scan := &Scan{
		ID:     "scan" + string(rune('0'+len(tw.ListScans()))),
		Format: FormatJSON,
		Data:   &ScanData{Amplitude: amp, Phase: phase, Metadata: newMetadata()},
	}
	tw.Register(scan)
	require.NoError(t, tw.SetCurrent(scan.ID))
	return scan.ID
}

func TestTwinLoadScan(t *testing.T) {
	tw := NewTwin()
	path := writeTextScan(t, t.TempDir(), "scan.txt", "1 2\n3 4\n")

	summary, err := tw.LoadScan(path, FormatUnknown)
	require.NoError(t, err)
	assert.Len(t, summary.ScanID, 8)
	assert.Equal(t, 2, summary.Rows)
	assert.Equal(t, 2, summary.Cols)
	assert.Equal(t, 1.0, summary.AmpMin)
	assert.Equal(t, 4.0, summary.AmpMax)
	assert.Equal(t, 2.5, summary.AmpMean)
	assert.False(t, summary.HasPhase)

	scan, err := tw.Scan("")
	require.NoError(t, err)
	assert.Equal(t, summary.ScanID, scan.ID)
}

func TestTwinUnknownScan(t *testing.T) {
	tw := NewTwin()
	_, err := tw.Scan("")
	require.Error(t, err)

	_, err = tw.Scan("deadbeef")
	require.Error(t, err)

	require.Error(t, tw.SetCurrent("deadbeef"))
}

func TestTwinGetScanChannels(t *testing.T) {
	tw := NewTwin()
	amp := rampGrid(4, 4, 0, 100)
	phase := rampGrid(4, 4, 0, 180)
	id := registerScan(t, tw, amp, phase)

	g, err := tw.GetScan(id, "amplitude")
	require.NoError(t, err)
	assert.Equal(t, amp, g)

	g, err = tw.GetScan(id, "height")
	require.NoError(t, err)
	assert.Equal(t, amp, g)

	g, err = tw.GetScan(id, "phase")
	require.NoError(t, err)
	assert.Equal(t, phase, g)

	// Unconfigured channels come back as zeros, not errors.
	g, err = tw.GetScan(id, "potential")
	require.NoError(t, err)
	assert.Equal(t, 0.0, g.Max())
	assert.Equal(t, 4, g.Rows)
}

func TestTwinScanningEmulator(t *testing.T) {
	tw := NewTwin()
	amp := rampGrid(3, 2, 0, 10)
	registerScan(t, tw, amp, grid.New(3, 2))

	lines, err := tw.ScanningEmulator("", "amplitude")
	require.NoError(t, err)

	var got [][]float64
	for line := range lines {
		got = append(got, line)
	}
	require.Len(t, got, 3)
	assert.Equal(t, amp.Row(0), got[0])
	assert.Equal(t, amp.Row(2), got[2])
}

func TestTwinProbe(t *testing.T) {
	tw := NewTwin()
	amp := grid.New(2, 2)
	amp.Set(0, 0, 1)
	amp.Set(0, 1, 2)
	amp.Set(1, 0, 3)
	amp.Set(1, 1, 4)
	phase := grid.New(2, 2)
	phase.Set(1, 1, 170)
	registerScan(t, tw, amp, phase)

	// Default window is ±2 µm; the far corner maps to pixel (1, 1).
	require.NoError(t, tw.GoTo(2e-6, 2e-6))
	x, y := tw.Position()
	assert.Equal(t, 2e-6, x)
	assert.Equal(t, 2e-6, y)

	a, p, err := tw.Piezoresponse()
	require.NoError(t, err)
	assert.Equal(t, 4.0, a)
	assert.Equal(t, 170.0, p)

	require.NoError(t, tw.GoTo(-2e-6, -2e-6))
	a, p, err = tw.Piezoresponse()
	require.NoError(t, err)
	assert.Equal(t, 1.0, a)
	assert.Equal(t, 0.0, p)

	require.Error(t, tw.GoTo(5e-6, 0))
}

func TestTwinAnalyzeDomains(t *testing.T) {
	tw := NewTwin()
	// Left half up (phase 0), right half down (phase 180): a single
	// vertical wall down the middle.
	n := 16
	amp := grid.New(n, n)
	phase := grid.New(n, n)
	for r := 0; r < n; r++ {
		for c := 0; c < n; c++ {
			if c < n/2 {
				amp.Set(r, c, 2.0)
			} else {
				amp.Set(r, c, 4.0)
				phase.Set(r, c, 180)
			}
		}
	}
	id := registerScan(t, tw, amp, phase)

	analysis, err := tw.AnalyzeDomains(id)
	require.NoError(t, err)

	assert.InDelta(t, 0.5, analysis.UpFraction, 1e-9)
	assert.InDelta(t, 0.5, analysis.DownFraction, 1e-9)
	assert.InDelta(t, 1.0, analysis.UpFraction+analysis.DownFraction, 1e-9)
	assert.Greater(t, analysis.WallPixels, 0)
	assert.Less(t, analysis.WallDensity, 0.5)
	assert.InDelta(t, 2.0, analysis.MeanAmpUp, 1e-9)
	assert.InDelta(t, 4.0, analysis.MeanAmpDown, 1e-9)
	assert.True(t, analysis.PhaseAvailable)

	// Pixel areas over the default 4 µm window sum to the full frame.
	frame := 4e-6 * 4e-6
	assert.InDelta(t, frame, analysis.UpAreaM2+analysis.DownAreaM2, frame*1e-9)
}

func TestTwinListScans(t *testing.T) {
	tw := NewTwin()
	assert.Empty(t, tw.ListScans())

	a := registerScan(t, tw, rampGrid(2, 2, 0, 1), grid.New(2, 2))
	b := registerScan(t, tw, rampGrid(2, 2, 0, 1), grid.New(2, 2))

	infos := tw.ListScans()
	require.Len(t, infos, 2)
	assert.Equal(t, b, infos[0].ScanID)
	assert.True(t, infos[0].Current)
	assert.Equal(t, a, infos[1].ScanID)
	assert.False(t, infos[1].Current)
}
