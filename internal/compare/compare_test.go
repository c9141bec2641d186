package compare

import (
	"math"
	"testing"

	"ferrotwin/internal/grid"
)

func ramp(rows, cols int, lo, hi float64) *grid.Grid {
	g := grid.New(rows, cols)
	n := rows*cols - 1
	for i := range g.Data {
		g.Data[i] = lo + (hi-lo)*float64(i)/float64(n)
	}
	return g
}

func TestCompareIdentical(t *testing.T) {
	g := ramp(8, 8, 0, 100)
	m, err := Compare(g, g.Clone())
	if err != nil {
		t.Fatal(err)
	}
	if m.MSE != 0 || m.RMSE != 0 {
		t.Errorf("identical grids: mse=%g rmse=%g, want 0", m.MSE, m.RMSE)
	}
	if math.Abs(m.Correlation-1) > 1e-12 {
		t.Errorf("correlation = %g, want 1", m.Correlation)
	}
	if m.Quality != "excellent" {
		t.Errorf("quality = %s, want excellent", m.Quality)
	}
	if m.Resampled {
		t.Error("same-shape comparison reported resampling")
	}
}

func TestCompareScaleInvariance(t *testing.T) {
	// Same pattern at different absolute scales still matches perfectly
	// after normalization.
	a := ramp(8, 8, 0, 1)
	b := ramp(8, 8, 100, 5000)
	m, err := Compare(a, b)
	if err != nil {
		t.Fatal(err)
	}
	if m.RMSE > 1e-9 {
		t.Errorf("rmse = %g, want ~0 for the same pattern", m.RMSE)
	}
	if m.Quality != "excellent" {
		t.Errorf("quality = %s, want excellent", m.Quality)
	}
}

func TestCompareAnticorrelated(t *testing.T) {
	a := ramp(8, 8, 0, 1)
	b := ramp(8, 8, 1, 0)
	m, err := Compare(a, b)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(m.Correlation+1) > 1e-12 {
		t.Errorf("correlation = %g, want -1", m.Correlation)
	}
	if m.Quality != "poor" {
		t.Errorf("quality = %s, want poor", m.Quality)
	}
}

func TestCompareResamples(t *testing.T) {
	sim := ramp(8, 8, 0, 1)
	scan := ramp(32, 32, 0, 1)
	m, err := Compare(sim, scan)
	if err != nil {
		t.Fatal(err)
	}
	if !m.Resampled {
		t.Error("shape mismatch not resampled")
	}
	if m.SimShape != [2]int{8, 8} || m.ScanShape != [2]int{32, 32} {
		t.Errorf("shapes recorded as %v and %v", m.SimShape, m.ScanShape)
	}
	// The same ramp at both resolutions should still agree well.
	if m.Correlation < 0.99 {
		t.Errorf("correlation = %g, want near 1 after resampling", m.Correlation)
	}
}

func TestCompareNil(t *testing.T) {
	if _, err := Compare(nil, ramp(2, 2, 0, 1)); err == nil {
		t.Error("nil simulation grid accepted")
	}
}

func TestField(t *testing.T) {
	px := []float64{3, 0, 0, 3}
	py := []float64{4, 0, 0, 4}

	g, err := Field(px, py, 2, ComponentMagnitude)
	if err != nil {
		t.Fatal(err)
	}
	if g.At(0, 0) != 5 {
		t.Errorf("magnitude = %g, want 5", g.At(0, 0))
	}

	g, err = Field(px, py, 2, ComponentX)
	if err != nil {
		t.Fatal(err)
	}
	if g.At(1, 1) != 3 {
		t.Errorf("x component = %g, want 3", g.At(1, 1))
	}

	if _, err := Field(px, py, 2, "z"); err == nil {
		t.Error("unknown component accepted")
	}
}

func TestQuality(t *testing.T) {
	cases := []struct {
		score float64
		want  string
	}{
		{0.95, "excellent"},
		{0.85, "good"},
		{0.75, "fair"},
		{0.5, "poor"},
		{-1, "poor"},
	}
	for _, tc := range cases {
		if got := Quality(tc.score); got != tc.want {
			t.Errorf("Quality(%g) = %s, want %s", tc.score, got, tc.want)
		}
	}
}
