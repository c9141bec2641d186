package grid

import (
	"math"
	"testing"
)

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestFromRows(t *testing.T) {
	g, err := FromRows([][]float64{{1, 2, 3}, {4, 5, 6}})
	if err != nil {
		t.Fatalf("FromRows failed: %v", err)
	}
	if g.Rows != 2 || g.Cols != 3 {
		t.Fatalf("got shape %dx%d, want 2x3", g.Rows, g.Cols)
	}
	if g.At(1, 2) != 6 {
		t.Errorf("At(1,2) = %v, want 6", g.At(1, 2))
	}
}

func TestRows2DRoundTrip(t *testing.T) {
	g, _ := FromRows([][]float64{{1, 2, 3}, {4, 5, 6}})
	rows := g.Rows2D()
	if len(rows) != 2 || len(rows[0]) != 3 {
		t.Fatalf("got %dx%d rows, want 2x3", len(rows), len(rows[0]))
	}
	if rows[1][2] != 6 {
		t.Errorf("rows[1][2] = %v, want 6", rows[1][2])
	}
	rows[0][0] = 99
	if g.At(0, 0) != 1 {
		t.Error("Rows2D must copy, not alias the grid data")
	}
}

func TestFromRowsRagged(t *testing.T) {
	if _, err := FromRows([][]float64{{1, 2}, {3}}); err == nil {
		t.Fatal("expected error for ragged rows")
	}
}

func TestStats(t *testing.T) {
	g, _ := FromRows([][]float64{{1, 2}, {3, 4}})

	if g.Min() != 1 || g.Max() != 4 {
		t.Errorf("min/max = %v/%v, want 1/4", g.Min(), g.Max())
	}
	if g.Mean() != 2.5 {
		t.Errorf("mean = %v, want 2.5", g.Mean())
	}
	want := math.Sqrt(1.25)
	if !almostEqual(g.Std(), want, 1e-12) {
		t.Errorf("std = %v, want %v", g.Std(), want)
	}
}

func TestSobelFlatFieldIsZero(t *testing.T) {
	g := New(8, 8)
	g.Fill(42)
	edges := g.Sobel()
	if edges.Max() != 0 {
		t.Errorf("flat field edge magnitude = %v, want 0", edges.Max())
	}
}

func TestSobelDetectsStep(t *testing.T) {
	// Vertical step: left half 0, right half 100.
	g := New(8, 8)
	for r := 0; r < 8; r++ {
		for c := 4; c < 8; c++ {
			g.Set(r, c, 100)
		}
	}
	edges := g.Sobel()

	// The boundary columns carry the gradient, the interiors do not.
	if edges.At(4, 1) != 0 {
		t.Errorf("interior edge magnitude = %v, want 0", edges.At(4, 1))
	}
	if edges.At(4, 4) == 0 {
		t.Error("step boundary has zero edge magnitude")
	}
}

func TestResampleIdentity(t *testing.T) {
	g, _ := FromRows([][]float64{{1, 2}, {3, 4}})
	out := g.Resample(2, 2)
	for i := range g.Data {
		if g.Data[i] != out.Data[i] {
			t.Fatalf("identity resample changed data at %d", i)
		}
	}
}

func TestResampleUpscalePreservesCorners(t *testing.T) {
	g, _ := FromRows([][]float64{{0, 10}, {20, 30}})
	out := g.Resample(5, 5)
	if out.At(0, 0) != 0 || !almostEqual(out.At(4, 4), 30, 1e-9) {
		t.Errorf("corners = %v, %v; want 0, 30", out.At(0, 0), out.At(4, 4))
	}
	// Center should be the bilinear midpoint.
	if !almostEqual(out.At(2, 2), 15, 1e-9) {
		t.Errorf("center = %v, want 15", out.At(2, 2))
	}
}

func TestCorrelation(t *testing.T) {
	a, _ := FromRows([][]float64{{1, 2}, {3, 4}})
	b, _ := FromRows([][]float64{{2, 4}, {6, 8}})

	corr, err := Correlation(a, b)
	if err != nil {
		t.Fatalf("Correlation failed: %v", err)
	}
	if !almostEqual(corr, 1.0, 1e-12) {
		t.Errorf("corr = %v, want 1", corr)
	}

	neg := a.Clone()
	for i := range neg.Data {
		neg.Data[i] = -neg.Data[i]
	}
	corr, _ = Correlation(a, neg)
	if !almostEqual(corr, -1.0, 1e-12) {
		t.Errorf("corr = %v, want -1", corr)
	}
}

func TestCorrelationConstantInput(t *testing.T) {
	a, _ := FromRows([][]float64{{1, 1}, {1, 1}})
	b, _ := FromRows([][]float64{{1, 2}, {3, 4}})
	corr, err := Correlation(a, b)
	if err != nil {
		t.Fatalf("Correlation failed: %v", err)
	}
	if corr != 0 {
		t.Errorf("constant input corr = %v, want 0", corr)
	}
}

func TestMSEShapeMismatch(t *testing.T) {
	a := New(2, 2)
	b := New(3, 3)
	if _, err := MSE(a, b); err == nil {
		t.Fatal("expected shape mismatch error")
	}
}

func TestMeanWhere(t *testing.T) {
	phase, _ := FromRows([][]float64{{0, 180}, {0, 180}})
	amp, _ := FromRows([][]float64{{1, 10}, {3, 20}})

	up, ok := phase.MeanWhere(amp, func(v float64) bool { return v < 90 })
	if !ok || up != 2 {
		t.Errorf("up mean = %v (%v), want 2", up, ok)
	}
	down, ok := phase.MeanWhere(amp, func(v float64) bool { return v >= 90 })
	if !ok || down != 15 {
		t.Errorf("down mean = %v (%v), want 15", down, ok)
	}
	_, ok = phase.MeanWhere(amp, func(v float64) bool { return v > 1000 })
	if ok {
		t.Error("expected no match")
	}
}
