// Package grid provides small dense 2D float64 grids and the image-style
// operations the scan pipeline needs: summary statistics, Sobel edge
// magnitude, bilinear resampling, and comparison metrics.
package grid

import (
	"fmt"
	"math"
)

// Grid is a dense row-major 2D array of float64.
type Grid struct {
	Rows, Cols int
	Data       []float64
}

// New allocates a zero-filled grid.
func New(rows, cols int) *Grid {
	if rows <= 0 || cols <= 0 {
		panic(fmt.Sprintf("grid: invalid shape %dx%d", rows, cols))
	}
	return &Grid{Rows: rows, Cols: cols, Data: make([]float64, rows*cols)}
}

// FromRows builds a grid from a slice of equal-length rows.
func FromRows(rows [][]float64) (*Grid, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, fmt.Errorf("grid: empty input")
	}
	cols := len(rows[0])
	g := New(len(rows), cols)
	for r, row := range rows {
		if len(row) != cols {
			return nil, fmt.Errorf("grid: ragged input, row %d has %d values, want %d", r, len(row), cols)
		}
		copy(g.Data[r*cols:(r+1)*cols], row)
	}
	return g, nil
}

// FromData wraps a flat row-major slice. The slice is used directly.
func FromData(rows, cols int, data []float64) (*Grid, error) {
	if len(data) != rows*cols {
		return nil, fmt.Errorf("grid: %d values do not fill %dx%d", len(data), rows, cols)
	}
	return &Grid{Rows: rows, Cols: cols, Data: data}, nil
}

// At returns the value at row r, column c.
func (g *Grid) At(r, c int) float64 { return g.Data[r*g.Cols+c] }

// Set stores v at row r, column c.
func (g *Grid) Set(r, c int, v float64) { g.Data[r*g.Cols+c] = v }

// Clone returns a deep copy.
func (g *Grid) Clone() *Grid {
	out := New(g.Rows, g.Cols)
	copy(out.Data, g.Data)
	return out
}

// Fill sets every element to v.
func (g *Grid) Fill(v float64) {
	for i := range g.Data {
		g.Data[i] = v
	}
}

// Row returns row r as a copy.
func (g *Grid) Row(r int) []float64 {
	out := make([]float64, g.Cols)
	copy(out, g.Data[r*g.Cols:(r+1)*g.Cols])
	return out
}

// Rows2D returns the grid as a slice of rows (copies).
func (g *Grid) Rows2D() [][]float64 {
	out := make([][]float64, g.Rows)
	for r := 0; r < g.Rows; r++ {
		out[r] = g.Row(r)
	}
	return out
}

// Min returns the smallest element.
func (g *Grid) Min() float64 {
	min := g.Data[0]
	for _, v := range g.Data[1:] {
		if v < min {
			min = v
		}
	}
	return min
}

// Max returns the largest element.
func (g *Grid) Max() float64 {
	max := g.Data[0]
	for _, v := range g.Data[1:] {
		if v > max {
			max = v
		}
	}
	return max
}

// Range returns Max - Min.
func (g *Grid) Range() float64 { return g.Max() - g.Min() }

// Mean returns the arithmetic mean.
func (g *Grid) Mean() float64 {
	sum := 0.0
	for _, v := range g.Data {
		sum += v
	}
	return sum / float64(len(g.Data))
}

// Std returns the population standard deviation.
func (g *Grid) Std() float64 {
	mean := g.Mean()
	sum := 0.0
	for _, v := range g.Data {
		d := v - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(g.Data)))
}

// CountWhere returns how many elements satisfy pred.
func (g *Grid) CountWhere(pred func(float64) bool) int {
	n := 0
	for _, v := range g.Data {
		if pred(v) {
			n++
		}
	}
	return n
}

// MeanWhere returns the mean over elements of src where the corresponding
// element of g satisfies pred, and whether any element matched.
func (g *Grid) MeanWhere(src *Grid, pred func(float64) bool) (float64, bool) {
	sum := 0.0
	n := 0
	for i, v := range g.Data {
		if pred(v) {
			sum += src.Data[i]
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// Sobel returns the gradient magnitude computed with the two 3x3 Sobel
// kernels. Border pixels use edge replication.
func (g *Grid) Sobel() *Grid {
	out := New(g.Rows, g.Cols)
	at := func(r, c int) float64 {
		if r < 0 {
			r = 0
		} else if r >= g.Rows {
			r = g.Rows - 1
		}
		if c < 0 {
			c = 0
		} else if c >= g.Cols {
			c = g.Cols - 1
		}
		return g.Data[r*g.Cols+c]
	}
	for r := 0; r < g.Rows; r++ {
		for c := 0; c < g.Cols; c++ {
			gx := -at(r-1, c-1) - 2*at(r, c-1) - at(r+1, c-1) +
				at(r-1, c+1) + 2*at(r, c+1) + at(r+1, c+1)
			gy := -at(r-1, c-1) - 2*at(r-1, c) - at(r-1, c+1) +
				at(r+1, c-1) + 2*at(r+1, c) + at(r+1, c+1)
			out.Data[r*g.Cols+c] = math.Hypot(gx, gy)
		}
	}
	return out
}

// Resample returns the grid bilinearly resampled to rows x cols.
func (g *Grid) Resample(rows, cols int) *Grid {
	if rows == g.Rows && cols == g.Cols {
		return g.Clone()
	}
	out := New(rows, cols)
	rScale := float64(g.Rows-1) / math.Max(1, float64(rows-1))
	cScale := float64(g.Cols-1) / math.Max(1, float64(cols-1))
	for r := 0; r < rows; r++ {
		sr := float64(r) * rScale
		r0 := int(sr)
		r1 := r0 + 1
		if r1 >= g.Rows {
			r1 = g.Rows - 1
		}
		fr := sr - float64(r0)
		for c := 0; c < cols; c++ {
			sc := float64(c) * cScale
			c0 := int(sc)
			c1 := c0 + 1
			if c1 >= g.Cols {
				c1 = g.Cols - 1
			}
			fc := sc - float64(c0)
			top := g.At(r0, c0)*(1-fc) + g.At(r0, c1)*fc
			bot := g.At(r1, c0)*(1-fc) + g.At(r1, c1)*fc
			out.Set(r, c, top*(1-fr)+bot*fr)
		}
	}
	return out
}

// MSE returns the mean squared error between two same-shaped grids.
func MSE(a, b *Grid) (float64, error) {
	if a.Rows != b.Rows || a.Cols != b.Cols {
		return 0, fmt.Errorf("grid: shape mismatch %dx%d vs %dx%d", a.Rows, a.Cols, b.Rows, b.Cols)
	}
	sum := 0.0
	for i := range a.Data {
		d := a.Data[i] - b.Data[i]
		sum += d * d
	}
	return sum / float64(len(a.Data)), nil
}

// Correlation returns the Pearson correlation coefficient between two
// same-shaped grids. Returns 0 when either grid is constant.
func Correlation(a, b *Grid) (float64, error) {
	if a.Rows != b.Rows || a.Cols != b.Cols {
		return 0, fmt.Errorf("grid: shape mismatch %dx%d vs %dx%d", a.Rows, a.Cols, b.Rows, b.Cols)
	}
	ma, mb := a.Mean(), b.Mean()
	var cov, va, vb float64
	for i := range a.Data {
		da := a.Data[i] - ma
		db := b.Data[i] - mb
		cov += da * db
		va += da * da
		vb += db * db
	}
	if va == 0 || vb == 0 {
		return 0, nil
	}
	return cov / math.Sqrt(va*vb), nil
}
