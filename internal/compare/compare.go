// Package compare quantifies agreement between simulated polarization
// fields and measured AFM scans.
package compare

import (
	"fmt"
	"math"

	"ferrotwin/internal/grid"
	"ferrotwin/internal/logging"
)

// Component selects which simulated quantity to compare.
type Component string

const (
	ComponentX         Component = "x"
	ComponentY         Component = "y"
	ComponentMagnitude Component = "magnitude"
)

// Metrics is the result of one field-to-scan comparison.
type Metrics struct {
	MSE         float64 `json:"mse"`
	RMSE        float64 `json:"rmse"`
	NRMSE       float64 `json:"nrmse"`
	Correlation float64 `json:"correlation"`
	Similarity  float64 `json:"similarity_score"`
	Quality     string  `json:"quality"`
	Resampled   bool    `json:"resampled"`
	SimShape    [2]int  `json:"sim_shape"`
	ScanShape   [2]int  `json:"scan_shape"`
}

// Field builds a comparison grid from row-major polarization components.
func Field(px, py []float64, n int, component Component) (*grid.Grid, error) {
	switch component {
	case ComponentX:
		return grid.FromData(n, n, px)
	case ComponentY:
		return grid.FromData(n, n, py)
	case "", ComponentMagnitude:
		mag := make([]float64, len(px))
		for i := range mag {
			mag[i] = math.Hypot(px[i], py[i])
		}
		return grid.FromData(n, n, mag)
	default:
		return nil, fmt.Errorf("unknown component %q", component)
	}
}

// Compare scores a simulated field against a measured channel. On shape
// mismatch the simulation grid is resampled onto the scan's shape; both
// are then min-max normalized so only the spatial pattern is compared.
func Compare(sim, scan *grid.Grid) (*Metrics, error) {
	if sim == nil || scan == nil {
		return nil, fmt.Errorf("nothing to compare")
	}

	m := &Metrics{
		SimShape:  [2]int{sim.Rows, sim.Cols},
		ScanShape: [2]int{scan.Rows, scan.Cols},
	}
	if sim.Rows != scan.Rows || sim.Cols != scan.Cols {
		sim = sim.Resample(scan.Rows, scan.Cols)
		m.Resampled = true
	}

	a := normalize(sim)
	b := normalize(scan)

	mse, err := grid.MSE(a, b)
	if err != nil {
		return nil, err
	}
	corr, err := grid.Correlation(a, b)
	if err != nil {
		return nil, err
	}

	m.MSE = mse
	m.RMSE = math.Sqrt(mse)
	// Normalized inputs span [0, 1], so the range-normalized RMSE
	// coincides with the RMSE unless a field is constant.
	if r := b.Range(); r > 0 {
		m.NRMSE = m.RMSE / r
	} else {
		m.NRMSE = m.RMSE
	}
	m.Correlation = corr
	m.Similarity = corr
	m.Quality = Quality(m.Similarity)

	logging.Sim("comparison: rmse=%.4f corr=%.4f quality=%s", m.RMSE, m.Correlation, m.Quality)
	return m, nil
}

// Quality buckets a similarity score.
func Quality(score float64) string {
	switch {
	case score > 0.9:
		return "excellent"
	case score > 0.8:
		return "good"
	case score > 0.7:
		return "fair"
	default:
		return "poor"
	}
}

// normalize min-max scales a grid into [0, 1]; constant grids become zero.
func normalize(g *grid.Grid) *grid.Grid {
	out := g.Clone()
	lo, span := g.Min(), g.Range()
	if span == 0 {
		out.Fill(0)
		return out
	}
	for i := range out.Data {
		out.Data[i] = (out.Data[i] - lo) / span
	}
	return out
}
