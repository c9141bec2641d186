// Package mock generates synthetic AFM scans from a reference simulation,
// degraded with the artifacts a real measurement picks up: noise, spatial
// drift, edge attenuation, and point defects.
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"

	"ferrotwin/internal/ferro"
	"ferrotwin/internal/grid"
	"ferrotwin/internal/logging"
)

// Options controls the generated scan.
type Options struct {
	N          int     // lattice size, default 32
	NoiseLevel float64 // Gaussian noise sigma relative to signal range, default 0.05
	Drift      float64 // linear background tilt relative to range, default 0.02
	Defects    int     // number of point defects, default 0
	Seed       int64
	Steps      int // reference run length, default 500
}

func (o *Options) defaults() {
	if o.N == 0 {
		o.N = 32
	}
	if o.NoiseLevel == 0 {
		o.NoiseLevel = 0.05
	}
	if o.Drift == 0 {
		o.Drift = 0.02
	}
	if o.Steps == 0 {
		o.Steps = 500
	}
}

// Hidden "true" parameters of the underlying material, intentionally off
// the manager defaults so parameter matching has something to find.
const (
	trueK        = 1.5
	trueDepAlpha = 0.1
)

// Result carries the generated channels and the ground truth used.
type Result struct {
	Amplitude *grid.Grid
	Phase     *grid.Grid
	TrueK     float64
	TrueDep   float64
}

// Generate runs the reference simulation and converts its final
// polarization field to amplitude (|P|) and phase (atan2 in degrees,
// shifted into [0, 180]) with measurement artifacts layered on.
func Generate(ctx context.Context, opts Options) (*Result, error) {
	opts.defaults()

	tv := ferro.Linspace(0, 1, opts.Steps)
	params := ferro.Params{
		N:        opts.N,
		Gamma:    1,
		K:        trueK,
		Mode:     ferro.ModeTetragonal,
		DepAlpha: trueDepAlpha,
		Init:     ferro.InitRandom,
		Seed:     opts.Seed,
		TimeVec:  tv,
		AppliedE: ferro.SineField(tv, 10, 2),
	}

	engine, err := ferro.New(params)
	if err != nil {
		return nil, err
	}
	if err := engine.Run(ctx); err != nil {
		return nil, fmt.Errorf("mock reference run: %w", err)
	}

	px, py, _, err := engine.Pmat(-1)
	if err != nil {
		return nil, err
	}

	n := opts.N
	amp := grid.New(n, n)
	phase := grid.New(n, n)
	for r := 0; r < n; r++ {
		for c := 0; c < n; c++ {
			i := r*n + c
			amp.Set(r, c, math.Hypot(px[i], py[i]))
			// Phase of the local polarization direction, folded into
			// [0, 180] the way a lock-in reports it.
			deg := math.Atan2(py[i], px[i]) * 180 / math.Pi
			phase.Set(r, c, math.Abs(deg))
		}
	}

	rng := rand.New(rand.NewSource(opts.Seed + 1))
	degrade(amp, opts, rng)
	degradePhase(phase, opts, rng)

	logging.Sim("mock scan generated: n=%d noise=%.3f defects=%d", n, opts.NoiseLevel, opts.Defects)
	return &Result{Amplitude: amp, Phase: phase, TrueK: trueK, TrueDep: trueDepAlpha}, nil
}

// degrade layers noise, drift, edge attenuation, and defects onto a grid.
func degrade(g *grid.Grid, opts Options, rng *rand.Rand) {
	span := g.Range()
	if span == 0 {
		span = 1
	}
	n := g.Rows

	for r := 0; r < n; r++ {
		for c := 0; c < n; c++ {
			v := g.At(r, c)
			v += opts.NoiseLevel * span * rng.NormFloat64()
			v += opts.Drift * span * (float64(r) + float64(c)) / float64(2*n)
			v *= edgeFactor(r, c, n)
			g.Set(r, c, v)
		}
	}

	for d := 0; d < opts.Defects; d++ {
		r := rng.Intn(n)
		c := rng.Intn(n)
		g.Set(r, c, g.At(r, c)*0.1)
	}
}

// degradePhase adds angular noise only; drift and attenuation are
// amplitude artifacts.
func degradePhase(g *grid.Grid, opts Options, rng *rand.Rand) {
	for i := range g.Data {
		v := g.Data[i] + opts.NoiseLevel*180*rng.NormFloat64()
		if v < 0 {
			v = 0
		}
		if v > 180 {
			v = 180
		}
		g.Data[i] = v
	}
}

// edgeFactor attenuates the outermost rows and columns, mimicking reduced
// tip contact at the scan borders.
func edgeFactor(r, c, n int) float64 {
	edge := minInt(minInt(r, c), minInt(n-1-r, n-1-c))
	if edge >= 3 {
		return 1
	}
	return 0.7 + 0.1*float64(edge)
}

// WriteJSON saves the result in the JSON scan format the loader reads.
func WriteJSON(res *Result, path string) error {
	doc := map[string]any{
		"amplitude": res.Amplitude.Rows2D(),
		"phase":     res.Phase.Rows2D(),
		"metadata": map[string]any{
			"source":  "mock_generator",
			"x_range": []any{-2e-6, 2e-6},
			"y_range": []any{-2e-6, 2e-6},
			"true_k":  res.TrueK,
			"true_dep_alpha": res.TrueDep,
		},
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("mock: %w", err)
	}
	return nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
