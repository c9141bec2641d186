// Package ferro implements a compact 2D ferroelectric lattice model:
// Landau-Khalatnikov relaxation of an in-plane polarization field with
// nearest-neighbor coupling, an applied electric field, and a mean-field
// depolarization term.
//
//	dP/dt = -Gamma * (dF_landau/dP - K*lap(P) - E + DepAlpha*<P>)
package ferro

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sync"

	"ferrotwin/internal/logging"
)

// Mode selects the Landau anisotropy of the lattice.
type Mode string

const (
	ModeTetragonal     Mode = "tetragonal"
	ModeRhombohedral   Mode = "rhombohedral"
	ModeUniaxial       Mode = "uniaxial"
	ModeSquareElectric Mode = "squareelectric"
)

// ValidMode reports whether m names a supported anisotropy.
func ValidMode(m Mode) bool {
	switch m {
	case ModeTetragonal, ModeRhombohedral, ModeUniaxial, ModeSquareElectric:
		return true
	}
	return false
}

// Init selects the starting polarization configuration.
type Init string

const (
	InitPr     Init = "pr"     // small random perturbation around zero
	InitRandom Init = "random" // uniform in [-1, 1]
	InitUp     Init = "up"     // +y everywhere
	InitDown   Init = "down"   // -y everywhere
)

// Params configures one lattice run.
type Params struct {
	N        int     // lattice side length
	Gamma    float64 // kinetic coefficient
	K        float64 // nearest-neighbor coupling
	Mode     Mode
	DepAlpha float64 // mean-field depolarization strength
	Init     Init
	Seed     int64

	TimeVec  []float64    // integration times, strictly increasing
	AppliedE [][2]float64 // applied field per step, len == len(TimeVec)
}

// Validate checks the parameter set before a run.
func (p *Params) Validate() error {
	if p.N < 2 {
		return fmt.Errorf("lattice size %d too small", p.N)
	}
	if p.Gamma <= 0 {
		return fmt.Errorf("gamma must be positive, got %g", p.Gamma)
	}
	if !ValidMode(p.Mode) {
		return fmt.Errorf("unknown mode %q", p.Mode)
	}
	if len(p.TimeVec) < 2 {
		return fmt.Errorf("time vector needs at least 2 points, got %d", len(p.TimeVec))
	}
	for i := 1; i < len(p.TimeVec); i++ {
		if p.TimeVec[i] <= p.TimeVec[i-1] {
			return fmt.Errorf("time vector not increasing at index %d", i)
		}
	}
	if len(p.AppliedE) != len(p.TimeVec) {
		return fmt.Errorf("applied field has %d steps, time vector has %d", len(p.AppliedE), len(p.TimeVec))
	}
	switch p.Init {
	case "", InitPr, InitRandom, InitUp, InitDown:
	default:
		return fmt.Errorf("unknown init %q", p.Init)
	}
	return nil
}

// PolPoint is one entry of the polarization time series.
type PolPoint struct {
	T    float64 `json:"t"`
	Px   float64 `json:"px"`
	Py   float64 `json:"py"`
	Pmag float64 `json:"p_mag"`
}

// maxFrames bounds how many full fields a run keeps in memory.
const maxFrames = 64

// Sim holds the lattice state and the recorded history of one run.
type Sim struct {
	params Params

	px, py             []float64 // current field, row-major n*n
	scratchX, scratchY []float64

	series []PolPoint

	frameStride int
	frames      []frame
}

type frame struct {
	step   int
	px, py []float64
}

// New builds a simulation with the initial field configured but not run.
func New(params Params) (*Sim, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	n := params.N
	s := &Sim{
		params:   params,
		px:       make([]float64, n*n),
		py:       make([]float64, n*n),
		scratchX: make([]float64, n*n),
		scratchY: make([]float64, n*n),
	}

	s.frameStride = (len(params.TimeVec) + maxFrames - 1) / maxFrames
	if s.frameStride < 1 {
		s.frameStride = 1
	}

	rng := rand.New(rand.NewSource(params.Seed))
	init := params.Init
	if init == "" {
		init = InitPr
	}
	for i := range s.px {
		switch init {
		case InitPr:
			s.px[i] = 0.02 * (rng.Float64() - 0.5)
			s.py[i] = 0.02 * (rng.Float64() - 0.5)
		case InitRandom:
			s.px[i] = 2*rng.Float64() - 1
			s.py[i] = 2*rng.Float64() - 1
		case InitUp:
			s.py[i] = 1
		case InitDown:
			s.py[i] = -1
		}
	}
	return s, nil
}

// Params returns a copy of the run configuration.
func (s *Sim) Params() Params { return s.params }

// Run integrates the lattice over the full time vector. The series and
// frame history survive the run; a canceled context aborts mid-run.
func (s *Sim) Run(ctx context.Context) error {
	n := s.params.N
	steps := len(s.params.TimeVec)
	workers := runtime.GOMAXPROCS(0)
	if workers > n {
		workers = n
	}
	chunk := (n + workers - 1) / workers

	logging.Sim("run start: n=%d steps=%d mode=%s workers=%d", n, steps, s.params.Mode, workers)

	s.record(0)
	for step := 1; step < steps; step++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		dt := s.params.TimeVec[step] - s.params.TimeVec[step-1]
		e := s.params.AppliedE[step]
		meanX, meanY := s.meanP()

		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			r0 := w * chunk
			r1 := r0 + chunk
			if r1 > n {
				r1 = n
			}
			if r0 >= r1 {
				break
			}
			wg.Add(1)
			go func(r0, r1 int) {
				defer wg.Done()
				s.stepRows(r0, r1, dt, e, meanX, meanY)
			}(r0, r1)
		}
		wg.Wait()

		s.px, s.scratchX = s.scratchX, s.px
		s.py, s.scratchY = s.scratchY, s.py
		s.record(step)
	}

	final := s.series[len(s.series)-1]
	logging.Sim("run done: final |P|=%.4f", final.Pmag)
	return nil
}

// stepRows advances rows [r0, r1) one Euler step into the scratch buffers.
func (s *Sim) stepRows(r0, r1 int, dt float64, e [2]float64, meanX, meanY float64) {
	n := s.params.N
	k := s.params.K
	gamma := s.params.Gamma
	dep := s.params.DepAlpha

	for r := r0; r < r1; r++ {
		for c := 0; c < n; c++ {
			i := r*n + c
			px, py := s.px[i], s.py[i]

			fx, fy := landauForce(s.params.Mode, px, py)

			// Discrete Laplacian with replicated edges.
			lx := -4 * px
			ly := -4 * py
			for _, d := range [4][2]int{{-1, 0}, {1, 0}, {0, -1}, {0, 1}} {
				rr, cc := r+d[0], c+d[1]
				if rr < 0 {
					rr = 0
				} else if rr >= n {
					rr = n - 1
				}
				if cc < 0 {
					cc = 0
				} else if cc >= n {
					cc = n - 1
				}
				j := rr*n + cc
				lx += s.px[j]
				ly += s.py[j]
			}

			dpx := -gamma * (fx - k*lx - e[0] + dep*meanX)
			dpy := -gamma * (fy - k*ly - e[1] + dep*meanY)

			s.scratchX[i] = px + dt*dpx
			s.scratchY[i] = py + dt*dpy
		}
	}
}

// landauForce is dF/dP of the double-well free energy for each mode.
func landauForce(mode Mode, px, py float64) (fx, fy float64) {
	switch mode {
	case ModeRhombohedral:
		// Cross-coupling favors diagonal polarization.
		fx = px*(px*px-1) - 0.5*px*py*py
		fy = py*(py*py-1) - 0.5*py*px*px
	case ModeUniaxial:
		// No well along x: polarization relaxes onto the y axis.
		fx = 4 * px
		fy = py * (py*py - 1)
	case ModeSquareElectric:
		// Isotropic well, wells at |P| = 1 in any direction.
		m2 := px*px + py*py
		fx = px * (m2 - 1)
		fy = py * (m2 - 1)
	default: // tetragonal
		// Cross-coupling penalizes diagonal states, favoring the axes.
		fx = px*(px*px-1) + 2*px*py*py
		fy = py*(py*py-1) + 2*py*px*px
	}
	return fx, fy
}

func (s *Sim) meanP() (mx, my float64) {
	for i := range s.px {
		mx += s.px[i]
		my += s.py[i]
	}
	n := float64(len(s.px))
	return mx / n, my / n
}

// record appends the mean polarization and, on stride boundaries and the
// final step, a full field snapshot.
func (s *Sim) record(step int) {
	mx, my := s.meanP()
	s.series = append(s.series, PolPoint{
		T:    s.params.TimeVec[step],
		Px:   mx,
		Py:   my,
		Pmag: math.Hypot(mx, my),
	})

	last := step == len(s.params.TimeVec)-1
	if step%s.frameStride == 0 || last {
		if last && len(s.frames) > 0 && s.frames[len(s.frames)-1].step == step {
			return
		}
		px := make([]float64, len(s.px))
		py := make([]float64, len(s.py))
		copy(px, s.px)
		copy(py, s.py)
		s.frames = append(s.frames, frame{step: step, px: px, py: py})
	}
}

// Polarization returns the recorded mean-polarization time series.
func (s *Sim) Polarization() []PolPoint { return s.series }

// Pmat returns the Px and Py fields nearest the requested timestep as
// n x n row-major slices. A negative timestep selects the final state.
func (s *Sim) Pmat(timestep int) (px, py []float64, step int, err error) {
	if len(s.frames) == 0 {
		return nil, nil, 0, fmt.Errorf("simulation has not run")
	}
	if timestep < 0 || timestep >= len(s.params.TimeVec) {
		f := s.frames[len(s.frames)-1]
		return f.px, f.py, f.step, nil
	}
	best := 0
	for i, f := range s.frames {
		if abs(f.step-timestep) < abs(s.frames[best].step-timestep) {
			best = i
		}
	}
	f := s.frames[best]
	return f.px, f.py, f.step, nil
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
