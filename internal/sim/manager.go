// Package sim manages simulation runs: creation with defaults, execution,
// result retrieval, and listing, keyed by short run IDs.
package sim

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"ferrotwin/internal/ferro"
	"ferrotwin/internal/logging"
)

// Status of a managed run.
type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Request carries the user-facing knobs; zero values take defaults.
type Request struct {
	N        int     `json:"n"`
	Gamma    float64 `json:"gamma"`
	K        float64 `json:"k"`
	Mode     string  `json:"mode"`
	DepAlpha float64 `json:"dep_alpha"`
	Init     string  `json:"init"`
	Seed     int64   `json:"seed"`
	Steps    int     `json:"n_steps"`
	TEnd     float64 `json:"t_end"`

	// Drive field; "sine" (default), "step", or "none".
	Field     string  `json:"field"`
	FieldAmp  float64 `json:"field_amp"`
	FieldFreq float64 `json:"field_freq"`
	FieldT0   float64 `json:"field_t0"`
}

// Defaults for a bare request: a small lattice driven by one period of a
// moderate sine field.
const (
	DefaultN         = 10
	DefaultGamma     = 1.0
	DefaultK         = 1.0
	DefaultSteps     = 1000
	DefaultTEnd      = 1.0
	DefaultFieldAmp  = 10.0
	DefaultFieldFreq = 2.0
)

// Limits guards against runaway runs.
type Limits struct {
	MaxN     int
	MaxSteps int
}

// Run is one managed simulation.
type Run struct {
	ID        string
	Status    Status
	Request   Request
	Err       string
	CreatedAt time.Time
	DoneAt    time.Time

	engine *ferro.Sim
}

// RunInfo is the listing view of a run.
type RunInfo struct {
	ID        string    `json:"sim_id"`
	Status    Status    `json:"status"`
	Request   Request   `json:"params"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Summary reports a completed run.
type Summary struct {
	ID           string           `json:"sim_id"`
	Status       Status           `json:"status"`
	N            int              `json:"n"`
	Steps        int              `json:"n_steps"`
	Polarization []ferro.PolPoint `json:"polarization"`
	FinalPx      [][]float64      `json:"final_px"`
	FinalPy      [][]float64      `json:"final_py"`
}

// Manager is a concurrency-safe registry of simulation runs.
type Manager struct {
	mu     sync.RWMutex
	runs   map[string]*Run
	limits Limits

	// onDone, if set, fires after a run finishes (the server persists
	// run summaries through it).
	onDone func(*Run)
}

func NewManager(limits Limits) *Manager {
	return &Manager{runs: make(map[string]*Run), limits: limits}
}

// OnDone registers a completion hook.
func (m *Manager) OnDone(fn func(*Run)) { m.onDone = fn }

// applyDefaults fills zero-valued request fields.
func applyDefaults(req Request) Request {
	if req.N == 0 {
		req.N = DefaultN
	}
	if req.Gamma == 0 {
		req.Gamma = DefaultGamma
	}
	if req.K == 0 {
		req.K = DefaultK
	}
	if req.Mode == "" {
		req.Mode = string(ferro.ModeTetragonal)
	}
	if req.Init == "" {
		req.Init = string(ferro.InitPr)
	}
	if req.Steps == 0 {
		req.Steps = DefaultSteps
	}
	if req.TEnd == 0 {
		req.TEnd = DefaultTEnd
	}
	if req.Field == "" {
		req.Field = "sine"
	}
	if req.FieldAmp == 0 {
		req.FieldAmp = DefaultFieldAmp
	}
	if req.FieldFreq == 0 {
		req.FieldFreq = DefaultFieldFreq
	}
	return req
}

// buildParams translates a request into engine parameters.
func buildParams(req Request) (ferro.Params, error) {
	tv := ferro.Linspace(0, req.TEnd, req.Steps)

	var field [][2]float64
	switch req.Field {
	case "sine":
		field = ferro.SineField(tv, req.FieldAmp, req.FieldFreq)
	case "step":
		field = ferro.StepField(tv, req.FieldAmp, req.FieldT0)
	case "none":
		field = ferro.ZeroField(len(tv))
	default:
		return ferro.Params{}, fmt.Errorf("unknown field type %q", req.Field)
	}

	return ferro.Params{
		N:        req.N,
		Gamma:    req.Gamma,
		K:        req.K,
		Mode:     ferro.Mode(req.Mode),
		DepAlpha: req.DepAlpha,
		Init:     ferro.Init(req.Init),
		Seed:     req.Seed,
		TimeVec:  tv,
		AppliedE: field,
	}, nil
}

// Create validates a request and registers a run in the created state.
func (m *Manager) Create(req Request) (*RunInfo, error) {
	req = applyDefaults(req)

	if m.limits.MaxN > 0 && req.N > m.limits.MaxN {
		return nil, fmt.Errorf("lattice size %d exceeds limit %d", req.N, m.limits.MaxN)
	}
	if m.limits.MaxSteps > 0 && req.Steps > m.limits.MaxSteps {
		return nil, fmt.Errorf("step count %d exceeds limit %d", req.Steps, m.limits.MaxSteps)
	}

	params, err := buildParams(req)
	if err != nil {
		return nil, err
	}
	engine, err := ferro.New(params)
	if err != nil {
		return nil, err
	}

	run := &Run{
		ID:        uuid.New().String()[:8],
		Status:    StatusCreated,
		Request:   req,
		CreatedAt: time.Now(),
		engine:    engine,
	}

	m.mu.Lock()
	m.runs[run.ID] = run
	m.mu.Unlock()

	logging.Sim("created run %s: n=%d mode=%s steps=%d", run.ID, req.N, req.Mode, req.Steps)
	info := run.info()
	return &info, nil
}

// Execute runs a created simulation to completion.
func (m *Manager) Execute(ctx context.Context, id string) (*Summary, error) {
	m.mu.Lock()
	run, ok := m.runs[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("unknown simulation %q", id)
	}
	if run.Status == StatusRunning {
		m.mu.Unlock()
		return nil, fmt.Errorf("simulation %s is already running", id)
	}
	if run.Status == StatusCompleted {
		m.mu.Unlock()
		return m.Results(id, -1)
	}
	run.Status = StatusRunning
	m.mu.Unlock()

	err := run.engine.Run(ctx)

	m.mu.Lock()
	run.DoneAt = time.Now()
	if err != nil {
		run.Status = StatusFailed
		run.Err = err.Error()
	} else {
		run.Status = StatusCompleted
	}
	m.mu.Unlock()

	if m.onDone != nil {
		m.onDone(run)
	}
	if err != nil {
		logging.SimError("run %s failed: %v", id, err)
		return nil, fmt.Errorf("simulation %s failed: %w", id, err)
	}
	return m.Results(id, -1)
}

// Results returns the polarization series and the field nearest the
// requested timestep for a completed run. A negative timestep means the
// final state.
func (m *Manager) Results(id string, timestep int) (*Summary, error) {
	m.mu.RLock()
	run, ok := m.runs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown simulation %q", id)
	}
	if run.Status != StatusCompleted {
		return nil, fmt.Errorf("simulation %s is %s, not completed", id, run.Status)
	}

	px, py, _, err := run.engine.Pmat(timestep)
	if err != nil {
		return nil, err
	}

	n := run.Request.N
	return &Summary{
		ID:           run.ID,
		Status:       run.Status,
		N:            n,
		Steps:        run.Request.Steps,
		Polarization: run.engine.Polarization(),
		FinalPx:      reshape(px, n),
		FinalPy:      reshape(py, n),
	}, nil
}

// Fields returns the raw row-major polarization components at a timestep.
func (m *Manager) Fields(id string, timestep int) (px, py []float64, n int, err error) {
	m.mu.RLock()
	run, ok := m.runs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, nil, 0, fmt.Errorf("unknown simulation %q", id)
	}
	if run.Status != StatusCompleted {
		return nil, nil, 0, fmt.Errorf("simulation %s is %s, not completed", id, run.Status)
	}
	px, py, _, err = run.engine.Pmat(timestep)
	return px, py, run.Request.N, err
}

// Get returns the run record for an ID.
func (m *Manager) Get(id string) (*RunInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("unknown simulation %q", id)
	}
	info := run.info()
	return &info, nil
}

// List returns all runs, newest first.
func (m *Manager) List() []RunInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]RunInfo, 0, len(m.runs))
	for _, run := range m.runs {
		infos = append(infos, run.info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.After(infos[j].CreatedAt)
	})
	return infos
}

func (r *Run) info() RunInfo {
	return RunInfo{
		ID:        r.ID,
		Status:    r.Status,
		Request:   r.Request,
		Error:     r.Err,
		CreatedAt: r.CreatedAt,
	}
}

// reshape splits a row-major slice into n rows.
func reshape(flat []float64, n int) [][]float64 {
	out := make([][]float64, n)
	for r := 0; r < n; r++ {
		out[r] = flat[r*n : (r+1)*n]
	}
	return out
}
