package server

import (
	"context"
	"encoding/json"
	"fmt"

	"ferrotwin/internal/afm"
	"ferrotwin/internal/compare"
	"ferrotwin/internal/logging"
	"ferrotwin/internal/mapping"
	"ferrotwin/internal/sim"
	"ferrotwin/internal/store"
	"ferrotwin/internal/tools"
)

// Deps wires the tool surface to the domain services. Store may be nil;
// persistence then degrades to in-memory state.
type Deps struct {
	Twin    *afm.Twin
	Manager *sim.Manager
	Store   *store.Store
}

// BuildRegistry assembles the full MCP tool set.
func BuildRegistry(deps Deps) *tools.Registry {
	r := tools.NewRegistry()

	r.MustRegister(initializeSimulationTool(deps))
	r.MustRegister(runSimulationTool(deps))
	r.MustRegister(getSimulationResultsTool(deps))
	r.MustRegister(listSimulationsTool(deps))
	r.MustRegister(compareWithAFMTool(deps))
	r.MustRegister(matchSimulationTool(deps))
	r.MustRegister(loadScanTool(deps))
	r.MustRegister(piezoresponseTool(deps))
	r.MustRegister(analyzeDomainsTool(deps))
	r.MustRegister(listScansTool(deps))
	r.MustRegister(suggestParametersTool(deps))

	return r
}

func marshal(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("result marshal: %w", err)
	}
	return string(data), nil
}

// simRequestFromArgs maps tool arguments onto a simulation request.
func simRequestFromArgs(args map[string]any) sim.Request {
	return sim.Request{
		N:         tools.IntArg(args, "n", 0),
		Gamma:     tools.FloatArg(args, "gamma", 0),
		K:         tools.FloatArg(args, "k", 0),
		Mode:      tools.StringArg(args, "mode", ""),
		DepAlpha:  tools.FloatArg(args, "dep_alpha", 0),
		Init:      tools.StringArg(args, "init", ""),
		Seed:      int64(tools.IntArg(args, "seed", 0)),
		Steps:     tools.IntArg(args, "n_steps", 0),
		TEnd:      tools.FloatArg(args, "t_end", 0),
		Field:     tools.StringArg(args, "field", ""),
		FieldAmp:  tools.FloatArg(args, "field_amp", 0),
		FieldFreq: tools.FloatArg(args, "field_freq", 0),
		FieldT0:   tools.FloatArg(args, "field_t0", 0),
	}
}

var simProperties = map[string]tools.Property{
	"n":          {Type: "integer", Description: "Lattice side length", Default: sim.DefaultN},
	"gamma":      {Type: "number", Description: "Kinetic coefficient", Default: sim.DefaultGamma},
	"k":          {Type: "number", Description: "Nearest-neighbor coupling", Default: sim.DefaultK},
	"mode":       {Type: "string", Description: "Landau anisotropy", Default: "tetragonal", Enum: []any{"tetragonal", "rhombohedral", "uniaxial", "squareelectric"}},
	"dep_alpha":  {Type: "number", Description: "Mean-field depolarization strength", Default: 0.0},
	"init":       {Type: "string", Description: "Initial polarization", Default: "pr", Enum: []any{"pr", "random", "up", "down"}},
	"seed":       {Type: "integer", Description: "Random seed for the initial state"},
	"n_steps":    {Type: "integer", Description: "Integration steps", Default: sim.DefaultSteps},
	"t_end":      {Type: "number", Description: "End time", Default: sim.DefaultTEnd},
	"field":      {Type: "string", Description: "Drive field shape", Default: "sine", Enum: []any{"sine", "step", "none"}},
	"field_amp":  {Type: "number", Description: "Drive amplitude", Default: sim.DefaultFieldAmp},
	"field_freq": {Type: "number", Description: "Sine drive frequency", Default: sim.DefaultFieldFreq},
	"field_t0":   {Type: "number", Description: "Step drive onset time", Default: 0.0},
}

func initializeSimulationTool(deps Deps) *tools.Tool {
	return &tools.Tool{
		Name:        "initialize_simulation",
		Description: "Create a 2D ferroelectric lattice simulation. Returns the simulation ID; run it with run_simulation.",
		Category:    tools.CategorySimulation,
		Schema:      tools.ToolSchema{Properties: simProperties},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			info, err := deps.Manager.Create(simRequestFromArgs(args))
			if err != nil {
				return "", err
			}
			persistRun(deps, info.ID)
			return marshal(info)
		},
	}
}

func runSimulationTool(deps Deps) *tools.Tool {
	return &tools.Tool{
		Name:        "run_simulation",
		Description: "Run a created simulation to completion and return the polarization time series and final field.",
		Category:    tools.CategorySimulation,
		Schema: tools.ToolSchema{
			Required: []string{"sim_id"},
			Properties: map[string]tools.Property{
				"sim_id": {Type: "string", Description: "Simulation ID from initialize_simulation"},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			id := tools.StringArg(args, "sim_id", "")
			summary, err := deps.Manager.Execute(ctx, id)
			if err != nil {
				persistRun(deps, id)
				return "", err
			}
			persistRun(deps, id)
			return marshal(summary)
		},
	}
}

func getSimulationResultsTool(deps Deps) *tools.Tool {
	return &tools.Tool{
		Name:        "get_simulation_results",
		Description: "Fetch the polarization field of a completed simulation at a timestep (-1 for the final state).",
		Category:    tools.CategorySimulation,
		Schema: tools.ToolSchema{
			Required: []string{"sim_id"},
			Properties: map[string]tools.Property{
				"sim_id":   {Type: "string", Description: "Simulation ID"},
				"timestep": {Type: "integer", Description: "Timestep index, -1 for final", Default: -1},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			summary, err := deps.Manager.Results(
				tools.StringArg(args, "sim_id", ""),
				tools.IntArg(args, "timestep", -1))
			if err != nil {
				return "", err
			}
			return marshal(summary)
		},
	}
}

func listSimulationsTool(deps Deps) *tools.Tool {
	return &tools.Tool{
		Name:        "list_simulations",
		Description: "List the simulations of this session, plus persisted runs from earlier sessions when a store is configured.",
		Category:    tools.CategorySimulation,
		Schema:      tools.ToolSchema{Properties: map[string]tools.Property{}},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			result := map[string]any{"simulations": deps.Manager.List()}
			if deps.Store != nil {
				history, err := deps.Store.ListSimulations()
				if err != nil {
					logging.StoreWarn("simulation history unavailable: %v", err)
				} else {
					result["history"] = history
				}
			}
			return marshal(result)
		},
	}
}

func compareWithAFMTool(deps Deps) *tools.Tool {
	return &tools.Tool{
		Name:        "compare_with_afm_data",
		Description: "Score a completed simulation against a loaded AFM scan: MSE, RMSE, correlation, and a quality label.",
		Category:    tools.CategoryAnalysis,
		Schema: tools.ToolSchema{
			Required: []string{"sim_id"},
			Properties: map[string]tools.Property{
				"sim_id":    {Type: "string", Description: "Completed simulation ID"},
				"scan_id":   {Type: "string", Description: "Scan ID, defaults to the current scan"},
				"component": {Type: "string", Description: "Simulated quantity to compare", Default: "magnitude", Enum: []any{"x", "y", "magnitude"}},
				"channel":   {Type: "string", Description: "Scan channel to compare against", Default: "amplitude"},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			metrics, err := compareRun(deps,
				tools.StringArg(args, "sim_id", ""),
				tools.StringArg(args, "scan_id", ""),
				tools.StringArg(args, "component", "magnitude"),
				tools.StringArg(args, "channel", "amplitude"))
			if err != nil {
				return "", err
			}
			return marshal(metrics)
		},
	}
}

// compareRun scores one run against one scan channel.
func compareRun(deps Deps, simID, scanID, component, channel string) (*compare.Metrics, error) {
	px, py, n, err := deps.Manager.Fields(simID, -1)
	if err != nil {
		return nil, err
	}
	simGrid, err := compare.Field(px, py, n, compare.Component(component))
	if err != nil {
		return nil, err
	}
	scanGrid, err := deps.Twin.GetScan(scanID, channel)
	if err != nil {
		return nil, err
	}
	return compare.Compare(simGrid, scanGrid)
}

// matchCandidate is one grid-search point of match_simulation_to_afm.
type matchCandidate struct {
	K          float64 `json:"k"`
	DepAlpha   float64 `json:"dep_alpha"`
	SimID      string  `json:"sim_id"`
	Similarity float64 `json:"similarity_score"`
	Quality    string  `json:"quality"`
}

func matchSimulationTool(deps Deps) *tools.Tool {
	return &tools.Tool{
		Name:        "match_simulation_to_afm",
		Description: "Search coupling and depolarization values for the simulation that best reproduces a loaded scan. Runs one short simulation per candidate.",
		Category:    tools.CategoryAnalysis,
		Schema: tools.ToolSchema{
			Properties: map[string]tools.Property{
				"scan_id":    {Type: "string", Description: "Scan ID, defaults to the current scan"},
				"channel":    {Type: "string", Description: "Scan channel to match", Default: "amplitude"},
				"k_values":   {Type: "array", Description: "Coupling candidates", Items: &tools.PropertyItems{Type: "number"}},
				"dep_values": {Type: "array", Description: "Depolarization candidates", Items: &tools.PropertyItems{Type: "number"}},
				"n":          {Type: "integer", Description: "Lattice size per candidate run", Default: 16},
				"n_steps":    {Type: "integer", Description: "Steps per candidate run", Default: 200},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			scanID := tools.StringArg(args, "scan_id", "")
			channel := tools.StringArg(args, "channel", "amplitude")
			kValues := floatList(args["k_values"], []float64{0.5, 1.0, 1.5, 2.0})
			depValues := floatList(args["dep_values"], []float64{0, 0.1, 0.2})
			n := tools.IntArg(args, "n", 16)
			steps := tools.IntArg(args, "n_steps", 200)

			var candidates []matchCandidate
			for _, k := range kValues {
				for _, dep := range depValues {
					select {
					case <-ctx.Done():
						return "", ctx.Err()
					default:
					}

					info, err := deps.Manager.Create(sim.Request{
						N: n, K: k, DepAlpha: dep, Steps: steps, Init: "random", Seed: 1,
					})
					if err != nil {
						return "", err
					}
					if _, err := deps.Manager.Execute(ctx, info.ID); err != nil {
						return "", err
					}
					metrics, err := compareRun(deps, info.ID, scanID, "magnitude", channel)
					if err != nil {
						return "", err
					}
					candidates = append(candidates, matchCandidate{
						K: k, DepAlpha: dep, SimID: info.ID,
						Similarity: metrics.Similarity,
						Quality:    metrics.Quality,
					})
				}
			}

			best := candidates[0]
			for _, c := range candidates[1:] {
				if c.Similarity > best.Similarity {
					best = c
				}
			}
			logging.Sim("parameter match: best k=%g dep=%g score=%.3f", best.K, best.DepAlpha, best.Similarity)
			return marshal(map[string]any{
				"best":       best,
				"candidates": candidates,
			})
		},
	}
}

// floatList coerces a JSON array argument to floats, with a fallback.
func floatList(v any, def []float64) []float64 {
	list, ok := v.([]any)
	if !ok || len(list) == 0 {
		return def
	}
	out := make([]float64, 0, len(list))
	for _, item := range list {
		if f, ok := item.(float64); ok {
			out = append(out, f)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

func loadScanTool(deps Deps) *tools.Tool {
	return &tools.Tool{
		Name:        "afm_load_scan",
		Description: "Load an AFM scan file (IBW, NPY, MAT, text, or JSON) into the microscope twin and make it current.",
		Category:    tools.CategoryAFM,
		Schema: tools.ToolSchema{
			Required: []string{"filepath"},
			Properties: map[string]tools.Property{
				"filepath": {Type: "string", Description: "Path to the scan file"},
				"format":   {Type: "string", Description: "Force a format instead of auto-detection", Enum: []any{"ibw", "npy", "mat", "text", "json"}},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			summary, err := deps.Twin.LoadScan(
				tools.StringArg(args, "filepath", ""),
				afm.Format(tools.StringArg(args, "format", "")))
			if err != nil {
				return "", err
			}
			persistScan(deps, summary)
			return marshal(summary)
		},
	}
}

func piezoresponseTool(deps Deps) *tools.Tool {
	return &tools.Tool{
		Name:        "afm_get_piezoresponse",
		Description: "Move the probe to a position (meters) on the current scan and read amplitude and phase there.",
		Category:    tools.CategoryAFM,
		Schema: tools.ToolSchema{
			Properties: map[string]tools.Property{
				"x": {Type: "number", Description: "Probe x position in meters"},
				"y": {Type: "number", Description: "Probe y position in meters"},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			if _, hasX := args["x"]; hasX {
				if err := deps.Twin.GoTo(
					tools.FloatArg(args, "x", 0),
					tools.FloatArg(args, "y", 0)); err != nil {
					return "", err
				}
			}
			amp, phase, err := deps.Twin.Piezoresponse()
			if err != nil {
				return "", err
			}
			x, y := deps.Twin.Position()
			return marshal(map[string]any{
				"x": x, "y": y,
				"amplitude": amp,
				"phase":     phase,
			})
		},
	}
}

func analyzeDomainsTool(deps Deps) *tools.Tool {
	return &tools.Tool{
		Name:        "afm_analyze_domains",
		Description: "Analyze the domain structure of a loaded scan: up/down populations, areas, and domain wall density.",
		Category:    tools.CategoryAFM,
		Schema: tools.ToolSchema{
			Properties: map[string]tools.Property{
				"scan_id": {Type: "string", Description: "Scan ID, defaults to the current scan"},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			analysis, err := deps.Twin.AnalyzeDomains(tools.StringArg(args, "scan_id", ""))
			if err != nil {
				return "", err
			}
			return marshal(analysis)
		},
	}
}

func listScansTool(deps Deps) *tools.Tool {
	return &tools.Tool{
		Name:        "afm_list_scans",
		Description: "List all scans loaded into the microscope twin.",
		Category:    tools.CategoryAFM,
		Schema:      tools.ToolSchema{Properties: map[string]tools.Property{}},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			return marshal(map[string]any{"scans": deps.Twin.ListScans()})
		},
	}
}

func suggestParametersTool(deps Deps) *tools.Tool {
	return &tools.Tool{
		Name:        "afm_suggest_parameters",
		Description: "Derive simulation parameters from a loaded scan: lattice size, mode, coupling, and drive amplitude for the given material and tip voltage.",
		Category:    tools.CategoryAnalysis,
		Schema: tools.ToolSchema{
			Properties: map[string]tools.Property{
				"scan_id":       {Type: "string", Description: "Scan ID, defaults to the current scan"},
				"material":      {Type: "string", Description: "Sample material", Enum: []any{"BaTiO3", "PbTiO3", "PZT", "BiFeO3"}},
				"drive_voltage": {Type: "number", Description: "Tip drive voltage in volts"},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			scan, err := deps.Twin.Scan(tools.StringArg(args, "scan_id", ""))
			if err != nil {
				return "", err
			}
			analysis, err := mapping.Suggest(scan,
				tools.StringArg(args, "material", ""),
				tools.FloatArg(args, "drive_voltage", 0))
			if err != nil {
				return "", err
			}
			return marshal(analysis)
		},
	}
}

// persistScan records a loaded scan; storage failures only warn.
func persistScan(deps Deps, summary *afm.LoadSummary) {
	if deps.Store == nil || summary == nil {
		return
	}
	err := deps.Store.RecordScan(store.ScanRecord{
		ScanID:   summary.ScanID,
		Filepath: summary.Filepath,
		Format:   summary.Format,
		Rows:     summary.Rows,
		Cols:     summary.Cols,
	}, summary)
	if err != nil {
		logging.StoreWarn("scan persistence failed: %v", err)
	}
}

// persistRun records a simulation's latest state; storage failures warn.
func persistRun(deps Deps, id string) {
	if deps.Store == nil {
		return
	}
	info, err := deps.Manager.Get(id)
	if err != nil {
		return
	}
	params, _ := json.Marshal(info.Request)
	rec := store.SimRecord{
		SimID:  info.ID,
		Status: string(info.Status),
		Params: string(params),
	}
	if err := deps.Store.RecordSimulation(rec); err != nil {
		logging.StoreWarn("simulation persistence failed: %v", err)
	}
}
