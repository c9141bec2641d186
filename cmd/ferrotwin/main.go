package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"ferrotwin/internal/afm"
	"ferrotwin/internal/config"
	"ferrotwin/internal/logging"
	"ferrotwin/internal/mapping"
	"ferrotwin/internal/mock"
	"ferrotwin/internal/server"
	"ferrotwin/internal/sim"
	"ferrotwin/internal/store"
)

var (
	// Global flags
	verbose    bool
	configPath string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "ferrotwin",
	Short: "ferrotwin - ferroelectric simulation meets AFM data over MCP",
	Long: `ferrotwin bridges piezoresponse force microscopy data and 2D
ferroelectric lattice simulations, exposed to agents as MCP tools.

It loads AFM scans (Igor Binary Wave, NumPy, MATLAB, text, JSON),
identifies amplitude and phase channels, runs Landau-Khalatnikov lattice
dynamics, and scores simulated domain patterns against measurements.

Run "ferrotwin serve" to start the MCP stdio server.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Initialize logger
		zc := zap.NewProductionConfig()
		if verbose {
			zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zc.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return logging.Initialize(".")
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

// serveCmd runs the MCP stdio server
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the MCP server on stdin/stdout",
	Long: `Starts the MCP server speaking line-delimited JSON-RPC 2.0 on
stdin/stdout. All logging goes to stderr and log files; stdout carries
only protocol traffic.

When a data directory is configured, new scan files dropped there are
loaded automatically.`,
	RunE: runServe,
}

// loadCmd loads a scan and prints its summary
var loadCmd = &cobra.Command{
	Use:   "load [file]",
	Short: "Load an AFM scan file and print its summary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		twin := afm.NewTwin()
		summary, err := twin.LoadScan(args[0], afm.Format(loadFormat))
		if err != nil {
			return err
		}
		return printJSON(summary)
	},
}

// analyzeCmd loads a scan and analyzes its domain structure
var analyzeCmd = &cobra.Command{
	Use:   "analyze [file]",
	Short: "Load a scan and print its domain analysis",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		twin := afm.NewTwin()
		summary, err := twin.LoadScan(args[0], afm.FormatUnknown)
		if err != nil {
			return err
		}
		analysis, err := twin.AnalyzeDomains(summary.ScanID)
		if err != nil {
			return err
		}
		return printJSON(analysis)
	},
}

// suggestCmd derives simulation parameters from a scan
var suggestCmd = &cobra.Command{
	Use:   "suggest [file]",
	Short: "Load a scan and print suggested simulation parameters",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		twin := afm.NewTwin()
		summary, err := twin.LoadScan(args[0], afm.FormatUnknown)
		if err != nil {
			return err
		}
		scan, err := twin.Scan(summary.ScanID)
		if err != nil {
			return err
		}
		analysis, err := mapping.Suggest(scan, suggestMaterial, suggestVoltage)
		if err != nil {
			return err
		}
		return printJSON(analysis)
	},
}

// mockCmd generates a synthetic scan file
var mockCmd = &cobra.Command{
	Use:   "mock",
	Short: "Generate a synthetic AFM scan as JSON",
	Long: `Runs a reference simulation with hidden material parameters and
writes its final state as a noisy JSON scan. Useful for testing the
matching tools without instrument data.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := mock.Generate(cmd.Context(), mock.Options{
			N:          mockN,
			NoiseLevel: mockNoise,
			Defects:    mockDefects,
			Seed:       mockSeed,
		})
		if err != nil {
			return err
		}
		if err := mock.WriteJSON(res, mockOut); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "wrote %s (%dx%d)\n", mockOut, res.Amplitude.Rows, res.Amplitude.Cols)
		return nil
	},
}

// simulateCmd runs a one-shot simulation
var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run one lattice simulation and print its summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		manager := sim.NewManager(sim.Limits{})
		info, err := manager.Create(sim.Request{
			N:        simN,
			Gamma:    simGamma,
			K:        simK,
			Mode:     simMode,
			DepAlpha: simDepAlpha,
			Steps:    simSteps,
		})
		if err != nil {
			return err
		}
		summary, err := manager.Execute(cmd.Context(), info.ID)
		if err != nil {
			return err
		}
		return printJSON(summary)
	},
}

var (
	loadFormat string

	suggestMaterial string
	suggestVoltage  float64

	mockN       int
	mockNoise   float64
	mockDefects int
	mockSeed    int64
	mockOut     string

	simN        int
	simGamma    float64
	simK        float64
	simMode     string
	simDepAlpha float64
	simSteps    int
)

func runServe(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		path = config.DefaultPath(".")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	twin := afm.NewTwin()
	manager := sim.NewManager(sim.Limits{
		MaxN:     cfg.Simulation.MaxLatticeSize,
		MaxSteps: cfg.Simulation.MaxSteps,
	})

	var st *store.Store
	if cfg.Data.DatabasePath != "" {
		st, err = store.Open(cfg.Data.DatabasePath)
		if err != nil {
			// Persistence is best-effort; the session still works.
			logger.Warn("session store unavailable", zap.Error(err))
			st = nil
		} else {
			defer st.Close()
		}
	}

	deps := server.Deps{Twin: twin, Manager: manager, Store: st}
	if n := server.RestoreScans(deps); n > 0 {
		logger.Info("restored scans from previous session", zap.Int("count", n))
	}
	registry := server.BuildRegistry(deps)
	srv := server.New(server.Info{
		Name:    cfg.Server.Name,
		Version: cfg.Version,
	}, registry, os.Stdin, os.Stdout)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(ctx)
	})

	if cfg.Data.WatchEnabled && cfg.Data.Dir != "" {
		watcher, werr := afm.NewWatcher(twin, cfg.Data.Dir, server.ScanRecorder(deps))
		if werr != nil {
			logger.Warn("data directory watcher unavailable", zap.Error(werr))
		} else {
			g.Go(func() error {
				err := watcher.Run(ctx)
				if err == context.Canceled {
					return nil
				}
				return err
			})
		}
	}

	logger.Info("ferrotwin MCP server started",
		zap.String("name", cfg.Server.Name),
		zap.String("version", cfg.Version),
		zap.Int("tools", registry.Count()))

	err = g.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default .ferrotwin/config.yaml)")

	loadCmd.Flags().StringVar(&loadFormat, "format", "", "force scan format (ibw, npy, mat, text, json)")

	suggestCmd.Flags().StringVar(&suggestMaterial, "material", "", "sample material (BaTiO3, PbTiO3, PZT, BiFeO3)")
	suggestCmd.Flags().Float64Var(&suggestVoltage, "voltage", 0, "tip drive voltage in volts")

	mockCmd.Flags().IntVar(&mockN, "n", 32, "lattice size")
	mockCmd.Flags().Float64Var(&mockNoise, "noise", 0.05, "noise level relative to signal range")
	mockCmd.Flags().IntVar(&mockDefects, "defects", 0, "number of point defects")
	mockCmd.Flags().Int64Var(&mockSeed, "seed", 0, "random seed")
	mockCmd.Flags().StringVar(&mockOut, "out", "mock_afm.json", "output file")

	simulateCmd.Flags().IntVar(&simN, "n", 10, "lattice size")
	simulateCmd.Flags().Float64Var(&simGamma, "gamma", 1.0, "kinetic coefficient")
	simulateCmd.Flags().Float64Var(&simK, "k", 1.0, "nearest-neighbor coupling")
	simulateCmd.Flags().StringVar(&simMode, "mode", "tetragonal", "Landau anisotropy")
	simulateCmd.Flags().Float64Var(&simDepAlpha, "dep-alpha", 0, "depolarization strength")
	simulateCmd.Flags().IntVar(&simSteps, "steps", 1000, "integration steps")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(loadCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(suggestCmd)
	rootCmd.AddCommand(mockCmd)
	rootCmd.AddCommand(simulateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
