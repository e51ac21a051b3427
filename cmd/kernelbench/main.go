// Package main provides the CLI entry point for kernelbench, a harness that
// benchmarks and cross-checks CPU and accelerator kernel implementations.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/weiihann/kernelbench/compare"
	"github.com/weiihann/kernelbench/dump"
	"github.com/weiihann/kernelbench/harness"
	"github.com/weiihann/kernelbench/kernel"
	"github.com/weiihann/kernelbench/report"
	"github.com/weiihann/kernelbench/state"
	"github.com/weiihann/kernelbench/suite"
	"github.com/weiihann/kernelbench/workload"
)

// Exit codes.
const (
	exitSuccess      = 0
	exitFailure      = 1 // kernels differ or a measurement failed
	exitCommandError = 2 // bad flags, unknown kernel, unreadable input
)

// Output formats.
const (
	formatText     = "text"
	formatMarkdown = "markdown"
	formatJSON     = "json"
)

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

func failure(err error) error { return &exitError{code: exitFailure, err: err} }

func commandError(err error) error { return &exitError{code: exitCommandError, err: err} }

func exitCode(err error) int {
	if err == nil {
		return exitSuccess
	}

	var e *exitError
	if errors.As(err, &e) {
		return e.code
	}

	return exitCommandError
}

func main() {
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))

	root := newRootCmd(logger, level)
	if err := root.Execute(); err != nil {
		logger.Error("kernelbench failed", slog.String("error", err.Error()))
		os.Exit(exitCode(err))
	}
}

func newRootCmd(logger *slog.Logger, level *slog.LevelVar) *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:   "kernelbench",
		Short: "Benchmark and cross-check CPU and accelerator kernels",
		Long: `Kernelbench runs the CPU and accelerator implementations of a
simulation kernel on the same deterministic state, reports the accelerator
speedup and verifies that both implementations produce the same fields.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			if verbose {
				level.Set(slog.LevelDebug)
			}
		},
	}

	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Enable debug logging")

	root.AddCommand(
		newListCmd(),
		newGenerateCmd(logger),
		newBenchCmd(logger),
		newCheckCmd(logger),
		newSuiteCmd(logger),
	)

	return root
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the built-in kernel pairs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg := kernel.Reference(nil)
			out := cmd.OutOrStdout()

			for _, name := range reg.Names() {
				p, err := reg.Lookup(name)
				if err != nil {
					return err
				}

				fmt.Fprintf(out, "%s\t%s\t%s\n", p.Name, p.CPU.Name(), p.Accel.Name())
			}

			return nil
		},
	}
}

// stateFlags selects the initial simulation state: a workload file, or a
// freshly generated grid.
type stateFlags struct {
	nx, ny, nz   int
	seed         int64
	distribution string
	workloadPath string
}

func (f *stateFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.IntVar(&f.nx, "nx", 64, "Grid cells in x")
	flags.IntVar(&f.ny, "ny", 32, "Grid cells in y")
	flags.IntVar(&f.nz, "nz", 1, "Grid cells in z")
	flags.Int64Var(&f.seed, "seed", 0,
		"Random seed (0 = use current time)")
	flags.StringVar(&f.distribution, "distribution", "uniform",
		"Density distribution: uniform, power-law, exponential")
}

func (f *stateFlags) registerWorkload(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.workloadPath, "workload", "",
		"Path to a workload file (skip generation)")
}

func (f *stateFlags) config() workload.Config {
	seed := f.seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return workload.Config{
		Nx:           f.nx,
		Ny:           f.ny,
		Nz:           f.nz,
		Distribution: f.distribution,
		Seed:         seed,
	}
}

func (f *stateFlags) load(ctx context.Context, logger *slog.Logger) (*state.State, error) {
	if f.workloadPath != "" {
		file, err := os.Open(f.workloadPath)
		if err != nil {
			return nil, fmt.Errorf("open workload %s: %w", f.workloadPath, err)
		}
		defer file.Close()

		st, err := workload.Decode(file)
		if err != nil {
			return nil, fmt.Errorf("read workload %s: %w", f.workloadPath, err)
		}

		logger.InfoContext(ctx, "workload loaded",
			slog.String("path", f.workloadPath),
			slog.Int("fields", len(st.Fields())),
		)

		return st, nil
	}

	cfg := f.config()

	st, summary, err := workload.NewGenerator(cfg).Build()
	if err != nil {
		return nil, fmt.Errorf("generate state: %w", err)
	}

	logger.InfoContext(ctx, "state generated",
		slog.Int64("seed", cfg.Seed),
		slog.String("distribution", cfg.Distribution),
		slog.Int("cells", summary.Cells),
		slog.Float64("mass", summary.Mass),
	)

	return st, nil
}

func lookupPair(name string) (kernel.Pair, error) {
	p, err := kernel.Reference(nil).Lookup(name)
	if err != nil {
		return kernel.Pair{}, commandError(err)
	}

	return p, nil
}

func validateFormat(format string) error {
	switch format {
	case formatText, formatMarkdown, formatJSON:
		return nil
	default:
		return commandError(fmt.Errorf("unknown format %q", format))
	}
}

func newGenerateCmd(logger *slog.Logger) *cobra.Command {
	var (
		sf      stateFlags
		outPath string
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Write a deterministic workload file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := sf.config()

			w := cmd.OutOrStdout()
			if outPath != "" {
				file, err := os.Create(outPath)
				if err != nil {
					return commandError(fmt.Errorf("create %s: %w", outPath, err))
				}
				defer file.Close()

				w = file
			}

			summary, err := workload.NewGenerator(cfg).Generate(w)
			if err != nil {
				return commandError(fmt.Errorf("generate: %w", err))
			}

			logger.InfoContext(cmd.Context(), "workload generated",
				slog.String("path", outPath),
				slog.Int64("seed", cfg.Seed),
				slog.Int("fields", summary.Fields),
				slog.Int("cells", summary.Cells),
				slog.Float64("min_density", summary.MinDensity),
				slog.Float64("max_density", summary.MaxDensity),
			)

			return nil
		},
	}

	sf.register(cmd)
	cmd.Flags().StringVarP(&outPath, "out", "o", "",
		"Output path (default: stdout)")

	return cmd
}

type benchConfig struct {
	kernel          string
	state           stateFlags
	dt              float64
	cpuIterations   int
	accelIterations int
	timeout         time.Duration
	format          string
}

func newBenchCmd(logger *slog.Logger) *cobra.Command {
	var cfg benchConfig

	cmd := &cobra.Command{
		Use:   "bench <kernel>",
		Short: "Time the CPU and accelerator variants of a kernel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.kernel = args[0]
			return runBench(cmd.Context(), logger, cmd.OutOrStdout(), cfg)
		},
	}

	cfg.state.register(cmd)
	cfg.state.registerWorkload(cmd)

	flags := cmd.Flags()
	flags.Float64Var(&cfg.dt, "dt", 0.01, "Substep length")
	flags.IntVar(&cfg.cpuIterations, "cpu-iterations", harness.DefaultCPUIterations,
		"CPU variant calls")
	flags.IntVar(&cfg.accelIterations, "accel-iterations", harness.DefaultAccelIterations,
		"Accelerator variant calls")
	flags.DurationVar(&cfg.timeout, "timeout", 0,
		"Per-call kernel timeout (0 = none)")
	flags.StringVar(&cfg.format, "format", formatText,
		"Output format: text, markdown, json")

	return cmd
}

func runBench(ctx context.Context, logger *slog.Logger, out io.Writer, cfg benchConfig) error {
	if err := validateFormat(cfg.format); err != nil {
		return err
	}

	pair, err := lookupPair(cfg.kernel)
	if err != nil {
		return err
	}

	st, err := cfg.state.load(ctx, logger)
	if err != nil {
		return commandError(err)
	}

	runner := harness.NewRunner(logger, harness.Options{})

	res, err := runner.Bench(ctx, pair, st, harness.BenchConfig{
		DT:              cfg.dt,
		CPUIterations:   cfg.cpuIterations,
		AccelIterations: cfg.accelIterations,
		CallTimeout:     cfg.timeout,
	})
	if err != nil {
		return failure(err)
	}

	return writeSummary(out, cfg.format, report.Summary{Benches: []*harness.BenchResult{res}})
}

type checkConfig struct {
	kernel       string
	state        stateFlags
	dt           float64
	abs, rel     float64
	dumpPath     string
	timeout      time.Duration
	perturb      string
	perturbDelta float64
	format       string
}

func newCheckCmd(logger *slog.Logger) *cobra.Command {
	var cfg checkConfig

	cmd := &cobra.Command{
		Use:   "check <kernel>",
		Short: "Verify that both variants of a kernel produce the same fields",
		Long: `Apply the CPU and the accelerator variant of a kernel once each to the
same state, dump both results and compare them field by field. Exits 1 when
any cell differs beyond the tolerance.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.kernel = args[0]
			return runCheck(cmd.Context(), logger, cmd.OutOrStdout(), cfg)
		},
	}

	cfg.state.register(cmd)
	cfg.state.registerWorkload(cmd)

	flags := cmd.Flags()
	flags.Float64Var(&cfg.dt, "dt", 0.01, "Substep length")
	flags.Float64Var(&cfg.abs, "abs", 0, "Absolute tolerance")
	flags.Float64Var(&cfg.rel, "rel", 0, "Relative tolerance")
	flags.StringVar(&cfg.dumpPath, "dump", "",
		"SQLite file that keeps both dumps (default: in memory)")
	flags.DurationVar(&cfg.timeout, "timeout", 0,
		"Per-call kernel timeout (0 = none)")
	flags.StringVar(&cfg.perturb, "perturb", "",
		"Add --perturb-delta to this field after the accelerator variant")
	flags.Float64Var(&cfg.perturbDelta, "perturb-delta", 1e-6,
		"Offset used by --perturb")
	flags.StringVar(&cfg.format, "format", formatText,
		"Output format: text, markdown, json")

	return cmd
}

func runCheck(ctx context.Context, logger *slog.Logger, out io.Writer, cfg checkConfig) error {
	if err := validateFormat(cfg.format); err != nil {
		return err
	}

	tol := compare.Tolerance{Abs: cfg.abs, Rel: cfg.rel}
	if err := tol.Validate(); err != nil {
		return commandError(fmt.Errorf("--abs/--rel: %w", err))
	}

	pair, err := lookupPair(cfg.kernel)
	if err != nil {
		return err
	}

	if cfg.perturb != "" {
		pair.Accel = kernel.Perturb(pair.Accel, cfg.perturb, cfg.perturbDelta)
	}

	st, err := cfg.state.load(ctx, logger)
	if err != nil {
		return commandError(err)
	}

	store, err := dump.Open(cfg.dumpPath)
	if err != nil {
		return commandError(fmt.Errorf("open dump store: %w", err))
	}
	defer store.Close()

	runner := harness.NewRunner(logger, harness.Options{Store: store})

	checkCfg := harness.DefaultCheckConfig(cfg.dt)
	checkCfg.Tolerance = tol
	checkCfg.CallTimeout = cfg.timeout
	checkCfg.KeepDumps = cfg.dumpPath != ""

	res, checkErr := runner.Check(ctx, pair, st, checkCfg)
	if res == nil {
		return failure(checkErr)
	}

	if err := writeSummary(out, cfg.format, report.Summary{Checks: []*harness.CheckResult{res}}); err != nil {
		return err
	}

	if checkErr != nil {
		return failure(checkErr)
	}

	return nil
}

func newSuiteCmd(logger *slog.Logger) *cobra.Command {
	var (
		format     string
		noProgress bool
	)

	cmd := &cobra.Command{
		Use:   "suite <file>",
		Short: "Run every kernel listed in a suite file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateFormat(format); err != nil {
				return err
			}

			cfg, err := suite.Load(args[0])
			if err != nil {
				return commandError(err)
			}

			opts := suite.Options{}
			if !noProgress {
				opts.Progress = cmd.ErrOrStderr()
			}

			outcome, err := suite.Run(cmd.Context(), logger, cfg, opts)
			if err != nil {
				if outcome == nil {
					return commandError(err)
				}

				return failure(err)
			}

			if err := writeOutcome(cmd.OutOrStdout(), format, outcome); err != nil {
				return err
			}

			if err := outcome.Err(); err != nil {
				return failure(fmt.Errorf("%d of %d kernels failed: %w",
					outcome.Failed(), len(outcome.Entries), err))
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", formatMarkdown,
		"Output format: text, markdown, json")
	cmd.Flags().BoolVar(&noProgress, "no-progress", false,
		"Disable the progress bar")

	return cmd
}

func writeSummary(w io.Writer, format string, s report.Summary) error {
	switch format {
	case formatJSON:
		if err := report.GenerateJSON(w, s); err != nil {
			return fmt.Errorf("generate JSON report: %w", err)
		}
	case formatMarkdown:
		if err := report.Generate(w, s); err != nil {
			return fmt.Errorf("generate report: %w", err)
		}
	default:
		for _, b := range s.Benches {
			if err := report.Console(w, b); err != nil {
				return err
			}
		}

		for _, c := range s.Checks {
			if err := report.CheckConsole(w, c); err != nil {
				return err
			}
		}
	}

	return nil
}

func writeOutcome(w io.Writer, format string, o *suite.Outcome) error {
	s := o.Summary()
	if format != formatText && len(s.Benches) == 0 && len(s.Checks) == 0 {
		return nil
	}

	if err := writeSummary(w, format, s); err != nil {
		return err
	}

	if format != formatText {
		return nil
	}

	for _, e := range o.Entries {
		if e.Skipped {
			fmt.Fprintf(w, "Skipped %s\n", e.Name)
		}
	}

	return nil
}
