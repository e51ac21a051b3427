package suite

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"

	"github.com/weiihann/kernelbench/dump"
	"github.com/weiihann/kernelbench/harness"
	"github.com/weiihann/kernelbench/kernel"
	"github.com/weiihann/kernelbench/report"
	"github.com/weiihann/kernelbench/timing"
	"github.com/weiihann/kernelbench/workload"
)

// Options configures Run.
type Options struct {
	Registry *kernel.Registry
	// Store overrides the dump store named by the suite file.
	Store dump.Store
	Clock timing.Clock
	// Progress receives a progress bar. Nil disables it.
	Progress io.Writer
}

// EntryOutcome is the result of one suite entry.
type EntryOutcome struct {
	Name    string
	Bench   *harness.BenchResult
	Check   *harness.CheckResult
	Err     error
	Skipped bool
}

// Outcome is the result of a suite run.
type Outcome struct {
	Suite   string
	Entries []EntryOutcome
}

// Err joins the errors of every failed entry, or returns nil.
func (o *Outcome) Err() error {
	var errs []error
	for _, e := range o.Entries {
		if e.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.Name, e.Err))
		}
	}

	return errors.Join(errs...)
}

// Failed returns the number of entries with an error.
func (o *Outcome) Failed() int {
	n := 0
	for _, e := range o.Entries {
		if e.Err != nil {
			n++
		}
	}

	return n
}

// Summary collects the results for reporting, in suite order.
func (o *Outcome) Summary() report.Summary {
	var s report.Summary
	for _, e := range o.Entries {
		if e.Bench != nil {
			s.Benches = append(s.Benches, e.Bench)
		}

		if e.Check != nil {
			s.Checks = append(s.Checks, e.Check)
		}
	}

	return s
}

var errFailFast = errors.New("suite stopped at first failure")

// Run executes every entry of cfg. Each entry gets its own state from the
// workload generator, so entries may run in parallel. A failing entry does
// not stop the others unless cfg.FailFast is set; failures are reported
// through Outcome.Err. The returned error is reserved for problems that
// prevent the suite from running at all.
func Run(ctx context.Context, logger *slog.Logger, cfg *Config, opts Options) (*Outcome, error) {
	if opts.Registry == nil {
		opts.Registry = kernel.Reference(nil)
	}

	pairs := make([]kernel.Pair, len(cfg.Kernels))
	for i, e := range cfg.Kernels {
		p, err := opts.Registry.Lookup(e.Name)
		if err != nil {
			return nil, fmt.Errorf("kernels[%d]: %w", i, err)
		}

		pairs[i] = p
	}

	gen := cfg.Workload()
	if err := gen.Validate(); err != nil {
		return nil, fmt.Errorf("workload: %w", err)
	}

	store := opts.Store
	if store == nil {
		s, err := dump.Open(cfg.Dump.Path)
		if err != nil {
			return nil, fmt.Errorf("open dump store: %w", err)
		}
		defer s.Close()

		store = s
	}

	runner := harness.NewRunner(logger, harness.Options{Clock: opts.Clock, Store: store})

	parallelism := max(cfg.Parallelism, 1)
	if parallelism > 1 {
		logger.Warn("benchmarks share the CPU with parallel entries",
			slog.Int("parallelism", parallelism))
	}

	logger.Info("running suite",
		slog.String("suite", cfg.Name),
		slog.Int("kernels", len(cfg.Kernels)),
		slog.Int("parallelism", parallelism),
	)

	var bar *progressbar.ProgressBar
	if opts.Progress != nil {
		bar = progressbar.NewOptions(len(cfg.Kernels),
			progressbar.OptionSetWriter(opts.Progress),
			progressbar.OptionSetDescription(cfg.Name),
			progressbar.OptionShowCount(),
		)
	}

	out := &Outcome{
		Suite:   cfg.Name,
		Entries: make([]EntryOutcome, len(cfg.Kernels)),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)

	for i, entry := range cfg.Kernels {
		out.Entries[i] = EntryOutcome{Name: entry.Name, Skipped: true}

		if gctx.Err() != nil {
			continue
		}

		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}

			res := runEntry(gctx, runner, gen, cfg, entry, pairs[i])
			out.Entries[i] = res

			if bar != nil {
				_ = bar.Add(1)
			}

			if res.Err != nil && cfg.FailFast {
				return errFailFast
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, errFailFast) {
		return out, err
	}

	if bar != nil {
		_ = bar.Finish()
	}

	logger.Info("suite finished",
		slog.String("suite", cfg.Name),
		slog.Int("failed", out.Failed()),
	)

	return out, ctx.Err()
}

func runEntry(
	ctx context.Context,
	runner *harness.Runner,
	gen workload.Config,
	cfg *Config,
	entry Entry,
	pair kernel.Pair,
) EntryOutcome {
	res := EntryOutcome{Name: entry.Name}

	st, _, err := workload.NewGenerator(gen).Build()
	if err != nil {
		res.Err = fmt.Errorf("build state: %w", err)
		return res
	}

	if entry.Bench != nil {
		res.Bench, err = runner.Bench(ctx, pair, st, entry.BenchConfig())
		if err != nil {
			res.Err = err
			return res
		}
	}

	if entry.Check {
		checkCfg := harness.DefaultCheckConfig(entry.DT)
		checkCfg.Tolerance = cfg.Tolerance
		checkCfg.KeepDumps = cfg.Dump.Path != ""

		res.Check, res.Err = runner.Check(ctx, pair, st, checkCfg)
	}

	return res
}
