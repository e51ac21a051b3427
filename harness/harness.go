package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/weiihann/kernelbench/compare"
	"github.com/weiihann/kernelbench/dump"
	"github.com/weiihann/kernelbench/kernel"
	"github.com/weiihann/kernelbench/state"
	"github.com/weiihann/kernelbench/timing"
)

// Default iteration counts for Bench.
const (
	DefaultCPUIterations   = 200
	DefaultAccelIterations = 2000
)

// BenchConfig holds parameters for a single benchmark.
type BenchConfig struct {
	DT              float64
	CPUIterations   int
	AccelIterations int
	// CallTimeout bounds each kernel call. Zero disables the bound.
	CallTimeout time.Duration
}

// DefaultBenchConfig returns a config with the default iteration counts.
func DefaultBenchConfig(dt float64) BenchConfig {
	return BenchConfig{
		DT:              dt,
		CPUIterations:   DefaultCPUIterations,
		AccelIterations: DefaultAccelIterations,
	}
}

// CheckConfig holds parameters for a single equivalence check.
type CheckConfig struct {
	DT            float64
	Tolerance     compare.Tolerance
	PrimarySlot   int
	SecondarySlot int
	CallTimeout   time.Duration
	// KeepCPUState returns the post-CPU state in CheckResult.CPUState.
	KeepCPUState bool
	// KeepDumps leaves both dumps in the store after the check.
	KeepDumps bool
}

// DefaultCheckConfig returns an exact-match config on the default slots.
func DefaultCheckConfig(dt float64) CheckConfig {
	return CheckConfig{
		DT:            dt,
		Tolerance:     compare.Exact,
		PrimarySlot:   dump.PrimarySlot,
		SecondarySlot: dump.SecondarySlot,
	}
}

// Options configures a Runner.
type Options struct {
	// Clock times benchmark loops. Nil selects the system clock.
	Clock timing.Clock
	// Store receives check dumps. Nil selects a fresh in-memory store.
	Store dump.Store
}

// Runner benchmarks and checks kernel pairs. A Runner runs one invocation
// at a time per state; distinct states may be used concurrently.
type Runner struct {
	Logger *slog.Logger

	clock timing.Clock
	store dump.Store
}

// NewRunner creates a Runner.
func NewRunner(logger *slog.Logger, opts Options) *Runner {
	if opts.Clock == nil {
		opts.Clock = timing.System
	}

	if opts.Store == nil {
		opts.Store = dump.NewMemory()
	}

	return &Runner{
		Logger: logger,
		clock:  opts.Clock,
		store:  opts.Store,
	}
}

// Store returns the dump store used by Check.
func (r *Runner) Store() dump.Store { return r.store }

// Bench times cfg.CPUIterations calls of the CPU variant and
// cfg.AccelIterations calls of the accelerator variant, both starting from
// the same state. st is left as it was on entry, except after a timeout.
func (r *Runner) Bench(
	ctx context.Context,
	pair kernel.Pair,
	st *state.State,
	cfg BenchConfig,
) (*BenchResult, error) {
	if err := pair.Validate(); err != nil {
		return nil, err
	}

	if cfg.CPUIterations <= 0 || cfg.AccelIterations <= 0 {
		return nil, fmt.Errorf(
			"%w: iteration counts must be positive, got cpu=%d accel=%d",
			ErrMeasurement, cfg.CPUIterations, cfg.AccelIterations,
		)
	}

	logger := r.Logger.With(slog.String("kernel", pair.Name))

	var slots state.Slots
	slots.SavePrimary(st)

	logger.Info("benchmarking cpu variant",
		slog.String("variant", pair.CPU.Name()),
		slog.Int("iterations", cfg.CPUIterations),
	)

	cpuTotal, err := r.loop(ctx, pair.CPU, st, cfg.DT, cfg.CPUIterations, cfg.CallTimeout,
		pair.Name+"/"+string(kernel.CPU))
	if err != nil {
		return nil, rollback(st, &slots, fmt.Errorf("bench %s: cpu: %w", pair.Name, err))
	}

	if err := slots.Restore(st); err != nil {
		return nil, fmt.Errorf("bench %s: %w", pair.Name, err)
	}

	logger.Info("benchmarking accelerator variant",
		slog.String("variant", pair.Accel.Name()),
		slog.Int("iterations", cfg.AccelIterations),
	)

	accelTotal, err := r.loop(ctx, pair.Accel, st, cfg.DT, cfg.AccelIterations, cfg.CallTimeout,
		pair.Name+"/"+string(kernel.Accel))
	if err != nil {
		return nil, rollback(st, &slots, fmt.Errorf("bench %s: accel: %w", pair.Name, err))
	}

	if err := slots.Restore(st); err != nil {
		return nil, fmt.Errorf("bench %s: %w", pair.Name, err)
	}

	res, err := newBenchResult(pair.Name, cfg, cpuTotal, accelTotal)
	if err != nil {
		return nil, fmt.Errorf("bench %s: %w", pair.Name, err)
	}

	logger.Info("benchmark finished",
		slog.Duration("cpu_total", cpuTotal),
		slog.Duration("accel_total", accelTotal),
		slog.Float64("speedup", res.Speedup),
	)

	return res, nil
}

// loop applies k n times inside one timing sample.
func (r *Runner) loop(
	ctx context.Context,
	k kernel.Kernel,
	st *state.State,
	dt float64,
	n int,
	timeout time.Duration,
	label string,
) (time.Duration, error) {
	sample := timing.Start(r.clock, label)

	for i := 0; i < n; i++ {
		if err := apply(ctx, k, st, dt, timeout); err != nil {
			sample.Stop()
			return 0, fmt.Errorf("iteration %d: %w", i, err)
		}
	}

	return sample.Stop(), nil
}

func newBenchResult(name string, cfg BenchConfig, cpu, accel time.Duration) (*BenchResult, error) {
	if cpu <= 0 || accel <= 0 {
		return nil, fmt.Errorf("%w: elapsed cpu=%s accel=%s", ErrMeasurement, cpu, accel)
	}

	cpuAvg := float64(cpu) / float64(cfg.CPUIterations)
	accelAvg := float64(accel) / float64(cfg.AccelIterations)

	speedup := cpuAvg / accelAvg
	if math.IsNaN(speedup) || math.IsInf(speedup, 0) {
		return nil, fmt.Errorf("%w: speedup is %g", ErrMeasurement, speedup)
	}

	return &BenchResult{
		Kernel:          name,
		CPUIterations:   cfg.CPUIterations,
		AccelIterations: cfg.AccelIterations,
		CPUTotal:        cpu,
		AccelTotal:      accel,
		CPUAvgMs:        cpuAvg / float64(time.Millisecond),
		AccelAvgMs:      accelAvg / float64(time.Millisecond),
		Speedup:         speedup,
	}, nil
}

// Check applies each variant once to the same starting state, dumps both
// results and compares them. st is left as it was on entry, except after a
// timeout. A mismatch returns the result together with an
// *EquivalenceError.
func (r *Runner) Check(
	ctx context.Context,
	pair kernel.Pair,
	st *state.State,
	cfg CheckConfig,
) (*CheckResult, error) {
	if err := pair.Validate(); err != nil {
		return nil, err
	}

	if cfg.PrimarySlot == cfg.SecondarySlot {
		return nil, fmt.Errorf("check %s: primary and secondary slot are both %d",
			pair.Name, cfg.PrimarySlot)
	}

	if err := cfg.Tolerance.Validate(); err != nil {
		return nil, fmt.Errorf("check %s: %w", pair.Name, err)
	}

	runID := dump.NewRunID()
	logger := r.Logger.With(
		slog.String("kernel", pair.Name),
		slog.String("run_id", runID),
	)

	start := r.clock.Now()

	var slots state.Slots
	slots.SavePrimary(st)

	logger.Debug("applying cpu variant", slog.String("variant", pair.CPU.Name()))

	if err := apply(ctx, pair.CPU, st, cfg.DT, cfg.CallTimeout); err != nil {
		return nil, rollback(st, &slots, fmt.Errorf("check %s: cpu: %w", pair.Name, err))
	}

	if !cfg.KeepDumps {
		defer r.discard(ctx, logger, runID)
	}

	if err := r.store.Put(ctx, runID, cfg.PrimarySlot, st.Snapshot()); err != nil {
		return nil, rollback(st, &slots, fmt.Errorf("check %s: dump cpu: %w", pair.Name, err))
	}

	cpuState := slots.SaveSecondary(st)

	if err := slots.Restore(st); err != nil {
		return nil, fmt.Errorf("check %s: %w", pair.Name, err)
	}

	logger.Debug("applying accelerator variant", slog.String("variant", pair.Accel.Name()))

	if err := apply(ctx, pair.Accel, st, cfg.DT, cfg.CallTimeout); err != nil {
		return nil, rollback(st, &slots, fmt.Errorf("check %s: accel: %w", pair.Name, err))
	}

	if err := r.store.Put(ctx, runID, cfg.SecondarySlot, st.Snapshot()); err != nil {
		return nil, rollback(st, &slots, fmt.Errorf("check %s: dump accel: %w", pair.Name, err))
	}

	cmp, err := dump.CompareLatest(ctx, r.store, runID, cfg.Tolerance)
	if err != nil {
		return nil, rollback(st, &slots, fmt.Errorf("check %s: compare: %w", pair.Name, err))
	}

	if err := slots.Restore(st); err != nil {
		return nil, fmt.Errorf("check %s: %w", pair.Name, err)
	}

	res := &CheckResult{
		Kernel:        pair.Name,
		RunID:         runID,
		DT:            cfg.DT,
		PrimarySlot:   cfg.PrimarySlot,
		SecondarySlot: cfg.SecondarySlot,
		Comparison:    *cmp,
		Elapsed:       r.clock.Now().Sub(start),
	}

	if cfg.KeepCPUState {
		res.CPUState = cpuState
	}

	if !cmp.Match {
		logger.Warn("kernel results differ",
			slog.Any("mismatched", cmp.Mismatched()),
			slog.Float64("max_abs_diff", cmp.MaxAbsDiff),
		)

		return res, &EquivalenceError{Kernel: pair.Name, Result: &res.Comparison}
	}

	logger.Info("kernel results match", slog.Float64("max_abs_diff", cmp.MaxAbsDiff))

	return res, nil
}

// discard deletes the dumps of a run. It also runs after ctx is canceled.
func (r *Runner) discard(ctx context.Context, logger *slog.Logger, runID string) {
	if err := r.store.Delete(context.WithoutCancel(ctx), runID); err != nil {
		logger.Warn("failed to delete dumps", slog.String("error", err.Error()))
	}
}

// apply runs one kernel call. With a positive timeout the call runs on its
// own goroutine and is abandoned when the deadline passes.
func apply(
	ctx context.Context,
	k kernel.Kernel,
	st *state.State,
	dt float64,
	timeout time.Duration,
) error {
	if timeout <= 0 {
		return k.Apply(ctx, st, dt)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- k.Apply(callCtx, st, dt)
	}()

	select {
	case err := <-done:
		if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s exceeded %s", ErrKernelTimeout, k.Name(), timeout)
		}

		return err

	case <-callCtx.Done():
		if err := ctx.Err(); err != nil {
			return err
		}

		return fmt.Errorf("%w: %s exceeded %s", ErrKernelTimeout, k.Name(), timeout)
	}
}

// rollback restores st after a failed step and returns err. A timed-out
// kernel may still be writing to st, so st is left alone in that case.
func rollback(st *state.State, slots *state.Slots, err error) error {
	if errors.Is(err, ErrKernelTimeout) {
		return err
	}

	if rerr := slots.Restore(st); rerr != nil {
		return errors.Join(err, fmt.Errorf("restore: %w", rerr))
	}

	return err
}
