package harness

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiihann/kernelbench/compare"
	"github.com/weiihann/kernelbench/dump"
	"github.com/weiihann/kernelbench/kernel"
	"github.com/weiihann/kernelbench/state"
	"github.com/weiihann/kernelbench/timing"
	"github.com/weiihann/kernelbench/workload"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testState(t *testing.T) *state.State {
	t.Helper()

	st, _, err := workload.NewGenerator(workload.Config{Nx: 16, Ny: 8, Nz: 1, Seed: 42}).Build()
	require.NoError(t, err)

	return st
}

func edamp(t *testing.T) kernel.Pair {
	t.Helper()

	p, err := kernel.Reference(nil).Lookup(kernel.Edamp)
	require.NoError(t, err)

	return p
}

// tick returns a kernel that only advances clock by d.
func tick(clock *timing.ManualClock, label string, d time.Duration) kernel.Kernel {
	return kernel.Func{
		Label: label,
		Fn: func(context.Context, *state.State, float64) error {
			clock.Advance(d)
			return nil
		},
	}
}

func TestBenchSpeedup(t *testing.T) {
	clock := timing.NewManualClock()
	pair := kernel.Pair{
		Name:  "substep1_x",
		CPU:   tick(clock, "cpu", time.Millisecond),
		Accel: tick(clock, "accel", 100*time.Microsecond),
	}

	r := NewRunner(testLogger(), Options{Clock: clock})

	res, err := r.Bench(context.Background(), pair, testState(t), DefaultBenchConfig(0.01))
	require.NoError(t, err)

	assert.Equal(t, "substep1_x", res.Kernel)
	assert.Equal(t, 200, res.CPUIterations)
	assert.Equal(t, 2000, res.AccelIterations)
	assert.Equal(t, 200*time.Millisecond, res.CPUTotal)
	assert.Equal(t, 200*time.Millisecond, res.AccelTotal)
	assert.Equal(t, 1.0, res.CPUAvgMs)
	assert.Equal(t, 0.1, res.AccelAvgMs)
	assert.Equal(t, 10.0, res.Speedup)
}

func TestBenchRejectsIterationCounts(t *testing.T) {
	tests := []struct {
		name       string
		cpu, accel int
	}{
		{"zero cpu", 0, 2000},
		{"zero accel", 200, 0},
		{"negative", -1, 2000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			count := kernel.Func{Label: "count", Fn: func(context.Context, *state.State, float64) error {
				calls++
				return nil
			}}

			r := NewRunner(testLogger(), Options{})

			_, err := r.Bench(context.Background(), kernel.Pair{Name: "k", CPU: count, Accel: count}, testState(t),
				BenchConfig{DT: 0.01, CPUIterations: tt.cpu, AccelIterations: tt.accel})
			require.ErrorIs(t, err, ErrMeasurement)
			assert.Zero(t, calls)
		})
	}
}

func TestBenchRejectsZeroElapsed(t *testing.T) {
	clock := timing.NewManualClock()
	pair := kernel.Pair{
		Name:  "frozen",
		CPU:   tick(clock, "cpu", time.Millisecond),
		Accel: tick(clock, "accel", 0),
	}

	r := NewRunner(testLogger(), Options{Clock: clock})

	_, err := r.Bench(context.Background(), pair, testState(t), DefaultBenchConfig(0.01))
	assert.ErrorIs(t, err, ErrMeasurement)
}

func TestBenchLeavesStateUnchanged(t *testing.T) {
	st := testState(t)
	before := st.Snapshot()

	r := NewRunner(testLogger(), Options{})

	res, err := r.Bench(context.Background(), edamp(t), st,
		BenchConfig{DT: 0.01, CPUIterations: 20, AccelIterations: 20})
	require.NoError(t, err)

	assert.True(t, st.Snapshot().Equal(before))
	assert.Positive(t, res.CPUTotal)
	assert.Positive(t, res.AccelTotal)
	assert.Positive(t, res.Speedup)
}

func TestBenchVariantsStartFromSameState(t *testing.T) {
	var seen []float64

	record := func(label string) kernel.Kernel {
		return kernel.Func{Label: label, Fn: func(_ context.Context, st *state.State, _ float64) error {
			e := st.Field(kernel.FieldEnergy)
			seen = append(seen, e.Data[0])
			e.Data[0] += 1

			return nil
		}}
	}

	st := testState(t)
	start := 0.5
	st.Field(kernel.FieldEnergy).Data[0] = start

	r := NewRunner(testLogger(), Options{})

	_, err := r.Bench(context.Background(), kernel.Pair{Name: "rec", CPU: record("cpu"), Accel: record("accel")}, st,
		BenchConfig{DT: 0.01, CPUIterations: 2, AccelIterations: 3})
	require.NoError(t, err)

	assert.Equal(t, []float64{start, start + 1, start, start + 1, start + 2}, seen)
	assert.Equal(t, start, st.Field(kernel.FieldEnergy).Data[0])
}

func TestCheckPassthroughMatches(t *testing.T) {
	ref := edamp(t)
	pair := kernel.Pair{Name: ref.Name, CPU: ref.CPU, Accel: kernel.Passthrough(ref.CPU)}

	st := testState(t)
	before := st.Snapshot()

	r := NewRunner(testLogger(), Options{})

	res, err := r.Check(context.Background(), pair, st, DefaultCheckConfig(0.01))
	require.NoError(t, err)

	assert.True(t, res.Passed())
	assert.Zero(t, res.Comparison.MaxAbsDiff)
	assert.Nil(t, res.Comparison.FirstMismatch)
	assert.Equal(t, dump.PrimarySlot, res.PrimarySlot)
	assert.Equal(t, dump.SecondarySlot, res.SecondarySlot)
	assert.NotEmpty(t, res.RunID)
	assert.Nil(t, res.CPUState)

	assert.True(t, st.Snapshot().Equal(before), "check must not change the state")
}

func TestCheckReportsPerturbedField(t *testing.T) {
	ref := edamp(t)
	pair := kernel.Pair{Name: ref.Name, CPU: ref.CPU, Accel: kernel.Perturb(ref.Accel, kernel.FieldVy, 1e-3)}

	st := testState(t)
	before := st.Snapshot()

	r := NewRunner(testLogger(), Options{})

	res, err := r.Check(context.Background(), pair, st, DefaultCheckConfig(0.01))
	require.ErrorIs(t, err, ErrEquivalence)

	var eqErr *EquivalenceError
	require.True(t, errors.As(err, &eqErr))
	assert.Equal(t, kernel.Edamp, eqErr.Kernel)
	assert.Contains(t, err.Error(), kernel.FieldVy)

	require.NotNil(t, res)
	assert.False(t, res.Passed())
	assert.Equal(t, []string{kernel.FieldVy}, res.Comparison.Mismatched())

	loc := res.Comparison.FirstMismatch
	require.NotNil(t, loc)
	assert.Equal(t, kernel.FieldVy, loc.Field)
	assert.Equal(t, 0, loc.Index)
	assert.InDelta(t, 1e-3, loc.AbsDiff, 1e-12)

	assert.True(t, st.Snapshot().Equal(before))
}

func TestCheckToleranceAcceptsSmallDrift(t *testing.T) {
	ref := edamp(t)
	pair := kernel.Pair{Name: ref.Name, CPU: ref.CPU, Accel: kernel.Perturb(ref.Accel, kernel.FieldVx, 1e-9)}

	cfg := DefaultCheckConfig(0.01)
	cfg.Tolerance = compare.Tolerance{Abs: 1e-6}

	r := NewRunner(testLogger(), Options{})

	res, err := r.Check(context.Background(), pair, testState(t), cfg)
	require.NoError(t, err)
	assert.True(t, res.Passed())
	assert.Positive(t, res.Comparison.MaxAbsDiff)
}

func TestCheckKeepsCPUStateAndDumps(t *testing.T) {
	ref := edamp(t)
	st := testState(t)

	want := st.Clone()
	require.NoError(t, ref.CPU.Apply(context.Background(), want, 0.01))

	store := dump.NewMemory()
	r := NewRunner(testLogger(), Options{Store: store})

	cfg := DefaultCheckConfig(0.01)
	cfg.KeepCPUState = true
	cfg.KeepDumps = true

	res, err := r.Check(context.Background(), ref, st, cfg)
	require.NoError(t, err)

	require.NotNil(t, res.CPUState)
	assert.True(t, res.CPUState.Equal(want.Snapshot()))

	slots, err := store.Latest(context.Background(), res.RunID, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{dump.PrimarySlot, dump.SecondarySlot}, slots)

	cpuDump, err := store.Get(context.Background(), res.RunID, dump.PrimarySlot)
	require.NoError(t, err)
	assert.True(t, cpuDump.Equal(want.Snapshot()))
}

func TestCheckDeletesDumpsByDefault(t *testing.T) {
	store := dump.NewMemory()
	r := NewRunner(testLogger(), Options{Store: store})

	res, err := r.Check(context.Background(), edamp(t), testState(t), DefaultCheckConfig(0.01))
	require.NoError(t, err)

	_, err = store.Get(context.Background(), res.RunID, dump.PrimarySlot)
	assert.ErrorIs(t, err, dump.ErrNotFound)
}

func TestCheckRejectsConfig(t *testing.T) {
	r := NewRunner(testLogger(), Options{})

	cfg := DefaultCheckConfig(0.01)
	cfg.SecondarySlot = cfg.PrimarySlot
	_, err := r.Check(context.Background(), edamp(t), testState(t), cfg)
	assert.Error(t, err)

	cfg = DefaultCheckConfig(0.01)
	cfg.Tolerance = compare.Tolerance{Abs: -1}
	_, err = r.Check(context.Background(), edamp(t), testState(t), cfg)
	assert.Error(t, err)

	_, err = r.Check(context.Background(), kernel.Pair{Name: "half", CPU: edamp(t).CPU}, testState(t), DefaultCheckConfig(0.01))
	assert.Error(t, err)
}

func TestCheckElapsedUsesClock(t *testing.T) {
	clock := timing.NewManualClock()
	pair := kernel.Pair{
		Name:  "ticks",
		CPU:   tick(clock, "cpu", 3*time.Millisecond),
		Accel: tick(clock, "accel", 2*time.Millisecond),
	}

	r := NewRunner(testLogger(), Options{Clock: clock})

	res, err := r.Check(context.Background(), pair, testState(t), DefaultCheckConfig(0.01))
	require.NoError(t, err)
	assert.Equal(t, 5*time.Millisecond, res.Elapsed)
}

func TestKernelTimeout(t *testing.T) {
	ref := edamp(t)
	pair := kernel.Pair{Name: ref.Name, CPU: ref.CPU, Accel: kernel.Sleep(ref.Accel, time.Hour)}

	r := NewRunner(testLogger(), Options{})

	cfg := DefaultCheckConfig(0.01)
	cfg.CallTimeout = 20 * time.Millisecond

	_, err := r.Check(context.Background(), pair, testState(t), cfg)
	assert.ErrorIs(t, err, ErrKernelTimeout)

	_, err = r.Bench(context.Background(), pair, testState(t), BenchConfig{
		DT:              0.01,
		CPUIterations:   2,
		AccelIterations: 2,
		CallTimeout:     20 * time.Millisecond,
	})
	assert.ErrorIs(t, err, ErrKernelTimeout)
}

func TestCallTimeoutAllowsFastKernels(t *testing.T) {
	r := NewRunner(testLogger(), Options{})

	cfg := DefaultCheckConfig(0.01)
	cfg.CallTimeout = time.Minute

	res, err := r.Check(context.Background(), edamp(t), testState(t), cfg)
	require.NoError(t, err)
	assert.True(t, res.Passed())
}

func TestKernelErrorIsPropagated(t *testing.T) {
	errBoom := errors.New("boom")
	ref := edamp(t)

	failing := kernel.Func{Label: "boom", Fn: func(_ context.Context, st *state.State, _ float64) error {
		st.Field(kernel.FieldEnergy).Data[0] = -1
		return errBoom
	}}

	pair := kernel.Pair{Name: ref.Name, CPU: ref.CPU, Accel: failing}

	st := testState(t)
	before := st.Snapshot()

	r := NewRunner(testLogger(), Options{})

	_, err := r.Check(context.Background(), pair, st, DefaultCheckConfig(0.01))
	require.ErrorIs(t, err, errBoom)
	assert.NotErrorIs(t, err, ErrEquivalence)
	assert.True(t, st.Snapshot().Equal(before))

	_, err = r.Bench(context.Background(), pair, st, DefaultBenchConfig(0.01))
	require.ErrorIs(t, err, errBoom)
	assert.True(t, st.Snapshot().Equal(before))
}

func TestCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	st := testState(t)
	before := st.Snapshot()

	r := NewRunner(testLogger(), Options{})

	_, err := r.Check(ctx, edamp(t), st, DefaultCheckConfig(0.01))
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, st.Snapshot().Equal(before))
}

type failingStore struct {
	dump.Store
	slot int
	err  error
}

func (s *failingStore) Put(ctx context.Context, runID string, slot int, snap *state.Snapshot) error {
	if slot == s.slot {
		return s.err
	}

	return s.Store.Put(ctx, runID, slot, snap)
}

func TestStoreErrorIsPropagated(t *testing.T) {
	errDisk := errors.New("disk full")
	store := &failingStore{Store: dump.NewMemory(), slot: dump.SecondarySlot, err: errDisk}

	st := testState(t)
	before := st.Snapshot()

	r := NewRunner(testLogger(), Options{Store: store})

	_, err := r.Check(context.Background(), edamp(t), st, DefaultCheckConfig(0.01))
	require.ErrorIs(t, err, errDisk)
	assert.True(t, st.Snapshot().Equal(before))
}

// recordingStore remembers the run ids it stored dumps for.
type recordingStore struct {
	dump.Store
	runs []string
}

func (s *recordingStore) Put(ctx context.Context, runID string, slot int, snap *state.Snapshot) error {
	s.runs = append(s.runs, runID)
	return s.Store.Put(ctx, runID, slot, snap)
}

func TestCheckDeletesDumpsOnError(t *testing.T) {
	errBoom := errors.New("boom")
	ref := edamp(t)

	failing := kernel.Func{Label: "boom", Fn: func(context.Context, *state.State, float64) error {
		return errBoom
	}}

	tests := []struct {
		name      string
		pair      kernel.Pair
		keepDumps bool
		wantKept  bool
	}{
		{"accel fails", kernel.Pair{Name: ref.Name, CPU: ref.CPU, Accel: failing}, false, false},
		{"accel fails keep dumps", kernel.Pair{Name: ref.Name, CPU: ref.CPU, Accel: failing}, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &recordingStore{Store: dump.NewMemory()}
			r := NewRunner(testLogger(), Options{Store: store})

			cfg := DefaultCheckConfig(0.01)
			cfg.KeepDumps = tt.keepDumps

			_, err := r.Check(context.Background(), tt.pair, testState(t), cfg)
			require.ErrorIs(t, err, errBoom)
			require.Len(t, store.runs, 1)

			_, err = store.Get(context.Background(), store.runs[0], dump.PrimarySlot)
			if tt.wantKept {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, dump.ErrNotFound)
			}
		})
	}
}

func TestCheckDeletesDumpsOnStoreError(t *testing.T) {
	errDisk := errors.New("disk full")
	inner := &recordingStore{Store: dump.NewMemory()}
	store := &failingStore{Store: inner, slot: dump.SecondarySlot, err: errDisk}

	r := NewRunner(testLogger(), Options{Store: store})

	_, err := r.Check(context.Background(), edamp(t), testState(t), DefaultCheckConfig(0.01))
	require.ErrorIs(t, err, errDisk)
	require.Len(t, inner.runs, 1)

	_, err = inner.Get(context.Background(), inner.runs[0], dump.PrimarySlot)
	assert.ErrorIs(t, err, dump.ErrNotFound)
}

func TestBenchAveragesAreMonotonicInIterations(t *testing.T) {
	clock := timing.NewManualClock()
	r := NewRunner(testLogger(), Options{Clock: clock})

	pair := kernel.Pair{
		Name:  "ticks",
		CPU:   tick(clock, "cpu", time.Millisecond),
		Accel: tick(clock, "accel", 100*time.Microsecond),
	}

	var prev *BenchResult

	for _, n := range []int{1, 2, 10, 50, 200} {
		cfg := DefaultBenchConfig(0.01)
		cfg.CPUIterations = n
		cfg.AccelIterations = 10 * n

		res, err := r.Bench(context.Background(), pair, testState(t), cfg)
		require.NoError(t, err)

		assert.Equal(t, time.Duration(n)*time.Millisecond, res.CPUTotal, "n=%d", n)
		assert.Equal(t, time.Duration(n)*time.Millisecond, res.AccelTotal, "n=%d", n)

		if prev != nil {
			assert.GreaterOrEqual(t, res.CPUTotal, prev.CPUTotal)
			assert.GreaterOrEqual(t, res.AccelTotal, prev.AccelTotal)
			assert.GreaterOrEqual(t, res.CPUAvgMs, prev.CPUAvgMs)
			assert.GreaterOrEqual(t, res.AccelAvgMs, prev.AccelAvgMs)
		}

		assert.InDelta(t, 1.0, res.CPUAvgMs, 1e-12)
		assert.InDelta(t, 0.1, res.AccelAvgMs, 1e-12)

		prev = res
	}
}

func TestReferencePairsPassOnWorkloads(t *testing.T) {
	reg := kernel.Reference(nil)
	r := NewRunner(testLogger(), Options{})

	for _, dist := range []string{"uniform", "power-law", "exponential"} {
		st, _, err := workload.NewGenerator(workload.Config{
			Nx: 33, Ny: 7, Nz: 2, Distribution: dist, Seed: 9,
		}).Build()
		require.NoError(t, err)

		for _, name := range reg.Names() {
			pair, err := reg.Lookup(name)
			require.NoError(t, err)

			res, err := r.Check(context.Background(), pair, st, DefaultCheckConfig(0.01))
			require.NoError(t, err, "%s on %s", name, dist)
			assert.True(t, res.Passed())
		}
	}
}

func TestEquivalenceErrorMessage(t *testing.T) {
	err := &EquivalenceError{
		Kernel: "edamp",
		Result: &compare.Result{
			FirstMismatch: &compare.Location{Field: "energy", X: 1, Y: 2, Want: 1, Got: 2, AbsDiff: 1},
			Fields: []compare.FieldDiff{
				{Name: "density"},
				{Name: "energy", Mismatches: 3, MaxAbsDiff: 1},
			},
		},
	}

	msg := err.Error()
	assert.True(t, strings.HasPrefix(msg, "edamp: kernel results differ at energy[1,2,0]"), msg)
	assert.Contains(t, msg, "mismatched fields: energy")
	assert.ErrorIs(t, err, ErrEquivalence)
}
