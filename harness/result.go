// Package harness benchmarks and cross-checks the CPU and accelerator
// variants of a kernel pair on a shared simulation state.
package harness

import (
	"time"

	"github.com/weiihann/kernelbench/compare"
	"github.com/weiihann/kernelbench/state"
)

// BenchResult holds the timings of one benchmark.
type BenchResult struct {
	Kernel          string        `json:"kernel"`
	CPUIterations   int           `json:"cpu_iterations"`
	AccelIterations int           `json:"accel_iterations"`
	CPUTotal        time.Duration `json:"cpu_total_ns"`
	AccelTotal      time.Duration `json:"accel_total_ns"`
	CPUAvgMs        float64       `json:"cpu_avg_ms"`
	AccelAvgMs      float64       `json:"accel_avg_ms"`
	// Speedup is the per-call CPU time divided by the per-call accelerator
	// time.
	Speedup float64 `json:"speedup"`
}

// CheckResult holds the outcome of one equivalence check.
type CheckResult struct {
	Kernel        string         `json:"kernel"`
	RunID         string         `json:"run_id"`
	DT            float64        `json:"dt"`
	PrimarySlot   int            `json:"primary_slot"`
	SecondarySlot int            `json:"secondary_slot"`
	Comparison    compare.Result `json:"comparison"`
	Elapsed       time.Duration  `json:"elapsed_ns"`

	// CPUState is the state after the CPU variant ran. Only set when
	// CheckConfig.KeepCPUState is true.
	CPUState *state.Snapshot `json:"-"`
}

// Passed reports whether both variants agreed within tolerance.
func (r *CheckResult) Passed() bool { return r.Comparison.Match }
