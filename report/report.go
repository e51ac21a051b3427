// Package report formats benchmark and equivalence results into console
// lines, comparison tables and JSON.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/weiihann/kernelbench/compare"
	"github.com/weiihann/kernelbench/harness"
)

// Summary groups the results of one session.
type Summary struct {
	Benches []*harness.BenchResult
	Checks  []*harness.CheckResult
}

var printer = message.NewPrinter(language.English)

// Console writes the three console lines of one benchmark.
func Console(w io.Writer, res *harness.BenchResult) error {
	_, err := fmt.Fprintf(w,
		"Accelerator/CPU speedup in %s: %g\nCPU time : %g ms\nAccelerator time : %g ms\n",
		res.Kernel, res.Speedup, res.CPUAvgMs, res.AccelAvgMs,
	)

	return err
}

// CheckConsole writes the verdict of one equivalence check.
func CheckConsole(w io.Writer, res *harness.CheckResult) error {
	verdict := "PASS"
	if !res.Passed() {
		verdict = "FAIL"
	}

	fmt.Fprintf(w, "Equivalence check for %s: %s (max |diff| %g)\n",
		res.Kernel, verdict, res.Comparison.MaxAbsDiff)

	if loc := res.Comparison.FirstMismatch; loc != nil {
		fmt.Fprintf(w, "  first mismatch: %s\n", loc)
	}

	for _, f := range res.Comparison.Fields {
		if f.Match() {
			continue
		}

		if _, err := fmt.Fprintf(w, "  %s: %d of %d cells differ\n",
			f.Name, f.Mismatches, f.Cells); err != nil {
			return err
		}
	}

	return nil
}

// Generate writes markdown tables for the given results.
func Generate(w io.Writer, s Summary) error {
	if len(s.Benches) == 0 && len(s.Checks) == 0 {
		return fmt.Errorf("no results to report")
	}

	fmt.Fprintln(w, "## Kernel Results")

	if len(s.Benches) > 0 {
		fmt.Fprintln(w)
		writeBenches(w, s.Benches)
	}

	if len(s.Checks) > 0 {
		fmt.Fprintln(w)
		writeChecks(w, s.Checks)
	}

	return nil
}

func writeBenches(w io.Writer, results []*harness.BenchResult) {
	fmt.Fprintln(w, "### Benchmarks")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "| Kernel | CPU Iters | Accel Iters | CPU Avg "+
		"| Accel Avg | Speedup |")
	fmt.Fprintln(w, "|--------|-----------|-------------|---------"+
		"|-----------|---------|")

	for _, r := range results {
		fmt.Fprintf(w, "| %s | %s | %s | %s | %s | %s |\n",
			r.Kernel,
			printer.Sprintf("%d", r.CPUIterations),
			printer.Sprintf("%d", r.AccelIterations),
			formatMs(r.CPUAvgMs),
			formatMs(r.AccelAvgMs),
			printer.Sprintf("%.2fx", r.Speedup),
		)
	}
}

func writeChecks(w io.Writer, results []*harness.CheckResult) {
	fmt.Fprintln(w, "### Equivalence")
	fmt.Fprintln(w)

	if allPassed(results) {
		fmt.Fprintln(w, "Results: **all match**")
	} else {
		fmt.Fprintln(w, "Results: **MISMATCH**")

		for _, r := range results {
			if loc := r.Comparison.FirstMismatch; loc != nil {
				fmt.Fprintf(w, "  - %s: %s\n", r.Kernel, loc)
			}
		}
	}

	fmt.Fprintln(w)

	fmt.Fprintln(w, "| Kernel | Result | Max Abs Diff | Tolerance "+
		"| Mismatched Fields |")
	fmt.Fprintln(w, "|--------|--------|--------------|-----------"+
		"|-------------------|")

	for _, r := range results {
		verdict := "PASS"
		if !r.Passed() {
			verdict = "FAIL"
		}

		mismatched := "-"
		if names := r.Comparison.Mismatched(); len(names) > 0 {
			mismatched = strings.Join(names, ", ")
		}

		fmt.Fprintf(w, "| %s | %s | %s | %s | %s |\n",
			r.Kernel,
			verdict,
			formatFloat(r.Comparison.MaxAbsDiff),
			formatTolerance(r.Comparison.Tolerance),
			mismatched,
		)
	}
}

// GenerateJSON writes results as JSON to w. Float values that may be
// non-finite are written as strings.
func GenerateJSON(w io.Writer, s Summary) error {
	doc := document{
		Benches: s.Benches,
		Checks:  make([]checkJSON, 0, len(s.Checks)),
	}

	if doc.Benches == nil {
		doc.Benches = []*harness.BenchResult{}
	}

	for _, r := range s.Checks {
		doc.Checks = append(doc.Checks, newCheckJSON(r))
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(doc)
}

type document struct {
	Benches []*harness.BenchResult `json:"benches"`
	Checks  []checkJSON            `json:"checks"`
}

type checkJSON struct {
	Kernel        string            `json:"kernel"`
	RunID         string            `json:"run_id"`
	DT            float64           `json:"dt"`
	Passed        bool              `json:"passed"`
	MaxAbsDiff    string            `json:"max_abs_diff"`
	Tolerance     compare.Tolerance `json:"tolerance"`
	FirstMismatch *locationJSON     `json:"first_mismatch,omitempty"`
	Fields        []fieldJSON       `json:"fields"`
	ElapsedMs     float64           `json:"elapsed_ms"`
}

type locationJSON struct {
	Field   string `json:"field"`
	Index   int    `json:"index"`
	X       int    `json:"x"`
	Y       int    `json:"y"`
	Z       int    `json:"z"`
	Want    string `json:"want"`
	Got     string `json:"got"`
	AbsDiff string `json:"abs_diff"`
}

type fieldJSON struct {
	Name       string `json:"name"`
	Cells      int    `json:"cells"`
	Mismatches int    `json:"mismatches"`
	MaxAbsDiff string `json:"max_abs_diff"`
}

func newCheckJSON(r *harness.CheckResult) checkJSON {
	c := checkJSON{
		Kernel:     r.Kernel,
		RunID:      r.RunID,
		DT:         r.DT,
		Passed:     r.Passed(),
		MaxAbsDiff: formatFloat(r.Comparison.MaxAbsDiff),
		Tolerance:  r.Comparison.Tolerance,
		Fields:     make([]fieldJSON, 0, len(r.Comparison.Fields)),
		ElapsedMs:  float64(r.Elapsed.Microseconds()) / 1000,
	}

	if loc := r.Comparison.FirstMismatch; loc != nil {
		c.FirstMismatch = &locationJSON{
			Field:   loc.Field,
			Index:   loc.Index,
			X:       loc.X,
			Y:       loc.Y,
			Z:       loc.Z,
			Want:    formatFloat(loc.Want),
			Got:     formatFloat(loc.Got),
			AbsDiff: formatFloat(loc.AbsDiff),
		}
	}

	for _, f := range r.Comparison.Fields {
		c.Fields = append(c.Fields, fieldJSON{
			Name:       f.Name,
			Cells:      f.Cells,
			Mismatches: f.Mismatches,
			MaxAbsDiff: formatFloat(f.MaxAbsDiff),
		})
	}

	return c
}

func allPassed(results []*harness.CheckResult) bool {
	for _, r := range results {
		if !r.Passed() {
			return false
		}
	}

	return true
}

func formatMs(ms float64) string {
	switch {
	case ms < 1:
		return fmt.Sprintf("%.1fµs", ms*1000)
	case ms < 1000:
		return fmt.Sprintf("%.2fms", ms)
	default:
		return fmt.Sprintf("%.2fs", ms/1000)
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func formatTolerance(t compare.Tolerance) string {
	if t == compare.Exact {
		return "exact"
	}

	return fmt.Sprintf("abs=%g rel=%g", t.Abs, t.Rel)
}
