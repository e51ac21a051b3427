package report

import (
	"bytes"
	"encoding/json"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"

	"github.com/weiihann/kernelbench/compare"
	"github.com/weiihann/kernelbench/harness"
)

func fixture() Summary {
	return Summary{
		Benches: []*harness.BenchResult{
			{
				Kernel:          "substep1_x",
				CPUIterations:   200,
				AccelIterations: 2000,
				CPUTotal:        200 * time.Millisecond,
				AccelTotal:      200 * time.Millisecond,
				CPUAvgMs:        1,
				AccelAvgMs:      0.1,
				Speedup:         10,
			},
			{
				Kernel:          "edamp",
				CPUIterations:   200,
				AccelIterations: 2000,
				CPUTotal:        1500 * time.Millisecond,
				AccelTotal:      2 * time.Second,
				CPUAvgMs:        7.5,
				AccelAvgMs:      1,
				Speedup:         7.5,
			},
		},
		Checks: []*harness.CheckResult{
			{
				Kernel:        "substep1_x",
				RunID:         "0190b5a0-0000-7000-8000-000000000001",
				DT:            0.01,
				PrimarySlot:   999,
				SecondarySlot: 998,
				Elapsed:       5 * time.Millisecond,
				Comparison: compare.Result{
					Match: true,
					Fields: []compare.FieldDiff{
						{Name: "density", Cells: 8},
						{Name: "vx", Cells: 8},
					},
					Tolerance: compare.Exact,
				},
			},
			{
				Kernel:        "edamp",
				RunID:         "0190b5a0-0000-7000-8000-000000000002",
				DT:            0.01,
				PrimarySlot:   999,
				SecondarySlot: 998,
				Elapsed:       2500 * time.Microsecond,
				Comparison: compare.Result{
					Match:      false,
					MaxAbsDiff: 0.25,
					FirstMismatch: &compare.Location{
						Field:   "energy",
						Index:   5,
						X:       1,
						Y:       1,
						Want:    0.5,
						Got:     0.75,
						AbsDiff: 0.25,
					},
					Fields: []compare.FieldDiff{
						{Name: "density", Cells: 8},
						{Name: "energy", Cells: 8, Mismatches: 2, MaxAbsDiff: 0.25},
					},
					Tolerance: compare.Tolerance{Abs: 0.001},
				},
			},
		},
	}
}

func TestGenerateGolden(t *testing.T) {
	var buf bytes.Buffer
	if err := Generate(&buf, fixture()); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "summary_markdown", buf.Bytes())
}

func TestGenerateJSONGolden(t *testing.T) {
	var buf bytes.Buffer
	if err := GenerateJSON(&buf, fixture()); err != nil {
		t.Fatalf("GenerateJSON failed: %v", err)
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "summary_json", buf.Bytes())
}

func TestGenerateAllMatch(t *testing.T) {
	s := fixture()
	s.Benches = nil
	s.Checks = s.Checks[:1]

	var buf bytes.Buffer
	if err := Generate(&buf, s); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	output := buf.String()

	if !strings.Contains(output, "all match") {
		t.Error("expected 'all match' for passing checks")
	}
	if strings.Contains(output, "### Benchmarks") {
		t.Error("unexpected benchmark section without bench results")
	}
}

func TestGenerateEmpty(t *testing.T) {
	var buf bytes.Buffer
	err := Generate(&buf, Summary{})
	if err == nil {
		t.Error("expected error for empty results")
	}
}

func TestConsole(t *testing.T) {
	var buf bytes.Buffer
	if err := Console(&buf, fixture().Benches[0]); err != nil {
		t.Fatalf("Console failed: %v", err)
	}

	want := "Accelerator/CPU speedup in substep1_x: 10\n" +
		"CPU time : 1 ms\n" +
		"Accelerator time : 0.1 ms\n"

	if buf.String() != want {
		t.Errorf("Console output = %q, want %q", buf.String(), want)
	}
}

func TestCheckConsole(t *testing.T) {
	checks := fixture().Checks

	var buf bytes.Buffer
	if err := CheckConsole(&buf, checks[0]); err != nil {
		t.Fatalf("CheckConsole failed: %v", err)
	}

	if got, want := buf.String(), "Equivalence check for substep1_x: PASS (max |diff| 0)\n"; got != want {
		t.Errorf("pass output = %q, want %q", got, want)
	}

	buf.Reset()
	if err := CheckConsole(&buf, checks[1]); err != nil {
		t.Fatalf("CheckConsole failed: %v", err)
	}

	want := "Equivalence check for edamp: FAIL (max |diff| 0.25)\n" +
		"  first mismatch: energy[1,1,0] want 0.5 got 0.75 (|diff| 0.25)\n" +
		"  energy: 2 of 8 cells differ\n"

	if buf.String() != want {
		t.Errorf("fail output = %q, want %q", buf.String(), want)
	}
}

func TestGenerateJSONNonFinite(t *testing.T) {
	s := fixture()
	s.Checks[1].Comparison.MaxAbsDiff = math.Inf(1)
	s.Checks[1].Comparison.FirstMismatch.Got = math.NaN()
	s.Checks[1].Comparison.FirstMismatch.AbsDiff = math.Inf(1)

	var buf bytes.Buffer
	if err := GenerateJSON(&buf, s); err != nil {
		t.Fatalf("GenerateJSON failed: %v", err)
	}

	var parsed struct {
		Checks []struct {
			Kernel        string `json:"kernel"`
			MaxAbsDiff    string `json:"max_abs_diff"`
			FirstMismatch *struct {
				Got string `json:"got"`
			} `json:"first_mismatch"`
		} `json:"checks"`
	}
	if err := json.Unmarshal(buf.Bytes(), &parsed); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}

	if len(parsed.Checks) != 2 {
		t.Fatalf("expected 2 checks, got %d", len(parsed.Checks))
	}
	if parsed.Checks[1].MaxAbsDiff != "+Inf" {
		t.Errorf("max_abs_diff = %q, want +Inf", parsed.Checks[1].MaxAbsDiff)
	}
	if parsed.Checks[1].FirstMismatch == nil || parsed.Checks[1].FirstMismatch.Got != "NaN" {
		t.Errorf("first_mismatch.got = %+v, want NaN", parsed.Checks[1].FirstMismatch)
	}
}

func TestGenerateJSONEmptyLists(t *testing.T) {
	var buf bytes.Buffer
	if err := GenerateJSON(&buf, Summary{}); err != nil {
		t.Fatalf("GenerateJSON failed: %v", err)
	}

	if got, want := buf.String(), "{\n  \"benches\": [],\n  \"checks\": []\n}\n"; got != want {
		t.Errorf("GenerateJSON = %q, want %q", got, want)
	}
}

func TestFormatMs(t *testing.T) {
	tests := []struct {
		input float64
		want  string
	}{
		{0, "0.0µs"},
		{0.1, "100.0µs"},
		{1, "1.00ms"},
		{7.5, "7.50ms"},
		{999, "999.00ms"},
		{1000, "1.00s"},
		{1500, "1.50s"},
	}

	for _, tt := range tests {
		got := formatMs(tt.input)
		if got != tt.want {
			t.Errorf("formatMs(%g) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestFormatTolerance(t *testing.T) {
	tests := []struct {
		input compare.Tolerance
		want  string
	}{
		{compare.Exact, "exact"},
		{compare.Tolerance{Abs: 1e-12}, "abs=1e-12 rel=0"},
		{compare.Tolerance{Abs: 0.5, Rel: 0.25}, "abs=0.5 rel=0.25"},
	}

	for _, tt := range tests {
		got := formatTolerance(tt.input)
		if got != tt.want {
			t.Errorf("formatTolerance(%+v) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
