// Package suite loads a YAML list of kernel pairs and runs a benchmark
// and/or an equivalence check for each of them in one session.
package suite

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/weiihann/kernelbench/compare"
	"github.com/weiihann/kernelbench/harness"
	"github.com/weiihann/kernelbench/workload"
)

//go:embed schema.cue
var schemaSource string

// Grid is the shape of every generated field.
type Grid struct {
	Nx int `yaml:"nx" json:"nx"`
	Ny int `yaml:"ny" json:"ny"`
	Nz int `yaml:"nz" json:"nz"`
}

// BenchSpec enables a benchmark for an entry. Omitted counts select the
// harness defaults; explicit counts must be positive.
type BenchSpec struct {
	CPUIterations   *int `yaml:"cpu_iterations" json:"cpu_iterations,omitempty"`
	AccelIterations *int `yaml:"accel_iterations" json:"accel_iterations,omitempty"`
}

// Entry names one kernel pair and what to do with it.
type Entry struct {
	Name  string     `yaml:"name" json:"name"`
	DT    float64    `yaml:"dt" json:"dt"`
	Bench *BenchSpec `yaml:"bench" json:"bench,omitempty"`
	Check bool       `yaml:"check" json:"check"`
}

// BenchConfig returns the harness config for the entry's benchmark.
func (e Entry) BenchConfig() harness.BenchConfig {
	cfg := harness.DefaultBenchConfig(e.DT)
	if e.Bench == nil {
		return cfg
	}

	if n := e.Bench.CPUIterations; n != nil {
		cfg.CPUIterations = *n
	}

	if n := e.Bench.AccelIterations; n != nil {
		cfg.AccelIterations = *n
	}

	return cfg
}

// Dump selects the dump store. An empty path keeps dumps in memory.
type Dump struct {
	Path string `yaml:"path" json:"path"`
}

// Config is a suite file.
type Config struct {
	Name         string            `yaml:"name" json:"name"`
	Seed         int64             `yaml:"seed" json:"seed"`
	Grid         Grid              `yaml:"grid" json:"grid"`
	Distribution string            `yaml:"distribution" json:"distribution"`
	Tolerance    compare.Tolerance `yaml:"tolerance" json:"tolerance"`
	Parallelism  int               `yaml:"parallelism" json:"parallelism"`
	FailFast     bool              `yaml:"fail_fast" json:"fail_fast"`
	Dump         Dump              `yaml:"dump" json:"dump"`
	Kernels      []Entry           `yaml:"kernels" json:"kernels"`
}

// Workload returns the generator config shared by every entry.
func (c *Config) Workload() workload.Config {
	return workload.Config{
		Nx:           c.Grid.Nx,
		Ny:           c.Grid.Ny,
		Nz:           c.Grid.Nz,
		Distribution: c.Distribution,
		Seed:         c.Seed,
	}
}

// Load reads and validates a suite file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read suite %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("suite %s: %w", path, err)
	}

	return cfg, nil
}

// Parse decodes and validates suite YAML. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	var cfg Config

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks c against the embedded schema and the rules the schema
// cannot express.
func (c *Config) Validate() error {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaSource).LookupPath(cue.ParsePath("#Suite"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile suite schema: %w", err)
	}

	v := schema.Unify(ctx.Encode(c))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid suite: %w", err)
	}

	var errs []error

	seen := make(map[string]bool, len(c.Kernels))
	for i, k := range c.Kernels {
		if seen[k.Name] {
			errs = append(errs, fmt.Errorf("kernels[%d]: duplicate kernel %q", i, k.Name))
		}
		seen[k.Name] = true

		if k.Bench == nil && !k.Check {
			errs = append(errs, fmt.Errorf("kernels[%d]: %s has neither bench nor check", i, k.Name))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid suite: %w", err)
	}

	return nil
}
