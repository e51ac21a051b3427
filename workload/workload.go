// Package workload generates deterministic initial simulation states for
// kernel benchmarking and equivalence checks, and reads and writes them as
// JSONL so the same starting state can be replayed across runs.
package workload

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"math"
	mrand "math/rand"
	"slices"

	"gonum.org/v1/gonum/floats"

	"github.com/weiihann/kernelbench/kernel"
	"github.com/weiihann/kernelbench/state"
)

// Operation is one JSONL record of a serialized state.
type Operation struct {
	Op    string    `json:"op"`
	Name  string    `json:"name,omitempty"`
	Nx    int       `json:"nx,omitempty"`
	Ny    int       `json:"ny,omitempty"`
	Nz    int       `json:"nz,omitempty"`
	Data  []float64 `json:"data,omitempty"`
	Value float64   `json:"value,omitempty"`
	Step  int64     `json:"step,omitempty"`
	Time  float64   `json:"time,omitempty"`
}

// Operation kinds.
const (
	OpMeta  = "meta"
	OpParam = "param"
	OpField = "field"
	OpEnd   = "end"
)

// Summary contains statistics about a generated state.
type Summary struct {
	Fields     int
	Cells      int
	MinDensity float64
	MaxDensity float64
	Mass       float64
}

// Config controls state generation.
type Config struct {
	Nx           int
	Ny           int
	Nz           int
	Distribution string
	Seed         int64
	// Dx, Gamma and Damping seed the scalar parameters read by the
	// reference kernels. Zero selects the default.
	Dx      float64
	Gamma   float64
	Damping float64
}

// Validate checks the grid shape.
func (c Config) Validate() error {
	if c.Nx <= 0 || c.Ny <= 0 || c.Nz <= 0 {
		return fmt.Errorf("invalid grid %dx%dx%d", c.Nx, c.Ny, c.Nz)
	}

	switch c.Distribution {
	case "", "uniform", "power-law", "exponential":
	default:
		return fmt.Errorf("unknown distribution %q", c.Distribution)
	}

	return nil
}

// Generator produces deterministic states from a Config.
type Generator struct {
	cfg Config
	rng *mrand.Rand
}

// NewGenerator creates a Generator from the given Config.
func NewGenerator(cfg Config) *Generator {
	return &Generator{
		cfg: cfg,
		rng: mrand.New(mrand.NewSource(cfg.Seed)),
	}
}

// Build returns a new state with density, velocity and energy fields.
func (g *Generator) Build() (*state.State, Summary, error) {
	if err := g.cfg.Validate(); err != nil {
		return nil, Summary{}, err
	}

	st := state.New()
	st.Params[kernel.ParamDx] = orDefault(g.cfg.Dx, 1.0/float64(g.cfg.Nx))
	st.Params[kernel.ParamGamma] = orDefault(g.cfg.Gamma, 1.4)
	st.Params[kernel.ParamDamping] = orDefault(g.cfg.Damping, 0.1)

	names := []string{kernel.FieldDensity, kernel.FieldVx, kernel.FieldVy, kernel.FieldEnergy}
	for _, name := range names {
		if _, err := st.AddField(name, g.cfg.Nx, g.cfg.Ny, g.cfg.Nz); err != nil {
			return nil, Summary{}, err
		}
	}

	rho := st.Field(kernel.FieldDensity).Data
	for i := range rho {
		rho[i] = g.density()
	}

	for _, name := range []string{kernel.FieldVx, kernel.FieldVy} {
		v := st.Field(name).Data
		for i := range v {
			v[i] = g.rng.Float64()*2 - 1
		}
	}

	e := st.Field(kernel.FieldEnergy).Data
	for i := range e {
		// Positive internal energy scaled with density.
		e[i] = rho[i] * (0.5 + g.rng.Float64())
	}

	return st, Summarize(st), nil
}

// Generate builds a state and writes it to w as JSONL.
func (g *Generator) Generate(w io.Writer) (Summary, error) {
	st, summary, err := g.Build()
	if err != nil {
		return summary, err
	}

	if err := Encode(w, st); err != nil {
		return summary, err
	}

	return summary, nil
}

// Summarize computes statistics over the density field of st.
func Summarize(st *state.State) Summary {
	s := Summary{Fields: len(st.Fields())}

	for _, f := range st.Fields() {
		s.Cells += f.Len()
	}

	if rho := st.Field(kernel.FieldDensity); rho != nil && rho.Len() > 0 {
		s.MinDensity = floats.Min(rho.Data)
		s.MaxDensity = floats.Max(rho.Data)
		s.Mass = floats.Sum(rho.Data)
	}

	return s
}

func (g *Generator) density() float64 {
	const floor = 0.1

	switch g.cfg.Distribution {
	case "power-law":
		alpha := 1.5
		u := g.rng.Float64()
		return math.Min(floor/math.Pow(1-u, 1/alpha), 100)

	case "exponential":
		u := g.rng.Float64()
		return floor - math.Log(1-u)

	default:
		return floor + g.rng.Float64()
	}
}

func orDefault(v, def float64) float64 {
	if v == 0 {
		return def
	}

	return v
}

// Encode writes st to w as JSONL: one meta record, one record per scalar
// parameter and field, and a closing end record.
func Encode(w io.Writer, st *state.State) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(Operation{Op: OpMeta, Step: st.Step, Time: st.Time}); err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}

	for _, name := range slices.Sorted(maps.Keys(st.Params)) {
		if err := enc.Encode(Operation{
			Op:    OpParam,
			Name:  name,
			Value: st.Params[name],
		}); err != nil {
			return fmt.Errorf("encode param %s: %w", name, err)
		}
	}

	for _, f := range st.Fields() {
		if err := enc.Encode(Operation{
			Op:   OpField,
			Name: f.Name,
			Nx:   f.Nx,
			Ny:   f.Ny,
			Nz:   f.Nz,
			Data: f.Data,
		}); err != nil {
			return fmt.Errorf("encode field %s: %w", f.Name, err)
		}
	}

	if err := enc.Encode(Operation{Op: OpEnd}); err != nil {
		return fmt.Errorf("encode end: %w", err)
	}

	return nil
}

// Decode reads a state written by Encode.
func Decode(r io.Reader) (*state.State, error) {
	st := state.New()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<30)

	line := 0
	for scanner.Scan() {
		line++

		var op Operation
		if err := json.Unmarshal(scanner.Bytes(), &op); err != nil {
			return nil, fmt.Errorf("line %d: decode operation: %w", line, err)
		}

		switch op.Op {
		case OpMeta:
			st.Step = op.Step
			st.Time = op.Time

		case OpParam:
			st.Params[op.Name] = op.Value

		case OpField:
			f, err := st.AddField(op.Name, op.Nx, op.Ny, op.Nz)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}

			if len(op.Data) != f.Len() {
				return nil, fmt.Errorf("line %d: field %s has %d values, want %d",
					line, op.Name, len(op.Data), f.Len())
			}

			copy(f.Data, op.Data)

		case OpEnd:
			return st, nil

		default:
			return nil, fmt.Errorf("line %d: unknown operation %q", line, op.Op)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read workload: %w", err)
	}

	return nil, fmt.Errorf("no %s operation found", OpEnd)
}
