// Package compare diffs two field dumps cell by cell under a numerical
// tolerance.
package compare

import (
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"

	"github.com/weiihann/kernelbench/state"
)

// Tolerance bounds the accepted difference between two cells. A pair
// (want, got) matches when |want-got| <= Abs + Rel*max(|want|, |got|).
// The bound is inclusive.
type Tolerance struct {
	Abs float64 `json:"abs" yaml:"abs"`
	Rel float64 `json:"rel" yaml:"rel"`
}

// Exact accepts only numerically equal values. NaN matches only a NaN with
// the same bit pattern.
var Exact = Tolerance{}

// Validate rejects negative or non-finite bounds.
func (t Tolerance) Validate() error {
	if t.Abs < 0 || t.Rel < 0 || math.IsNaN(t.Abs) || math.IsNaN(t.Rel) ||
		math.IsInf(t.Abs, 0) || math.IsInf(t.Rel, 0) {
		return fmt.Errorf("invalid tolerance abs=%g rel=%g", t.Abs, t.Rel)
	}

	return nil
}

// Within reports whether got matches want, and the absolute difference.
// Bit-identical values always match, including NaN and infinities. A NaN
// on only one side never matches and reports an infinite difference.
func (t Tolerance) Within(want, got float64) (bool, float64) {
	if math.Float64bits(want) == math.Float64bits(got) {
		return true, 0
	}

	if math.IsNaN(want) || math.IsNaN(got) {
		return false, math.Inf(1)
	}

	diff := math.Abs(want - got)
	if math.IsNaN(diff) {
		// Opposite infinities.
		return false, math.Inf(1)
	}

	limit := t.Abs + t.Rel*math.Max(math.Abs(want), math.Abs(got))

	return diff <= limit, diff
}

// Location pinpoints one mismatching cell.
type Location struct {
	Field   string  `json:"field"`
	Index   int     `json:"index"`
	X       int     `json:"x"`
	Y       int     `json:"y"`
	Z       int     `json:"z"`
	Want    float64 `json:"want"`
	Got     float64 `json:"got"`
	AbsDiff float64 `json:"abs_diff"`
}

func (l Location) String() string {
	return fmt.Sprintf("%s[%d,%d,%d] want %g got %g (|diff| %g)",
		l.Field, l.X, l.Y, l.Z, l.Want, l.Got, l.AbsDiff)
}

// FieldDiff summarizes one field.
type FieldDiff struct {
	Name       string  `json:"name"`
	Cells      int     `json:"cells"`
	Mismatches int     `json:"mismatches"`
	MaxAbsDiff float64 `json:"max_abs_diff"`
}

// Match reports whether every cell of the field is within tolerance.
func (d FieldDiff) Match() bool { return d.Mismatches == 0 }

// Result is the outcome of comparing two dumps.
type Result struct {
	Match         bool        `json:"match"`
	MaxAbsDiff    float64     `json:"max_abs_diff"`
	FirstMismatch *Location   `json:"first_mismatch,omitempty"`
	Fields        []FieldDiff `json:"fields"`
	Tolerance     Tolerance   `json:"tolerance"`
}

// Mismatched returns the names of the fields that failed.
func (r *Result) Mismatched() []string {
	var names []string
	for _, f := range r.Fields {
		if !f.Match() {
			names = append(names, f.Name)
		}
	}

	return names
}

// Fields compares every field of want against got. Both snapshots must have
// the same field names, order and shapes; a layout difference is an error,
// not a mismatch.
func Fields(want, got *state.Snapshot, tol Tolerance) (*Result, error) {
	if want == nil || got == nil {
		return nil, fmt.Errorf("compare: nil snapshot")
	}

	if err := tol.Validate(); err != nil {
		return nil, fmt.Errorf("compare: %w", err)
	}

	if want.NumFields() != got.NumFields() {
		return nil, fmt.Errorf("compare: field count %d vs %d",
			want.NumFields(), got.NumFields())
	}

	res := &Result{
		Match:     true,
		Fields:    make([]FieldDiff, 0, want.NumFields()),
		Tolerance: tol,
	}

	for i := 0; i < want.NumFields(); i++ {
		a, b := want.Field(i), got.Field(i)
		if a.Name != b.Name {
			return nil, fmt.Errorf("compare: field %d is %q vs %q", i, a.Name, b.Name)
		}

		if a.Nx != b.Nx || a.Ny != b.Ny || a.Nz != b.Nz || len(a.Data) != len(b.Data) {
			return nil, fmt.Errorf("compare: field %q shape %dx%dx%d vs %dx%dx%d",
				a.Name, a.Nx, a.Ny, a.Nz, b.Nx, b.Ny, b.Nz)
		}

		fd, first := field(a, b, tol)
		res.Fields = append(res.Fields, fd)

		if fd.MaxAbsDiff > res.MaxAbsDiff {
			res.MaxAbsDiff = fd.MaxAbsDiff
		}

		if !fd.Match() {
			res.Match = false
			if res.FirstMismatch == nil {
				res.FirstMismatch = first
			}
		}
	}

	return res, nil
}

func field(a, b *state.Field, tol Tolerance) (FieldDiff, *Location) {
	fd := FieldDiff{Name: a.Name, Cells: len(a.Data)}

	if slices.EqualFunc(a.Data, b.Data, sameBits) {
		return fd, nil
	}

	var first *Location

	finite := true

	for idx, want := range a.Data {
		got := b.Data[idx]
		if finite && (math.IsInf(want, 0) || math.IsInf(got, 0) || math.IsNaN(want) || math.IsNaN(got)) {
			finite = false
		}

		ok, diff := tol.Within(want, got)
		if diff > fd.MaxAbsDiff {
			fd.MaxAbsDiff = diff
		}

		if ok {
			continue
		}

		fd.Mismatches++
		if first == nil {
			x, y, z := a.Coords(idx)
			first = &Location{
				Field:   a.Name,
				Index:   idx,
				X:       x,
				Y:       y,
				Z:       z,
				Want:    want,
				Got:     got,
				AbsDiff: diff,
			}
		}
	}

	if finite {
		// L-infinity norm of a-b.
		fd.MaxAbsDiff = floats.Distance(a.Data, b.Data, math.Inf(1))
	}

	return fd, first
}

func sameBits(a, b float64) bool {
	return math.Float64bits(a) == math.Float64bits(b)
}
