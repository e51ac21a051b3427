// Package state holds the mutable simulation state that kernels operate on,
// together with deep-copy snapshots used to reset it between runs.
package state

import (
	"fmt"
	"maps"
	"slices"
)

// Field is a named scalar field stored on an Nx*Ny*Nz grid in x-fastest order.
type Field struct {
	Name string
	Nx   int
	Ny   int
	Nz   int
	Data []float64
}

// NewField allocates a zeroed field of the given shape.
func NewField(name string, nx, ny, nz int) *Field {
	return &Field{
		Name: name,
		Nx:   nx,
		Ny:   ny,
		Nz:   nz,
		Data: make([]float64, nx*ny*nz),
	}
}

// Len returns the number of cells in the field.
func (f *Field) Len() int {
	return f.Nx * f.Ny * f.Nz
}

// Index returns the flat offset of cell (i, j, k).
func (f *Field) Index(i, j, k int) int {
	return i + f.Nx*(j+f.Ny*k)
}

// Coords is the inverse of Index.
func (f *Field) Coords(idx int) (i, j, k int) {
	i = idx % f.Nx
	j = (idx / f.Nx) % f.Ny
	k = idx / (f.Nx * f.Ny)

	return i, j, k
}

func (f *Field) clone() *Field {
	return &Field{
		Name: f.Name,
		Nx:   f.Nx,
		Ny:   f.Ny,
		Nz:   f.Nz,
		Data: slices.Clone(f.Data),
	}
}

func (f *Field) sameShape(o *Field) bool {
	return f.Nx == o.Nx && f.Ny == o.Ny && f.Nz == o.Nz && len(f.Data) == len(o.Data)
}

// State is the full set of fields and scalar parameters describing one
// timestep. A State is owned by a single caller and is not safe for
// concurrent mutation.
type State struct {
	Step   int64
	Time   float64
	Params map[string]float64

	fields []*Field
	byName map[string]*Field
}

// New returns an empty State.
func New() *State {
	return &State{
		Params: make(map[string]float64),
		byName: make(map[string]*Field),
	}
}

// AddField allocates a new zeroed field. Field names are unique.
func (s *State) AddField(name string, nx, ny, nz int) (*Field, error) {
	if nx <= 0 || ny <= 0 || nz <= 0 {
		return nil, fmt.Errorf("field %q: invalid shape %dx%dx%d", name, nx, ny, nz)
	}

	if _, ok := s.byName[name]; ok {
		return nil, fmt.Errorf("field %q already exists", name)
	}

	f := NewField(name, nx, ny, nz)
	s.fields = append(s.fields, f)
	s.byName[name] = f

	return f, nil
}

// Field returns the named field or nil.
func (s *State) Field(name string) *Field {
	return s.byName[name]
}

// Fields returns the fields in insertion order. The slice is shared with the
// State; callers must not append to it.
func (s *State) Fields() []*Field {
	return s.fields
}

// FieldNames returns the field names in insertion order.
func (s *State) FieldNames() []string {
	names := make([]string, len(s.fields))
	for i, f := range s.fields {
		names[i] = f.Name
	}

	return names
}

// Snapshot takes an independent deep copy of the state.
func (s *State) Snapshot() *Snapshot {
	fields := make([]*Field, len(s.fields))
	for i, f := range s.fields {
		fields[i] = f.clone()
	}

	return &Snapshot{
		step:   s.Step,
		time:   s.Time,
		params: maps.Clone(s.Params),
		fields: fields,
	}
}

// Restore copies snap back into the state's existing buffers, so kernels
// that hold references to field slices observe the restored values. The
// field layout must match the one the snapshot was taken from.
func (s *State) Restore(snap *Snapshot) error {
	if snap == nil {
		return fmt.Errorf("restore: nil snapshot")
	}

	if len(snap.fields) != len(s.fields) {
		return fmt.Errorf("restore: snapshot has %d fields, state has %d",
			len(snap.fields), len(s.fields))
	}

	for i, src := range snap.fields {
		dst := s.fields[i]
		if dst.Name != src.Name {
			return fmt.Errorf("restore: field %d is %q, snapshot has %q",
				i, dst.Name, src.Name)
		}

		if !dst.sameShape(src) {
			return fmt.Errorf("restore: field %q shape %dx%dx%d, snapshot %dx%dx%d",
				dst.Name, dst.Nx, dst.Ny, dst.Nz, src.Nx, src.Ny, src.Nz)
		}
	}

	for i, src := range snap.fields {
		copy(s.fields[i].Data, src.Data)
	}

	s.Step = snap.step
	s.Time = snap.time
	s.Params = maps.Clone(snap.params)
	if s.Params == nil {
		s.Params = make(map[string]float64)
	}

	return nil
}

// Clone returns a new State with the same contents and independent buffers.
func (s *State) Clone() *State {
	return s.Snapshot().State()
}
