package state

import (
	"fmt"
	"maps"
	"math"
	"slices"
)

// Snapshot is an immutable point-in-time copy of a State.
type Snapshot struct {
	step   int64
	time   float64
	params map[string]float64
	fields []*Field
}

// NewSnapshot builds a snapshot from already-copied parts. It is used by
// dump stores that rehydrate persisted fields; the snapshot takes ownership
// of fields.
func NewSnapshot(step int64, t float64, params map[string]float64, fields []*Field) *Snapshot {
	return &Snapshot{
		step:   step,
		time:   t,
		params: params,
		fields: fields,
	}
}

// Step returns the step counter at snapshot time.
func (s *Snapshot) Step() int64 { return s.step }

// Time returns the simulation time at snapshot time.
func (s *Snapshot) Time() float64 { return s.time }

// Params returns a copy of the scalar parameters.
func (s *Snapshot) Params() map[string]float64 {
	return maps.Clone(s.params)
}

// NumFields returns the number of fields in the snapshot.
func (s *Snapshot) NumFields() int { return len(s.fields) }

// Field returns a read-only view of field i. Callers must not modify Data.
func (s *Snapshot) Field(i int) *Field { return s.fields[i] }

// Lookup returns the named field, or nil.
func (s *Snapshot) Lookup(name string) *Field {
	for _, f := range s.fields {
		if f.Name == name {
			return f
		}
	}

	return nil
}

// State materializes the snapshot into a fresh, independent State.
func (s *Snapshot) State() *State {
	st := New()
	st.Step = s.step
	st.Time = s.time

	for k, v := range s.params {
		st.Params[k] = v
	}

	for _, f := range s.fields {
		c := f.clone()
		st.fields = append(st.fields, c)
		st.byName[c.Name] = c
	}

	return st
}

// Equal reports whether two snapshots are bit-identical.
func (s *Snapshot) Equal(o *Snapshot) bool {
	if s.step != o.step || !sameBits(s.time, o.time) {
		return false
	}

	if !maps.EqualFunc(s.params, o.params, sameBits) {
		return false
	}

	return slices.EqualFunc(s.fields, o.fields, func(a, b *Field) bool {
		return a.Name == b.Name && a.sameShape(b) && slices.EqualFunc(a.Data, b.Data, sameBits)
	})
}

func sameBits(a, b float64) bool {
	return math.Float64bits(a) == math.Float64bits(b)
}

// Slots holds the primary and secondary snapshots of one harness invocation.
type Slots struct {
	primary   *Snapshot
	secondary *Snapshot
}

// SavePrimary snapshots st into the primary slot.
func (sl *Slots) SavePrimary(st *State) *Snapshot {
	sl.primary = st.Snapshot()

	return sl.primary
}

// SaveSecondary snapshots st into the secondary slot, leaving the primary
// slot untouched.
func (sl *Slots) SaveSecondary(st *State) *Snapshot {
	sl.secondary = st.Snapshot()

	return sl.secondary
}

// Restore resets st to the primary slot.
func (sl *Slots) Restore(st *State) error {
	if sl.primary == nil {
		return fmt.Errorf("restore: primary slot is empty")
	}

	return st.Restore(sl.primary)
}

// Primary returns the primary snapshot, or nil.
func (sl *Slots) Primary() *Snapshot { return sl.primary }

// Secondary returns the secondary snapshot, or nil.
func (sl *Slots) Secondary() *Snapshot { return sl.secondary }
