// Package dump persists field state into numbered slots so two kernel
// results can be compared after the live state has moved on.
//
// Slots are scoped by a run id. Two checks sharing one Store never collide
// as long as each uses its own id from NewRunID.
package dump

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/weiihann/kernelbench/compare"
	"github.com/weiihann/kernelbench/state"
)

// Default slot numbers for the CPU and accelerator results.
const (
	PrimarySlot   = 999
	SecondarySlot = 998
)

// ErrNotFound is returned when a run or slot has no dump.
var ErrNotFound = errors.New("dump not found")

// Store persists snapshots by (run id, slot). Writing an existing slot
// replaces it and makes it the most recent dump of the run.
type Store interface {
	Put(ctx context.Context, runID string, slot int, snap *state.Snapshot) error
	Get(ctx context.Context, runID string, slot int) (*state.Snapshot, error)
	// Latest returns up to n slot numbers of the run, oldest first.
	Latest(ctx context.Context, runID string, n int) ([]int, error)
	Delete(ctx context.Context, runID string) error
	Close() error
}

// NewRunID returns a time-sortable run id.
func NewRunID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Open returns a SQLite store for a non-empty path and an in-memory store
// otherwise.
func Open(path string) (Store, error) {
	if path == "" {
		return NewMemory(), nil
	}

	s, err := OpenSQLite(path)
	if err != nil {
		return nil, err
	}

	return s, nil
}

// CompareSlots loads two slots of a run and compares them field by field.
func CompareSlots(
	ctx context.Context,
	s Store,
	runID string,
	want, got int,
	tol compare.Tolerance,
) (*compare.Result, error) {
	a, err := s.Get(ctx, runID, want)
	if err != nil {
		return nil, fmt.Errorf("load slot %d: %w", want, err)
	}

	b, err := s.Get(ctx, runID, got)
	if err != nil {
		return nil, fmt.Errorf("load slot %d: %w", got, err)
	}

	return compare.Fields(a, b, tol)
}

// CompareLatest compares the two most recent dumps of a run, the older one
// being the reference.
func CompareLatest(
	ctx context.Context,
	s Store,
	runID string,
	tol compare.Tolerance,
) (*compare.Result, error) {
	slots, err := s.Latest(ctx, runID, 2)
	if err != nil {
		return nil, err
	}

	if len(slots) < 2 {
		return nil, fmt.Errorf("run %s has %d dumps, need 2: %w", runID, len(slots), ErrNotFound)
	}

	return CompareSlots(ctx, s, runID, slots[0], slots[1], tol)
}
