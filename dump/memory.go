package dump

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/weiihann/kernelbench/state"
)

type memEntry struct {
	slot int
	snap *state.Snapshot
}

// MemoryStore keeps dumps in process memory, in write order. Snapshots are
// immutable and stored by reference.
type MemoryStore struct {
	mu   sync.Mutex
	runs map[string][]memEntry
}

// NewMemory returns an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{runs: make(map[string][]memEntry)}
}

func (m *MemoryStore) Put(_ context.Context, runID string, slot int, snap *state.Snapshot) error {
	if snap == nil {
		return fmt.Errorf("put slot %d: nil snapshot", slot)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entries := slices.DeleteFunc(m.runs[runID], func(e memEntry) bool {
		return e.slot == slot
	})
	m.runs[runID] = append(entries, memEntry{slot: slot, snap: snap})

	return nil
}

func (m *MemoryStore) Get(_ context.Context, runID string, slot int) (*state.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.runs[runID] {
		if e.slot == slot {
			return e.snap, nil
		}
	}

	return nil, fmt.Errorf("run %s slot %d: %w", runID, slot, ErrNotFound)
}

func (m *MemoryStore) Latest(_ context.Context, runID string, n int) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.runs[runID]
	start := len(entries) - min(max(n, 0), len(entries))

	slots := make([]int, 0, len(entries)-start)
	for _, e := range entries[start:] {
		slots = append(slots, e.slot)
	}

	return slots, nil
}

func (m *MemoryStore) Delete(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.runs, runID)

	return nil
}

func (m *MemoryStore) Close() error { return nil }
