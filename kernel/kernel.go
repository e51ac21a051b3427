// Package kernel defines the unit of work the harness times and compares:
// a simulation substep with one implementation per backend.
package kernel

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/weiihann/kernelbench/state"
)

// Backend identifies an execution target.
type Backend string

const (
	CPU   Backend = "cpu"
	Accel Backend = "accel"
)

// Kernel advances a state by one substep of length dt, mutating it in place.
// Apply blocks until the work is done.
type Kernel interface {
	Name() string
	Apply(ctx context.Context, st *state.State, dt float64) error
}

// Func adapts a function to Kernel.
type Func struct {
	Label string
	Fn    func(ctx context.Context, st *state.State, dt float64) error
}

func (f Func) Name() string { return f.Label }

func (f Func) Apply(ctx context.Context, st *state.State, dt float64) error {
	return f.Fn(ctx, st, dt)
}

// Pair is one capability implemented on both backends.
type Pair struct {
	Name  string
	CPU   Kernel
	Accel Kernel
}

// Validate checks that both variants are present.
func (p Pair) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("kernel pair has no name")
	}

	if p.CPU == nil || p.Accel == nil {
		return fmt.Errorf("kernel pair %q: both cpu and accel variants are required", p.Name)
	}

	return nil
}

// Variant returns the kernel for backend b.
func (p Pair) Variant(b Backend) (Kernel, error) {
	switch b {
	case CPU:
		return p.CPU, nil
	case Accel:
		return p.Accel, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", b)
	}
}

// Registry maps pair names to pairs. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	pairs map[string]Pair
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{pairs: make(map[string]Pair)}
}

// Register adds p. Names are unique.
func (r *Registry) Register(p Pair) error {
	if err := p.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pairs[p.Name]; ok {
		return fmt.Errorf("kernel pair %q already registered", p.Name)
	}

	r.pairs[p.Name] = p

	return nil
}

// Lookup returns the named pair.
func (r *Registry) Lookup(name string) (Pair, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.pairs[name]
	if !ok {
		return Pair{}, fmt.Errorf("unknown kernel %q", name)
	}

	return p, nil
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.pairs))
	for name := range r.pairs {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Passthrough returns an accelerator variant that runs k unchanged. A pair
// built with it must always check as equivalent.
func Passthrough(k Kernel) Kernel {
	return Func{
		Label: k.Name() + "_passthrough",
		Fn:    k.Apply,
	}
}

// Perturb wraps k and adds delta to every cell of field after k runs. It
// exists to prove that the checker catches a divergent implementation.
func Perturb(k Kernel, field string, delta float64) Kernel {
	return Func{
		Label: fmt.Sprintf("%s_perturb_%s", k.Name(), field),
		Fn: func(ctx context.Context, st *state.State, dt float64) error {
			if err := k.Apply(ctx, st, dt); err != nil {
				return err
			}

			f := st.Field(field)
			if f == nil {
				return fmt.Errorf("perturb: no field %q", field)
			}

			for i := range f.Data {
				f.Data[i] += delta
			}

			return nil
		},
	}
}

// Sleep wraps k and waits d before running it. The wait ends early with
// ctx's error when ctx is done.
func Sleep(k Kernel, d time.Duration) Kernel {
	return Func{
		Label: k.Name() + "_sleep",
		Fn: func(ctx context.Context, st *state.State, dt float64) error {
			timer := time.NewTimer(d)
			defer timer.Stop()

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
			}

			return k.Apply(ctx, st, dt)
		},
	}
}
