package kernel

import (
	"context"
	"fmt"

	"github.com/weiihann/kernelbench/state"
)

// Field and parameter names used by the reference kernels.
const (
	FieldDensity = "density"
	FieldVx      = "vx"
	FieldVy      = "vy"
	FieldEnergy  = "energy"

	ParamGamma   = "gamma"
	ParamDx      = "dx"
	ParamDamping = "damping"
)

// Names of the reference pairs.
const (
	SubStep1X = "substep1_x"
	Edamp     = "edamp"
)

// Reference returns a registry with the built-in kernel pairs. The
// accelerator variants run on dev.
func Reference(dev *Device) *Registry {
	if dev == nil {
		dev = NewDevice()
	}

	r := NewRegistry()

	for _, p := range []Pair{
		{
			Name:  SubStep1X,
			CPU:   Func{Label: SubStep1X + "_cpu", Fn: subStep1XCPU},
			Accel: Func{Label: SubStep1X + "_accel", Fn: subStep1XAccel(dev)},
		},
		{
			Name:  Edamp,
			CPU:   Func{Label: Edamp + "_cpu", Fn: edampCPU},
			Accel: Func{Label: Edamp + "_accel", Fn: edampAccel(dev)},
		},
	} {
		if err := r.Register(p); err != nil {
			panic(err)
		}
	}

	return r
}

func param(st *state.State, name string, def float64) float64 {
	if v, ok := st.Params[name]; ok {
		return v
	}

	return def
}

func fields(st *state.State, names ...string) ([]*state.Field, error) {
	out := make([]*state.Field, len(names))

	for i, name := range names {
		f := st.Field(name)
		if f == nil {
			return nil, fmt.Errorf("missing field %q", name)
		}

		if i > 0 && (f.Nx != out[0].Nx || f.Ny != out[0].Ny || f.Nz != out[0].Nz) {
			return nil, fmt.Errorf("field %q shape differs from %q", name, out[0].Name)
		}

		out[i] = f
	}

	return out, nil
}

// substep1X applies the x pressure-gradient source term to vx on cells
// [lo, hi) with periodic boundaries in x.
type substep1X struct {
	rho, vx, e     *state.Field
	dt, gm1, invDx float64
}

func newSubstep1X(st *state.State, dt float64) (*substep1X, error) {
	fs, err := fields(st, FieldDensity, FieldVx, FieldEnergy)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", SubStep1X, err)
	}

	dx := param(st, ParamDx, 1)
	if dx <= 0 {
		return nil, fmt.Errorf("%s: dx must be positive, got %g", SubStep1X, dx)
	}

	return &substep1X{
		rho:   fs[0],
		vx:    fs[1],
		e:     fs[2],
		dt:    dt,
		gm1:   param(st, ParamGamma, 1.4) - 1,
		invDx: 1 / dx,
	}, nil
}

func (s *substep1X) cells(lo, hi int) {
	nx := s.rho.Nx
	rho, vx, e := s.rho.Data, s.vx.Data, s.e.Data

	for idx := lo; idx < hi; idx++ {
		i := idx % nx
		im := idx - i + (i-1+nx)%nx

		dp := s.gm1 * (e[idx] - e[im])
		rhoAvg := 0.5 * (rho[idx] + rho[im])
		vx[idx] -= s.dt * dp * s.invDx / rhoAvg
	}
}

func subStep1XCPU(ctx context.Context, st *state.State, dt float64) error {
	s, err := newSubstep1X(st, dt)
	if err != nil {
		return err
	}

	s.cells(0, s.vx.Len())

	return ctx.Err()
}

func subStep1XAccel(dev *Device) func(context.Context, *state.State, float64) error {
	return func(ctx context.Context, st *state.State, dt float64) error {
		s, err := newSubstep1X(st, dt)
		if err != nil {
			return err
		}

		return dev.Launch(ctx, s.vx.Len(), s.cells)
	}
}

func edampFactor(st *state.State, dt float64) float64 {
	return 1 / (1 + dt*param(st, ParamDamping, 0.1))
}

func edampCPU(ctx context.Context, st *state.State, dt float64) error {
	e := st.Field(FieldEnergy)
	if e == nil {
		return fmt.Errorf("%s: missing field %q", Edamp, FieldEnergy)
	}

	f := edampFactor(st, dt)
	for i := range e.Data {
		e.Data[i] *= f
	}

	return ctx.Err()
}

func edampAccel(dev *Device) func(context.Context, *state.State, float64) error {
	return func(ctx context.Context, st *state.State, dt float64) error {
		e := st.Field(FieldEnergy)
		if e == nil {
			return fmt.Errorf("%s: missing field %q", Edamp, FieldEnergy)
		}

		f := edampFactor(st, dt)

		return dev.Launch(ctx, e.Len(), func(lo, hi int) {
			for i := lo; i < hi; i++ {
				e.Data[i] *= f
			}
		})
	}
}
