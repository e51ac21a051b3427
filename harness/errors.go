package harness

import (
	"errors"
	"fmt"
	"strings"

	"github.com/weiihann/kernelbench/compare"
)

var (
	// ErrMeasurement reports an invalid benchmark configuration or a timing
	// that cannot produce a meaningful ratio.
	ErrMeasurement = errors.New("invalid measurement")

	// ErrEquivalence reports that the accelerator result differs from the
	// CPU result beyond tolerance.
	ErrEquivalence = errors.New("kernel results differ")

	// ErrKernelTimeout reports a kernel call that exceeded its deadline.
	// The state it was applied to must be discarded.
	ErrKernelTimeout = errors.New("kernel call timed out")
)

// EquivalenceError describes a failed check.
type EquivalenceError struct {
	Kernel string
	Result *compare.Result
}

func (e *EquivalenceError) Error() string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s: %v", e.Kernel, ErrEquivalence)

	if loc := e.Result.FirstMismatch; loc != nil {
		fmt.Fprintf(&b, " at %s", loc)
	}

	if names := e.Result.Mismatched(); len(names) > 0 {
		fmt.Fprintf(&b, "; mismatched fields: %s", strings.Join(names, ", "))
	}

	return b.String()
}

func (e *EquivalenceError) Unwrap() error { return ErrEquivalence }
