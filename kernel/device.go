package kernel

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Device emulates an accelerator: a launch splits an index range into
// work-items that run concurrently on a bounded set of goroutines. Launch
// returns only after every work-item has finished.
type Device struct {
	Workers   int
	BlockSize int
}

// NewDevice returns a device using one worker per CPU.
func NewDevice() *Device {
	return &Device{
		Workers:   runtime.GOMAXPROCS(0),
		BlockSize: 256,
	}
}

// Launch runs fn over [0, n) in blocks of BlockSize. Work-items must write
// disjoint cells.
func (d *Device) Launch(ctx context.Context, n int, fn func(lo, hi int)) error {
	if n < 0 {
		return fmt.Errorf("launch: negative range %d", n)
	}

	block := d.BlockSize
	if block <= 0 {
		block = 256
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(d.Workers, 1))

	for lo := 0; lo < n; lo += block {
		if gctx.Err() != nil {
			break
		}

		hi := min(lo+block, n)

		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			fn(lo, hi)

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("launch: %w", err)
	}

	return ctx.Err()
}
