package retry

import (
	"context"
	"time"
)

// Wait sleeps for d in slices of at most quantum, returning ctx.Err() as soon
// as ctx is done. A non-positive quantum waits in one slice.
func Wait(ctx context.Context, d, quantum time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if quantum <= 0 {
		quantum = d
	}
	for remaining := d; remaining > 0; remaining -= quantum {
		slice := quantum
		if remaining < slice {
			slice = remaining
		}
		timer := time.NewTimer(slice)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return ctx.Err()
}

// Wait sleeps for d in the policy's quantum.
func (p *Policy) Wait(ctx context.Context, d time.Duration) error {
	return Wait(ctx, d, p.cfg.Quantum)
}
