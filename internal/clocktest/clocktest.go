// Package clocktest drives a clockwork fake clock for code that polls or
// waits on it from another goroutine.
package clocktest

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// Driver advances a fake clock by a fixed step every time something blocks
// on it.
type Driver struct {
	fake     *clockwork.FakeClock
	step     time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
	advances atomic.Int64
}

func Drive(fake *clockwork.FakeClock, step time.Duration) *Driver {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Driver{fake: fake, step: step, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(d.done)
		for {
			if err := fake.BlockUntilContext(ctx, 1); err != nil {
				return
			}
			// counted first, so a waiter released by Advance already sees it
			d.advances.Add(1)
			fake.Advance(step)
		}
	}()
	return d
}

// Advances returns how many times the clock was moved forward.
func (d *Driver) Advances() int {
	return int(d.advances.Load())
}

func (d *Driver) Stop() {
	d.cancel()
	<-d.done
}
