package collaborator

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
)

var errSettleTimeout = errors.New("no matching output line before the settle timeout")

// Waiter polls a LogSource until a result line shows up. It replaces a fixed
// sleep between issuing a side-effecting command and reading its result.
type Waiter struct {
	Clock    clockwork.Clock
	Interval time.Duration
	Timeout  time.Duration
}

// Offset returns the current number of lines in source. Lines at or after
// the offset were written after the call.
func (w Waiter) Offset(source LogSource) (int, error) {
	lines, err := source.Lines()
	if err != nil {
		return 0, err
	}
	return len(lines), nil
}

// Await searches the lines appended after offset with find, newest first,
// until it returns a record or the settle timeout expires.
func (w Waiter) Await(ctx context.Context, op string, source LogSource, offset int, find func([]string) (Record, bool)) (Record, error) {
	deadline := w.Clock.Now().Add(w.Timeout)

	for {
		lines, err := source.Lines()
		if err != nil {
			return Record{}, Unavailable(op, err)
		}
		if offset > len(lines) {
			// the stream was truncated or rotated underneath us
			offset = 0
		}
		if rec, ok := find(lines[offset:]); ok {
			return rec, nil
		}

		if !w.Clock.Now().Before(deadline) {
			return Record{}, Timeout(op, errSettleTimeout)
		}

		select {
		case <-ctx.Done():
			return Record{}, Timeout(op, ctx.Err())
		case <-w.Clock.After(w.Interval):
		}
	}
}
