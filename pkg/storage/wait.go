package storage

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/cuemby/nexus-proxy/pkg/clock"
)

// DefaultRecheckInterval is how often WaitForValue re-reads the key between
// watch events
const DefaultRecheckInterval = time.Second

// WaitForValue blocks until key holds want or timeout elapses on clk, the
// wall clock when nil. It returns (true, nil) on a match and (false, nil)
// when the deadline expires; any other outcome is an error from the store or
// a cancelled parent context.
//
// Watch events wake the waiter immediately; a periodic re-read covers backends
// whose watches do not see writes from other processes.
func WaitForValue(ctx context.Context, clk clock.Clock, s Store, key, want string, timeout time.Duration) (bool, error) {
	return waitForValue(ctx, clk, s, key, []byte(want), timeout, DefaultRecheckInterval)
}

func waitForValue(ctx context.Context, clk clock.Clock, s Store, key string, want []byte, timeout, recheck time.Duration) (bool, error) {
	if clk == nil {
		clk = clock.Real{}
	}
	deadline := clk.Now().Add(timeout)

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, err := s.Watch(waitCtx, key)
	if err != nil {
		// Fall back to re-reads only
		events = nil
	}

	matches := func() (bool, error) {
		v, err := s.Get(waitCtx, key)
		if errors.Is(err, ErrKeyNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return bytes.Equal(v, want), nil
	}

	// The value may already be there
	if ok, err := matches(); ok || (err != nil && ctx.Err() == nil) {
		return ok, err
	}

	// Each tick asks for a re-read and tells whether the deadline has passed
	ticks := make(chan bool)
	go func() {
		for {
			d := deadline.Sub(clk.Now())
			if d > recheck {
				d = recheck
			}
			if d > 0 {
				if err := clk.Sleep(waitCtx, d); err != nil {
					return
				}
			}
			expired := !clk.Now().Before(deadline)
			select {
			case ticks <- expired:
			case <-waitCtx.Done():
				return
			}
			if expired {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Key == key && ev.Type == EventPut && bytes.Equal(ev.Value, want) {
				return true, nil
			}
		case expired := <-ticks:
			ok, err := matches()
			if ok {
				return true, nil
			}
			if err != nil && ctx.Err() == nil && !errors.Is(err, ErrConnectionFailed) {
				return false, err
			}
			if expired {
				return false, nil
			}
		}
	}
}
