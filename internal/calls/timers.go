package calls

import (
	"context"
	"time"
)

// interval runs fn every period until halted. The owner acquires it on start
// and must release it on every exit path with halt or stop.
type interval struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func startInterval(period time.Duration, fn func(ctx context.Context)) *interval {
	ctx, cancel := context.WithCancel(context.Background())
	iv := &interval{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(iv.done)
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
	return iv
}

// halt cancels the interval without waiting. Safe to call from inside fn.
func (iv *interval) halt() {
	if iv != nil {
		iv.cancel()
	}
}

// stop cancels the interval and waits for its goroutine to exit.
// Must not be called from inside fn or while holding a lock fn takes.
func (iv *interval) stop() {
	if iv == nil {
		return
	}
	iv.cancel()
	<-iv.done
}

// finished reports whether the interval goroutine has exited
func (iv *interval) finished() bool {
	select {
	case <-iv.done:
		return true
	default:
		return false
	}
}

// pruneFinished drops intervals whose goroutines have already exited
func pruneFinished(ivs []*interval) []*interval {
	kept := ivs[:0]
	for _, iv := range ivs {
		if !iv.finished() {
			kept = append(kept, iv)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return kept
}
