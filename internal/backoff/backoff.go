// Package backoff computes capped exponential reconnect delays.
package backoff

import "time"

// Policy describes an exponential reconnect schedule.
//
// The n-th attempt (1-based) waits min(Max, Base*2^n). Once MaxAttempts
// attempts have been made no further delay is produced.
type Policy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// CallSocketPolicy is the schedule used by the per-call state socket.
var CallSocketPolicy = Policy{Base: time.Second, Max: 10 * time.Second, MaxAttempts: 5}

// RealtimePolicy is the schedule used by the generic realtime client.
var RealtimePolicy = Policy{Base: 500 * time.Millisecond, Max: 30 * time.Second, MaxAttempts: 10}

// Delay returns the wait before the given attempt, capped at Max
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if p.Max > 0 && d >= p.Max {
			return p.Max
		}
	}
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

// Next reports the delay for the attempt following `made` attempts. ok is
// false when the attempt budget is exhausted.
func (p Policy) Next(made int) (attempt int, delay time.Duration, ok bool) {
	if made >= p.MaxAttempts {
		return made, 0, false
	}
	attempt = made + 1
	return attempt, p.Delay(attempt), true
}
