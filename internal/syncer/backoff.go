package syncer

import "time"

// backoff doubles the wait after every consecutive failure, bounded by max.
// A full successful cycle resets it, so polling returns to the regular
// interval as soon as the remote source recovers.
type backoff struct {
	initial  time.Duration
	max      time.Duration
	failures int
}

// next returns the wait before the next attempt and records the failure.
func (b *backoff) next() time.Duration {
	d := b.initial
	for i := 0; i < b.failures; i++ {
		d *= 2
		if d >= b.max {
			d = b.max
			break
		}
	}
	b.failures++
	return d
}

// current is the interval the scheduler is currently waiting, 0 when healthy.
func (b *backoff) current() time.Duration {
	if b.failures == 0 {
		return 0
	}
	d := b.initial
	for i := 1; i < b.failures; i++ {
		d *= 2
		if d >= b.max {
			d = b.max
			break
		}
	}
	return d
}

func (b *backoff) reset() {
	b.failures = 0
}
