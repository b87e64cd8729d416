package futil

import "time"

// Backoff drives the retry loop behind find/ask/tell: it doubles its
// interval on every call to Next up to maxInterval, and reports via Done
// once the total elapsed time since NewBackoff exceeds duration (duration
// of zero means retry forever).
type Backoff struct {
	initial  time.Duration
	max      time.Duration
	duration time.Duration
	current  time.Duration
	start    time.Time
	now      func() time.Time
}

// NewBackoff builds a Backoff with the given initial interval, interval
// ceiling, and total retry budget.
func NewBackoff(initial, max, duration time.Duration) *Backoff {
	if initial <= 0 {
		initial = 50 * time.Millisecond
	}
	if max <= 0 {
		max = initial
	}

	return &Backoff{
		initial:  initial,
		max:      max,
		duration: duration,
		current:  initial,
		start:    time.Now(),
		now:      time.Now,
	}
}

// Done reports whether the retry budget has been exhausted.
func (b *Backoff) Done() bool {
	if b.duration <= 0 {
		return false
	}
	return b.now().Sub(b.start) >= b.duration
}

// Next returns the interval to sleep before the next attempt and advances
// the internal interval towards the ceiling.
func (b *Backoff) Next() time.Duration {
	interval := b.current

	doubled := b.current * 2
	if doubled > b.max || doubled <= 0 {
		b.current = b.max
	} else {
		b.current = doubled
	}

	return interval
}

// Elapsed returns the time since the backoff was created.
func (b *Backoff) Elapsed() time.Duration {
	return b.now().Sub(b.start)
}
