package agent

import "time"

// DefaultFlushInterval is the minimum time between two partial updates of a
// reply.
const DefaultFlushInterval = 1000 * time.Millisecond

// flushThrottle is a timestamp check deciding when accumulated text may be
// pushed. The first push is always allowed.
type flushThrottle struct {
	interval time.Duration
	last     time.Time
	pushed   bool
}

func newFlushThrottle(interval time.Duration) *flushThrottle {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	return &flushThrottle{interval: interval}
}

// allow reports whether a push may happen at now and records it if so.
func (t *flushThrottle) allow(now time.Time) bool {
	if t.pushed && now.Sub(t.last) < t.interval {
		return false
	}
	t.pushed = true
	t.last = now
	return true
}
