package progress

import (
	"sync/atomic"
	"time"
)

// DefaultUpdateInterval bounds how often transfer progress is written back
// to the item store.
const DefaultUpdateInterval = 200 * time.Millisecond

// Throttle gates high-frequency progress callbacks down to at most one
// per interval. The zero value is not usable; call NewThrottle.
type Throttle struct {
	interval int64
	last     int64
}

// NewThrottle builds a throttle with the given minimum interval between
// permitted updates. Non-positive intervals fall back to the default.
func NewThrottle(interval time.Duration) *Throttle {
	if interval <= 0 {
		interval = DefaultUpdateInterval
	}
	return &Throttle{interval: int64(interval)}
}

// Allow reports whether enough time has passed since the last permitted
// update. Safe for concurrent use.
func (t *Throttle) Allow() bool {
	now := time.Now().UnixNano()
	prev := atomic.LoadInt64(&t.last)
	if now-prev < t.interval {
		return false
	}
	return atomic.CompareAndSwapInt64(&t.last, prev, now)
}
