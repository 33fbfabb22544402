package progress

import (
	"sync"
	"time"
)

// Stats is a point-in-time view of one transfer.
type Stats struct {
	BytesSent int64
	Total     int64
	RateBps   float64
	Percent   int
	StartedAt time.Time
}

// Meter tracks bytes sent for a single transfer and keeps an exponentially
// smoothed rate so a short stall does not zero the estimate.
type Meter struct {
	mu        sync.Mutex
	total     int64
	sent      int64
	startedAt time.Time
	lastAt    time.Time
	lastSent  int64
	rateBps   float64
	alpha     float64
	now       func() time.Time
}

// NewMeter returns a meter for a transfer of totalBytes.
func NewMeter(totalBytes int64) *Meter {
	return NewMeterWithNow(totalBytes, time.Now)
}

// NewMeterWithNow returns a meter with a custom time source (for tests).
func NewMeterWithNow(totalBytes int64, now func() time.Time) *Meter {
	if now == nil {
		now = time.Now
	}
	m := &Meter{alpha: 0.2, now: now, total: totalBytes}
	m.startedAt = now()
	m.lastAt = m.startedAt
	return m
}

// Add records n more bytes sent and refreshes the smoothed rate.
func (m *Meter) Add(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.sent += int64(n)
	deltaBytes := m.sent - m.lastSent
	deltaTime := now.Sub(m.lastAt).Seconds()
	if deltaTime > 0 {
		inst := float64(deltaBytes) / deltaTime
		if m.rateBps == 0 {
			m.rateBps = inst
		} else {
			m.rateBps = m.alpha*inst + (1-m.alpha)*m.rateBps
		}
		m.lastAt = now
		m.lastSent = m.sent
	}
}

// Snapshot returns the current transfer stats. Percent is computed from
// bytes and not clamped; callers cap it for display.
func (m *Meter) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{
		BytesSent: m.sent,
		Total:     m.total,
		RateBps:   m.rateBps,
		StartedAt: m.startedAt,
	}
	if m.total > 0 {
		stats.Percent = int(m.sent * 100 / m.total)
	}
	return stats
}
