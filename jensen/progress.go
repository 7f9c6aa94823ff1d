package jensen

import (
	"sync"
	"time"
)

// Progress is a snapshot of a transfer in flight.
type Progress struct {
	Name     string
	Received uint32
	Total    uint32
	Rate     float64 // bytes per second over the last interval
}

// Percent returns completion in [0,100]; 0 when the total is unknown.
func (p Progress) Percent() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Received) / float64(p.Total) * 100
}

// progressTracker throttles progress callbacks so a chatty device does
// not flood listeners, and computes the short-term transfer rate.
type progressTracker struct {
	mu       sync.Mutex
	name     string
	total    uint32
	interval time.Duration
	callback func(Progress)

	received  uint32
	started   time.Time
	lastEmit  time.Time
	lastBytes uint32
}

func newProgressTracker(name string, total uint32, interval time.Duration, callback func(Progress)) *progressTracker {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	now := time.Now()
	return &progressTracker{
		name:     name,
		total:    total,
		interval: interval,
		callback: callback,
		started:  now,
		lastEmit: now,
	}
}

// update records the running byte count, emitting a callback at most
// once per interval.
func (p *progressTracker) update(received uint32) {
	if p.callback == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.received = received
	now := time.Now()
	elapsed := now.Sub(p.lastEmit)
	if elapsed < p.interval {
		return
	}

	var rate float64
	if secs := elapsed.Seconds(); secs > 0 {
		rate = float64(received-p.lastBytes) / secs
	}
	p.callback(Progress{Name: p.name, Received: received, Total: p.total, Rate: rate})
	p.lastEmit = now
	p.lastBytes = received
}

// finish emits a final, unthrottled snapshot and returns the elapsed
// transfer time.
func (p *progressTracker) finish() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.callback != nil {
		p.callback(Progress{Name: p.name, Received: p.received, Total: p.total})
	}
	return time.Since(p.started)
}
