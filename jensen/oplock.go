package jensen

import (
	"context"
	"sync"
)

// opLock serializes protocol operations. The underlying transport
// corrupts hard when two bulk transfers overlap, so every high-level
// operation must hold this lock for its full duration.
//
// Waiters are admitted strictly in arrival order, and the current
// holder's operation name can be probed without blocking; the
// auto-reconnect poller uses that to stay out of the way of an active
// download.
type opLock struct {
	mu      sync.Mutex
	held    bool
	holder  string
	waiters []*opWaiter
}

type opWaiter struct {
	name  string
	ready chan struct{}
}

// Acquire blocks until the lock is free or ctx is cancelled. The name
// identifies the operation for holder probes and log output.
func (l *opLock) Acquire(ctx context.Context, name string) error {
	l.mu.Lock()
	if !l.held {
		l.held = true
		l.holder = name
		l.mu.Unlock()
		return nil
	}
	w := &opWaiter{name: name, ready: make(chan struct{})}
	l.waiters = append(l.waiters, w)
	l.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		select {
		case <-w.ready:
			// Granted concurrently with cancellation; give it back.
			l.releaseLocked()
			l.mu.Unlock()
			return wrapError(KindCancelled, name, ctx.Err(), "lock wait cancelled")
		default:
		}
		for i, q := range l.waiters {
			if q == w {
				l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
				break
			}
		}
		l.mu.Unlock()
		return wrapError(KindCancelled, name, ctx.Err(), "lock wait cancelled")
	}
}

// TryAcquire takes the lock only when it is immediately free.
func (l *opLock) TryAcquire(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return false
	}
	l.held = true
	l.holder = name
	return true
}

// Release hands the lock to the oldest waiter, or frees it.
// Callers must release on every exit path, including panics.
func (l *opLock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releaseLocked()
}

func (l *opLock) releaseLocked() {
	if len(l.waiters) == 0 {
		l.held = false
		l.holder = ""
		return
	}
	next := l.waiters[0]
	l.waiters = l.waiters[1:]
	l.holder = next.name
	close(next.ready)
}

// Holder returns the name of the operation currently holding the lock,
// or "" when the lock is free. It never blocks.
func (l *opLock) Holder() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return ""
	}
	return l.holder
}
