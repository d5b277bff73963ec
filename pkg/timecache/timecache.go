// Package timecache provides the clocks liveness is evaluated against.
//
// The default clock is a cache of the system time: one int64 holding the
// nanoseconds since the Unix Epoch, refreshed by a single goroutine and read
// atomically without locking. Manual clocks are provided for callers that
// must control the passage of time, such as expiry tests.
package timecache

import (
	"sync"
	"sync/atomic"
	"time"
)

// Clock reports the current instant.
type Clock interface {
	Now() time.Time
}

// t is the global TimeCache.
var t = New()

func init() {
	go t.Run(time.Second)
}

// A TimeCache is a Clock caching the current system time.
// The cached time has nanosecond precision and at most the run interval of
// staleness.
type TimeCache struct {
	clock atomic.Int64

	closed  chan struct{}
	running chan struct{}
	m       sync.Mutex
}

// New returns a new TimeCache instance.
// The TimeCache must be started to update the time.
func New() *TimeCache {
	tc := &TimeCache{
		closed:  make(chan struct{}),
		running: make(chan struct{}),
	}
	tc.clock.Store(time.Now().UnixNano())
	return tc
}

// Run updates the cached clock value once every interval and blocks until
// Stop is called.
func (tc *TimeCache) Run(interval time.Duration) {
	tc.m.Lock()
	select {
	case <-tc.running:
		panic("Run called multiple times")
	default:
	}
	close(tc.running)
	tc.m.Unlock()

	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-tc.closed:
			return
		case now := <-tick.C:
			tc.clock.Store(now.UnixNano())
		}
	}
}

// Stop stops the TimeCache.
// The cached time remains valid but is not updated anymore. Calling Stop
// again is a no-op.
func (tc *TimeCache) Stop() {
	tc.m.Lock()
	defer tc.m.Unlock()

	select {
	case <-tc.closed:
		return
	default:
	}
	close(tc.closed)
}

// Now returns the cached time.
func (tc *TimeCache) Now() time.Time {
	return time.Unix(0, tc.clock.Load())
}

// Now calls Now on the global TimeCache instance.
func Now() time.Time {
	return t.Now()
}

// Manual is a Clock that only moves when told to.
type Manual struct {
	nanos atomic.Int64
}

// NewManual returns a Manual clock set to start.
func NewManual(start time.Time) *Manual {
	m := &Manual{}
	m.Set(start)
	return m
}

// Now implements Clock.
func (m *Manual) Now() time.Time { return time.Unix(0, m.nanos.Load()) }

// Set moves the clock to the given instant.
func (m *Manual) Set(to time.Time) { m.nanos.Store(to.UnixNano()) }

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) { m.nanos.Add(int64(d)) }
