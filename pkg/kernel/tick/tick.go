// Package tick provides the kernel's monotonic tick source: an opaque
// uptime counter every other kernel package consumes for accounting. It is
// never interpreted as wall-clock time.
package tick

import (
	"sync/atomic"
	"time"

	throttle "github.com/boz/go-throttle"
)

// Clock is a monotonic tick counter. The zero value is ready to use at
// tick 0. Tests typically construct a Clock and call Advance directly,
// never starting the background goroutine, so scheduling tests stay
// deterministic.
type Clock struct {
	ticks atomic.Uint64
	drv   throttle.ThrottleDriver
	stop  chan struct{}
}

// New returns a Clock starting at tick 0.
func New() *Clock {
	return &Clock{}
}

// Uptime returns the current tick count.
func (c *Clock) Uptime() uint64 {
	return c.ticks.Load()
}

// Advance moves the clock forward by n ticks and returns the new value.
// Used directly by tests and by Run's background driver.
func (c *Clock) Advance(n uint64) uint64 {
	return c.ticks.Add(n)
}

// Run starts a background driver that advances the clock, paced with a
// throttle so that a burst of external timer signals (delivered via
// Trigger) collapses to at most one tick advance per period. Stop must be
// called to release the background goroutine.
func (c *Clock) Run(period time.Duration) {
	c.drv = throttle.ThrottleFunc(period, true, func() {
		c.Advance(1)
	})
	c.stop = make(chan struct{})
	go func(stop chan struct{}) {
		t := time.NewTicker(period)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				c.drv.Trigger()
			}
		}
	}(c.stop)
}

// Trigger requests a tick advance; actual advancement happens at most once
// per period if Run has paced this clock.
func (c *Clock) Trigger() {
	if c.drv != nil {
		c.drv.Trigger()
	}
}

// Stop releases the background goroutines started by Run. A no-op if Run
// was never called.
func (c *Clock) Stop() {
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	if c.drv != nil {
		c.drv.Stop()
	}
}
