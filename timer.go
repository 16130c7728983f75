package arena

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// SecondsRemaining derives a countdown value from the authoritative end
// timestamp. It is recomputed from the wall clock on every call, never
// decremented, so drift and missed ticks self-correct. The result is
// never negative.
func SecondsRemaining(end, now time.Time) int {
	d := end.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(d / time.Second)
}

// Countdown turns an absolute end timestamp into a locally ticking
// countdown. Each tick re-derives the remaining seconds from the clock;
// the expiry callback fires exactly once per tracked end time.
type Countdown struct {
	clock    clockwork.Clock
	onTick   func(seconds int)
	onExpire func()

	mu   sync.Mutex
	end  time.Time
	stop chan struct{}
}

// NewCountdown creates an idle countdown. Either callback may be nil.
func NewCountdown(clock clockwork.Clock, onTick func(seconds int), onExpire func()) *Countdown {
	return &Countdown{clock: clock, onTick: onTick, onExpire: onExpire}
}

// Track points the countdown at a new end time. Tracking the same end
// again is a no-op; a different end resets the tick loop and re-arms the
// expiry signal. A zero end time clears the countdown.
func (c *Countdown) Track(end time.Time) {
	c.mu.Lock()
	if c.stop != nil && c.end.Equal(end) {
		c.mu.Unlock()
		return
	}
	c.stopLocked()
	c.end = end
	if end.IsZero() {
		c.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	c.stop = stop
	c.mu.Unlock()

	if c.onTick != nil {
		c.onTick(SecondsRemaining(end, c.clock.Now()))
	}
	go c.loop(end, stop)
}

// Remaining derives the current value; 0 when nothing is tracked.
func (c *Countdown) Remaining() int {
	c.mu.Lock()
	end := c.end
	c.mu.Unlock()
	if end.IsZero() {
		return 0
	}
	return SecondsRemaining(end, c.clock.Now())
}

// Stop clears the countdown without firing expiry.
func (c *Countdown) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
	c.end = time.Time{}
}

func (c *Countdown) stopLocked() {
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
}

func (c *Countdown) loop(end time.Time, stop chan struct{}) {
	ticker := c.clock.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			remaining := SecondsRemaining(end, c.clock.Now())
			if c.onTick != nil {
				c.onTick(remaining)
			}
			if remaining == 0 {
				// One-shot: the loop ends with the expiry signal. A loop
				// that was already stopped or replaced must not fire it,
				// even if its final tick raced the stop.
				c.mu.Lock()
				current := c.stop == stop
				if current {
					c.stop = nil
				}
				c.mu.Unlock()
				if current && c.onExpire != nil {
					c.onExpire()
				}
				return
			}
		}
	}
}
