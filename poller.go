package arena

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Poller is the pull-side healing loop that runs alongside push
// delivery. The owning controller supplies a pull function whose state
// application must be idempotent; errors from the pull are treated as
// "no information" and swallowed, since push is the primary channel.
type Poller struct {
	clock clockwork.Clock
	name  string

	mu       sync.Mutex
	interval time.Duration
	stop     chan struct{}
}

// NewPoller creates a stopped poller. The name only labels log lines.
func NewPoller(clock clockwork.Clock, name string) *Poller {
	return &Poller{clock: clock, name: name}
}

// Run starts (or retargets) the poller at the given interval. Calling
// Run again with the current interval is a no-op so phase transitions
// can retarget unconditionally.
func (p *Poller) Run(interval time.Duration, pull func()) {
	p.mu.Lock()
	if p.stop != nil && p.interval == interval {
		p.mu.Unlock()
		return
	}
	p.stopLocked()
	stop := make(chan struct{})
	p.stop = stop
	p.interval = interval
	p.mu.Unlock()

	go func() {
		ticker := p.clock.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.Chan():
				// A tick can be queued when Stop or a retarget lands;
				// it must not produce one more pull.
				p.mu.Lock()
				current := p.stop == stop
				p.mu.Unlock()
				if !current {
					return
				}
				func() {
					defer func() {
						if rec := recover(); rec != nil {
							log.Error().Str("poller", p.name).Interface("panic", rec).Msg("pull panicked")
						}
					}()
					pull()
				}()
			}
		}
	}()
}

// Stop halts polling until the next Run.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
	p.interval = 0
}

func (p *Poller) stopLocked() {
	if p.stop != nil {
		close(p.stop)
		p.stop = nil
	}
}
