package arena

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// registration is one (channel, owner) pair. Owners are controller-scoped
// ids, so re-subscribing the same handler before unsubscribing is a no-op
// and one controller's teardown never drops a channel another still needs.
type registration struct {
	owner   string
	handler Handler
}

// EventBus fans inbound frames out to subscribers keyed by ChannelKey.
// Dispatch is synchronous and runs on the connection's read loop, so
// events on the same key are always delivered in arrival order.
type EventBus struct {
	mu   sync.Mutex
	subs map[ChannelKey][]registration

	// onFirst and onLast fire when a key gains its first or loses its
	// last registration; the ConnectionManager uses them to mirror the
	// subscription set to the server.
	onFirst func(ChannelKey)
	onLast  func(ChannelKey)
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[ChannelKey][]registration)}
}

// setWireHooks wires the bus to the connection's subscribe/unsubscribe
// mirroring. Must be called before any Subscribe.
func (b *EventBus) setWireHooks(onFirst, onLast func(ChannelKey)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onFirst = onFirst
	b.onLast = onLast
}

// Subscribe registers handler for key under the given owner. Subscribing
// the same (key, owner) pair again replaces nothing and delivers nothing
// twice; it reports whether a new registration was made.
func (b *EventBus) Subscribe(key ChannelKey, owner string, handler Handler) bool {
	b.mu.Lock()
	regs := b.subs[key]
	for _, r := range regs {
		if r.owner == owner {
			b.mu.Unlock()
			log.Debug().Str("channel", key.wire()).Str("owner", owner).Msg("subscribe ignored, already registered")
			return false
		}
	}
	first := len(regs) == 0
	b.subs[key] = append(regs, registration{owner: owner, handler: handler})
	onFirst := b.onFirst
	b.mu.Unlock()

	if first && onFirst != nil {
		onFirst(key)
	}
	return true
}

// Unsubscribe removes the owner's registration for key. The underlying
// channel stays live while any other owner remains registered.
func (b *EventBus) Unsubscribe(key ChannelKey, owner string) {
	b.mu.Lock()
	regs := b.subs[key]
	removed := false
	for i, r := range regs {
		if r.owner == owner {
			regs = append(regs[:i], regs[i+1:]...)
			removed = true
			break
		}
	}
	last := false
	if removed {
		if len(regs) == 0 {
			delete(b.subs, key)
			last = true
		} else {
			b.subs[key] = regs
		}
	}
	onLast := b.onLast
	b.mu.Unlock()

	if last && onLast != nil {
		onLast(key)
	}
}

// UnsubscribeOwner drops every registration held by owner. Controllers
// call this on teardown so parameterized channels never leak.
func (b *EventBus) UnsubscribeOwner(owner string) {
	b.mu.Lock()
	var released []ChannelKey
	for key, regs := range b.subs {
		for i, r := range regs {
			if r.owner == owner {
				regs = append(regs[:i], regs[i+1:]...)
				break
			}
		}
		if len(regs) == 0 {
			delete(b.subs, key)
			released = append(released, key)
		} else {
			b.subs[key] = regs
		}
	}
	onLast := b.onLast
	b.mu.Unlock()

	if onLast != nil {
		for _, key := range released {
			onLast(key)
		}
	}
}

// Dispatch routes one inbound frame to every registration on its channel.
// Handlers run synchronously in registration order; a panicking handler
// is contained so one bad event cannot take down the event loop.
func (b *EventBus) Dispatch(env Envelope) {
	key := parseChannel(env.Event)

	b.mu.Lock()
	regs := make([]registration, len(b.subs[key]))
	copy(regs, b.subs[key])
	b.mu.Unlock()

	for _, r := range regs {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error().
						Str("channel", key.wire()).
						Str("owner", r.owner).
						Interface("panic", rec).
						Msg("event handler panicked")
				}
			}()
			r.handler(env.Payload)
		}()
	}
}

// ActiveChannels snapshots the wire names of every live subscription,
// used to resubscribe after a reconnect.
func (b *EventBus) ActiveChannels() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	channels := make([]string, 0, len(b.subs))
	for key := range b.subs {
		channels = append(channels, key.wire())
	}
	return channels
}
