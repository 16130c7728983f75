package arena

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// BannerKind styles a transient banner.
type BannerKind string

const (
	BannerInfo    BannerKind = "info"
	BannerSuccess BannerKind = "success"
	BannerWarning BannerKind = "warning"
	BannerError   BannerKind = "error"
)

// Banner is one transient user-visible notice. Banners auto-expire.
type Banner struct {
	ID   string
	Kind BannerKind
	Text string
}

// SoundCue names an audio effect the host application may play.
type SoundCue string

const (
	SoundMatchFound  SoundCue = "match-found"
	SoundDrawOffer   SoundCue = "draw-offer"
	SoundBattleStart SoundCue = "battle-start"
	SoundSolve       SoundCue = "solve"
	SoundResult      SoundCue = "result"
)

// Notifier collects the cross-cutting, non-authoritative side effects:
// unread counters, transient banners, and audio cues. Controllers drive
// it; nothing here ever feeds back into a state transition.
type Notifier struct {
	clock clockwork.Clock
	ttl   time.Duration

	mu      sync.Mutex
	banners []Banner
	unread  int
	fatal   string
	sound   func(SoundCue)

	subs   map[int]func()
	nextID int
}

// NewNotifier builds the side-effect manager. A nil config is a fatal
// configuration fault: the notifier surfaces a blocking message and
// suppresses banners, with no retry.
func NewNotifier(clock clockwork.Clock, cfg *Config) *Notifier {
	n := &Notifier{
		clock: clock,
		subs:  make(map[int]func()),
	}
	if cfg == nil {
		n.fatal = "notification side-channel has no valid configuration"
		log.Error().Msg(n.fatal)
		return n
	}
	n.ttl = withDefaults(cfg).BannerTTL
	return n
}

// Push shows a transient banner and bumps the unread counter. The banner
// is removed automatically when its TTL elapses.
func (n *Notifier) Push(kind BannerKind, text string) {
	n.mu.Lock()
	if n.fatal != "" {
		n.mu.Unlock()
		return
	}
	b := Banner{ID: uuid.New().String(), Kind: kind, Text: text}
	n.banners = append(n.banners, b)
	n.unread++
	ttl := n.ttl
	n.mu.Unlock()

	n.notifyChanged()

	n.clock.AfterFunc(ttl, func() {
		n.expire(b.ID)
	})
}

// Play forwards an audio cue to the host hook, when one is installed.
func (n *Notifier) Play(cue SoundCue) {
	n.mu.Lock()
	sound := n.sound
	fatal := n.fatal
	n.mu.Unlock()
	if fatal != "" || sound == nil {
		return
	}
	sound(cue)
}

// OnSound installs the host's audio hook.
func (n *Notifier) OnSound(play func(SoundCue)) {
	n.mu.Lock()
	n.sound = play
	n.mu.Unlock()
}

// Banners snapshots the currently visible banners.
func (n *Notifier) Banners() []Banner {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Banner, len(n.banners))
	copy(out, n.banners)
	return out
}

// Unread returns the count of notices pushed since the last MarkRead.
func (n *Notifier) Unread() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.unread
}

// MarkRead clears the unread counter.
func (n *Notifier) MarkRead() {
	n.mu.Lock()
	n.unread = 0
	n.mu.Unlock()
	n.notifyChanged()
}

// FatalMessage returns the blocking configuration error, if any.
func (n *Notifier) FatalMessage() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.fatal
}

// OnChange registers an observer fired whenever banners or the unread
// counter change. The returned closure unregisters.
func (n *Notifier) OnChange(fn func()) func() {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.subs[id] = fn
	n.mu.Unlock()
	return func() {
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
	}
}

func (n *Notifier) expire(id string) {
	n.mu.Lock()
	for i, b := range n.banners {
		if b.ID == id {
			n.banners = append(n.banners[:i], n.banners[i+1:]...)
			break
		}
	}
	n.mu.Unlock()
	n.notifyChanged()
}

func (n *Notifier) notifyChanged() {
	n.mu.Lock()
	fns := make([]func(), 0, len(n.subs))
	for _, fn := range n.subs {
		fns = append(fns, fn)
	}
	n.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
