package arena

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// MatchPhase is the lifecycle position of the 1v1 controller.
type MatchPhase string

const (
	PhaseIdle     MatchPhase = "idle"
	PhaseQueued   MatchPhase = "queued"
	PhaseDuelWait MatchPhase = "duel-wait"
	PhaseActive   MatchPhase = "active"
	PhaseEnded    MatchPhase = "ended"
)

const syntheticDrawWarning = "no result arrived from the server after the timer expired; " +
	"the match was recorded locally as a draw, the server may have had an issue"

// MatchSnapshot is the normalized state handed to the view layer.
type MatchSnapshot struct {
	Phase        MatchPhase
	Match        *Match
	OpponentName string
	Attempts     AttemptCounts
	Draw         DrawOffer
	Remaining    int
	Result       *MatchResult
	DuelCode     string
}

// matchAPI is the slice of the pull fallback the controller needs.
type matchAPI interface {
	ActiveMatch(ctx context.Context) (*ActiveMatchState, error)
}

// MatchController runs the 1v1 match state machine: queue and duel
// entry, the active match, draw negotiation, and the normalized result.
// All inbound mutation comes from authoritative events; local actions
// are emitted to the server and only the optimistic minimum is applied
// before the next authoritative snapshot lands.
type MatchController struct {
	conn   *ConnectionManager
	bus    *EventBus
	api    matchAPI
	notify *Notifier
	clock  clockwork.Clock
	cfg    *Config
	self   string
	owner  string

	mu           sync.Mutex
	phase        MatchPhase
	match        *Match
	opponentName string
	attempts     AttemptCounts
	draw         DrawOffer
	result       *MatchResult
	duelCode     string
	graceArmed   bool
	graceTimer   clockwork.Timer
	closed       bool

	countdown *Countdown
	poller    *Poller

	obsMu   sync.Mutex
	obs     map[int]func(MatchSnapshot)
	nextObs int
}

// NewMatchController wires the controller; Start must be called before
// it reacts to anything. The api may be nil to disable reconciliation.
func NewMatchController(conn *ConnectionManager, bus *EventBus, api matchAPI, notify *Notifier, session Session, cfg *Config, clock clockwork.Clock) *MatchController {
	c := &MatchController{
		conn:   conn,
		bus:    bus,
		api:    api,
		notify: notify,
		clock:  clock,
		cfg:    withDefaults(cfg),
		self:   session.UserID,
		owner:  "match:" + uuid.New().String()[:8],
		phase:  PhaseIdle,
		obs:    make(map[int]func(MatchSnapshot)),
	}
	c.countdown = NewCountdown(clock, c.onTick, c.onTimerExpired)
	c.poller = NewPoller(clock, "match")
	return c
}

// Start registers the controller's base subscriptions.
func (c *MatchController) Start() {
	c.bus.Subscribe(Key(TopicQueueJoined), c.owner, c.handleQueueJoined)
	c.bus.Subscribe(Key(TopicMatchFound), c.owner, c.handleMatchFound)
	c.bus.Subscribe(Key(TopicDuelCreated), c.owner, c.handleDuelCreated)
	c.bus.Subscribe(Key(TopicError), c.owner, c.handleServerError)
}

// Close tears the controller down: every timer is cleared and every
// channel registration, parameterized ones included, is released.
func (c *MatchController) Close() {
	c.mu.Lock()
	c.closed = true
	c.stopGraceLocked()
	c.mu.Unlock()

	c.countdown.Stop()
	c.poller.Stop()
	c.bus.UnsubscribeOwner(c.owner)
}

// Snapshot returns the current normalized state.
func (c *MatchController) Snapshot() MatchSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// OnSnapshot registers a view-layer observer. The current snapshot is
// delivered immediately; the returned closure unregisters.
func (c *MatchController) OnSnapshot(fn func(MatchSnapshot)) func() {
	c.obsMu.Lock()
	id := c.nextObs
	c.nextObs++
	c.obs[id] = fn
	c.obsMu.Unlock()

	fn(c.Snapshot())

	return func() {
		c.obsMu.Lock()
		delete(c.obs, id)
		c.obsMu.Unlock()
	}
}

// JoinQueue enters matchmaking. The queued phase is applied
// optimistically; the queue-joined event confirms it.
func (c *MatchController) JoinQueue(criteria MatchCriteria) error {
	c.mu.Lock()
	if c.phase != PhaseIdle && c.phase != PhaseEnded {
		c.mu.Unlock()
		return actionErr("cannot join queue while %s", c.phase)
	}
	c.mu.Unlock()

	if err := c.conn.Emit("join-matchmaking", criteria); err != nil {
		return err
	}

	c.mu.Lock()
	c.resetLocked()
	c.phase = PhaseQueued
	c.mu.Unlock()

	c.updatePolling()
	c.publish()
	return nil
}

// LeaveQueue abandons matchmaking and returns to idle.
func (c *MatchController) LeaveQueue() error {
	c.mu.Lock()
	if c.phase != PhaseQueued {
		c.mu.Unlock()
		return actionErr("not queued")
	}
	c.mu.Unlock()

	if err := c.conn.Emit("leave-matchmaking", nil); err != nil {
		return err
	}

	c.mu.Lock()
	c.phase = PhaseIdle
	c.mu.Unlock()

	c.updatePolling()
	c.publish()
	return nil
}

// CreateDuel requests a code-shared match. The duel-created event moves
// the controller to the opponent-wait phase.
func (c *MatchController) CreateDuel(criteria MatchCriteria) error {
	c.mu.Lock()
	if c.phase != PhaseIdle && c.phase != PhaseEnded {
		c.mu.Unlock()
		return actionErr("cannot create a duel while %s", c.phase)
	}
	c.resetLocked()
	c.mu.Unlock()

	return c.conn.Emit("create-duel", criteria)
}

// JoinDuel joins a duel by its shareable code. A match-found event
// follows on success.
func (c *MatchController) JoinDuel(code string) error {
	c.mu.Lock()
	if c.phase != PhaseIdle && c.phase != PhaseEnded {
		c.mu.Unlock()
		return actionErr("cannot join a duel while %s", c.phase)
	}
	c.resetLocked()
	c.mu.Unlock()

	return c.conn.Emit("join-duel", map[string]string{"code": code})
}

// GiveUp forfeits the active match. The action is irreversible, so the
// caller must pass confirmed=true after an explicit user confirmation;
// nothing is emitted otherwise.
func (c *MatchController) GiveUp(confirmed bool) error {
	if !confirmed {
		return actionErr("give-up requires explicit confirmation")
	}
	c.mu.Lock()
	if c.phase != PhaseActive || c.match == nil {
		c.mu.Unlock()
		return actionErr("no active match to give up")
	}
	matchID := c.match.ID
	c.mu.Unlock()

	return c.conn.Emit("give-up", map[string]string{"matchId": matchID})
}

// OfferDraw proposes a draw. Further calls while the offer stands are
// no-ops.
func (c *MatchController) OfferDraw() error {
	c.mu.Lock()
	if c.phase != PhaseActive || c.match == nil {
		c.mu.Unlock()
		return actionErr("no active match to offer a draw in")
	}
	if c.draw.ByMe {
		c.mu.Unlock()
		return nil
	}
	matchID := c.match.ID
	c.mu.Unlock()

	if err := c.conn.Emit("offer-draw", map[string]string{"matchId": matchID}); err != nil {
		return err
	}

	c.mu.Lock()
	c.draw.ByMe = true
	c.mu.Unlock()
	c.publish()
	return nil
}

// AcceptDraw accepts the opponent's standing offer. Without one this is
// a no-op and nothing is emitted.
func (c *MatchController) AcceptDraw() error {
	c.mu.Lock()
	if c.phase != PhaseActive || c.match == nil || !c.draw.ByOpponent {
		c.mu.Unlock()
		return nil
	}
	matchID := c.match.ID
	c.mu.Unlock()

	return c.conn.Emit("accept-draw", map[string]string{"matchId": matchID})
}

func (c *MatchController) handleQueueJoined(json.RawMessage) {
	c.mu.Lock()
	if c.phase != PhaseIdle {
		// Either the optimistic transition already happened or the event
		// is a stale duplicate; a live match must never demote to queued.
		c.mu.Unlock()
		return
	}
	// Confirmation for a queue entry we did not apply optimistically.
	c.phase = PhaseQueued
	c.mu.Unlock()
	c.updatePolling()
	c.publish()
}

func (c *MatchController) handleDuelCreated(payload json.RawMessage) {
	var p duelCreatedPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.Duel.DuelCode == "" {
		log.Warn().Err(err).Msg("rejected malformed duel-created event")
		return
	}
	c.mu.Lock()
	c.duelCode = p.Duel.DuelCode
	c.phase = PhaseDuelWait
	c.mu.Unlock()

	c.updatePolling()
	c.publish()
}

func (c *MatchController) handleMatchFound(payload json.RawMessage) {
	var p matchFoundPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.Match.ID == "" || p.Match.Duration <= 0 {
		log.Warn().Err(err).Msg("rejected malformed match-found event")
		return
	}

	m := &Match{
		ID:            p.Match.ID,
		Player1ID:     p.Match.Player1ID,
		Player2ID:     p.Match.Player2ID,
		ProblemName:   p.Match.ProblemName,
		ProblemRating: p.Match.ProblemRating,
		EndTime:       c.clock.Now().Add(time.Duration(p.Match.Duration) * time.Minute),
		Status:        MatchOngoing,
	}
	c.adoptMatch(m, AttemptCounts{}, p.Opponent.Username, true)
}

// adoptMatch installs an authoritative match: from a push event or from
// a reconciliation pull that recovered a missed one. Re-adopting the
// match already tracked only refreshes the mutable fields, so the poller
// can reapply the same snapshot without re-firing one-shot effects.
func (c *MatchController) adoptMatch(m *Match, attempts AttemptCounts, opponentName string, fresh bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.match != nil && c.match.ID == m.ID {
		c.attempts = attempts
		c.mu.Unlock()
		c.publish()
		return
	}

	// Identity change: clear everything the previous match owned.
	c.unsubscribeMatchLocked()
	c.stopGraceLocked()
	c.match = m
	c.opponentName = opponentName
	c.attempts = attempts
	c.draw = DrawOffer{}
	c.result = nil
	c.graceArmed = false
	c.phase = PhaseActive
	matchID := m.ID
	end := m.EndTime
	c.mu.Unlock()

	c.bus.Subscribe(EntityKey(TopicMatchUpdate, matchID), c.owner, c.handleMatchUpdate)
	c.bus.Subscribe(EntityKey(TopicMatchEnd, matchID), c.owner, c.handleMatchEnd)
	c.bus.Subscribe(EntityKey(TopicDrawOffered, matchID), c.owner, c.handleDrawOffered)

	c.countdown.Track(end)
	c.updatePolling()
	c.publish()

	if fresh && c.notify != nil {
		c.notify.Push(BannerSuccess, "match found: "+m.ProblemName)
		c.notify.Play(SoundMatchFound)
	}
	log.Info().Str("match_id", matchID).Time("end_time", end).Msg("match adopted")
}

func (c *MatchController) handleMatchUpdate(payload json.RawMessage) {
	var p AttemptCounts
	if err := json.Unmarshal(payload, &p); err != nil {
		log.Warn().Err(err).Msg("rejected malformed match-update event")
		return
	}
	c.mu.Lock()
	c.attempts = p
	c.mu.Unlock()
	c.publish()
}

func (c *MatchController) handleMatchEnd(payload json.RawMessage) {
	var p matchEndPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		log.Warn().Err(err).Msg("rejected malformed match-end event")
		return
	}
	c.mu.Lock()
	result := c.computeResultLocked(&p)
	c.finishLocked(result)
}

func (c *MatchController) handleDrawOffered(json.RawMessage) {
	c.mu.Lock()
	if c.phase != PhaseActive {
		c.mu.Unlock()
		return
	}
	c.draw.ByOpponent = true
	c.mu.Unlock()

	c.publish()
	if c.notify != nil {
		c.notify.Push(BannerInfo, "your opponent offered a draw")
		c.notify.Play(SoundDrawOffer)
	}
}

// handleServerError surfaces an action rejection and clears transitional
// phases back to the last known-good state. An active match is never
// reset by a server error message.
func (c *MatchController) handleServerError(payload json.RawMessage) {
	msg := decodeMessage(payload)

	c.mu.Lock()
	reverted := false
	if c.phase == PhaseQueued || c.phase == PhaseDuelWait {
		c.phase = PhaseIdle
		c.duelCode = ""
		reverted = true
	}
	c.mu.Unlock()

	if reverted {
		c.updatePolling()
		c.publish()
	}
	if c.notify != nil {
		c.notify.Push(BannerError, msg)
	}
	log.Warn().Str("message", msg).Msg("server rejected match action")
}

// computeResultLocked normalizes the server verdict to the local side.
func (c *MatchController) computeResultLocked(p *matchEndPayload) *MatchResult {
	result := &MatchResult{Outcome: OutcomeLoss}
	if p.WinnerID == nil {
		result.Outcome = OutcomeDraw
	} else if *p.WinnerID == c.self {
		result.Outcome = OutcomeWin
	}

	if c.match != nil {
		result.ProblemName = c.match.ProblemName
		if c.match.Player1ID == c.self {
			result.RatingChange = p.Player1RatingDelta
			result.OpponentRatingChange = p.Player2RatingDelta
			result.NewRating = p.Player1NewRating
		} else {
			result.RatingChange = p.Player2RatingDelta
			result.OpponentRatingChange = p.Player1RatingDelta
			result.NewRating = p.Player2NewRating
		}
	}
	return result
}

// finishLocked produces the one-shot MatchResult. It takes c.mu held and
// releases it. A second verdict for the same match is ignored.
func (c *MatchController) finishLocked(result *MatchResult) {
	if c.result != nil {
		c.mu.Unlock()
		return
	}
	c.result = result
	c.phase = PhaseEnded
	c.draw = DrawOffer{}
	c.stopGraceLocked()
	if c.match != nil {
		c.match.Status = MatchFinished
	}
	c.unsubscribeMatchLocked()
	c.mu.Unlock()

	c.countdown.Stop()
	c.updatePolling()
	c.publish()

	if c.notify != nil {
		switch {
		case result.Synthetic:
			c.notify.Push(BannerWarning, result.Warning)
		case result.Outcome == OutcomeWin:
			c.notify.Push(BannerSuccess, "you won the match")
		case result.Outcome == OutcomeLoss:
			c.notify.Push(BannerInfo, "you lost the match")
		default:
			c.notify.Push(BannerInfo, "the match ended in a draw")
		}
		c.notify.Play(SoundResult)
	}
	log.Info().Str("outcome", string(result.Outcome)).Bool("synthetic", result.Synthetic).Msg("match finished")
}

// onTick republishes the snapshot so consumers see the derived countdown.
func (c *MatchController) onTick(int) {
	c.publish()
}

// onTimerExpired arms the grace window: the server normally ends the
// match itself, so the local draw is only synthesized if nothing arrives
// within the window. The guard makes sure this fires at most once per
// match.
func (c *MatchController) onTimerExpired() {
	c.mu.Lock()
	if c.phase != PhaseActive || c.result != nil || c.graceArmed {
		c.mu.Unlock()
		return
	}
	c.graceArmed = true
	c.graceTimer = c.clock.AfterFunc(c.cfg.GraceWindow, c.onGraceElapsed)
	c.mu.Unlock()
	log.Debug().Dur("grace", c.cfg.GraceWindow).Msg("match timer expired, waiting for server verdict")
}

func (c *MatchController) onGraceElapsed() {
	c.mu.Lock()
	if c.phase != PhaseActive || c.result != nil {
		c.mu.Unlock()
		return
	}
	result := &MatchResult{
		Outcome:   OutcomeDraw,
		Synthetic: true,
		Warning:   syntheticDrawWarning,
	}
	if c.match != nil {
		result.ProblemName = c.match.ProblemName
	}
	c.finishLocked(result)
}

// pollOnce is the reconciliation pull. Errors mean "no information".
func (c *MatchController) pollOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	state, err := c.api.ActiveMatch(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("match reconciliation pull failed")
		return
	}
	if state == nil {
		return
	}

	if state.Result != nil {
		// The match ended while push delivery was down.
		c.adoptMatch(state.Match, state.Attempts, "", false)
		c.mu.Lock()
		result := c.computeResultLocked(&matchEndPayload{
			WinnerID:           state.Result.WinnerID,
			Player1RatingDelta: state.Result.Player1RatingDelta,
			Player2RatingDelta: state.Result.Player2RatingDelta,
			Player1NewRating:   state.Result.Player1NewRating,
			Player2NewRating:   state.Result.Player2NewRating,
		})
		c.finishLocked(result)
		return
	}

	c.adoptMatch(state.Match, state.Attempts, "", false)
}

// updatePolling retargets the reconciliation poller for the current
// phase: fast while searching, slow while a match runs, off otherwise.
func (c *MatchController) updatePolling() {
	if c.api == nil {
		return
	}
	c.mu.Lock()
	phase := c.phase
	hasResult := c.result != nil
	c.mu.Unlock()

	switch {
	case hasResult || phase == PhaseIdle || phase == PhaseEnded:
		c.poller.Stop()
	case phase == PhaseActive:
		c.poller.Run(c.cfg.ActivePollInterval, c.pollOnce)
	default:
		c.poller.Run(c.cfg.SearchPollInterval, c.pollOnce)
	}
}

func (c *MatchController) resetLocked() {
	c.match = nil
	c.opponentName = ""
	c.attempts = AttemptCounts{}
	c.draw = DrawOffer{}
	c.result = nil
	c.duelCode = ""
	c.graceArmed = false
	c.stopGraceLocked()
}

func (c *MatchController) stopGraceLocked() {
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
}

func (c *MatchController) unsubscribeMatchLocked() {
	if c.match == nil {
		return
	}
	id := c.match.ID
	c.bus.Unsubscribe(EntityKey(TopicMatchUpdate, id), c.owner)
	c.bus.Unsubscribe(EntityKey(TopicMatchEnd, id), c.owner)
	c.bus.Unsubscribe(EntityKey(TopicDrawOffered, id), c.owner)
}

func (c *MatchController) snapshotLocked() MatchSnapshot {
	snap := MatchSnapshot{
		Phase:        c.phase,
		OpponentName: c.opponentName,
		Attempts:     c.attempts,
		Draw:         c.draw,
		DuelCode:     c.duelCode,
	}
	if c.match != nil {
		m := *c.match
		snap.Match = &m
		if c.result == nil {
			snap.Remaining = SecondsRemaining(m.EndTime, c.clock.Now())
		}
	}
	if c.result != nil {
		r := *c.result
		snap.Result = &r
	}
	return snap
}

func (c *MatchController) publish() {
	snap := c.Snapshot()

	c.obsMu.Lock()
	fns := make([]func(MatchSnapshot), 0, len(c.obs))
	for _, fn := range c.obs {
		fns = append(fns, fn)
	}
	c.obsMu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}
