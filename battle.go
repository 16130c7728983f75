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

// BattlePhase is the lifecycle position of the team battle controller.
type BattlePhase string

const (
	BattlePhaseMenu      BattlePhase = "menu"
	BattlePhaseJoining   BattlePhase = "joining"
	BattlePhaseWaiting   BattlePhase = "waiting"
	BattlePhasePreparing BattlePhase = "preparing"
	BattlePhaseActive    BattlePhase = "active"
	BattlePhaseEnded     BattlePhase = "ended"
)

// BattleSnapshot is the normalized battle state handed to the view layer.
type BattleSnapshot struct {
	Phase     BattlePhase
	Battle    *TeamBattle
	Stats     BattleStats
	Remaining int
	Outcome   *BattleOutcome
	IsCreator bool
	IsLeaving bool
}

// battleAPI is the slice of the pull fallback the controller needs.
type battleAPI interface {
	BattleByCode(ctx context.Context, code string) (*BattleState, error)
	LeaveBattle(ctx context.Context, battleID string) (bool, error)
}

// TeamBattleController runs the multi-player battle state machine: room
// membership with optimistic slot moves, problem and score progress, and
// the end-of-battle outcome. The server's snapshot always wins; local
// mutations are provisional until the next authoritative event.
type TeamBattleController struct {
	conn   *ConnectionManager
	bus    *EventBus
	api    battleAPI
	notify *Notifier
	clock  clockwork.Clock
	cfg    *Config
	self   string
	owner  string

	mu        sync.Mutex
	phase     BattlePhase
	battle    *TeamBattle
	stats     BattleStats
	outcome   *BattleOutcome
	isLeaving bool
	inFlight  bool // a create or join awaiting server confirmation
	closed    bool

	countdown *Countdown
	poller    *Poller

	obsMu   sync.Mutex
	obs     map[int]func(BattleSnapshot)
	nextObs int
}

// NewTeamBattleController wires the controller; Start must be called
// before it reacts to anything. The api may be nil to disable
// reconciliation.
func NewTeamBattleController(conn *ConnectionManager, bus *EventBus, api battleAPI, notify *Notifier, session Session, cfg *Config, clock clockwork.Clock) *TeamBattleController {
	c := &TeamBattleController{
		conn:   conn,
		bus:    bus,
		api:    api,
		notify: notify,
		clock:  clock,
		cfg:    withDefaults(cfg),
		self:   session.UserID,
		owner:  "battle:" + uuid.New().String()[:8],
		phase:  BattlePhaseMenu,
		obs:    make(map[int]func(BattleSnapshot)),
	}
	c.countdown = NewCountdown(clock, c.onTick, nil)
	c.poller = NewPoller(clock, "battle")
	return c
}

// Start registers the controller's subscriptions.
func (c *TeamBattleController) Start() {
	c.bus.Subscribe(Key(TopicBattleCreated), c.owner, c.handleCreated)
	c.bus.Subscribe(Key(TopicBattleState), c.owner, c.handleState)
	c.bus.Subscribe(Key(TopicBattleUpdated), c.owner, c.handleRoomUpdated)
	c.bus.Subscribe(Key(TopicBattlePreparing), c.owner, c.handlePreparing)
	c.bus.Subscribe(Key(TopicBattleStarted), c.owner, c.handleStarted)
	c.bus.Subscribe(Key(TopicBattleUpdate), c.owner, c.handleProgress)
	c.bus.Subscribe(Key(TopicBattleEnded), c.owner, c.handleEnded)
	c.bus.Subscribe(Key(TopicRemovedFromBattle), c.owner, c.handleRemoved)
	c.bus.Subscribe(Key(TopicBattleDeleted), c.owner, c.handleDeleted)
	c.bus.Subscribe(Key(TopicError), c.owner, c.handleServerError)
}

// Close tears the controller down, clearing timers and every channel
// registration it holds.
func (c *TeamBattleController) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.countdown.Stop()
	c.poller.Stop()
	c.bus.UnsubscribeOwner(c.owner)
}

// Snapshot returns the current normalized state.
func (c *TeamBattleController) Snapshot() BattleSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// OnSnapshot registers a view-layer observer. The current snapshot is
// delivered immediately; the returned closure unregisters.
func (c *TeamBattleController) OnSnapshot(fn func(BattleSnapshot)) func() {
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

// Create asks the server for a new battle room. The team-battle-created
// event confirms it and makes the local user the creator.
func (c *TeamBattleController) Create(config BattleConfig) error {
	c.mu.Lock()
	if c.phase != BattlePhaseMenu && c.phase != BattlePhaseEnded {
		c.mu.Unlock()
		return actionErr("cannot create a battle while %s", c.phase)
	}
	c.resetLocked()
	c.inFlight = true
	c.phase = BattlePhaseJoining
	c.mu.Unlock()

	c.publish()
	return c.conn.Emit("create-team-battle", config)
}

// Join enters an existing battle room by its shareable code.
func (c *TeamBattleController) Join(code string) error {
	c.mu.Lock()
	if c.phase != BattlePhaseMenu && c.phase != BattlePhaseEnded {
		c.mu.Unlock()
		return actionErr("cannot join a battle while %s", c.phase)
	}
	c.resetLocked()
	c.inFlight = true
	c.phase = BattlePhaseJoining
	c.mu.Unlock()

	c.publish()
	return c.conn.Emit("join-team-battle-room", map[string]string{"code": code})
}

// Leave exits the current battle. It reports whether leaving eliminated
// the acting team. Updates arriving while the leave is in flight are
// dropped so the room cannot resurrect locally.
func (c *TeamBattleController) Leave(ctx context.Context) (bool, error) {
	c.mu.Lock()
	if c.battle == nil {
		c.mu.Unlock()
		return false, actionErr("no battle to leave")
	}
	c.isLeaving = true
	battleID := c.battle.ID
	code := c.battle.BattleCode
	c.mu.Unlock()

	c.publish()

	eliminated := false
	if c.api != nil {
		var err error
		eliminated, err = c.api.LeaveBattle(ctx, battleID)
		if err != nil {
			log.Warn().Err(err).Msg("leave fallback failed, relying on the event")
		}
	}
	err := c.conn.Emit("leave-team-battle-room", map[string]string{"code": code, "id": battleID})

	c.teardown(BattlePhaseMenu, "")
	return eliminated, err
}

// MoveToSlot moves the local user to (team, position). The roster is
// mutated optimistically; the next authoritative team-battle-updated
// event replaces it wholesale and silently wins any conflict.
func (c *TeamBattleController) MoveToSlot(team Team, position int) error {
	c.mu.Lock()
	if c.phase != BattlePhaseWaiting || c.battle == nil {
		c.mu.Unlock()
		return actionErr("cannot move slots while %s", c.phase)
	}
	if c.battle.SlotOccupied(team, position) {
		c.mu.Unlock()
		return actionErr("slot %s/%d is occupied", team, position)
	}

	// Optimistic local guess, replaced by the next authoritative roster.
	players := make([]BattlePlayer, 0, len(c.battle.Players))
	var me BattlePlayer
	found := false
	for _, p := range c.battle.Players {
		if p.UserID == c.self {
			me = p
			found = true
			continue
		}
		players = append(players, p)
	}
	if !found {
		me = BattlePlayer{UserID: c.self}
	}
	me.Team = team
	me.Position = position
	c.battle.Players = append(players, me)
	battleID := c.battle.ID
	c.mu.Unlock()

	c.publish()
	return c.conn.Emit("move-team-player", map[string]interface{}{
		"battleId": battleID,
		"userId":   c.self,
		"team":     team,
		"position": position,
	})
}

// StartBattle begins the match. Only the creator may start, and only
// once both teams have at least one occupied slot.
func (c *TeamBattleController) StartBattle() error {
	c.mu.Lock()
	if c.phase != BattlePhaseWaiting || c.battle == nil {
		c.mu.Unlock()
		return actionErr("cannot start while %s", c.phase)
	}
	if c.battle.CreatorID != c.self {
		c.mu.Unlock()
		return actionErr("only the creator can start the battle")
	}
	if !c.battle.TeamOccupied(TeamA) || !c.battle.TeamOccupied(TeamB) {
		c.mu.Unlock()
		return actionErr("both teams need at least one player")
	}
	battleID := c.battle.ID
	c.mu.Unlock()

	return c.conn.Emit("start-team-battle", map[string]string{"battleId": battleID})
}

// RemovePlayer kicks another player from the room; creator only.
func (c *TeamBattleController) RemovePlayer(targetUserID string) error {
	c.mu.Lock()
	if c.battle == nil || c.battle.CreatorID != c.self {
		c.mu.Unlock()
		return actionErr("only the creator can remove players")
	}
	battleID := c.battle.ID
	c.mu.Unlock()

	return c.conn.Emit("remove-team-player", map[string]string{
		"battleId":     battleID,
		"targetUserId": targetUserID,
	})
}

func (c *TeamBattleController) handleCreated(payload json.RawMessage) {
	var p battlePayload
	if err := json.Unmarshal(payload, &p); err != nil || p.Battle == nil {
		log.Warn().Err(err).Msg("rejected malformed team-battle-created event")
		return
	}
	c.adoptBattle(p.Battle, p.Stats)
}

func (c *TeamBattleController) handleState(payload json.RawMessage) {
	var p battlePayload
	if err := json.Unmarshal(payload, &p); err != nil || p.Battle == nil {
		log.Warn().Err(err).Msg("rejected malformed team-battle-state event")
		return
	}
	c.adoptBattle(p.Battle, p.Stats)
}

// handleRoomUpdated applies an authoritative roster refresh. Updates
// arriving mid-leave are dropped.
func (c *TeamBattleController) handleRoomUpdated(payload json.RawMessage) {
	var p battlePayload
	if err := json.Unmarshal(payload, &p); err != nil || p.Battle == nil {
		log.Warn().Err(err).Msg("rejected malformed team-battle-updated event")
		return
	}

	c.mu.Lock()
	if c.isLeaving || c.battle == nil || c.battle.ID != p.Battle.ID {
		c.mu.Unlock()
		return
	}
	c.battle = p.Battle
	if p.Stats != nil {
		c.stats = *p.Stats
	}
	c.mu.Unlock()
	c.publish()
}

func (c *TeamBattleController) handlePreparing(json.RawMessage) {
	c.mu.Lock()
	if c.phase != BattlePhaseWaiting {
		c.mu.Unlock()
		return
	}
	c.phase = BattlePhasePreparing
	c.mu.Unlock()
	c.publish()
}

// handleStarted moves to the active phase. A started event without an
// authoritative endTime is invalid: the event is rejected and the room
// falls back to waiting with an error surfaced.
func (c *TeamBattleController) handleStarted(payload json.RawMessage) {
	var p battlePayload
	if err := json.Unmarshal(payload, &p); err != nil || p.Battle == nil {
		log.Warn().Err(err).Msg("rejected malformed team-battle-started event")
		return
	}

	c.mu.Lock()
	if c.isLeaving || c.battle == nil || c.battle.ID != p.Battle.ID {
		// Stale broadcast for a room we left, or another room entirely.
		c.mu.Unlock()
		return
	}
	if p.Battle.EndTime == nil {
		c.phase = BattlePhaseWaiting
		c.mu.Unlock()
		c.publish()
		if c.notify != nil {
			c.notify.Push(BannerError, "the battle failed to start, try again")
		}
		log.Warn().Str("battle_id", p.Battle.ID).Msg("rejected team-battle-started without endTime")
		return
	}

	c.battle = p.Battle
	if p.Stats != nil {
		c.stats = *p.Stats
	}
	c.phase = BattlePhaseActive
	end := *p.Battle.EndTime
	c.mu.Unlock()

	c.countdown.Track(end)
	c.updatePolling()
	c.publish()

	if c.notify != nil {
		c.notify.Push(BannerSuccess, "the battle has started")
		c.notify.Play(SoundBattleStart)
	}
	log.Info().Str("battle_id", p.Battle.ID).Time("end_time", end).Msg("battle started")
}

// handleProgress replaces the problem list and score snapshot wholesale.
// The decoded payload carries fresh slices, so dependent derived views
// always see a new collection identity.
func (c *TeamBattleController) handleProgress(payload json.RawMessage) {
	var p battleUpdatePayload
	if err := json.Unmarshal(payload, &p); err != nil || p.Battle == nil {
		log.Warn().Err(err).Msg("rejected malformed team-battle-update event")
		return
	}

	c.mu.Lock()
	if c.isLeaving || c.battle == nil || c.battle.ID != p.Battle.ID {
		c.mu.Unlock()
		return
	}
	c.battle = p.Battle
	if p.Stats != nil {
		c.stats = *p.Stats
	}
	c.mu.Unlock()
	c.publish()

	if c.notify != nil {
		for _, s := range p.NewSolves {
			c.notify.Push(BannerInfo, s.Username+" solved "+s.ProblemName)
		}
		if len(p.NewSolves) > 0 {
			c.notify.Play(SoundSolve)
		}
	}
}

func (c *TeamBattleController) handleEnded(payload json.RawMessage) {
	var p battleEndedPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		log.Warn().Err(err).Msg("rejected malformed team-battle-ended event")
		return
	}

	c.mu.Lock()
	if c.outcome != nil || c.battle == nil ||
		(p.Battle != nil && p.Battle.ID != c.battle.ID) {
		c.mu.Unlock()
		return
	}
	if p.Battle != nil {
		c.battle = p.Battle
	}
	if p.Stats != nil {
		c.stats = *p.Stats
	}
	outcome := resolveOutcome(p.TeamEliminated, p.EliminatedTeam, c.stats, c.battle.WinningStrategy)
	if p.Reason != "" {
		outcome.Reason = p.Reason
	}
	c.outcome = &outcome
	c.phase = BattlePhaseEnded
	c.mu.Unlock()

	c.countdown.Stop()
	c.poller.Stop()
	c.publish()

	if c.notify != nil {
		switch {
		case outcome.Draw:
			c.notify.Push(BannerInfo, "the battle ended in a draw")
		default:
			c.notify.Push(BannerSuccess, "team "+string(outcome.Winner)+" won the battle")
		}
		c.notify.Play(SoundResult)
	}
	log.Info().Bool("draw", outcome.Draw).Str("winner", string(outcome.Winner)).Msg("battle ended")
}

func (c *TeamBattleController) handleRemoved(json.RawMessage) {
	c.teardown(BattlePhaseMenu, "you were removed from the battle")
}

func (c *TeamBattleController) handleDeleted(payload json.RawMessage) {
	c.teardown(BattlePhaseMenu, decodeMessage(payload))
}

// handleServerError clears in-flight create/join flags and surfaces the
// rejection; an established room is never reset by an error message.
func (c *TeamBattleController) handleServerError(payload json.RawMessage) {
	msg := decodeMessage(payload)

	c.mu.Lock()
	reverted := false
	if c.inFlight {
		c.inFlight = false
		if c.phase == BattlePhaseJoining {
			c.phase = BattlePhaseMenu
			reverted = true
		}
	}
	c.mu.Unlock()

	if reverted {
		c.publish()
	}
	if c.notify != nil {
		c.notify.Push(BannerError, msg)
	}
	log.Warn().Str("message", msg).Msg("server rejected battle action")
}

// adoptBattle installs an authoritative room snapshot, from push or from
// a reconciliation pull. Re-adopting the tracked battle only refreshes
// mutable state so one-shot effects never re-fire.
func (c *TeamBattleController) adoptBattle(b *TeamBattle, stats *BattleStats) {
	c.mu.Lock()
	if c.closed || c.isLeaving {
		c.mu.Unlock()
		return
	}

	sameBattle := c.battle != nil && c.battle.ID == b.ID
	c.battle = b
	if stats != nil {
		c.stats = *stats
	}
	c.inFlight = false

	var end time.Time
	switch b.Status {
	case BattleActive:
		c.phase = BattlePhaseActive
		if b.EndTime != nil {
			end = *b.EndTime
		}
	case BattleEnded:
		if c.outcome == nil {
			outcome := resolveOutcome(b.TeamEliminated, b.EliminatedTeam, c.stats, b.WinningStrategy)
			if b.Reason != "" {
				outcome.Reason = b.Reason
			}
			c.outcome = &outcome
		}
		c.phase = BattlePhaseEnded
	default:
		if c.phase != BattlePhasePreparing || !sameBattle {
			c.phase = BattlePhaseWaiting
		}
	}
	phase := c.phase
	c.mu.Unlock()

	if !end.IsZero() {
		c.countdown.Track(end)
	}
	if phase == BattlePhaseEnded {
		c.countdown.Stop()
	}
	c.updatePolling()
	c.publish()

	if !sameBattle {
		log.Info().Str("battle_id", b.ID).Str("status", string(b.Status)).Msg("battle adopted")
	}
}

// teardown unconditionally drops local battle state, regardless of the
// current sub-state.
func (c *TeamBattleController) teardown(phase BattlePhase, notice string) {
	c.mu.Lock()
	c.resetLocked()
	c.phase = phase
	c.mu.Unlock()

	c.countdown.Stop()
	c.poller.Stop()
	c.publish()

	if notice != "" && c.notify != nil {
		c.notify.Push(BannerWarning, notice)
	}
}

func (c *TeamBattleController) onTick(int) {
	c.publish()
}

// pollOnce heals missed pushes by pulling the room state by code.
func (c *TeamBattleController) pollOnce() {
	c.mu.Lock()
	if c.battle == nil {
		c.mu.Unlock()
		return
	}
	code := c.battle.BattleCode
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	state, err := c.api.BattleByCode(ctx, code)
	if err != nil {
		log.Debug().Err(err).Msg("battle reconciliation pull failed")
		return
	}
	if state == nil {
		return
	}
	c.adoptBattle(state.Battle, state.Stats)
}

func (c *TeamBattleController) updatePolling() {
	if c.api == nil {
		return
	}
	c.mu.Lock()
	phase := c.phase
	done := c.outcome != nil
	c.mu.Unlock()

	switch {
	case done || phase == BattlePhaseMenu || phase == BattlePhaseEnded:
		c.poller.Stop()
	case phase == BattlePhaseActive:
		c.poller.Run(c.cfg.ActivePollInterval, c.pollOnce)
	case phase == BattlePhaseWaiting || phase == BattlePhasePreparing:
		c.poller.Run(c.cfg.SearchPollInterval, c.pollOnce)
	default:
		c.poller.Stop()
	}
}

func (c *TeamBattleController) resetLocked() {
	c.battle = nil
	c.stats = BattleStats{}
	c.outcome = nil
	c.isLeaving = false
	c.inFlight = false
}

func (c *TeamBattleController) snapshotLocked() BattleSnapshot {
	snap := BattleSnapshot{
		Phase:     c.phase,
		Stats:     c.stats,
		IsLeaving: c.isLeaving,
	}
	if c.battle != nil {
		b := *c.battle
		b.Players = append([]BattlePlayer(nil), c.battle.Players...)
		b.Problems = append([]BattleProblem(nil), c.battle.Problems...)
		snap.Battle = &b
		snap.IsCreator = b.CreatorID == c.self
		if b.EndTime != nil && c.outcome == nil {
			snap.Remaining = SecondsRemaining(*b.EndTime, c.clock.Now())
		}
	}
	if c.outcome != nil {
		o := *c.outcome
		snap.Outcome = &o
	}
	return snap
}

func (c *TeamBattleController) publish() {
	snap := c.Snapshot()

	c.obsMu.Lock()
	fns := make([]func(BattleSnapshot), 0, len(c.obs))
	for _, fn := range c.obs {
		fns = append(fns, fn)
	}
	c.obsMu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

// resolveOutcome computes the battle verdict. Elimination always takes
// precedence over the score comparison; a score tie under the
// total-solves strategy is broken by the earlier last solve, with a team
// that has any recorded solve beating one that has none; anything left
// is a draw.
func resolveOutcome(teamEliminated bool, eliminatedTeam Team, stats BattleStats, strategy WinningStrategy) BattleOutcome {
	if teamEliminated && eliminatedTeam != "" {
		return BattleOutcome{Winner: eliminatedTeam.Other(), Reason: "team " + string(eliminatedTeam) + " was eliminated"}
	}

	switch {
	case stats.TeamAScore > stats.TeamBScore:
		return BattleOutcome{Winner: TeamA, Reason: "higher score"}
	case stats.TeamBScore > stats.TeamAScore:
		return BattleOutcome{Winner: TeamB, Reason: "higher score"}
	}

	if strategy == StrategyTotalSolves {
		a, b := stats.LastSolveTime.TeamA, stats.LastSolveTime.TeamB
		switch {
		case a != nil && b != nil && a.Before(*b):
			return BattleOutcome{Winner: TeamA, Reason: "earlier last solve"}
		case a != nil && b != nil && b.Before(*a):
			return BattleOutcome{Winner: TeamB, Reason: "earlier last solve"}
		case a != nil && b == nil:
			return BattleOutcome{Winner: TeamA, Reason: "only team with a recorded solve"}
		case b != nil && a == nil:
			return BattleOutcome{Winner: TeamB, Reason: "only team with a recorded solve"}
		}
	}

	return BattleOutcome{Draw: true, Reason: "scores tied"}
}
