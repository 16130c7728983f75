package arena

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMatchAPI struct {
	mu    sync.Mutex
	state *ActiveMatchState
	err   error
	calls int
}

func (f *fakeMatchAPI) ActiveMatch(context.Context) (*ActiveMatchState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.state, f.err
}

func (f *fakeMatchAPI) set(state *ActiveMatchState, err error) {
	f.mu.Lock()
	f.state, f.err = state, err
	f.mu.Unlock()
}

func (f *fakeMatchAPI) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newMatchHarness(t *testing.T, clock clockwork.Clock, api matchAPI) (*fakeTransport, *MatchController, *EventBus, *Notifier) {
	t.Helper()
	ft, conn, bus := newHarness(t, clock)
	notify := NewNotifier(clock, testConfig())
	c := NewMatchController(conn, bus, api, notify, Session{Token: "tok", UserID: "me"}, testConfig(), clock)
	c.Start()
	t.Cleanup(c.Close)
	return ft, c, bus, notify
}

// pushMatchFound announces a 30 minute match between me (player1) and
// opp, as the server would after a queue hit.
func pushMatchFound(ft *fakeTransport, id, player1, player2 string) {
	var p matchFoundPayload
	p.Match.ID = id
	p.Match.Player1ID = player1
	p.Match.Player2ID = player2
	p.Match.ProblemName = "watermelon"
	p.Match.ProblemRating = 1200
	p.Match.Duration = 30
	p.Opponent.UserID = "opp"
	p.Opponent.Username = "rival"
	p.Opponent.Rating = 1450
	ft.push("match-found", p)
}

func TestMatchController_QueueToActiveMatch(t *testing.T) {
	fake := clockwork.NewFakeClock()
	ft, c, bus, _ := newMatchHarness(t, fake, nil)

	require.NoError(t, c.JoinQueue(MatchCriteria{RatingMin: 800, RatingMax: 1600, Duration: 30}))
	assert.Equal(t, PhaseQueued, c.Snapshot().Phase, "queued phase applied optimistically")
	require.Len(t, ft.sentEvents("join-matchmaking"), 1)

	ft.push("queue-joined", nil)
	pushMatchFound(ft, "m1", "me", "opp")

	eventually(t, func() bool { return c.Snapshot().Phase == PhaseActive }, "match adopted")

	snap := c.Snapshot()
	require.NotNil(t, snap.Match)
	assert.Equal(t, "m1", snap.Match.ID)
	assert.Equal(t, "rival", snap.OpponentName)
	assert.Equal(t, 1800, snap.Remaining, "countdown derived from the authoritative end time")
	assert.Nil(t, snap.Result)

	assert.Contains(t, bus.ActiveChannels(), "match-update-m1")
	assert.Contains(t, bus.ActiveChannels(), "match-end-m1")
	assert.Contains(t, bus.ActiveChannels(), "draw-offered-m1")
}

func TestMatchController_DuplicateQueueJoinedCannotDemoteMatch(t *testing.T) {
	fake := clockwork.NewFakeClock()
	ft, c, bus, _ := newMatchHarness(t, fake, nil)

	require.NoError(t, c.JoinQueue(MatchCriteria{Duration: 30}))
	ft.push("queue-joined", nil)
	pushMatchFound(ft, "m1", "me", "opp")
	eventually(t, func() bool { return c.Snapshot().Phase == PhaseActive }, "match adopted")

	// The transport may replay the confirmation at any time.
	drained := make(chan struct{}, 4)
	bus.Subscribe(Key(TopicQueueJoined), "watch", func(json.RawMessage) { drained <- struct{}{} })
	ft.push("queue-joined", nil)
	<-drained

	snap := c.Snapshot()
	assert.Equal(t, PhaseActive, snap.Phase, "a live match survives replayed queue confirmations")
	assert.Equal(t, "m1", snap.Match.ID)
}

func TestMatchController_RejectsMalformedMatchFound(t *testing.T) {
	fake := clockwork.NewFakeClock()
	ft, c, bus, _ := newMatchHarness(t, fake, nil)

	drained := make(chan struct{}, 4)
	bus.Subscribe(Key(TopicMatchFound), "watch", func(json.RawMessage) { drained <- struct{}{} })

	require.NoError(t, c.JoinQueue(MatchCriteria{Duration: 30}))

	var p matchFoundPayload
	p.Match.ID = "m1" // duration missing
	ft.push("match-found", p)

	<-drained
	assert.Equal(t, PhaseQueued, c.Snapshot().Phase, "last known-good state kept")
}

func TestMatchController_AttemptsReplacedWholesale(t *testing.T) {
	fake := clockwork.NewFakeClock()
	ft, c, _, _ := newMatchHarness(t, fake, nil)

	require.NoError(t, c.JoinQueue(MatchCriteria{Duration: 30}))
	pushMatchFound(ft, "m1", "me", "opp")
	eventually(t, func() bool { return c.Snapshot().Phase == PhaseActive }, "match adopted")

	ft.push("match-update-m1", AttemptCounts{Player1: 3, Player2: 1})
	ft.push("match-update-m1", AttemptCounts{Player1: 2, Player2: 5})

	eventually(t, func() bool {
		return c.Snapshot().Attempts == AttemptCounts{Player1: 2, Player2: 5}
	}, "counters mirror the latest authoritative snapshot, even downward")
}

func TestMatchController_ResultNormalizedForPlayer2(t *testing.T) {
	fake := clockwork.NewFakeClock()
	ft, c, bus, _ := newMatchHarness(t, fake, nil)

	require.NoError(t, c.JoinQueue(MatchCriteria{Duration: 30}))
	// Local user is player2 here.
	pushMatchFound(ft, "m1", "opp", "me")
	eventually(t, func() bool { return c.Snapshot().Phase == PhaseActive }, "match adopted")

	winner := "opp"
	ft.push("match-end-m1", matchEndPayload{
		WinnerID:           &winner,
		Player1RatingDelta: 12,
		Player2RatingDelta: -8,
		Player1NewRating:   1512,
		Player2NewRating:   1492,
	})

	eventually(t, func() bool { return c.Snapshot().Result != nil }, "verdict applied")

	snap := c.Snapshot()
	assert.Equal(t, PhaseEnded, snap.Phase)
	assert.Equal(t, OutcomeLoss, snap.Result.Outcome)
	assert.Equal(t, -8, snap.Result.RatingChange, "player2 side of the deltas")
	assert.Equal(t, 12, snap.Result.OpponentRatingChange)
	assert.Equal(t, 1492, snap.Result.NewRating)
	assert.Equal(t, 0, snap.Remaining, "countdown cleared with the result")

	assert.NotContains(t, bus.ActiveChannels(), "match-update-m1",
		"parameterized channels released on match end")
}

func TestMatchController_WinAndDrawOutcomes(t *testing.T) {
	fake := clockwork.NewFakeClock()
	ft, c, _, _ := newMatchHarness(t, fake, nil)

	require.NoError(t, c.JoinQueue(MatchCriteria{Duration: 30}))
	pushMatchFound(ft, "m1", "me", "opp")
	eventually(t, func() bool { return c.Snapshot().Phase == PhaseActive }, "match adopted")

	winner := "me"
	ft.push("match-end-m1", matchEndPayload{WinnerID: &winner, Player1RatingDelta: 15, Player1NewRating: 1515})
	eventually(t, func() bool { return c.Snapshot().Result != nil }, "verdict applied")

	snap := c.Snapshot()
	assert.Equal(t, OutcomeWin, snap.Result.Outcome)
	assert.Equal(t, 15, snap.Result.RatingChange)
	assert.False(t, snap.Result.Synthetic)

	// A nil winner means a draw; start a second match to see it.
	pushMatchFound(ft, "m2", "me", "opp")
	eventually(t, func() bool { return c.Snapshot().Phase == PhaseActive }, "second match adopted")
	ft.push("match-end-m2", matchEndPayload{})
	eventually(t, func() bool {
		r := c.Snapshot().Result
		return r != nil && r.Outcome == OutcomeDraw
	}, "nil winner normalized to a draw")
}

func TestMatchController_DrawHandshake(t *testing.T) {
	fake := clockwork.NewFakeClock()
	ft, c, _, _ := newMatchHarness(t, fake, nil)

	require.NoError(t, c.JoinQueue(MatchCriteria{Duration: 30}))
	pushMatchFound(ft, "m1", "me", "opp")
	eventually(t, func() bool { return c.Snapshot().Phase == PhaseActive }, "match adopted")

	require.NoError(t, c.AcceptDraw())
	assert.Empty(t, ft.sentEvents("accept-draw"), "nothing to accept without a standing offer")

	require.NoError(t, c.OfferDraw())
	require.NoError(t, c.OfferDraw())
	assert.Len(t, ft.sentEvents("offer-draw"), 1, "repeat offers are no-ops")
	assert.True(t, c.Snapshot().Draw.ByMe)

	ft.push("draw-offered-m1", nil)
	eventually(t, func() bool { return c.Snapshot().Draw.ByOpponent }, "opponent offer recorded")

	require.NoError(t, c.AcceptDraw())
	assert.Len(t, ft.sentEvents("accept-draw"), 1)
}

func TestMatchController_GiveUpRequiresConfirmation(t *testing.T) {
	fake := clockwork.NewFakeClock()
	ft, c, _, _ := newMatchHarness(t, fake, nil)

	require.NoError(t, c.JoinQueue(MatchCriteria{Duration: 30}))
	pushMatchFound(ft, "m1", "me", "opp")
	eventually(t, func() bool { return c.Snapshot().Phase == PhaseActive }, "match adopted")

	require.Error(t, c.GiveUp(false))
	assert.Empty(t, ft.sentEvents("give-up"), "unconfirmed forfeit never reaches the server")

	require.NoError(t, c.GiveUp(true))
	assert.Len(t, ft.sentEvents("give-up"), 1)
}

func TestMatchController_SyntheticDrawAfterGraceWindow(t *testing.T) {
	fake := clockwork.NewFakeClock()
	ft, c, _, notify := newMatchHarness(t, fake, nil)

	require.NoError(t, c.JoinQueue(MatchCriteria{Duration: 30}))
	pushMatchFound(ft, "m1", "me", "opp")
	eventually(t, func() bool { return c.Snapshot().Phase == PhaseActive }, "match adopted")

	// Burn the whole match with no verdict from the server.
	fake.Advance(31 * time.Minute)
	eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.graceArmed
	}, "grace window armed on expiry")
	assert.Nil(t, c.Snapshot().Result, "no local result while the grace window runs")

	fake.Advance(testConfig().GraceWindow)
	eventually(t, func() bool { return c.Snapshot().Result != nil }, "grace window elapsed")

	snap := c.Snapshot()
	assert.Equal(t, PhaseEnded, snap.Phase)
	assert.Equal(t, OutcomeDraw, snap.Result.Outcome)
	assert.True(t, snap.Result.Synthetic)
	assert.Zero(t, snap.Result.RatingChange, "synthesized draw carries no rating information")
	assert.Equal(t, syntheticDrawWarning, snap.Result.Warning)
	assert.Positive(t, notify.Unread(), "warning surfaced to the user")

	// A late verdict must not overwrite the one-shot result. The entity
	// channels were released on finish, so feed the handler directly.
	winner := "me"
	raw, err := json.Marshal(matchEndPayload{WinnerID: &winner})
	require.NoError(t, err)
	c.handleMatchEnd(raw)
	assert.True(t, c.Snapshot().Result.Synthetic, "result is immutable once produced")
}

func TestMatchController_GraceWindowCancelledByVerdict(t *testing.T) {
	fake := clockwork.NewFakeClock()
	ft, c, _, _ := newMatchHarness(t, fake, nil)

	require.NoError(t, c.JoinQueue(MatchCriteria{Duration: 30}))
	pushMatchFound(ft, "m1", "me", "opp")
	eventually(t, func() bool { return c.Snapshot().Phase == PhaseActive }, "match adopted")

	fake.Advance(31 * time.Minute)
	eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.graceArmed
	}, "grace window armed")

	winner := "me"
	ft.push("match-end-m1", matchEndPayload{WinnerID: &winner})
	eventually(t, func() bool { return c.Snapshot().Result != nil }, "verdict applied")
	require.Equal(t, OutcomeWin, c.Snapshot().Result.Outcome)

	fake.Advance(testConfig().GraceWindow * 2)
	assert.False(t, c.Snapshot().Result.Synthetic,
		"server verdict inside the window wins over the synthesized draw")
}

func TestMatchController_ServerErrorRevertsTransitionalPhases(t *testing.T) {
	fake := clockwork.NewFakeClock()
	ft, c, _, notify := newMatchHarness(t, fake, nil)

	require.NoError(t, c.JoinQueue(MatchCriteria{Duration: 30}))
	ft.push("error", errorPayload{Message: "queue is full"})

	eventually(t, func() bool { return c.Snapshot().Phase == PhaseIdle }, "queued reverted to idle")
	assert.Positive(t, notify.Unread())

	require.NoError(t, c.JoinQueue(MatchCriteria{Duration: 30}))
	pushMatchFound(ft, "m1", "me", "opp")
	eventually(t, func() bool { return c.Snapshot().Phase == PhaseActive }, "match adopted")

	ft.push("error", errorPayload{Message: "submission rejected"})
	ft.push("match-update-m1", AttemptCounts{Player1: 1})
	eventually(t, func() bool { return c.Snapshot().Attempts.Player1 == 1 }, "events drained")
	assert.Equal(t, PhaseActive, c.Snapshot().Phase, "an active match survives server errors")
}

func TestMatchController_DuelFlow(t *testing.T) {
	fake := clockwork.NewFakeClock()
	ft, c, _, _ := newMatchHarness(t, fake, nil)

	require.NoError(t, c.CreateDuel(MatchCriteria{RatingMin: 900, RatingMax: 1100, Duration: 20}))
	require.Len(t, ft.sentEvents("create-duel"), 1)

	var p duelCreatedPayload
	p.Duel.DuelCode = "XK4Q"
	ft.push("duel-created", p)

	eventually(t, func() bool { return c.Snapshot().Phase == PhaseDuelWait }, "waiting for an opponent")
	assert.Equal(t, "XK4Q", c.Snapshot().DuelCode)

	require.Error(t, c.JoinDuel("OTHER"), "cannot join while hosting")

	pushMatchFound(ft, "m1", "me", "opp")
	eventually(t, func() bool { return c.Snapshot().Phase == PhaseActive }, "duel starts like any match")
}

func TestMatchController_LeaveQueue(t *testing.T) {
	fake := clockwork.NewFakeClock()
	ft, c, _, _ := newMatchHarness(t, fake, nil)

	require.Error(t, c.LeaveQueue(), "not queued yet")

	require.NoError(t, c.JoinQueue(MatchCriteria{Duration: 30}))
	require.NoError(t, c.LeaveQueue())
	assert.Equal(t, PhaseIdle, c.Snapshot().Phase)
	assert.Len(t, ft.sentEvents("leave-matchmaking"), 1)
}

func TestMatchController_ReconciliationHealsMissedEvents(t *testing.T) {
	fake := clockwork.NewFakeClock()
	api := &fakeMatchAPI{}
	_, c, _, _ := newMatchHarness(t, fake, api)

	api.set(nil, actionErr("server unavailable"))
	require.NoError(t, c.JoinQueue(MatchCriteria{Duration: 30}))

	eventually(t, func() bool {
		fake.Advance(time.Second)
		return api.callCount() > 0
	}, "search polling runs")
	assert.Equal(t, PhaseQueued, c.Snapshot().Phase, "pull errors mean no information")

	// Push delivery missed the match entirely; the pull recovers it.
	api.set(&ActiveMatchState{
		Match: &Match{
			ID:        "m7",
			Player1ID: "me",
			Player2ID: "opp",
			EndTime:   fake.Now().Add(10 * time.Minute),
			Status:    MatchOngoing,
		},
		Attempts: AttemptCounts{Player1: 1},
	}, nil)

	eventually(t, func() bool {
		fake.Advance(time.Second)
		return c.Snapshot().Phase == PhaseActive
	}, "missed match adopted from the pull")
	assert.Equal(t, "m7", c.Snapshot().Match.ID)

	// The match ended while push delivery was down.
	winner := "me"
	api.set(&ActiveMatchState{
		Match: &Match{
			ID:        "m7",
			Player1ID: "me",
			Player2ID: "opp",
			EndTime:   fake.Now().Add(10 * time.Minute),
			Status:    MatchFinished,
		},
		Result: &MatchVerdict{WinnerID: &winner, Player1RatingDelta: 9, Player1NewRating: 1509},
	}, nil)

	eventually(t, func() bool {
		fake.Advance(time.Second)
		r := c.Snapshot().Result
		return r != nil && r.Outcome == OutcomeWin
	}, "missed verdict recovered from the pull")
	assert.Equal(t, 9, c.Snapshot().Result.RatingChange)
}
