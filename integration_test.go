package arena

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeEvent is the server side of push delivery in integration tests.
// Failures surface as test timeouts, never as panics off the test
// goroutine.
func writeEvent(conn *websocket.Conn, event string, payload interface{}) {
	var raw json.RawMessage
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			raw = data
		}
	}
	conn.WriteJSON(Envelope{Event: event, Payload: raw})
}

func TestClient_MatchFlowOverWebsocket(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn, frame Frame) {
		switch frame.Event {
		case "join-matchmaking":
			writeEvent(conn, "queue-joined", nil)
			var p matchFoundPayload
			p.Match.ID = "m1"
			p.Match.Player1ID = "me"
			p.Match.Player2ID = "opp"
			p.Match.ProblemName = "watermelon"
			p.Match.Duration = 30
			p.Opponent.UserID = "opp"
			p.Opponent.Username = "rival"
			writeEvent(conn, "match-found", p)
		case "offer-draw":
			writeEvent(conn, "draw-offered-m1", nil)
			writeEvent(conn, "match-end-m1", matchEndPayload{})
		}
	})

	client, err := New(srv.URL, "", Session{Token: "tok", UserID: "me"}, testConfig())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	require.NoError(t, client.Connect(context.Background()))
	require.True(t, client.Conn.IsAuthenticated())

	require.NoError(t, client.Match.JoinQueue(MatchCriteria{RatingMin: 800, RatingMax: 1600, Duration: 30}))

	eventually(t, func() bool { return client.Match.Snapshot().Phase == PhaseActive }, "match adopted over the wire")
	snap := client.Match.Snapshot()
	assert.Equal(t, "rival", snap.OpponentName)
	assert.Equal(t, "watermelon", snap.Match.ProblemName)
	assert.InDelta(t, 1800, snap.Remaining, 2)
	assert.Positive(t, client.Notify.Unread())

	require.NoError(t, client.Match.OfferDraw())

	eventually(t, func() bool {
		r := client.Match.Snapshot().Result
		return r != nil && r.Outcome == OutcomeDraw
	}, "draw verdict delivered over the wire")
	assert.Equal(t, PhaseEnded, client.Match.Snapshot().Phase)
}

func TestClient_BattleFlowOverWebsocket(t *testing.T) {
	room := &TeamBattle{
		ID:         "b1",
		BattleCode: "CODE",
		CreatorID:  "me",
		Status:     BattleWaiting,
		Players: []BattlePlayer{
			{UserID: "me", Username: "me", Team: TeamA, Position: 0},
			{UserID: "ally", Username: "ally", Team: TeamB, Position: 0},
		},
		WinningStrategy: StrategyTotalSolves,
	}

	srv := newWSServer(t, func(conn *websocket.Conn, frame Frame) {
		switch frame.Event {
		case "join-team-battle-room":
			writeEvent(conn, "team-battle-state", battlePayload{Battle: room})
		case "start-team-battle":
			started := *room
			started.Status = BattleActive
			end := time.Now().Add(20 * time.Minute)
			started.EndTime = &end
			writeEvent(conn, "team-battle-preparing", nil)
			writeEvent(conn, "team-battle-started", battlePayload{Battle: &started})
			writeEvent(conn, "team-battle-ended", battleEndedPayload{
				Stats:  &BattleStats{TeamAScore: 750, TeamBScore: 250},
				Reason: "all problems solved",
			})
		}
	})

	client, err := New(srv.URL, "", Session{Token: "tok", UserID: "me"}, testConfig())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	require.NoError(t, client.Connect(context.Background()))
	require.NoError(t, client.Battles.Join("CODE"))

	eventually(t, func() bool { return client.Battles.Snapshot().Phase == BattlePhaseWaiting }, "room adopted")
	require.True(t, client.Battles.Snapshot().IsCreator)

	require.NoError(t, client.Battles.StartBattle())

	eventually(t, func() bool { return client.Battles.Snapshot().Outcome != nil }, "battle ran to its verdict")
	outcome := client.Battles.Snapshot().Outcome
	assert.Equal(t, TeamA, outcome.Winner)
	assert.Equal(t, "all problems solved", outcome.Reason)
	assert.Equal(t, BattlePhaseEnded, client.Battles.Snapshot().Phase)
}
