package arena

import (
	"encoding/json"
	"strings"
	"time"
)

// Session identifies the authenticated user. It is owned by the host
// application and read-only to the client engine.
type Session struct {
	Token  string
	UserID string
}

// ConnState describes the connection lifecycle of the single shared
// transport connection. Transitions are owned exclusively by the
// ConnectionManager.
type ConnState string

const (
	StateDisconnected   ConnState = "DISCONNECTED"
	StateConnecting     ConnState = "CONNECTING"
	StateConnected      ConnState = "CONNECTED"
	StateAuthenticating ConnState = "AUTHENTICATING"
	StateAuthenticated  ConnState = "AUTHENTICATED"
)

// Topic is the name half of a channel key. Some topics are parameterized
// by an entity id on the wire (match-update-<id>); the ChannelKey keeps
// the two halves apart so routing never concatenates strings ad hoc.
type Topic string

const (
	TopicQueueJoined       Topic = "queue-joined"
	TopicMatchFound        Topic = "match-found"
	TopicMatchUpdate       Topic = "match-update"
	TopicMatchEnd          Topic = "match-end"
	TopicDrawOffered       Topic = "draw-offered"
	TopicDuelCreated       Topic = "duel-created"
	TopicBattleCreated     Topic = "team-battle-created"
	TopicBattleState       Topic = "team-battle-state"
	TopicBattleUpdated     Topic = "team-battle-updated"
	TopicBattlePreparing   Topic = "team-battle-preparing"
	TopicBattleStarted     Topic = "team-battle-started"
	TopicBattleUpdate      Topic = "team-battle-update"
	TopicBattleEnded       Topic = "team-battle-ended"
	TopicRemovedFromBattle Topic = "removed-from-battle"
	TopicBattleDeleted     Topic = "battle-deleted"
	TopicError             Topic = "error"

	// Control topics exchanged with the transport itself.
	topicConnected     Topic = "connected"
	topicAuthenticated Topic = "authenticated"
	topicAuthError     Topic = "auth-error"
)

// parameterizedTopics are delivered on the wire with an entity id suffix.
var parameterizedTopics = []Topic{
	TopicMatchUpdate,
	TopicMatchEnd,
	TopicDrawOffered,
}

// ChannelKey addresses one subscription target: a topic, optionally
// scoped to a single entity.
type ChannelKey struct {
	Topic    Topic
	EntityID string
}

// Key builds an unparameterized channel key.
func Key(t Topic) ChannelKey { return ChannelKey{Topic: t} }

// EntityKey builds a channel key scoped to one match or battle id.
func EntityKey(t Topic, id string) ChannelKey { return ChannelKey{Topic: t, EntityID: id} }

// wire renders the key as the event name used on the transport.
func (k ChannelKey) wire() string {
	if k.EntityID == "" {
		return string(k.Topic)
	}
	return string(k.Topic) + "-" + k.EntityID
}

// parseChannel splits an inbound event name back into a channel key.
func parseChannel(event string) ChannelKey {
	for _, t := range parameterizedTopics {
		prefix := string(t) + "-"
		if strings.HasPrefix(event, prefix) {
			return ChannelKey{Topic: t, EntityID: event[len(prefix):]}
		}
	}
	return ChannelKey{Topic: Topic(event)}
}

// Envelope is an inbound frame: the event name plus its raw payload.
// Decoding beyond this boundary belongs to the subscribing controller.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Frame is an outbound action sent to the server.
type Frame struct {
	Event     string      `json:"event"`
	Payload   interface{} `json:"payload,omitempty"`
	RequestID string      `json:"requestId"`
}

// Handler consumes the payload of one inbound event.
type Handler func(payload json.RawMessage)

// ConnStateHandler observes connection lifecycle changes.
type ConnStateHandler func(state ConnState)

// MatchStatus is the server-reported status of a 1v1 match.
type MatchStatus string

const (
	MatchOngoing  MatchStatus = "ongoing"
	MatchFinished MatchStatus = "finished"
)

// Match is the authoritative description of a 1v1 match. EndTime is
// immutable once set and is the sole source of truth for remaining time.
type Match struct {
	ID            string      `json:"id"`
	Player1ID     string      `json:"player1Id"`
	Player2ID     string      `json:"player2Id"`
	ProblemName   string      `json:"problemName"`
	ProblemRating int         `json:"problemRating"`
	EndTime       time.Time   `json:"endTime"`
	Status        MatchStatus `json:"status"`
}

// Opponent returns the id of the non-local player.
func (m *Match) Opponent(selfID string) string {
	if m.Player1ID == selfID {
		return m.Player2ID
	}
	return m.Player1ID
}

// AttemptCounts mirrors the server's per-player submission counters.
// Values are replaced wholesale on each update, never incremented locally.
type AttemptCounts struct {
	Player1 int `json:"player1Attempts"`
	Player2 int `json:"player2Attempts"`
}

// DrawOffer tracks the two-party draw handshake. A draw outcome requires
// both sides true.
type DrawOffer struct {
	ByMe       bool
	ByOpponent bool
}

// Outcome classifies a finished match from the local player's side.
type Outcome string

const (
	OutcomeWin  Outcome = "win"
	OutcomeLoss Outcome = "loss"
	OutcomeDraw Outcome = "draw"
)

// MatchResult is the immutable snapshot produced exactly once per match
// end. Synthetic is set when the client manufactured a draw because the
// timer expired with no server verdict; Warning carries the caveat shown
// to the user in that case.
type MatchResult struct {
	Outcome              Outcome
	RatingChange         int
	OpponentRatingChange int
	NewRating            int
	ProblemName          string
	Synthetic            bool
	Warning              string
}

// Team labels one of the two sides of a team battle.
type Team string

const (
	TeamA Team = "A"
	TeamB Team = "B"
)

// Other returns the opposing team.
func (t Team) Other() Team {
	if t == TeamA {
		return TeamB
	}
	return TeamA
}

// BattleStatus is the server-reported lifecycle of a team battle.
type BattleStatus string

const (
	BattleWaiting BattleStatus = "waiting"
	BattleActive  BattleStatus = "active"
	BattleEnded   BattleStatus = "ended"
)

// WinningStrategy selects how tied battles are resolved.
type WinningStrategy string

const (
	StrategyFirstSolve  WinningStrategy = "first-solve"
	StrategyTotalSolves WinningStrategy = "total-solves"
)

// BattlePlayer is one occupied slot in a battle roster. Position is
// unique per team among occupied slots.
type BattlePlayer struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Team     Team   `json:"team"`
	Position int    `json:"position"`
}

// BattleProblem is one problem on the battle board. SolvedBy is empty
// until a team lands an accepted submission.
type BattleProblem struct {
	Name             string `json:"name"`
	Rating           int    `json:"rating"`
	Points           int    `json:"points"`
	SolvedBy         string `json:"solvedBy"`
	SolvedByUsername string `json:"solvedByUsername"`
	ProblemURL       string `json:"problemUrl"`
}

// TeamCounts carries one integer per team.
type TeamCounts struct {
	TeamA int `json:"teamA"`
	TeamB int `json:"teamB"`
}

// TeamSolveTimes records each team's most recent accepted solve, when any.
type TeamSolveTimes struct {
	TeamA *time.Time `json:"teamA,omitempty"`
	TeamB *time.Time `json:"teamB,omitempty"`
}

// BattleStats is the authoritative score snapshot. It is replaced
// wholesale on every update event, never merged field by field.
type BattleStats struct {
	TeamAScore     int            `json:"teamAScore"`
	TeamBScore     int            `json:"teamBScore"`
	ProblemsSolved TeamCounts     `json:"problemsSolved"`
	LastSolveTime  TeamSolveTimes `json:"lastSolveTime"`
}

// TeamBattle is the authoritative description of a team battle room.
type TeamBattle struct {
	ID              string          `json:"id"`
	BattleCode      string          `json:"battleCode"`
	CreatorID       string          `json:"creatorId"`
	Status          BattleStatus    `json:"status"`
	Players         []BattlePlayer  `json:"players"`
	Problems        []BattleProblem `json:"problems"`
	EndTime         *time.Time      `json:"endTime,omitempty"`
	WinningStrategy WinningStrategy `json:"winningStrategy"`
	TeamEliminated  bool            `json:"teamEliminated"`
	EliminatedTeam  Team            `json:"eliminatedTeam,omitempty"`
	Reason          string          `json:"reason,omitempty"`
}

// TeamOccupied reports whether the team has at least one occupied slot.
func (b *TeamBattle) TeamOccupied(t Team) bool {
	for _, p := range b.Players {
		if p.Team == t {
			return true
		}
	}
	return false
}

// PlayerSlot finds the slot the given user occupies, if any.
func (b *TeamBattle) PlayerSlot(userID string) (BattlePlayer, bool) {
	for _, p := range b.Players {
		if p.UserID == userID {
			return p, true
		}
	}
	return BattlePlayer{}, false
}

// SlotOccupied reports whether (team, position) is already taken.
func (b *TeamBattle) SlotOccupied(t Team, position int) bool {
	for _, p := range b.Players {
		if p.Team == t && p.Position == position {
			return true
		}
	}
	return false
}

// BattleOutcome is the normalized verdict of an ended battle.
type BattleOutcome struct {
	Winner Team // empty on a draw
	Draw   bool
	Reason string
}

// MatchCriteria parameterizes matchmaking and duel creation.
type MatchCriteria struct {
	RatingMin int `json:"ratingMin"`
	RatingMax int `json:"ratingMax"`
	Duration  int `json:"duration"` // minutes
}

// BattleConfig parameterizes team battle creation.
type BattleConfig struct {
	TeamSize        int             `json:"teamSize"`
	ProblemCount    int             `json:"problemCount"`
	Duration        int             `json:"duration"` // minutes
	RatingMin       int             `json:"ratingMin"`
	RatingMax       int             `json:"ratingMax"`
	WinningStrategy WinningStrategy `json:"winningStrategy"`
}

// Inbound payload shapes, as consumed by the controllers.

type matchFoundPayload struct {
	Match struct {
		ID            string `json:"id"`
		Player1ID     string `json:"player1Id"`
		Player2ID     string `json:"player2Id"`
		ProblemName   string `json:"problemName"`
		ProblemRating int    `json:"problemRating"`
		Duration      int    `json:"duration"` // minutes
	} `json:"match"`
	Opponent struct {
		UserID   string `json:"userId"`
		Username string `json:"username"`
		Rating   int    `json:"rating"`
	} `json:"opponent"`
}

type matchEndPayload struct {
	WinnerID           *string `json:"winnerId"`
	Player1RatingDelta int     `json:"player1RatingChange"`
	Player2RatingDelta int     `json:"player2RatingChange"`
	Player1NewRating   int     `json:"player1NewRating"`
	Player2NewRating   int     `json:"player2NewRating"`
}

type duelCreatedPayload struct {
	Duel struct {
		DuelCode string `json:"duelCode"`
	} `json:"duel"`
}

type battlePayload struct {
	Battle *TeamBattle  `json:"battle"`
	Stats  *BattleStats `json:"stats,omitempty"`
}

type battleUpdatePayload struct {
	Battle    *TeamBattle  `json:"battle"`
	Stats     *BattleStats `json:"stats,omitempty"`
	NewSolves []struct {
		ProblemName string `json:"problemName"`
		Username    string `json:"username"`
		Team        Team   `json:"team"`
	} `json:"newSolves,omitempty"`
}

type battleEndedPayload struct {
	Battle          *TeamBattle  `json:"battle"`
	Stats           *BattleStats `json:"stats,omitempty"`
	TeamEliminated  bool         `json:"teamEliminated"`
	EliminatedTeam  Team         `json:"eliminatedTeam,omitempty"`
	WinningTeam     Team         `json:"winningTeam,omitempty"`
	Reason          string       `json:"reason,omitempty"`
	EarlyCompletion bool         `json:"earlyCompletion"`
}

type errorPayload struct {
	Message string `json:"message"`
}

type authenticatedPayload struct {
	UserID string `json:"userId"`
}
