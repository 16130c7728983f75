// arenawatch is a terminal diagnostic for the arena client engine: it
// connects, optionally queues for a match or joins a battle room, and
// logs every normalized snapshot the engine produces.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	arena "github.com/code-arena/arena-client-go"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found, using environment")
	}

	var (
		queue      = flag.Bool("queue", false, "join matchmaking")
		battleCode = flag.String("battle", "", "join a team battle room by code")
		minRating  = flag.Int("min", 800, "minimum problem rating")
		maxRating  = flag.Int("max", 1600, "maximum problem rating")
		duration   = flag.Int("duration", 30, "match duration in minutes")
	)
	flag.Parse()

	socketURL := os.Getenv("ARENA_SOCKET_URL")
	apiURL := os.Getenv("ARENA_API_URL")
	token := os.Getenv("ARENA_TOKEN")
	userID := os.Getenv("ARENA_USER_ID")
	if socketURL == "" || token == "" || userID == "" {
		log.Fatal().Msg("ARENA_SOCKET_URL, ARENA_TOKEN and ARENA_USER_ID are required")
	}

	session := arena.Session{Token: token, UserID: userID}
	client, err := arena.New(socketURL, apiURL, session, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build client")
	}
	defer client.Close()

	client.Conn.OnStateChange(func(state arena.ConnState) {
		log.Info().Str("state", string(state)).Msg("connection")
	})
	client.Match.OnSnapshot(func(s arena.MatchSnapshot) {
		ev := log.Info().Str("phase", string(s.Phase)).Int("remaining", s.Remaining)
		if s.Match != nil {
			ev = ev.Str("problem", s.Match.ProblemName).
				Int("my_attempts", s.Attempts.Player1).
				Int("their_attempts", s.Attempts.Player2)
		}
		if s.Result != nil {
			ev = ev.Str("outcome", string(s.Result.Outcome)).Int("rating_change", s.Result.RatingChange)
		}
		ev.Msg("match")
	})
	client.Battles.OnSnapshot(func(s arena.BattleSnapshot) {
		ev := log.Info().Str("phase", string(s.Phase)).Int("remaining", s.Remaining)
		if s.Battle != nil {
			ev = ev.Str("code", s.Battle.BattleCode).
				Int("players", len(s.Battle.Players)).
				Int("score_a", s.Stats.TeamAScore).
				Int("score_b", s.Stats.TeamBScore)
		}
		if s.Outcome != nil {
			ev = ev.Bool("draw", s.Outcome.Draw).Str("winner", string(s.Outcome.Winner))
		}
		ev.Msg("battle")
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to connect")
	}

	switch {
	case *queue:
		criteria := arena.MatchCriteria{RatingMin: *minRating, RatingMax: *maxRating, Duration: *duration}
		if err := client.Match.JoinQueue(criteria); err != nil {
			log.Fatal().Err(err).Msg("failed to join queue")
		}
	case *battleCode != "":
		if err := client.Battles.Join(*battleCode); err != nil {
			log.Fatal().Err(err).Msg("failed to join battle")
		}
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")
}
