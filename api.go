package arena

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// MatchVerdict is the end-of-match verdict as returned by the pull
// fallback, mirroring the match-end push payload.
type MatchVerdict struct {
	WinnerID           *string `json:"winnerId"`
	Player1RatingDelta int     `json:"player1RatingChange"`
	Player2RatingDelta int     `json:"player2RatingChange"`
	Player1NewRating   int     `json:"player1NewRating"`
	Player2NewRating   int     `json:"player2NewRating"`
}

// ActiveMatchState is the authoritative answer to "what match am I in".
// Match is nil when the user has no live match.
type ActiveMatchState struct {
	Match    *Match        `json:"match"`
	Attempts AttemptCounts `json:"attempts"`
	Result   *MatchVerdict `json:"result,omitempty"`
}

// BattleState is the authoritative answer to a battle lookup.
type BattleState struct {
	Battle *TeamBattle  `json:"battle"`
	Stats  *BattleStats `json:"stats,omitempty"`
}

// APIClient is the request/response fallback used when push delivery
// cannot be confirmed. It shares nothing with the websocket transport.
type APIClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewAPIClient builds a client rooted at baseURL, authenticating with
// the session token.
func NewAPIClient(baseURL string, session Session) *APIClient {
	return &APIClient{
		baseURL: baseURL,
		token:   session.Token,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// SetTimeout overrides the per-request timeout.
func (c *APIClient) SetTimeout(timeout time.Duration) {
	c.client.Timeout = timeout
}

// ActiveMatch pulls the caller's current match, if any.
func (c *APIClient) ActiveMatch(ctx context.Context) (*ActiveMatchState, error) {
	var out ActiveMatchState
	if err := c.do(ctx, http.MethodGet, "/api/matches/active", nil, &out); err != nil {
		return nil, err
	}
	if out.Match == nil {
		return nil, nil
	}
	return &out, nil
}

// BattleByCode pulls a battle room by its shareable code.
func (c *APIClient) BattleByCode(ctx context.Context, code string) (*BattleState, error) {
	var out BattleState
	if err := c.do(ctx, http.MethodGet, "/api/battles/"+code, nil, &out); err != nil {
		return nil, err
	}
	if out.Battle == nil {
		return nil, nil
	}
	return &out, nil
}

// JoinBattle joins a battle room by code and returns its state.
func (c *APIClient) JoinBattle(ctx context.Context, code string) (*BattleState, error) {
	var out BattleState
	if err := c.do(ctx, http.MethodPost, "/api/battles/"+code+"/join", nil, &out); err != nil {
		return nil, err
	}
	if out.Battle == nil {
		return nil, actionErr("join returned no battle for code %s", code)
	}
	return &out, nil
}

// LeaveBattle leaves a battle and reports whether the acting team was
// thereby eliminated.
func (c *APIClient) LeaveBattle(ctx context.Context, battleID string) (bool, error) {
	var out struct {
		TeamEliminated bool `json:"teamEliminated"`
	}
	err := c.do(ctx, http.MethodPost, "/api/battles/"+battleID+"/leave", nil, &out)
	if err != nil {
		return false, err
	}
	return out.TeamEliminated, nil
}

func (c *APIClient) do(ctx context.Context, method, endpoint string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return transportErr("request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		responseBody, _ := io.ReadAll(resp.Body)
		return actionErr("API returned status %d: %s", resp.StatusCode, string(responseBody))
	}

	if out == nil {
		return nil
	}
	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return transportErr("failed to read response body", err)
	}
	if err := json.Unmarshal(responseBody, out); err != nil {
		return protocolErr("malformed response from %s: %v", endpoint, err)
	}
	return nil
}
