package arena

import (
	"context"

	"github.com/jonboulle/clockwork"
)

// Client bundles the engine: the shared connection, the event bus, both
// controllers, the pull fallback, and the notification side effects.
type Client struct {
	Session Session

	Conn    *ConnectionManager
	Bus     *EventBus
	API     *APIClient
	Match   *MatchController
	Battles *TeamBattleController
	Notify  *Notifier
}

// New assembles a client for the given endpoints. apiURL may be empty,
// which disables the reconciliation pull fallback; push delivery then
// carries everything.
func New(socketURL, apiURL string, session Session, cfg *Config) (*Client, error) {
	return newClient(socketURL, apiURL, session, cfg, clockwork.NewRealClock())
}

func newClient(socketURL, apiURL string, session Session, cfg *Config, clock clockwork.Clock) (*Client, error) {
	cfg = withDefaults(cfg)

	dial, err := WebsocketDialer(socketURL, session, cfg)
	if err != nil {
		return nil, err
	}

	bus := NewEventBus()
	conn := NewConnectionManager(dial, bus, session, cfg, clock)
	notify := NewNotifier(clock, cfg)

	var api *APIClient
	var mAPI matchAPI
	var bAPI battleAPI
	if apiURL != "" {
		api = NewAPIClient(apiURL, session)
		mAPI = api
		bAPI = api
	}

	c := &Client{
		Session: session,
		Conn:    conn,
		Bus:     bus,
		API:     api,
		Match:   NewMatchController(conn, bus, mAPI, notify, session, cfg, clock),
		Battles: NewTeamBattleController(conn, bus, bAPI, notify, session, cfg, clock),
		Notify:  notify,
	}
	c.Match.Start()
	c.Battles.Start()
	return c, nil
}

// Connect establishes and authenticates the shared connection.
func (c *Client) Connect(ctx context.Context) error {
	return c.Conn.Connect(ctx)
}

// Close tears everything down: controllers first, then the connection.
func (c *Client) Close() error {
	c.Match.Close()
	c.Battles.Close()
	return c.Conn.Close()
}
