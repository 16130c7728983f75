package arena

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is the single push connection to the server. Only the
// ConnectionManager opens or closes one; everything else goes through
// the EventBus.
type Transport interface {
	// Read blocks until the next inbound frame arrives.
	Read() (Envelope, error)
	// Write sends an outbound frame.
	Write(Frame) error
	Close() error
}

// Dialer opens a fresh Transport. The ConnectionManager calls it once on
// Connect and again on every reconnect.
type Dialer func() (Transport, error)

// wsTransport is the gorilla/websocket implementation of Transport.
type wsTransport struct {
	conn         *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
	readTimeout  time.Duration
}

// WebsocketDialer builds a Dialer for the given endpoint. http and https
// schemes are converted to their websocket counterparts; the session
// token rides along as a query parameter for the handshake.
func WebsocketDialer(endpoint string, session Session, cfg *Config) (Dialer, error) {
	address, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint URL: %w", err)
	}

	switch address.Scheme {
	case "http":
		address.Scheme = "ws"
	case "https":
		address.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported scheme: %s", address.Scheme)
	}

	q := address.Query()
	q.Set("token", session.Token)
	address.RawQuery = q.Encode()

	cfg = withDefaults(cfg)

	return func() (Transport, error) {
		dialer := websocket.Dialer{HandshakeTimeout: cfg.ConnectTimeout}
		conn, _, err := dialer.Dial(address.String(), nil)
		if err != nil {
			return nil, transportErr(fmt.Sprintf("failed to connect to %s", address.String()), err)
		}
		return &wsTransport{
			conn:         conn,
			writeTimeout: cfg.WriteTimeout,
			readTimeout:  cfg.ReadTimeout,
		}, nil
	}, nil
}

func (t *wsTransport) Read() (Envelope, error) {
	t.conn.SetReadDeadline(time.Now().Add(t.readTimeout))
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, protocolErr("malformed frame: %v", err)
	}
	return env, nil
}

func (t *wsTransport) Write(frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return protocolErr("unencodable frame %q: %v", frame.Event, err)
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

// serverInitiatedClose reports whether the read error indicates the
// server closed the connection on purpose, in which case the client must
// proactively re-initiate rather than wait.
func serverInitiatedClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseServiceRestart,
		websocket.CloseTryAgainLater,
	)
}
