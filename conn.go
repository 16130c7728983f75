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

// ConnectionManager owns the single transport connection. It drives the
// connect/authenticate handshake, reconnects after unexpected drops,
// re-authenticates on every reconnect, and republishes its status on a
// fixed liveness interval so missed disconnect notifications cannot
// leave consumers with a stale view.
type ConnectionManager struct {
	cfg     *Config
	clock   clockwork.Clock
	dial    Dialer
	bus     *EventBus
	session Session

	connectMu sync.Mutex // serializes Connect attempts

	mu         sync.Mutex
	state      ConnState
	tr         Transport
	closing    bool
	reconnects int
	helloCh    chan struct{}
	authCh     chan error

	subsMu    sync.Mutex
	subs      map[int]ConnStateHandler
	nextSubID int

	livenessOnce sync.Once
	done         chan struct{}
}

// NewConnectionManager wires the manager to its bus. The bus must not
// have live subscriptions yet; wire mirroring hooks are installed here.
func NewConnectionManager(dial Dialer, bus *EventBus, session Session, cfg *Config, clock clockwork.Clock) *ConnectionManager {
	m := &ConnectionManager{
		cfg:     withDefaults(cfg),
		clock:   clock,
		dial:    dial,
		bus:     bus,
		session: session,
		state:   StateDisconnected,
		subs:    make(map[int]ConnStateHandler),
		done:    make(chan struct{}),
	}
	bus.setWireHooks(m.channelOpened, m.channelClosed)
	return m
}

// Connect dials the transport, waits for the server hello, then runs the
// authenticate exchange. It is also the reconnect path, so consumers that
// gated on IsAuthenticated must re-check after any state change rather
// than caching the answer.
func (m *ConnectionManager) Connect(ctx context.Context) error {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return ErrClosed
	}
	m.mu.Unlock()

	m.setState(StateConnecting)

	tr, err := m.dial()
	if err != nil {
		m.setState(StateDisconnected)
		return transportErr("dial failed", err)
	}

	helloCh := make(chan struct{}, 1)
	authCh := make(chan error, 1)

	m.mu.Lock()
	prev := m.tr
	m.tr = tr
	m.helloCh = helloCh
	m.authCh = authCh
	m.mu.Unlock()

	// There is only ever one live transport; a leftover from an earlier
	// connect is closed, and its read-loop error is ignored because it no
	// longer matches m.tr.
	if prev != nil {
		prev.Close()
	}

	go m.readLoop(tr, helloCh, authCh)

	select {
	case <-helloCh:
	case <-m.clock.After(m.cfg.ConnectTimeout):
		m.dropFailed(tr)
		m.setState(StateDisconnected)
		return ErrConnectionTimeout
	case <-ctx.Done():
		m.dropFailed(tr)
		m.setState(StateDisconnected)
		return transportErr("connect cancelled", ctx.Err())
	}

	m.setState(StateConnected)

	if err := m.authenticate(ctx, tr, authCh); err != nil {
		m.dropFailed(tr)
		m.setState(StateDisconnected)
		return err
	}

	m.mu.Lock()
	m.reconnects = 0
	m.mu.Unlock()

	m.setState(StateAuthenticated)
	m.resubscribe(tr)
	m.livenessOnce.Do(func() { go m.livenessLoop() })

	log.Info().Str("user_id", m.session.UserID).Msg("connection authenticated")
	return nil
}

// authenticate runs the explicit exchange that follows the transport
// hello. Authentication never survives a reconnect; it is re-run on
// every successful dial.
func (m *ConnectionManager) authenticate(ctx context.Context, tr Transport, authCh chan error) error {
	m.setState(StateAuthenticating)

	frame := Frame{
		Event:     "authenticate",
		Payload:   map[string]string{"token": m.session.Token},
		RequestID: uuid.New().String(),
	}
	if err := tr.Write(frame); err != nil {
		return transportErr("failed to send authenticate", err)
	}

	select {
	case err := <-authCh:
		return err
	case <-m.clock.After(m.cfg.AuthTimeout):
		return ErrAuthTimeout
	case <-ctx.Done():
		return transportErr("authentication cancelled", ctx.Err())
	}
}

// readLoop pumps inbound frames until the transport fails. Control
// frames complete the pending handshake; everything else is dispatched
// on the bus in arrival order.
func (m *ConnectionManager) readLoop(tr Transport, helloCh chan struct{}, authCh chan error) {
	for {
		env, err := tr.Read()
		if err != nil {
			m.handleDrop(tr, err)
			return
		}

		switch Topic(env.Event) {
		case topicConnected:
			select {
			case helloCh <- struct{}{}:
			default:
			}
		case topicAuthenticated:
			select {
			case authCh <- nil:
			default:
			}
		case topicAuthError:
			msg := decodeMessage(env.Payload)
			select {
			case authCh <- actionErr("authentication rejected: %s", msg):
			default:
			}
		default:
			m.bus.Dispatch(env)
		}
	}
}

// dropFailed detaches and closes a transport whose connect attempt
// failed, so its read-loop error cannot start a reconnect for a failure
// the caller already saw. Reconnects belong to drops of the live
// transport only.
func (m *ConnectionManager) dropFailed(tr Transport) {
	m.mu.Lock()
	if m.tr == tr {
		m.tr = nil
	}
	m.mu.Unlock()
	tr.Close()
}

// handleDrop reacts to a failed read. Server-initiated closes are
// re-initiated proactively; so is any other unexpected drop, since there
// is no lower-level retry to lean on.
func (m *ConnectionManager) handleDrop(tr Transport, err error) {
	m.mu.Lock()
	if m.closing || m.tr != tr {
		m.mu.Unlock()
		return
	}
	m.tr = nil
	m.mu.Unlock()

	if serverInitiatedClose(err) {
		log.Warn().Err(err).Msg("server closed connection, reconnecting")
	} else {
		log.Warn().Err(err).Msg("connection dropped, reconnecting")
	}

	m.setState(StateDisconnected)
	go m.reconnectLoop()
}

// reconnectLoop retries Connect with a linearly growing, capped delay.
func (m *ConnectionManager) reconnectLoop() {
	for {
		m.mu.Lock()
		if m.closing {
			m.mu.Unlock()
			return
		}
		m.reconnects++
		attempt := m.reconnects
		m.mu.Unlock()

		if m.cfg.MaxReconnectTries >= 0 && attempt > m.cfg.MaxReconnectTries {
			log.Error().Int("attempts", attempt-1).Msg("giving up on reconnect")
			return
		}

		delay := time.Duration(attempt) * m.cfg.ReconnectInterval
		if delay > m.cfg.MaxReconnectDelay {
			delay = m.cfg.MaxReconnectDelay
		}

		select {
		case <-m.done:
			return
		case <-m.clock.After(delay):
		}

		if err := m.Connect(context.Background()); err != nil {
			log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect attempt failed")
			continue
		}
		return
	}
}

// livenessLoop re-samples and republishes status on a fixed interval,
// guarding against missed disconnect notifications. Subscribers must
// tolerate repeated delivery of the same state.
func (m *ConnectionManager) livenessLoop() {
	ticker := m.clock.NewTicker(m.cfg.LivenessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.Chan():
			m.publish(m.State())
		}
	}
}

// Emit sends a local action to the server. Actions require an
// authenticated connection.
func (m *ConnectionManager) Emit(event string, payload interface{}) error {
	m.mu.Lock()
	tr := m.tr
	state := m.state
	m.mu.Unlock()

	if state != StateAuthenticated || tr == nil {
		return ErrNotAuthenticated
	}
	frame := Frame{Event: event, Payload: payload, RequestID: uuid.New().String()}
	if err := tr.Write(frame); err != nil {
		return transportErr("failed to emit "+event, err)
	}
	return nil
}

// State returns the current connection state.
func (m *ConnectionManager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether the transport link is up, authenticated or
// not.
func (m *ConnectionManager) IsConnected() bool {
	switch m.State() {
	case StateConnected, StateAuthenticating, StateAuthenticated:
		return true
	}
	return false
}

// IsAuthenticated reports whether the authenticate exchange has
// completed on the current connection.
func (m *ConnectionManager) IsAuthenticated() bool {
	return m.State() == StateAuthenticated
}

// OnStateChange registers a status observer. The current state is
// delivered immediately; the returned closure unregisters.
func (m *ConnectionManager) OnStateChange(h ConnStateHandler) func() {
	m.subsMu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subs[id] = h
	m.subsMu.Unlock()

	h(m.State())

	return func() {
		m.subsMu.Lock()
		delete(m.subs, id)
		m.subsMu.Unlock()
	}
}

// Close shuts the connection down for good; no reconnect follows.
func (m *ConnectionManager) Close() error {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return nil
	}
	m.closing = true
	tr := m.tr
	m.tr = nil
	m.mu.Unlock()

	close(m.done)
	if tr != nil {
		tr.Close()
	}
	m.setState(StateDisconnected)
	return nil
}

// decodeMessage pulls the human-readable message out of an error-shaped
// payload, tolerating anything malformed.
func decodeMessage(payload json.RawMessage) string {
	var p errorPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.Message == "" {
		return "unknown error"
	}
	return p.Message
}

func (m *ConnectionManager) setState(state ConnState) {
	m.mu.Lock()
	old := m.state
	m.state = state
	m.mu.Unlock()

	if old != state {
		log.Debug().Str("from", string(old)).Str("to", string(state)).Msg("connection state changed")
		m.publish(state)
	}
}

func (m *ConnectionManager) publish(state ConnState) {
	m.subsMu.Lock()
	handlers := make([]ConnStateHandler, 0, len(m.subs))
	for _, h := range m.subs {
		handlers = append(handlers, h)
	}
	m.subsMu.Unlock()

	for _, h := range handlers {
		h(state)
	}
}

// resubscribe replays the bus's live channel set to a fresh connection.
func (m *ConnectionManager) resubscribe(tr Transport) {
	channels := m.bus.ActiveChannels()
	if len(channels) == 0 {
		return
	}
	frame := Frame{
		Event:     "subscribe",
		Payload:   map[string][]string{"channels": channels},
		RequestID: uuid.New().String(),
	}
	if err := tr.Write(frame); err != nil {
		log.Warn().Err(err).Msg("resubscribe failed, read loop will reconnect")
	}
}

// channelOpened and channelClosed mirror bus reference counting to the
// server: only the first registration opens the wire channel and only
// the last closes it.
func (m *ConnectionManager) channelOpened(key ChannelKey) {
	m.wireControl("subscribe", key)
}

func (m *ConnectionManager) channelClosed(key ChannelKey) {
	m.wireControl("unsubscribe", key)
}

func (m *ConnectionManager) wireControl(event string, key ChannelKey) {
	m.mu.Lock()
	tr := m.tr
	state := m.state
	m.mu.Unlock()

	if state != StateAuthenticated || tr == nil {
		// Resubscribe after the next successful auth covers it.
		return
	}
	frame := Frame{
		Event:     event,
		Payload:   map[string][]string{"channels": {key.wire()}},
		RequestID: uuid.New().String(),
	}
	if err := tr.Write(frame); err != nil {
		log.Warn().Err(err).Str("channel", key.wire()).Msg("wire subscription update failed")
	}
}
