package arena

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

// fakeTransport is a scriptable in-memory Transport. It answers the
// authenticate exchange by itself and records every outbound frame.
type fakeTransport struct {
	mu     sync.Mutex
	frames []Frame

	in        chan Envelope
	closed    chan struct{}
	closeOnce sync.Once

	// onWrite, when set before the first Write, replaces the built-in
	// authenticate auto-reply.
	onWrite func(Frame)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan Envelope, 64),
		closed: make(chan struct{}),
	}
}

func (t *fakeTransport) Read() (Envelope, error) {
	select {
	case env := <-t.in:
		return env, nil
	case <-t.closed:
		return Envelope{}, errors.New("transport closed")
	}
}

func (t *fakeTransport) Write(f Frame) error {
	select {
	case <-t.closed:
		return errors.New("transport closed")
	default:
	}
	t.mu.Lock()
	t.frames = append(t.frames, f)
	t.mu.Unlock()

	if t.onWrite != nil {
		t.onWrite(f)
		return nil
	}
	if f.Event == "authenticate" {
		t.push(string(topicAuthenticated), authenticatedPayload{UserID: "me"})
	}
	return nil
}

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

// push injects an inbound event as if the server sent it.
func (t *fakeTransport) push(event string, payload interface{}) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			panic(err)
		}
		raw = data
	}
	t.in <- Envelope{Event: event, Payload: raw}
}

// sent snapshots the outbound frames recorded so far.
func (t *fakeTransport) sent() []Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Frame, len(t.frames))
	copy(out, t.frames)
	return out
}

// sentEvents filters the recorded frames down to one event name.
func (t *fakeTransport) sentEvents(event string) []Frame {
	var out []Frame
	for _, f := range t.sent() {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.ReconnectInterval = 10 * time.Millisecond
	cfg.MaxReconnectDelay = 50 * time.Millisecond
	return cfg
}

// newHarness stands up an authenticated connection over a fake
// transport, ready for controllers to hang off of.
func newHarness(t *testing.T, clock clockwork.Clock) (*fakeTransport, *ConnectionManager, *EventBus) {
	t.Helper()

	ft := newFakeTransport()
	bus := NewEventBus()
	conn := NewConnectionManager(func() (Transport, error) {
		ft.push(string(topicConnected), nil)
		return ft, nil
	}, bus, Session{Token: "tok", UserID: "me"}, testConfig(), clock)

	require.NoError(t, conn.Connect(context.Background()))
	require.True(t, conn.IsAuthenticated())
	t.Cleanup(func() { conn.Close() })

	return ft, conn, bus
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}
