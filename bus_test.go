package arena

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseChannel(t *testing.T) {
	tests := []struct {
		event string
		want  ChannelKey
	}{
		{"queue-joined", Key(TopicQueueJoined)},
		{"match-found", Key(TopicMatchFound)},
		{"match-update-abc123", EntityKey(TopicMatchUpdate, "abc123")},
		{"match-end-abc123", EntityKey(TopicMatchEnd, "abc123")},
		{"draw-offered-abc123", EntityKey(TopicDrawOffered, "abc123")},
		// battle events carry no id suffix on the wire
		{"team-battle-update", Key(TopicBattleUpdate)},
		{"team-battle-ended", Key(TopicBattleEnded)},
		{"error", Key(TopicError)},
	}
	for _, tt := range tests {
		t.Run(tt.event, func(t *testing.T) {
			key := parseChannel(tt.event)
			assert.Equal(t, tt.want, key)
			assert.Equal(t, tt.event, key.wire(), "wire form round-trips")
		})
	}
}

func TestEventBus_SubscribeIsIdempotentPerOwner(t *testing.T) {
	bus := NewEventBus()
	key := EntityKey(TopicMatchUpdate, "m1")

	var calls int
	require.True(t, bus.Subscribe(key, "ctrl", func(json.RawMessage) { calls++ }))
	require.False(t, bus.Subscribe(key, "ctrl", func(json.RawMessage) { calls++ }),
		"second subscribe by the same owner registers nothing")

	bus.Dispatch(Envelope{Event: "match-update-m1"})
	assert.Equal(t, 1, calls, "event delivered exactly once")
}

func TestEventBus_WireHooksRefCount(t *testing.T) {
	bus := NewEventBus()
	var opened, closed []string
	bus.setWireHooks(
		func(k ChannelKey) { opened = append(opened, k.wire()) },
		func(k ChannelKey) { closed = append(closed, k.wire()) },
	)
	key := EntityKey(TopicMatchUpdate, "m1")

	bus.Subscribe(key, "a", func(json.RawMessage) {})
	bus.Subscribe(key, "b", func(json.RawMessage) {})
	assert.Equal(t, []string{"match-update-m1"}, opened, "wire opens only on the first owner")

	bus.Unsubscribe(key, "a")
	assert.Empty(t, closed, "channel stays live while another owner remains")

	bus.Unsubscribe(key, "b")
	assert.Equal(t, []string{"match-update-m1"}, closed, "wire closes on the last owner")
}

func TestEventBus_UnsubscribeOwnerReleasesEverything(t *testing.T) {
	bus := NewEventBus()
	var closed []string
	bus.setWireHooks(nil, func(k ChannelKey) { closed = append(closed, k.wire()) })

	bus.Subscribe(EntityKey(TopicMatchUpdate, "m1"), "ctrl", func(json.RawMessage) {})
	bus.Subscribe(EntityKey(TopicMatchEnd, "m1"), "ctrl", func(json.RawMessage) {})
	bus.Subscribe(Key(TopicQueueJoined), "other", func(json.RawMessage) {})

	bus.UnsubscribeOwner("ctrl")

	assert.ElementsMatch(t, []string{"match-update-m1", "match-end-m1"}, closed)
	assert.ElementsMatch(t, []string{"queue-joined"}, bus.ActiveChannels(),
		"other owners are untouched")
}

func TestEventBus_UnsubscribeWithoutRegistrationKeepsChannel(t *testing.T) {
	bus := NewEventBus()
	var closed []string
	bus.setWireHooks(nil, func(k ChannelKey) { closed = append(closed, k.wire()) })
	key := EntityKey(TopicMatchUpdate, "m1")

	bus.Subscribe(key, "ctrl", func(json.RawMessage) {})

	bus.Unsubscribe(key, "stranger")
	assert.Empty(t, closed, "an owner that never registered releases nothing")

	bus.Unsubscribe(EntityKey(TopicMatchUpdate, "gone"), "ctrl")
	assert.Empty(t, closed, "unsubscribing an absent channel releases nothing")

	bus.Unsubscribe(key, "ctrl")
	bus.Unsubscribe(key, "ctrl")
	assert.Equal(t, []string{"match-update-m1"}, closed,
		"a repeated unsubscribe must not close the channel twice")
}

func TestEventBus_DispatchPreservesArrivalOrder(t *testing.T) {
	bus := NewEventBus()
	key := EntityKey(TopicMatchUpdate, "m1")

	var mu sync.Mutex
	var got []string
	bus.Subscribe(key, "ctrl", func(p json.RawMessage) {
		mu.Lock()
		got = append(got, string(p))
		mu.Unlock()
	})

	for _, p := range []string{`"1"`, `"2"`, `"3"`} {
		bus.Dispatch(Envelope{Event: "match-update-m1", Payload: json.RawMessage(p)})
	}
	assert.Equal(t, []string{`"1"`, `"2"`, `"3"`}, got)
}

func TestEventBus_PanickingHandlerIsContained(t *testing.T) {
	bus := NewEventBus()
	key := Key(TopicQueueJoined)

	var after int
	bus.Subscribe(key, "bad", func(json.RawMessage) { panic("boom") })
	bus.Subscribe(key, "good", func(json.RawMessage) { after++ })

	require.NotPanics(t, func() {
		bus.Dispatch(Envelope{Event: "queue-joined"})
	})
	assert.Equal(t, 1, after, "later handlers still run")
}

func TestEventBus_DispatchToUnknownChannelIsNoop(t *testing.T) {
	bus := NewEventBus()
	require.NotPanics(t, func() {
		bus.Dispatch(Envelope{Event: "match-update-unknown"})
	})
}
