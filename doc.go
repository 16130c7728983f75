// Package arena keeps a local view of live competitive matches in sync
// with server-authoritative state over an unreliable push transport.
//
// The engine owns a single websocket connection (ConnectionManager),
// fans inbound events out by channel key (EventBus), and runs two state
// machines on top: MatchController for 1v1 duels and matchmaking, and
// TeamBattleController for team battles. Countdown derives ticking
// timers from authoritative end timestamps, Poller heals missed pushes
// from the request/response fallback, and Notifier collects the
// non-authoritative side effects (banners, unread counts, sound cues).
//
// Rendering, input handling, and authentication flows belong to the
// host application; it consumes normalized snapshots through the
// OnSnapshot observers and drives the controllers with local actions.
package arena
