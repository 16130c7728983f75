package arena

import "time"

// Config carries every interval and timeout the engine uses. Zero fields
// in a caller-supplied Config are filled from DefaultConfig.
type Config struct {
	// ConnectTimeout bounds the wait for the transport-level hello after
	// dialing.
	ConnectTimeout time.Duration
	// AuthTimeout bounds the authenticate exchange that follows.
	AuthTimeout time.Duration
	// ReconnectInterval is the base delay between reconnect attempts. The
	// actual delay grows linearly with the attempt count, capped at
	// MaxReconnectDelay.
	ReconnectInterval time.Duration
	MaxReconnectDelay time.Duration
	// MaxReconnectTries limits reconnect attempts; negative means retry
	// forever.
	MaxReconnectTries int
	// LivenessInterval is how often connection and auth status are
	// re-sampled and republished even when no transport event fired.
	LivenessInterval time.Duration
	// SearchPollInterval is the reconciliation pull period while waiting
	// for a match; ActivePollInterval applies while a match is running.
	SearchPollInterval time.Duration
	ActivePollInterval time.Duration
	// GraceWindow is how long after the countdown reaches zero the match
	// controller waits for a server verdict before synthesizing a draw.
	GraceWindow time.Duration
	// BannerTTL is how long transient notification banners stay visible.
	BannerTTL time.Duration

	WriteTimeout time.Duration
	ReadTimeout  time.Duration
}

// DefaultConfig returns the production configuration.
func DefaultConfig() *Config {
	return &Config{
		ConnectTimeout:     10 * time.Second,
		AuthTimeout:        10 * time.Second,
		ReconnectInterval:  1 * time.Second,
		MaxReconnectDelay:  30 * time.Second,
		MaxReconnectTries:  -1,
		LivenessInterval:   3 * time.Second,
		SearchPollInterval: 5 * time.Second,
		ActivePollInterval: 20 * time.Second,
		GraceWindow:        10 * time.Second,
		BannerTTL:          5 * time.Second,
		WriteTimeout:       10 * time.Second,
		ReadTimeout:        60 * time.Second,
	}
}

// withDefaults copies cfg and fills unset fields from DefaultConfig.
func withDefaults(cfg *Config) *Config {
	def := DefaultConfig()
	if cfg == nil {
		return def
	}
	out := *cfg
	if out.ConnectTimeout == 0 {
		out.ConnectTimeout = def.ConnectTimeout
	}
	if out.AuthTimeout == 0 {
		out.AuthTimeout = def.AuthTimeout
	}
	if out.ReconnectInterval == 0 {
		out.ReconnectInterval = def.ReconnectInterval
	}
	if out.MaxReconnectDelay == 0 {
		out.MaxReconnectDelay = def.MaxReconnectDelay
	}
	if out.MaxReconnectTries == 0 {
		out.MaxReconnectTries = def.MaxReconnectTries
	}
	if out.LivenessInterval == 0 {
		out.LivenessInterval = def.LivenessInterval
	}
	if out.SearchPollInterval == 0 {
		out.SearchPollInterval = def.SearchPollInterval
	}
	if out.ActivePollInterval == 0 {
		out.ActivePollInterval = def.ActivePollInterval
	}
	if out.GraceWindow == 0 {
		out.GraceWindow = def.GraceWindow
	}
	if out.BannerTTL == 0 {
		out.BannerTTL = def.BannerTTL
	}
	if out.WriteTimeout == 0 {
		out.WriteTimeout = def.WriteTimeout
	}
	if out.ReadTimeout == 0 {
		out.ReadTimeout = def.ReadTimeout
	}
	return &out
}
