package realtime

import "time"

// Stream defaults. Overridable through app.Config.
const (
	// Max bytes per websocket frame read from a viewer (hard limit).
	maxFrameBytes = 16 << 10 // 16 KiB

	DefaultHeartbeatInterval = 30 * time.Second
	DefaultMaxLifetime       = 30 * time.Minute

	// Reconnect hint sent with the closed push; clients back off exponentially from it.
	DefaultReconnectAfter = 5 * time.Second

	// Per-key rate limits (events per window).
	rateLimitEvents = 20
	rateLimitWindow = 10 * time.Second
)
