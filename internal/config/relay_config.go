package config

import "time"

const (
	// Matchmaking
	DefaultPairingMaxAttempts = 5
	QueueOrderOldest          = "oldest"
	QueueOrderNewest          = "newest"

	// WebSocket channel
	WriteWait      = 10 * time.Second
	PongWait       = 60 * time.Second
	PingPeriod     = (PongWait * 9) / 10
	MaxFrameSize   = 8 << 10
	SendBufferSize = 256

	// Per-connection intent budget
	IntentRatePerSecond = 20
	IntentBurst         = 40

	// Presence in Redis, refreshed at half the TTL
	PresenceTTL = 2 * time.Minute

	// Client side: typing debounce and reconnection policy
	TypingDelay          = 1500 * time.Millisecond
	ReconnectAttempts    = 5
	ReconnectDelay       = 3 * time.Second
	ConnectTimeout       = 10 * time.Second
	DefaultWebSocketPath = "/ws"
)
