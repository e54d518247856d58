package bot

import "errors"

// Failure taxonomy surfaced from a Bot's inspect operation (§4.4).
var (
	ErrNotReady     = errors.New("bot: not ready")
	ErrTimeout      = errors.New("bot: request_ttl elapsed")
	ErrSessionError = errors.New("bot: session error")
	ErrShutdown     = errors.New("bot: shutting down")
)
