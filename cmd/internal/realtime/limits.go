package realtime

import "time"

// Transport limits.
const (
	// Frames above this size are answered with a 413 error and the connection is closed.
	defaultMaxFrameBytes = 512 << 10 // 512 KiB

	// The transport read limit is a multiple of the frame ceiling so an oversized frame can
	// still be read and reported before closing.
	readLimitFactor = 2
)

const (
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	authTimeout = 10 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
