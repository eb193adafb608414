package contract

import (
	"context"
	"time"
)

// SessionCacheRepository mirrors the latest snapshot per session into a
// fast lookup store with a TTL. Failures here never block the durable
// write path.
type SessionCacheRepository interface {
	SetSnapshot(ctx context.Context, sessionId string, payload []byte, ttl time.Duration) error
	// GetSnapshot returns nil with no error when the key is absent or expired.
	GetSnapshot(ctx context.Context, sessionId string) ([]byte, error)
	Ping(ctx context.Context) error
}
