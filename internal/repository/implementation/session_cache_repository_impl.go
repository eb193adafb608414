package implementation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ecom-stream-analytics/internal/repository/contract"

	"github.com/redis/go-redis/v9"
)

type SessionCacheRepositoryImpl struct {
	rdb *redis.Client
}

func NewSessionCacheRepository(rdb *redis.Client) contract.SessionCacheRepository {
	return &SessionCacheRepositoryImpl{rdb: rdb}
}

func cacheKey(sessionId string) string {
	return fmt.Sprintf("session:%s", sessionId)
}

func (r *SessionCacheRepositoryImpl) SetSnapshot(ctx context.Context, sessionId string, payload []byte, ttl time.Duration) error {
	return r.rdb.Set(ctx, cacheKey(sessionId), payload, ttl).Err()
}

func (r *SessionCacheRepositoryImpl) GetSnapshot(ctx context.Context, sessionId string) ([]byte, error) {
	payload, err := r.rdb.Get(ctx, cacheKey(sessionId)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func (r *SessionCacheRepositoryImpl) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}
