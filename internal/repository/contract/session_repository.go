package contract

import (
	"context"

	"ecom-stream-analytics/internal/entity"
)

type SessionRepository interface {
	// UpsertSessions batch-writes snapshots; a conflicting session_id is
	// overwritten so the latest snapshot wins.
	UpsertSessions(ctx context.Context, sessions []*entity.UserSession) error
	Ping(ctx context.Context) error
}
