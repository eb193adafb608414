package implementation

import (
	"context"

	"ecom-stream-analytics/internal/entity"
	"ecom-stream-analytics/internal/repository/contract"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const upsertBatchSize = 100

type SessionRepositoryImpl struct {
	db *gorm.DB
}

func NewSessionRepository(db *gorm.DB) contract.SessionRepository {
	return &SessionRepositoryImpl{db: db}
}

func (r *SessionRepositoryImpl) UpsertSessions(ctx context.Context, sessions []*entity.UserSession) error {
	if len(sessions) == 0 {
		return nil
	}
	// Overwrite on conflict: each tick supersedes the previous snapshot
	// for the same session id.
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}},
			UpdateAll: true,
		}).
		CreateInBatches(sessions, upsertBatchSize).Error
}

func (r *SessionRepositoryImpl) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
