package implementation

import (
	"context"
	"time"

	"ecom-stream-analytics/internal/entity"
	"ecom-stream-analytics/internal/repository/contract"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type PredictionRepositoryImpl struct {
	db *gorm.DB
}

func NewPredictionRepository(db *gorm.DB) contract.PredictionRepository {
	return &PredictionRepositoryImpl{db: db}
}

func (r *PredictionRepositoryImpl) LogPrediction(ctx context.Context, prediction *entity.MLPrediction) error {
	if prediction.Id == uuid.Nil {
		prediction.Id = uuid.New()
	}
	if prediction.CreatedAt.IsZero() {
		prediction.CreatedAt = time.Now().UTC()
	}
	// Duplicate (session_id, prediction_timestamp) from redelivery is
	// swallowed, not an error.
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(prediction).Error
}
