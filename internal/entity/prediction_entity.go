package entity

import (
	"time"

	"github.com/google/uuid"
)

// MLPrediction is one row per abandonment prediction call. The
// (session_id, prediction_timestamp) pair is unique so redelivered
// snapshots scored twice insert only once.
type MLPrediction struct {
	Id                     uuid.UUID `gorm:"type:uuid;primaryKey"`
	SessionId              string    `gorm:"uniqueIndex:idx_ml_predictions_session_ts"`
	UserId                 int
	PredictionTimestamp    time.Time `gorm:"uniqueIndex:idx_ml_predictions_session_ts"`
	AbandonmentProbability float64
	PredictedAbandoned     bool
	RiskLevel              string
	InterventionTriggered  bool
	InterventionType       string
	ModelVersion           string
	PredictionLatencyMs    int
	CreatedAt              time.Time
}

func (MLPrediction) TableName() string {
	return "ml_predictions"
}
