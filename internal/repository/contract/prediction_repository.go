package contract

import (
	"context"

	"ecom-stream-analytics/internal/entity"
)

type PredictionRepository interface {
	// LogPrediction inserts one prediction row. A duplicate
	// (session_id, prediction_timestamp) is a silent no-op.
	LogPrediction(ctx context.Context, prediction *entity.MLPrediction) error
}
