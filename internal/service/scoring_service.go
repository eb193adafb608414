package service

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"ecom-stream-analytics/internal/dto"
	"ecom-stream-analytics/internal/entity"
	"ecom-stream-analytics/internal/pkg/logger"
	"ecom-stream-analytics/internal/repository/contract"
	"ecom-stream-analytics/pkg/events"
	pktNats "ecom-stream-analytics/pkg/nats"
	"ecom-stream-analytics/pkg/scoring"

	"github.com/ThreeDotsLabs/watermill/message"
)

// ScoringStats is a point-in-time snapshot of scoring counters.
type ScoringStats struct {
	PredictionsServed int64 `json:"predictions_served"`
	HighRiskSessions  int64 `json:"high_risk_sessions"`
}

type IScoringService interface {
	Consume(ctx context.Context) error
	Stats() ScoringStats
}

// scoringService consumes session snapshots from the in-process handoff
// queue, calls the abandonment model and records each prediction. Keeping
// the model call here, off the aggregation loop, means a degraded model
// endpoint can never stall a tick.
type scoringService struct {
	subscriber    message.Subscriber
	topic         string
	client        *scoring.Client
	predictions   contract.PredictionRepository
	interventions *pktNats.Publisher
	log           logger.ILogger

	predictionCount atomic.Int64
	highRiskCount   atomic.Int64
}

func NewScoringService(
	subscriber message.Subscriber,
	topic string,
	client *scoring.Client,
	predictions contract.PredictionRepository,
	interventions *pktNats.Publisher,
	log logger.ILogger,
) IScoringService {
	return &scoringService{
		subscriber:    subscriber,
		topic:         topic,
		client:        client,
		predictions:   predictions,
		interventions: interventions,
		log:           log,
	}
}

func (s *scoringService) Consume(ctx context.Context) error {
	messages, err := s.subscriber.Subscribe(ctx, s.topic)
	if err != nil {
		return err
	}

	go func() {
		for msg := range messages {
			s.processMessage(ctx, msg)
		}
	}()

	return nil
}

func (s *scoringService) Stats() ScoringStats {
	return ScoringStats{
		PredictionsServed: s.predictionCount.Load(),
		HighRiskSessions:  s.highRiskCount.Load(),
	}
}

func (s *scoringService) processMessage(ctx context.Context, msg *message.Message) {
	var snapshot dto.SessionSnapshot
	if err := json.Unmarshal(msg.Payload, &snapshot); err != nil {
		s.log.Error("scoring", "failed to unmarshal snapshot", map[string]interface{}{
			"error": err.Error(),
		})
		msg.Ack() // malformed, no point retrying
		return
	}

	// The aggregator already filters empty carts; guard anyway so a
	// replayed queue never produces pointless calls.
	if snapshot.CartValue <= 0 {
		msg.Ack()
		return
	}

	prediction, latencyMs := s.client.Score(ctx, featuresFromSnapshot(&snapshot))
	if prediction == nil {
		// no prediction available this cycle; the snapshot itself is
		// already durably written
		msg.Ack()
		return
	}

	highRisk := scoring.IsHighRisk(prediction.RiskLevel)

	row := &entity.MLPrediction{
		SessionId:              snapshot.SessionId,
		UserId:                 snapshot.UserId,
		PredictionTimestamp:    time.Now().UTC(),
		AbandonmentProbability: prediction.AbandonmentProbability,
		PredictedAbandoned:     prediction.WillAbandon,
		RiskLevel:              prediction.RiskLevel,
		InterventionTriggered:  highRisk,
		InterventionType:       prediction.RecommendedIntervention,
		ModelVersion:           prediction.ModelVersion,
		PredictionLatencyMs:    int(latencyMs),
	}
	if err := s.predictions.LogPrediction(ctx, row); err != nil {
		s.log.Error("scoring", "failed to log prediction", map[string]interface{}{
			"session_id": snapshot.SessionId,
			"error":      err.Error(),
		})
	}

	s.predictionCount.Add(1)
	s.log.Info("scoring", "prediction logged", map[string]interface{}{
		"session_id":  snapshot.SessionId,
		"risk_level":  prediction.RiskLevel,
		"probability": prediction.AbandonmentProbability,
		"latency_ms":  latencyMs,
	})

	if highRisk {
		s.highRiskCount.Add(1)
		s.log.Warn("scoring", "high abandonment risk detected", map[string]interface{}{
			"session_id":   snapshot.SessionId,
			"risk_level":   prediction.RiskLevel,
			"probability":  prediction.AbandonmentProbability,
			"intervention": prediction.RecommendedIntervention,
			"cart_value":   snapshot.CartValue,
		})
		s.publishIntervention(ctx, &snapshot, prediction)
	}

	msg.Ack()
}

func (s *scoringService) publishIntervention(ctx context.Context, snapshot *dto.SessionSnapshot, prediction *scoring.Prediction) {
	if s.interventions == nil {
		return
	}
	event := events.InterventionTriggered{
		SessionId:    snapshot.SessionId,
		UserId:       snapshot.UserId,
		RiskLevel:    prediction.RiskLevel,
		Probability:  prediction.AbandonmentProbability,
		Intervention: prediction.RecommendedIntervention,
		ModelVersion: prediction.ModelVersion,
		OccurredAt:   time.Now().UTC(),
	}
	if err := s.interventions.Publish(ctx, event); err != nil {
		s.log.Error("scoring", "failed to publish intervention event", map[string]interface{}{
			"session_id": snapshot.SessionId,
			"error":      err.Error(),
		})
	}
}

func featuresFromSnapshot(s *dto.SessionSnapshot) scoring.SessionFeatures {
	return scoring.SessionFeatures{
		SessionId: s.SessionId,

		PageViews:            s.PageViews,
		ProductsViewed:       s.ProductsViewed,
		UniqueProductsViewed: s.UniqueProductsViewed,
		Searches:             s.Searches,

		CartAdditions: s.CartAdditions,
		CartRemovals:  s.CartRemovals,
		CartValue:     s.CartValue,

		SessionDurationSeconds: s.SessionDurationSeconds,
		AvgTimePerPage:         s.AvgTimePerPage,
		EngagementScore:        s.EngagementScore,

		CartEngagement:     s.CartEngagement,
		TimePerProduct:     s.TimePerProduct,
		CartToCheckoutRate: s.CartToCheckoutRate,
		PagesPerMinute:     s.PagesPerMinute,
		UniqueProductRatio: s.UniqueProductRatio,

		DeviceType: s.DeviceType,
		Browser:    s.Browser,
		Persona:    s.Persona,

		Bounce:            s.Bounce,
		CheckoutInitiated: s.CheckoutInitiated,
	}
}
