package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ecom-stream-analytics/internal/dto"
	"ecom-stream-analytics/internal/entity"
	"ecom-stream-analytics/pkg/scoring"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePredictionRepo struct {
	mu   sync.Mutex
	rows []*entity.MLPrediction
}

func (f *fakePredictionRepo) LogPrediction(ctx context.Context, prediction *entity.MLPrediction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, prediction)
	return nil
}

func (f *fakePredictionRepo) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

func (f *fakePredictionRepo) last() *entity.MLPrediction {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.rows) == 0 {
		return nil
	}
	return f.rows[len(f.rows)-1]
}

func publishSnapshot(t *testing.T, queue *gochannel.GoChannel, topic string, snapshot dto.SessionSnapshot) {
	t.Helper()
	payload, err := json.Marshal(snapshot)
	require.NoError(t, err)
	require.NoError(t, queue.Publish(topic, message.NewMessage(watermill.NewUUID(), payload)))
}

func newScoringFixture(t *testing.T, modelHandler http.HandlerFunc) (*gochannel.GoChannel, *fakePredictionRepo, IScoringService) {
	t.Helper()
	server := httptest.NewServer(modelHandler)
	t.Cleanup(server.Close)

	queue := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, watermill.NopLogger{})
	t.Cleanup(func() { queue.Close() })

	repo := &fakePredictionRepo{}
	client := scoring.NewClient(server.URL, time.Second)
	svc := NewScoringService(queue, "SESSION_SNAPSHOTS", client, repo, nil, nopLogger{})
	require.NoError(t, svc.Consume(context.Background()))
	return queue, repo, svc
}

func TestScoringServiceLogsPrediction(t *testing.T) {
	queue, repo, svc := newScoringFixture(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(scoring.Prediction{
			SessionId:               "s1",
			AbandonmentProbability:  0.4,
			WillAbandon:             false,
			RiskLevel:               scoring.RiskMedium,
			RecommendedIntervention: "none",
			ModelVersion:            "random_forest_v1",
		})
	})

	publishSnapshot(t, queue, "SESSION_SNAPSHOTS", dto.SessionSnapshot{
		SessionId: "s1",
		UserId:    42,
		CartValue: 75.5,
	})

	assert.Eventually(t, func() bool { return repo.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	row := repo.last()
	assert.Equal(t, "s1", row.SessionId)
	assert.Equal(t, 42, row.UserId)
	assert.Equal(t, scoring.RiskMedium, row.RiskLevel)
	assert.Equal(t, 0.4, row.AbandonmentProbability)
	assert.False(t, row.InterventionTriggered)
	assert.False(t, row.PredictionTimestamp.IsZero())

	stats := svc.Stats()
	assert.EqualValues(t, 1, stats.PredictionsServed)
	assert.EqualValues(t, 0, stats.HighRiskSessions)
}

func TestScoringServiceFlagsHighRisk(t *testing.T) {
	queue, repo, svc := newScoringFixture(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(scoring.Prediction{
			SessionId:               "s1",
			AbandonmentProbability:  0.93,
			WillAbandon:             true,
			RiskLevel:               scoring.RiskCritical,
			RecommendedIntervention: "discount_popup",
		})
	})

	publishSnapshot(t, queue, "SESSION_SNAPSHOTS", dto.SessionSnapshot{
		SessionId: "s1",
		CartValue: 300,
	})

	assert.Eventually(t, func() bool { return repo.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	row := repo.last()
	assert.True(t, row.InterventionTriggered)
	assert.Equal(t, "discount_popup", row.InterventionType)

	stats := svc.Stats()
	assert.EqualValues(t, 1, stats.HighRiskSessions)
}

func TestScoringServiceSkipsEmptyCart(t *testing.T) {
	var calls atomic.Int32
	queue, repo, _ := newScoringFixture(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	})

	publishSnapshot(t, queue, "SESSION_SNAPSHOTS", dto.SessionSnapshot{SessionId: "s1"})
	// a scoreable snapshot behind it proves the empty one was consumed
	publishSnapshot(t, queue, "SESSION_SNAPSHOTS", dto.SessionSnapshot{SessionId: "s2", CartValue: 10})

	assert.Eventually(t, func() bool { return repo.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "s2", repo.last().SessionId)
	assert.EqualValues(t, 1, calls.Load())
}

func TestScoringServiceAbsorbsModelFailure(t *testing.T) {
	queue, repo, svc := newScoringFixture(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	})

	publishSnapshot(t, queue, "SESSION_SNAPSHOTS", dto.SessionSnapshot{
		SessionId: "s1",
		CartValue: 50,
	})

	// no prediction gets recorded, and the consumer keeps running
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, repo.count())
	assert.EqualValues(t, 0, svc.Stats().PredictionsServed)
}

func TestScoringServiceAbsorbsMalformedSnapshot(t *testing.T) {
	queue, repo, _ := newScoringFixture(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(scoring.Prediction{RiskLevel: scoring.RiskLow})
	})

	require.NoError(t, queue.Publish("SESSION_SNAPSHOTS", message.NewMessage(watermill.NewUUID(), []byte("not json"))))
	publishSnapshot(t, queue, "SESSION_SNAPSHOTS", dto.SessionSnapshot{SessionId: "s2", CartValue: 10})

	assert.Eventually(t, func() bool { return repo.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "s2", repo.last().SessionId)
}
