package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"
)

// Risk levels returned by the abandonment model, ordered low to high.
const (
	RiskLow      = "LOW"
	RiskMedium   = "MEDIUM"
	RiskHigh     = "HIGH"
	RiskCritical = "CRITICAL"
)

// IsHighRisk reports whether level is in the top two tiers.
func IsHighRisk(level string) bool {
	return level == RiskHigh || level == RiskCritical
}

// SessionFeatures is the feature set sent to the prediction endpoint.
type SessionFeatures struct {
	SessionId string `json:"session_id"`

	PageViews            int `json:"page_views"`
	ProductsViewed       int `json:"products_viewed"`
	UniqueProductsViewed int `json:"unique_products_viewed"`
	Searches             int `json:"searches"`

	CartAdditions int     `json:"cart_additions"`
	CartRemovals  int     `json:"cart_removals"`
	CartValue     float64 `json:"cart_value"`

	SessionDurationSeconds int     `json:"session_duration_seconds"`
	AvgTimePerPage         float64 `json:"avg_time_per_page"`
	EngagementScore        float64 `json:"engagement_score"`

	CartEngagement     int     `json:"cart_engagement"`
	TimePerProduct     float64 `json:"time_per_product"`
	CartToCheckoutRate float64 `json:"cart_to_checkout_rate"`
	PagesPerMinute     float64 `json:"pages_per_minute"`
	UniqueProductRatio float64 `json:"unique_product_ratio"`

	DeviceType string `json:"device_type"`
	Browser    string `json:"browser"`
	Persona    string `json:"persona"`

	Bounce            bool `json:"bounce"`
	CheckoutInitiated bool `json:"checkout_initiated"`
}

// Prediction is the model's assessment of one session.
type Prediction struct {
	SessionId               string  `json:"session_id"`
	AbandonmentProbability  float64 `json:"abandonment_probability"`
	WillAbandon             bool    `json:"will_abandon"`
	RiskLevel               string  `json:"risk_level"`
	Confidence              string  `json:"confidence"`
	RecommendedIntervention string  `json:"recommended_intervention"`
	ModelVersion            string  `json:"model_version"`
	PredictionTimeMs        float64 `json:"prediction_time_ms"`
}

// Client calls the external abandonment prediction endpoint. The call is
// best-effort: any failure yields a nil prediction and a log line, never
// an error on the aggregation path. The timeout must stay shorter than
// the aggregation slide interval.
type Client struct {
	url  string
	http *http.Client
}

func NewClient(url string, timeout time.Duration) *Client {
	return &Client{
		url:  url,
		http: &http.Client{Timeout: timeout},
	}
}

// Score requests a prediction for the given features. Sessions with an
// empty cart are skipped entirely; there is nothing to abandon. Returns
// the prediction and the observed latency in milliseconds, or nil.
func (c *Client) Score(ctx context.Context, features SessionFeatures) (*Prediction, int64) {
	if features.CartValue <= 0 {
		return nil, 0
	}

	body, err := json.Marshal(features)
	if err != nil {
		log.Printf("[ERROR] scoring: marshal features for %s: %v", features.SessionId, err)
		return nil, 0
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		log.Printf("[ERROR] scoring: build request: %v", err)
		return nil, 0
	}
	req.Header.Set("Content-Type", "application/json")

	started := time.Now()
	resp, err := c.http.Do(req)
	latency := time.Since(started).Milliseconds()
	if err != nil {
		log.Printf("[ERROR] scoring: call failed for %s: %v", features.SessionId, err)
		return nil, latency
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Printf("[ERROR] scoring: model API returned %d for %s", resp.StatusCode, features.SessionId)
		return nil, latency
	}

	var prediction Prediction
	if err := json.NewDecoder(resp.Body).Decode(&prediction); err != nil {
		log.Printf("[ERROR] scoring: decode response for %s: %v", features.SessionId, err)
		return nil, latency
	}
	if prediction.ModelVersion == "" {
		prediction.ModelVersion = "random_forest_v1"
	}
	return &prediction, latency
}

// URL returns the configured endpoint, for health reporting.
func (c *Client) URL() string {
	return c.url
}
