package dto

import "time"

// SessionSnapshot is the point-in-time aggregate emitted once per
// aggregation tick per active session. It is the unit written to both
// sinks and the feature set sent to the abandonment model.
type SessionSnapshot struct {
	SessionId    string     `json:"session_id"`
	UserId       int        `json:"user_id"`
	StartTime    time.Time  `json:"start_time"`
	EndTime      *time.Time `json:"end_time"`
	LastActivity time.Time  `json:"last_activity"`
	DeviceType   string     `json:"device_type"`
	Browser      string     `json:"browser"`
	Persona      string     `json:"persona"`

	PageViews            int     `json:"page_views"`
	ProductsViewed       int     `json:"products_viewed"`
	UniqueProductsViewed int     `json:"unique_products_viewed"`
	Searches             int     `json:"searches"`
	CartAdditions        int     `json:"cart_additions"`
	CartRemovals         int     `json:"cart_removals"`
	CartValue            float64 `json:"cart_value"`
	CheckoutInitiated    bool    `json:"checkout_initiated"`
	IsConverted          bool    `json:"is_converted"`
	PurchaseValue        float64 `json:"purchase_value"`
	IsCartAbandoned      bool    `json:"is_cart_abandoned"`
	AbandonmentReason    string  `json:"abandonment_reason"`
	TimeInCartSeconds    int     `json:"time_in_cart_seconds"`

	SessionDurationSeconds int     `json:"session_duration_seconds"`
	AvgTimePerPage         float64 `json:"avg_time_per_page"`
	Bounce                 bool    `json:"bounce"`
	CartEngagement         int     `json:"cart_engagement"`
	TimePerProduct         float64 `json:"time_per_product"`
	CartToCheckoutRate     float64 `json:"cart_to_checkout_rate"`
	PagesPerMinute         float64 `json:"pages_per_minute"`
	UniqueProductRatio     float64 `json:"unique_product_ratio"`
	EngagementScore        float64 `json:"engagement_score"`

	UpdatedAt time.Time `json:"updated_at"`

	// Terminal marks a snapshot produced after a session_end or
	// cart_abandoned event; once durably written its state is reaped.
	Terminal bool `json:"-"`
}
