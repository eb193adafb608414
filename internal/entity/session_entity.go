package entity

import "time"

// UserSession is one row per session in the relational sink. Each
// aggregation tick upserts the latest snapshot for the session id.
type UserSession struct {
	SessionId    string `gorm:"primaryKey;column:session_id"`
	UserId       int    `gorm:"index"`
	StartTime    time.Time
	EndTime      *time.Time
	LastActivity time.Time
	DeviceType   string
	Browser      string
	Persona      string

	PageViews            int
	ProductsViewed       int
	UniqueProductsViewed int
	Searches             int
	CartAdditions        int
	CartRemovals         int
	CartValue            float64
	CheckoutInitiated    bool
	IsConverted          bool
	PurchaseValue        float64
	IsCartAbandoned      bool
	AbandonmentReason    string
	TimeInCartSeconds    int

	SessionDurationSeconds int
	AvgTimePerPage         float64
	Bounce                 bool
	CartEngagement         int
	TimePerProduct         float64
	CartToCheckoutRate     float64
	PagesPerMinute         float64
	UniqueProductRatio     float64
	EngagementScore        float64

	UpdatedAt time.Time
}

func (UserSession) TableName() string {
	return "user_sessions"
}
