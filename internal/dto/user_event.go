package dto

import (
	"strings"
	"time"
)

// Event types emitted by the behavior tracking pipeline.
const (
	EventSessionStart      = "session_start"
	EventPageView          = "page_view"
	EventProductView       = "product_view"
	EventAddToCart         = "add_to_cart"
	EventRemoveFromCart    = "remove_from_cart"
	EventSearch            = "search"
	EventCheckoutInitiated = "checkout_initiated"
	EventPurchase          = "purchase"
	EventCartAbandoned     = "cart_abandoned"
	EventSessionEnd        = "session_end"
)

// UserEvent is one user-behavior record from the event stream. Payload
// fields are type-dependent; absent fields stay zero-valued.
type UserEvent struct {
	EventId   string `json:"event_id,omitempty"`
	Timestamp string `json:"timestamp"`
	UserId    int    `json:"user_id"`
	SessionId string `json:"session_id"`
	EventType string `json:"event_type"`

	ProductId   int     `json:"product_id,omitempty"`
	Category    string  `json:"category,omitempty"`
	Price       float64 `json:"price,omitempty"`
	Quantity    int     `json:"quantity,omitempty"`
	SearchQuery string  `json:"search_query,omitempty"`
	PageUrl     string  `json:"page_url,omitempty"`
	Referrer    string  `json:"referrer,omitempty"`
	DeviceType  string  `json:"device_type,omitempty"`
	Browser     string  `json:"browser,omitempty"`
	TimeOnPage  int     `json:"time_on_page,omitempty"`

	Persona           string  `json:"persona,omitempty"`
	CartValue         float64 `json:"cart_value,omitempty"`
	AbandonmentReason string  `json:"abandonment_reason,omitempty"`
	TimeInCartSeconds int     `json:"time_in_cart_seconds,omitempty"`
}

// Time parses the event timestamp. Producers emit ISO-8601, sometimes with
// a trailing Z and sometimes without an offset at all.
func (e UserEvent) Time() (time.Time, error) {
	ts := strings.TrimSpace(e.Timestamp)
	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02T15:04:05.999999999", ts)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// EffectiveQuantity defaults a missing quantity to 1, matching producer
// semantics for cart events.
func (e UserEvent) EffectiveQuantity() int {
	if e.Quantity <= 0 {
		return 1
	}
	return e.Quantity
}
