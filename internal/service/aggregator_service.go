package service

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"ecom-stream-analytics/internal/config"
	"ecom-stream-analytics/internal/dto"
	"ecom-stream-analytics/internal/entity"
	"ecom-stream-analytics/internal/pkg/logger"
	"ecom-stream-analytics/internal/repository/contract"
	"ecom-stream-analytics/pkg/stream"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	gocache "github.com/patrickmn/go-cache"
)

const (
	snapshotCacheTTL = time.Hour
	defaultPersona   = "window_shopper"
	unknownKey       = "unknown"
)

// SessionMetrics is the running accumulator for one session. It is only
// ever mutated under its state-store shard lock.
type SessionMetrics struct {
	PageViews         int
	ProductsViewed    map[int]struct{}
	Searches          int
	CartAdditions     int
	CartRemovals      int
	CartValue         float64
	CheckoutInitiated bool
	IsConverted       bool
	PurchaseValue     float64
	IsCartAbandoned   bool
	AbandonmentReason string
	TimeInCartSeconds int
	Persona           string

	// Terminal is set by session_end and cart_abandoned; once the next
	// snapshot lands durably the session's state is reaped.
	Terminal bool
}

func newSessionMetrics() *SessionMetrics {
	return &SessionMetrics{ProductsViewed: make(map[int]struct{})}
}

// clone copies the accumulator, products set included, so readers can
// work outside the shard lock while folding continues.
func (m *SessionMetrics) clone() *SessionMetrics {
	c := *m
	c.ProductsViewed = make(map[int]struct{}, len(m.ProductsViewed))
	for id := range m.ProductsViewed {
		c.ProductsViewed[id] = struct{}{}
	}
	return &c
}

// SessionAggregator folds user-behavior events into per-session metrics
// and derives snapshots each aggregation tick. It implements
// stream.Handler for the stream processor.
type SessionAggregator struct {
	cfg *config.Config
	log logger.ILogger

	sessions contract.SessionRepository
	cache    contract.SessionCacheRepository

	window  *stream.WindowStore[dto.UserEvent]
	metrics *stream.StateStore[*SessionMetrics]
	starts  *stream.StateStore[time.Time]
	seen    *gocache.Cache

	snapshots message.Publisher
	topic     string

	now func() time.Time
}

func NewSessionAggregator(
	cfg *config.Config,
	log logger.ILogger,
	sessions contract.SessionRepository,
	cache contract.SessionCacheRepository,
	window *stream.WindowStore[dto.UserEvent],
	snapshots message.Publisher,
) *SessionAggregator {
	// Seen-id entries only need to outlive the redelivery horizon, which
	// the window duration bounds.
	dedupTTL := window.Duration()
	return &SessionAggregator{
		cfg:       cfg,
		log:       log,
		sessions:  sessions,
		cache:     cache,
		window:    window,
		metrics:   stream.NewStateStore[*SessionMetrics](),
		starts:    stream.NewStateStore[time.Time](),
		seen:      gocache.New(dedupTTL, 2*dedupTTL),
		snapshots: snapshots,
		topic:     cfg.Scoring.Topic,
		now:       time.Now,
	}
}

// WithClock overrides the time source. Used by tests.
func (a *SessionAggregator) WithClock(now func() time.Time) *SessionAggregator {
	a.now = now
	return a
}

// Open verifies both sink connections. Either failing is fatal to the
// processor start; there is no running without durable and cache sinks.
func (a *SessionAggregator) Open(ctx context.Context) error {
	if err := a.sessions.Ping(ctx); err != nil {
		return fmt.Errorf("postgres sink: %w", err)
	}
	if err := a.cache.Ping(ctx); err != nil {
		return fmt.Errorf("redis sink: %w", err)
	}
	return nil
}

func (a *SessionAggregator) Close() error {
	// Sink clients are owned by the bootstrap container.
	return nil
}

func (a *SessionAggregator) Decode(data []byte) (dto.UserEvent, error) {
	var event dto.UserEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return dto.UserEvent{}, fmt.Errorf("unmarshal user event: %w", err)
	}
	return event, nil
}

// Key routes events by session id, falling back to user id.
func (a *SessionAggregator) Key(event dto.UserEvent) string {
	if event.SessionId != "" {
		return event.SessionId
	}
	if event.UserId != 0 {
		return strconv.Itoa(event.UserId)
	}
	return unknownKey
}

// ProcessEvent folds one event into the session accumulator. Events
// without a session id are dropped silently; exact redeliveries (same
// event id inside the dedup horizon) are dropped before folding.
func (a *SessionAggregator) ProcessEvent(ctx context.Context, event dto.UserEvent) (bool, error) {
	if event.SessionId == "" {
		return false, nil
	}

	if event.EventId != "" {
		if _, dup := a.seen.Get(event.EventId); dup {
			a.log.Debug("aggregator", "duplicate event dropped", map[string]interface{}{
				"event_id":   event.EventId,
				"session_id": event.SessionId,
			})
			return false, nil
		}
		a.seen.Set(event.EventId, struct{}{}, gocache.DefaultExpiration)
	}

	if event.EventType == dto.EventSessionStart {
		if ts, err := event.Time(); err == nil {
			a.starts.Put(event.SessionId, ts)
		}
	}

	a.metrics.Update(event.SessionId, func(current *SessionMetrics, ok bool) *SessionMetrics {
		if !ok {
			current = newSessionMetrics()
		}
		a.fold(current, event)
		return current
	})
	return true, nil
}

// fold applies one event to the accumulator. Counters are monotonic;
// cart_value is floored at zero after removals; persona is first-write-wins.
func (a *SessionAggregator) fold(m *SessionMetrics, event dto.UserEvent) {
	switch event.EventType {
	case dto.EventSessionStart:
		if m.Persona == "" && event.Persona != "" {
			m.Persona = event.Persona
		}

	case dto.EventPageView:
		m.PageViews++

	case dto.EventProductView:
		if event.ProductId != 0 {
			m.ProductsViewed[event.ProductId] = struct{}{}
		}

	case dto.EventAddToCart:
		m.CartAdditions++
		m.CartValue += event.Price * float64(event.EffectiveQuantity())

	case dto.EventRemoveFromCart:
		m.CartRemovals++
		m.CartValue -= event.Price * float64(event.EffectiveQuantity())
		if m.CartValue < 0 {
			m.CartValue = 0
		}

	case dto.EventSearch:
		m.Searches++

	case dto.EventCheckoutInitiated:
		m.CheckoutInitiated = true

	case dto.EventPurchase:
		m.IsConverted = true
		m.PurchaseValue = event.CartValue

	case dto.EventCartAbandoned:
		m.IsCartAbandoned = true
		m.AbandonmentReason = event.AbandonmentReason
		m.TimeInCartSeconds = event.TimeInCartSeconds
		m.Terminal = true

	case dto.EventSessionEnd:
		m.Terminal = true
	}
}

// ProcessWindow derives the snapshot for one session's current window and
// writes it to both sinks. Sink failures are isolated per sink and logged;
// the loop never stops for them.
func (a *SessionAggregator) ProcessWindow(ctx context.Context, key string, events []dto.UserEvent) error {
	if len(events) == 0 {
		return nil
	}

	snapshot := a.BuildSnapshot(key, events)

	durable := true
	if err := a.sessions.UpsertSessions(ctx, []*entity.UserSession{snapshotToEntity(snapshot)}); err != nil {
		durable = false
		a.log.Error("aggregator", "postgres sink write failed", map[string]interface{}{
			"session_id": key,
			"error":      err.Error(),
		})
	}

	payload, err := json.Marshal(snapshot)
	if err == nil {
		if err := a.cache.SetSnapshot(ctx, key, payload, snapshotCacheTTL); err != nil {
			a.log.Error("aggregator", "redis sink write failed", map[string]interface{}{
				"session_id": key,
				"error":      err.Error(),
			})
		}
	}

	if snapshot.CartValue > 0 && a.snapshots != nil && payload != nil {
		msg := message.NewMessage(watermill.NewUUID(), payload)
		if err := a.snapshots.Publish(a.topic, msg); err != nil {
			a.log.Error("aggregator", "scoring handoff failed", map[string]interface{}{
				"session_id": key,
				"error":      err.Error(),
			})
		}
	}

	// Reap only after the terminal snapshot is durably stored; a failed
	// write keeps the state around for the next tick.
	if snapshot.Terminal && durable {
		a.reap(key)
	}

	a.log.Info("aggregator", "session aggregated", map[string]interface{}{
		"session_id":     key,
		"page_views":     snapshot.PageViews,
		"cart_additions": snapshot.CartAdditions,
		"cart_value":     snapshot.CartValue,
		"is_converted":   snapshot.IsConverted,
		"terminal":       snapshot.Terminal,
	})
	return nil
}

func (a *SessionAggregator) reap(key string) {
	a.metrics.Delete(key)
	a.starts.Delete(key)
	a.window.Remove(key)
}

// StateSize reports how many sessions currently hold accumulator state.
func (a *SessionAggregator) StateSize() int {
	return a.metrics.Len()
}

// BuildSnapshot derives the point-in-time aggregate for a session from
// its accumulator state and the window's first/last event metadata. Pure
// given a fixed clock: identical inputs produce identical snapshots.
// Returns nil when the window is empty.
func (a *SessionAggregator) BuildSnapshot(key string, events []dto.UserEvent) *dto.SessionSnapshot {
	if len(events) == 0 {
		return nil
	}
	first := events[0]
	last := events[len(events)-1]

	// Copy the accumulator under its shard lock; consumer goroutines keep
	// folding into the live struct while the snapshot is derived.
	m := newSessionMetrics()
	a.metrics.View(key, func(current *SessionMetrics, ok bool) {
		if ok {
			m = current.clone()
		}
	})

	startTime, ok := a.starts.Get(key)
	if !ok {
		// session_start lost or expired before the first tick; durations
		// for this session under-count from here on.
		startTime = a.now().UTC()
		a.starts.Put(key, startTime)
	}

	lastActivity, err := last.Time()
	if err != nil {
		lastActivity = a.now().UTC()
	}

	duration := int(lastActivity.Sub(startTime).Seconds())
	if duration < 0 {
		duration = 0
	}

	pageViews := m.PageViews
	products := len(m.ProductsViewed)

	avgTimePerPage := 0.0
	if pageViews > 0 {
		avgTimePerPage = round2(float64(duration) / float64(pageViews))
	}

	bounce := pageViews <= 1 && duration < 30

	timePerProduct := 0.0
	if products > 0 {
		timePerProduct = round2(float64(duration) / float64(products))
	}

	cartToCheckoutRate := 0.0
	if m.CartAdditions > 0 {
		cartToCheckoutRate = round2(boolToFloat(m.CheckoutInitiated) / float64(m.CartAdditions))
	}

	pagesPerMinute := 0.0
	if duration > 0 {
		pagesPerMinute = round2(float64(pageViews) / (float64(duration) / 60.0))
	}

	uniqueProductRatio := 0.0
	if products > 0 {
		// both counts come from the same set, so this is 1.0 by construction
		uniqueProductRatio = round2(float64(products) / float64(products))
	}

	persona := m.Persona
	if persona == "" {
		persona = defaultPersona
	}

	snapshot := &dto.SessionSnapshot{
		SessionId:    key,
		UserId:       first.UserId,
		StartTime:    startTime,
		LastActivity: lastActivity,
		DeviceType:   deviceOrDefault(first.DeviceType),
		Browser:      browserOrDefault(first.Browser),
		Persona:      persona,

		PageViews:            pageViews,
		ProductsViewed:       products,
		UniqueProductsViewed: products,
		Searches:             m.Searches,
		CartAdditions:        m.CartAdditions,
		CartRemovals:         m.CartRemovals,
		CartValue:            round2(m.CartValue),
		CheckoutInitiated:    m.CheckoutInitiated,
		IsConverted:          m.IsConverted,
		PurchaseValue:        round2(m.PurchaseValue),
		IsCartAbandoned:      m.IsCartAbandoned,
		AbandonmentReason:    m.AbandonmentReason,
		TimeInCartSeconds:    m.TimeInCartSeconds,

		SessionDurationSeconds: duration,
		AvgTimePerPage:         avgTimePerPage,
		Bounce:                 bounce,
		CartEngagement:         m.CartAdditions - m.CartRemovals,
		TimePerProduct:         timePerProduct,
		CartToCheckoutRate:     cartToCheckoutRate,
		PagesPerMinute:         pagesPerMinute,
		UniqueProductRatio:     uniqueProductRatio,
		EngagementScore: engagementScore(
			products, pageViews, m.CartAdditions, m.CartValue, pagesPerMinute, bounce),

		UpdatedAt: a.now().UTC(),
		Terminal:  m.Terminal,
	}

	if m.Terminal {
		end := lastActivity
		snapshot.EndTime = &end
	}
	return snapshot
}

// engagementScore is a fixed, hand-tuned composite in [0,1]. The weights
// are part of the output contract; do not retune without versioning the
// downstream model features.
func engagementScore(products, pageViews, cartAdditions int, cartValue, pagesPerMinute float64, bounce bool) float64 {
	productRate := 0.0
	if pageViews > 0 {
		productRate = float64(products) / float64(pageViews)
	}
	additions := cartAdditions
	if additions < 1 {
		additions = 1
	}
	notBounce := 1.0
	if bounce {
		notBounce = 0.0
	}

	score := 0.35*productRate +
		0.20*float64(cartAdditions) +
		0.20*cartValue/(float64(additions)*40.0) +
		0.15*pagesPerMinute +
		0.10*notBounce

	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return round4(score)
}

func snapshotToEntity(s *dto.SessionSnapshot) *entity.UserSession {
	return &entity.UserSession{
		SessionId:    s.SessionId,
		UserId:       s.UserId,
		StartTime:    s.StartTime,
		EndTime:      s.EndTime,
		LastActivity: s.LastActivity,
		DeviceType:   s.DeviceType,
		Browser:      s.Browser,
		Persona:      s.Persona,

		PageViews:            s.PageViews,
		ProductsViewed:       s.ProductsViewed,
		UniqueProductsViewed: s.UniqueProductsViewed,
		Searches:             s.Searches,
		CartAdditions:        s.CartAdditions,
		CartRemovals:         s.CartRemovals,
		CartValue:            s.CartValue,
		CheckoutInitiated:    s.CheckoutInitiated,
		IsConverted:          s.IsConverted,
		PurchaseValue:        s.PurchaseValue,
		IsCartAbandoned:      s.IsCartAbandoned,
		AbandonmentReason:    s.AbandonmentReason,
		TimeInCartSeconds:    s.TimeInCartSeconds,

		SessionDurationSeconds: s.SessionDurationSeconds,
		AvgTimePerPage:         s.AvgTimePerPage,
		Bounce:                 s.Bounce,
		CartEngagement:         s.CartEngagement,
		TimePerProduct:         s.TimePerProduct,
		CartToCheckoutRate:     s.CartToCheckoutRate,
		PagesPerMinute:         s.PagesPerMinute,
		UniqueProductRatio:     s.UniqueProductRatio,
		EngagementScore:        s.EngagementScore,

		UpdatedAt: s.UpdatedAt,
	}
}

func deviceOrDefault(device string) string {
	if device == "" {
		return "desktop"
	}
	return device
}

func browserOrDefault(browser string) string {
	if browser == "" {
		return "Unknown"
	}
	return browser
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
