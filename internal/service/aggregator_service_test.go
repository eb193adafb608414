package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"ecom-stream-analytics/internal/config"
	"ecom-stream-analytics/internal/dto"
	"ecom-stream-analytics/internal/entity"
	"ecom-stream-analytics/pkg/stream"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopLogger struct{}

func (nopLogger) Debug(module, message string, details map[string]interface{}) {}
func (nopLogger) Info(module, message string, details map[string]interface{})  {}
func (nopLogger) Warn(module, message string, details map[string]interface{})  {}
func (nopLogger) Error(module, message string, details map[string]interface{}) {}
func (nopLogger) Sync() error                                                  { return nil }

type fakeSessionRepo struct {
	mu       sync.Mutex
	rows     map[string]*entity.UserSession
	failNext bool
	pingErr  error
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{rows: make(map[string]*entity.UserSession)}
}

func (f *fakeSessionRepo) UpsertSessions(ctx context.Context, sessions []*entity.UserSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return errors.New("connection reset")
	}
	for _, s := range sessions {
		f.rows[s.SessionId] = s
	}
	return nil
}

func (f *fakeSessionRepo) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeSessionRepo) row(sessionId string) *entity.UserSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[sessionId]
}

type fakeCacheRepo struct {
	mu      sync.Mutex
	data    map[string][]byte
	pingErr error
	setErr  error
}

func newFakeCacheRepo() *fakeCacheRepo {
	return &fakeCacheRepo{data: make(map[string][]byte)}
}

func (f *fakeCacheRepo) SetSnapshot(ctx context.Context, sessionId string, payload []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	f.data[sessionId] = payload
	return nil
}

func (f *fakeCacheRepo) GetSnapshot(ctx context.Context, sessionId string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.data[sessionId], nil
}

func (f *fakeCacheRepo) Ping(ctx context.Context) error { return f.pingErr }

type capturingPublisher struct {
	mu   sync.Mutex
	msgs []*message.Message
}

func (p *capturingPublisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, messages...)
	return nil
}

func (p *capturingPublisher) Close() error { return nil }

func (p *capturingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}

type aggregatorFixture struct {
	agg    *SessionAggregator
	repo   *fakeSessionRepo
	cache  *fakeCacheRepo
	queue  *capturingPublisher
	window *stream.WindowStore[dto.UserEvent]
	now    time.Time
}

func newFixture() *aggregatorFixture {
	f := &aggregatorFixture{
		repo:  newFakeSessionRepo(),
		cache: newFakeCacheRepo(),
		queue: &capturingPublisher{},
		now:   time.Date(2025, 10, 15, 9, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.window = stream.NewWindowStore[dto.UserEvent](5 * time.Minute).WithClock(clock)
	cfg := &config.Config{
		Scoring: config.ScoringConfig{Topic: "SESSION_SNAPSHOTS"},
	}
	f.agg = NewSessionAggregator(cfg, nopLogger{}, f.repo, f.cache, f.window, f.queue).WithClock(clock)
	return f
}

// feed runs an event through the consumer-side path: fold plus window append.
func (f *aggregatorFixture) feed(t *testing.T, event dto.UserEvent) {
	t.Helper()
	ok, err := f.agg.ProcessEvent(context.Background(), event)
	require.NoError(t, err)
	if ok {
		f.window.Add(f.agg.Key(event), event)
	}
}

func ev(sessionId, eventType string, at time.Time) dto.UserEvent {
	return dto.UserEvent{
		SessionId: sessionId,
		EventType: eventType,
		Timestamp: at.Format(time.RFC3339),
		UserId:    42,
	}
}

func TestFoldCartValueFloor(t *testing.T) {
	f := newFixture()

	add := ev("s2", dto.EventAddToCart, f.now)
	add.Price = 100
	add.Quantity = 1
	f.feed(t, add)

	remove := ev("s2", dto.EventRemoveFromCart, f.now)
	remove.Price = 100
	remove.Quantity = 1
	f.feed(t, remove)

	snap := f.agg.BuildSnapshot("s2", f.window.Get("s2"))
	assert.Equal(t, 0.0, snap.CartValue)
	assert.Equal(t, 1, snap.CartAdditions)
	assert.Equal(t, 1, snap.CartRemovals)
	assert.Equal(t, 0, snap.CartEngagement)

	// removing more than was ever added still floors at zero
	again := ev("s2", dto.EventRemoveFromCart, f.now)
	again.Price = 500
	again.Quantity = 3
	f.feed(t, again)

	snap = f.agg.BuildSnapshot("s2", f.window.Get("s2"))
	assert.Equal(t, 0.0, snap.CartValue)
}

func TestPersonaFirstWriteWins(t *testing.T) {
	f := newFixture()

	first := ev("s1", dto.EventSessionStart, f.now)
	first.Persona = "intent_buyer"
	f.feed(t, first)

	second := ev("s1", dto.EventSessionStart, f.now.Add(time.Second))
	second.EventId = "evt-2"
	second.Persona = "window_shopper"
	f.feed(t, second)

	snap := f.agg.BuildSnapshot("s1", f.window.Get("s1"))
	assert.Equal(t, "intent_buyer", snap.Persona)
}

func TestDuplicateEventIdDropped(t *testing.T) {
	f := newFixture()

	view := ev("s1", dto.EventPageView, f.now)
	view.EventId = "evt-1"

	ok, err := f.agg.ProcessEvent(context.Background(), view)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.agg.ProcessEvent(context.Background(), view)
	require.NoError(t, err)
	assert.False(t, ok, "redelivered event id must not fold twice")

	f.window.Add("s1", view)
	snap := f.agg.BuildSnapshot("s1", f.window.Get("s1"))
	assert.Equal(t, 1, snap.PageViews)
}

func TestMissingSessionIdDroppedSilently(t *testing.T) {
	f := newFixture()

	event := dto.UserEvent{EventType: dto.EventPageView, Timestamp: f.now.Format(time.RFC3339)}
	ok, err := f.agg.ProcessEvent(context.Background(), event)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, f.agg.StateSize())
}

func TestConversionScenario(t *testing.T) {
	f := newFixture()
	base := f.now

	start := ev("s1", dto.EventSessionStart, base)
	start.Persona = "intent_buyer"
	f.feed(t, start)

	f.feed(t, ev("s1", dto.EventPageView, base.Add(5*time.Second)))

	view := ev("s1", dto.EventProductView, base.Add(10*time.Second))
	view.ProductId = 5
	view.Price = 50
	f.feed(t, view)

	add := ev("s1", dto.EventAddToCart, base.Add(15*time.Second))
	add.ProductId = 5
	add.Price = 50
	add.Quantity = 1
	f.feed(t, add)

	f.feed(t, ev("s1", dto.EventCheckoutInitiated, base.Add(20*time.Second)))

	purchase := ev("s1", dto.EventPurchase, base.Add(25*time.Second))
	purchase.CartValue = 50
	f.feed(t, purchase)

	require.NoError(t, f.agg.ProcessWindow(context.Background(), "s1", f.window.Get("s1")))

	row := f.repo.row("s1")
	require.NotNil(t, row)
	assert.Equal(t, 1, row.PageViews)
	assert.Equal(t, 1, row.CartAdditions)
	assert.True(t, row.IsConverted)
	assert.Equal(t, 50.0, row.PurchaseValue)
	assert.True(t, row.CheckoutInitiated)
	// the fold table has no cart-clearing event, so the cart survives purchase
	assert.Equal(t, 50.0, row.CartValue)
	assert.Equal(t, "intent_buyer", row.Persona)
	assert.Equal(t, 25, row.SessionDurationSeconds)
	assert.Equal(t, 1.0, row.CartToCheckoutRate)
	assert.Equal(t, 2.4, row.PagesPerMinute)

	// cache mirror holds the same snapshot
	payload, err := f.cache.GetSnapshot(context.Background(), "s1")
	require.NoError(t, err)
	var cached dto.SessionSnapshot
	require.NoError(t, json.Unmarshal(payload, &cached))
	assert.Equal(t, row.CartValue, cached.CartValue)

	// positive cart value hands the snapshot to the scoring queue
	assert.Equal(t, 1, f.queue.count())
}

func TestBounceDetection(t *testing.T) {
	f := newFixture()

	f.feed(t, ev("s3", dto.EventSessionStart, f.now))
	f.feed(t, ev("s3", dto.EventPageView, f.now.Add(10*time.Second)))

	snap := f.agg.BuildSnapshot("s3", f.window.Get("s3"))
	assert.True(t, snap.Bounce)
	assert.Equal(t, 10, snap.SessionDurationSeconds)

	// a second page view past 30s clears the bounce
	f.now = f.now.Add(40 * time.Second)
	f.feed(t, ev("s3", dto.EventPageView, f.now))
	snap = f.agg.BuildSnapshot("s3", f.window.Get("s3"))
	assert.False(t, snap.Bounce)
}

func TestSnapshotDerivationIsDeterministic(t *testing.T) {
	f := newFixture()

	f.feed(t, ev("s1", dto.EventSessionStart, f.now))
	f.feed(t, ev("s1", dto.EventPageView, f.now.Add(5*time.Second)))
	view := ev("s1", dto.EventProductView, f.now.Add(8*time.Second))
	view.ProductId = 9
	f.feed(t, view)

	events := f.window.Get("s1")
	first := f.agg.BuildSnapshot("s1", events)
	second := f.agg.BuildSnapshot("s1", events)

	assert.Equal(t, first, second)

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, a, b, "identical inputs must serialize identically")
}

func TestProductsViewedCountsDistinct(t *testing.T) {
	f := newFixture()

	for _, id := range []int{7, 7, 9} {
		view := ev("s1", dto.EventProductView, f.now)
		view.ProductId = id
		f.feed(t, view)
	}

	snap := f.agg.BuildSnapshot("s1", f.window.Get("s1"))
	assert.Equal(t, 2, snap.ProductsViewed)
	assert.Equal(t, 2, snap.UniqueProductsViewed)
	assert.Equal(t, 1.0, snap.UniqueProductRatio)
}

func TestTerminalSessionReapedAfterDurableWrite(t *testing.T) {
	f := newFixture()

	f.feed(t, ev("s1", dto.EventSessionStart, f.now))
	f.feed(t, ev("s1", dto.EventPageView, f.now.Add(time.Second)))
	f.feed(t, ev("s1", dto.EventSessionEnd, f.now.Add(2*time.Second)))

	require.NoError(t, f.agg.ProcessWindow(context.Background(), "s1", f.window.Get("s1")))

	assert.Zero(t, f.agg.StateSize(), "terminal session state must be reaped")
	assert.NotContains(t, f.window.Keys(), "s1")

	row := f.repo.row("s1")
	require.NotNil(t, row)
	require.NotNil(t, row.EndTime, "session_end records the end time")
}

func TestTerminalStateKeptWhenSinkWriteFails(t *testing.T) {
	f := newFixture()

	f.feed(t, ev("s1", dto.EventSessionStart, f.now))
	f.feed(t, ev("s1", dto.EventSessionEnd, f.now.Add(time.Second)))

	f.repo.failNext = true
	require.NoError(t, f.agg.ProcessWindow(context.Background(), "s1", f.window.Get("s1")))
	assert.Equal(t, 1, f.agg.StateSize(), "failed durable write must not reap")

	// next tick succeeds and reaps
	require.NoError(t, f.agg.ProcessWindow(context.Background(), "s1", f.window.Get("s1")))
	assert.Zero(t, f.agg.StateSize())
}

func TestIdleWindowKeepsAccumulatorState(t *testing.T) {
	f := newFixture()

	add := ev("s3", dto.EventAddToCart, f.now)
	add.Price = 20
	f.feed(t, add)

	require.NoError(t, f.agg.ProcessWindow(context.Background(), "s3", f.window.Get("s3")))
	require.NotNil(t, f.repo.row("s3"))

	// window expires with no new events; the tick sees an empty window
	f.now = f.now.Add(10 * time.Minute)
	assert.Empty(t, f.window.Get("s3"))

	// a late event still accumulates onto the same session state
	late := ev("s3", dto.EventAddToCart, f.now)
	late.Price = 30
	f.feed(t, late)

	snap := f.agg.BuildSnapshot("s3", f.window.Get("s3"))
	assert.Equal(t, 2, snap.CartAdditions)
	assert.Equal(t, 50.0, snap.CartValue)
}

func TestEmptyCartSkipsScoringHandoff(t *testing.T) {
	f := newFixture()

	f.feed(t, ev("s1", dto.EventSessionStart, f.now))
	f.feed(t, ev("s1", dto.EventPageView, f.now.Add(time.Second)))

	require.NoError(t, f.agg.ProcessWindow(context.Background(), "s1", f.window.Get("s1")))
	assert.Zero(t, f.queue.count(), "no cart, nothing to score")
}

func TestCacheFailureDoesNotAffectDurableWrite(t *testing.T) {
	f := newFixture()
	f.cache.setErr = errors.New("redis down")

	add := ev("s1", dto.EventAddToCart, f.now)
	add.Price = 10
	f.feed(t, add)

	require.NoError(t, f.agg.ProcessWindow(context.Background(), "s1", f.window.Get("s1")))
	assert.NotNil(t, f.repo.row("s1"))
}

func TestOpenFailsWhenSinkUnreachable(t *testing.T) {
	f := newFixture()
	f.repo.pingErr = errors.New("dial tcp: connection refused")

	err := f.agg.Open(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres sink")

	f.repo.pingErr = nil
	f.cache.pingErr = errors.New("redis refused")
	err = f.agg.Open(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis sink")
}

func TestBuildSnapshotEmptyWindow(t *testing.T) {
	f := newFixture()
	assert.Nil(t, f.agg.BuildSnapshot("s1", nil))
	assert.Nil(t, f.agg.BuildSnapshot("s1", []dto.UserEvent{}))
}

func TestConcurrentFoldAndSnapshot(t *testing.T) {
	f := newFixture()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		i := 0
		for {
			select {
			case <-stop:
				return
			default:
			}
			view := ev("s1", dto.EventProductView, f.now)
			view.ProductId = i%50 + 1
			f.agg.ProcessEvent(context.Background(), view)
			i++
		}
	}()

	events := []dto.UserEvent{ev("s1", dto.EventPageView, f.now)}
	for i := 0; i < 2000; i++ {
		snap := f.agg.BuildSnapshot("s1", events)
		require.NotNil(t, snap)
		// derived counts must agree within one snapshot
		assert.Equal(t, snap.ProductsViewed, snap.UniqueProductsViewed)
	}

	close(stop)
	wg.Wait()
}

func TestEngagementScore(t *testing.T) {
	tests := []struct {
		name           string
		products       int
		pageViews      int
		cartAdditions  int
		cartValue      float64
		pagesPerMinute float64
		bounce         bool
		want           float64
	}{
		{
			name:   "empty bounced session",
			bounce: true,
			want:   0,
		},
		{
			name:      "browsing only",
			pageViews: 2,
			want:      0.1, // only the not-bounce term
		},
		{
			name:           "engaged shopper",
			products:       2,
			pageViews:      4,
			cartAdditions:  1,
			cartValue:      40,
			pagesPerMinute: 2,
			want:           0.975,
		},
		{
			name:          "clamped at one",
			products:      3,
			pageViews:     3,
			cartAdditions: 10,
			cartValue:     400,
			want:          1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := engagementScore(tt.products, tt.pageViews, tt.cartAdditions, tt.cartValue, tt.pagesPerMinute, tt.bounce)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}
