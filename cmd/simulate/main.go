package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"time"

	"ecom-stream-analytics/internal/config"
	"ecom-stream-analytics/internal/dto"
	"ecom-stream-analytics/pkg/nats"

	"github.com/google/uuid"
)

// Synthetic shopper traffic for exercising the aggregator locally. Each
// simulated session walks one of three journeys: browse and leave,
// abandon a cart, or convert.

var personas = []string{"window_shopper", "intent_buyer", "bargain_hunter", "researcher"}

var devices = []string{"desktop", "mobile", "tablet"}

var browsers = []string{"Chrome", "Firefox", "Safari", "Edge"}

func main() {
	sessions := flag.Int("sessions", 10, "number of sessions to simulate")
	delay := flag.Duration("delay", 200*time.Millisecond, "delay between events")
	flag.Parse()

	cfg := config.Load()

	fmt.Println("=== Shopper Traffic Simulator ===")
	fmt.Printf("Publishing to %s on %s\n", cfg.Stream.Subject, cfg.App.NatsURL)

	publisher, err := nats.NewPublisher(cfg.App.NatsURL)
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer publisher.Close()

	ctx := context.Background()
	for i := 0; i < *sessions; i++ {
		sessionId := uuid.New().String()
		userId := 1000 + rand.Intn(9000)
		persona := personas[rand.Intn(len(personas))]

		fmt.Printf("\nSession %s (user %d, %s)\n", sessionId, userId, persona)

		events := buildJourney(sessionId, userId, persona)
		for _, event := range events {
			if err := publish(ctx, publisher, cfg.Stream.Subject, event); err != nil {
				log.Fatalf("Failed to publish event: %v", err)
			}
			fmt.Printf("  -> %s\n", event.EventType)
			time.Sleep(*delay)
		}
	}
	fmt.Printf("\nDone: %d sessions published\n", *sessions)
}

func publish(ctx context.Context, publisher *nats.Publisher, subject string, event dto.UserEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return publisher.PublishRaw(ctx, subject, data)
}

func buildJourney(sessionId string, userId int, persona string) []dto.UserEvent {
	base := baseEvent(sessionId, userId)

	start := base
	start.EventType = dto.EventSessionStart
	start.Persona = persona

	events := []dto.UserEvent{start}

	pages := 1 + rand.Intn(5)
	for i := 0; i < pages; i++ {
		view := baseEvent(sessionId, userId)
		view.EventType = dto.EventPageView
		view.PageUrl = fmt.Sprintf("/category/%d", rand.Intn(20))
		view.TimeOnPage = 5 + rand.Intn(60)
		events = append(events, view)
	}

	cartValue := 0.0
	if rand.Float64() < 0.7 {
		product := baseEvent(sessionId, userId)
		product.EventType = dto.EventProductView
		product.ProductId = 1 + rand.Intn(500)
		product.Price = 10 + rand.Float64()*190
		events = append(events, product)

		add := baseEvent(sessionId, userId)
		add.EventType = dto.EventAddToCart
		add.ProductId = product.ProductId
		add.Price = product.Price
		add.Quantity = 1 + rand.Intn(3)
		cartValue = add.Price * float64(add.Quantity)
		events = append(events, add)
	}

	switch {
	case cartValue > 0 && rand.Float64() < 0.3:
		checkout := baseEvent(sessionId, userId)
		checkout.EventType = dto.EventCheckoutInitiated
		events = append(events, checkout)

		purchase := baseEvent(sessionId, userId)
		purchase.EventType = dto.EventPurchase
		purchase.CartValue = cartValue
		events = append(events, purchase)

		end := baseEvent(sessionId, userId)
		end.EventType = dto.EventSessionEnd
		events = append(events, end)

	case cartValue > 0:
		abandoned := baseEvent(sessionId, userId)
		abandoned.EventType = dto.EventCartAbandoned
		abandoned.CartValue = cartValue
		abandoned.AbandonmentReason = "price_shock"
		abandoned.TimeInCartSeconds = 30 + rand.Intn(600)
		events = append(events, abandoned)

	default:
		end := baseEvent(sessionId, userId)
		end.EventType = dto.EventSessionEnd
		events = append(events, end)
	}

	return events
}

func baseEvent(sessionId string, userId int) dto.UserEvent {
	return dto.UserEvent{
		EventId:    uuid.New().String(),
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		UserId:     userId,
		SessionId:  sessionId,
		DeviceType: devices[rand.Intn(len(devices))],
		Browser:    browsers[rand.Intn(len(browsers))],
	}
}
