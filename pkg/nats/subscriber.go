package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ecom-stream-analytics/pkg/stream"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const streamName = "EVENTS"

// Subscriber is a pull-based JetStream subscription implementing
// stream.Source. Every consumer loop creates its own Subscriber against
// the same durable name, so JetStream distributes messages between them
// like a consumer group.
type Subscriber struct {
	nc       *nats.Conn
	consumer jetstream.Consumer
}

// NewSubscriber connects and binds a durable pull consumer filtered to
// the given subject.
func NewSubscriber(url, subject, durable string) (*Subscriber, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	consumer, err := js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	return &Subscriber{nc: nc, consumer: consumer}, nil
}

// Fetch pulls up to batch messages, waiting at most wait. A timeout with
// no messages is not an error; it returns an empty slice so the caller
// can check its shutdown flag.
func (s *Subscriber) Fetch(ctx context.Context, batch int, wait time.Duration) ([]stream.Message, error) {
	msgs, err := s.consumer.Fetch(batch, jetstream.FetchMaxWait(wait))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch: %w", err)
	}

	var out []stream.Message
	for msg := range msgs.Messages() {
		out = append(out, &jetstreamMessage{msg: msg})
	}
	if err := msgs.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
		return out, fmt.Errorf("fetch batch: %w", err)
	}
	return out, nil
}

// Close closes the connection.
func (s *Subscriber) Close() error {
	if s.nc != nil {
		s.nc.Close()
	}
	return nil
}

type jetstreamMessage struct {
	msg jetstream.Msg
}

func (m *jetstreamMessage) Data() []byte {
	return m.msg.Data()
}

func (m *jetstreamMessage) Ack() error {
	return m.msg.Ack()
}

func (m *jetstreamMessage) Nak() error {
	return m.msg.Nak()
}
