package bootstrap

import (
	"log"
	"time"

	"ecom-stream-analytics/internal/config"
	"ecom-stream-analytics/internal/dto"
	"ecom-stream-analytics/internal/pkg/logger"
	"ecom-stream-analytics/internal/repository/contract"
	"ecom-stream-analytics/internal/repository/implementation"
	"ecom-stream-analytics/internal/service"
	pktNats "ecom-stream-analytics/pkg/nats"
	"ecom-stream-analytics/pkg/scoring"
	"ecom-stream-analytics/pkg/stream"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

type Container struct {
	Processor      *stream.Processor[dto.UserEvent]
	Aggregator     *service.SessionAggregator
	ScoringService service.IScoringService
	SessionCache   contract.SessionCacheRepository
	Logger         logger.ILogger

	snapshotQueue *gochannel.GoChannel
	natsPublisher *pktNats.Publisher
}

func NewContainer(db *gorm.DB, cfg *config.Config) *Container {
	// 1. Core Facades
	sysLogger := logger.NewZapLogger(cfg.App.LogFilePath, cfg.App.Environment == "production")

	// 2. Redis
	opt, err := redis.ParseURL(cfg.App.RedisURL)
	if err != nil {
		log.Printf("[WARN] Failed to parse Redis URL: %v. Using direct Addr", err)
		opt = &redis.Options{
			Addr: cfg.App.RedisURL,
		}
	}
	rdb := redis.NewClient(opt)

	// 3. Repositories
	sessionRepo := implementation.NewSessionRepository(db)
	predictionRepo := implementation.NewPredictionRepository(db)
	cacheRepo := implementation.NewSessionCacheRepository(rdb)

	// 4. Scoring Handoff Queue
	// Bounded buffer between the aggregation loop and the scoring worker
	// so a slow model endpoint backs up here, not in the tick.
	watermillLogger := watermill.NewStdLogger(false, false)
	snapshotQueue := gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: int64(cfg.Scoring.QueueBuffer)},
		watermillLogger,
	)

	// 5. NATS publisher for intervention events (degraded mode if down)
	natsPub, err := pktNats.NewPublisher(cfg.App.NatsURL)
	if err != nil {
		log.Printf("[WARN] Failed to connect to NATS Publisher: %v", err)
		natsPub = nil
	}

	// 6. Scoring Worker
	scoringClient := scoring.NewClient(cfg.Scoring.URL, time.Duration(cfg.Scoring.TimeoutSeconds)*time.Second)
	scoringLogger := logger.NewIsolatedLogger("logs/predictions.log")
	scoringService := service.NewScoringService(
		snapshotQueue,
		cfg.Scoring.Topic,
		scoringClient,
		predictionRepo,
		natsPub,
		scoringLogger,
	)

	// 7. Stream Processor
	window := stream.NewWindowStore[dto.UserEvent](time.Duration(cfg.Stream.WindowSeconds) * time.Second)
	aggregator := service.NewSessionAggregator(cfg, sysLogger, sessionRepo, cacheRepo, window, snapshotQueue)

	sourceFactory := func(instance int) (stream.Source, error) {
		return pktNats.NewSubscriber(cfg.App.NatsURL, cfg.Stream.Subject, cfg.Stream.ConsumerGroup)
	}

	processor := stream.NewProcessor(stream.Config{
		JobName:     cfg.Stream.JobName,
		Parallelism: cfg.Stream.Parallelism,
		Slide:       time.Duration(cfg.Stream.SlideSeconds) * time.Second,
		PollTimeout: time.Duration(cfg.Stream.PollTimeoutSeconds) * time.Second,
		FetchBatch:  cfg.Stream.FetchBatch,
		StopTimeout: time.Duration(cfg.Stream.StopTimeoutSeconds) * time.Second,
	}, window, aggregator, sourceFactory)

	return &Container{
		Processor:      processor,
		Aggregator:     aggregator,
		ScoringService: scoringService,
		SessionCache:   cacheRepo,
		Logger:         sysLogger,

		snapshotQueue: snapshotQueue,
		natsPublisher: natsPub,
	}
}

// Shutdown releases the container's own infrastructure after the
// processor has stopped.
func (c *Container) Shutdown() {
	if c.snapshotQueue != nil {
		if err := c.snapshotQueue.Close(); err != nil {
			log.Printf("[WARN] closing snapshot queue: %v", err)
		}
	}
	if c.natsPublisher != nil {
		c.natsPublisher.Close()
	}
	c.Logger.Sync()
}
