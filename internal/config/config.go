package config

import (
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	App      AppConfig
	Database DatabaseConfig
	Stream   StreamConfig
	Scoring  ScoringConfig
}

type AppConfig struct {
	Port        string
	Environment string
	LogFilePath string
	NatsURL     string
	RedisURL    string
}

type DatabaseConfig struct {
	Connection string
}

type StreamConfig struct {
	JobName            string
	Subject            string
	ConsumerGroup      string
	WindowSeconds      int
	SlideSeconds       int
	Parallelism        int
	PollTimeoutSeconds int
	FetchBatch         int
	StopTimeoutSeconds int
}

type ScoringConfig struct {
	URL            string
	TimeoutSeconds int
	Topic          string
	QueueBuffer    int
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("Note: .env file not found, usage system environment")
	}

	return &Config{
		App: AppConfig{
			Port:        getEnv("APP_PORT", "8081"),
			Environment: getEnv("GO_ENV", "development"),
			LogFilePath: getEnv("LOG_FILE_PATH", "logs/session_aggregator.log"),
			NatsURL:     getEnv("NATS_URL", "nats://localhost:4222"),
			RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379"),
		},
		Database: DatabaseConfig{
			Connection: getEnv("DB_CONNECTION_STRING", ""),
		},
		Stream: StreamConfig{
			JobName:            getEnv("STREAM_JOB_NAME", "session-aggregator"),
			Subject:            getEnv("STREAM_SUBJECT", "events.user-events"),
			ConsumerGroup:      getEnv("STREAM_CONSUMER_GROUP", "session-aggregator-consumer-group"),
			WindowSeconds:      getEnvAsInt("STREAM_WINDOW_SECONDS", 300),
			SlideSeconds:       getEnvAsInt("STREAM_SLIDE_SECONDS", 60),
			Parallelism:        getEnvAsInt("STREAM_PARALLELISM", 2),
			PollTimeoutSeconds: getEnvAsInt("STREAM_POLL_TIMEOUT_SECONDS", 1),
			FetchBatch:         getEnvAsInt("STREAM_FETCH_BATCH", 64),
			StopTimeoutSeconds: getEnvAsInt("STREAM_STOP_TIMEOUT_SECONDS", 5),
		},
		Scoring: ScoringConfig{
			URL:            getEnv("SCORING_URL", "http://localhost:8000/predict"),
			TimeoutSeconds: getEnvAsInt("SCORING_TIMEOUT_SECONDS", 3),
			Topic:          getEnv("SCORING_TOPIC", "SESSION_SNAPSHOTS"),
			QueueBuffer:    getEnvAsInt("SCORING_QUEUE_BUFFER", 256),
		},
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	strValue := getEnv(key, "")
	if value, err := strconv.Atoi(strValue); err == nil {
		return value
	}
	return fallback
}
