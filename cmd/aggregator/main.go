package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"ecom-stream-analytics/internal/bootstrap"
	"ecom-stream-analytics/internal/config"
	"ecom-stream-analytics/internal/server"
	"ecom-stream-analytics/pkg/database"

	"github.com/fatih/color"
)

func main() {
	// 1. Load Configuration
	cfg := config.Load()
	banner(cfg)

	// 2. Initialize Database
	gormDB, err := database.NewGormDBFromDSN(cfg.Database.Connection)
	if err != nil {
		log.Panicf("Unable to connect to GORM DB: %v", err)
	}

	// 3. Bootstrap Dependencies (Container)
	container := bootstrap.NewContainer(gormDB, cfg)

	// 4. Start the Stream Processor (fatal if sinks are unreachable)
	ctx := context.Background()
	if err := container.Processor.Start(ctx); err != nil {
		log.Fatalf("Failed to start stream processor: %v", err)
	}
	if err := container.ScoringService.Consume(ctx); err != nil {
		log.Fatalf("Failed to start scoring worker: %v", err)
	}

	// 5. Ops Server
	srv := server.New(cfg, container)
	go func() {
		if err := srv.Run(); err != nil {
			log.Printf("Ops server error: %v", err)
		}
	}()

	// 6. Wait for shutdown signal
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Println("Shutting down...")
	container.Processor.Stop()
	if err := srv.Shutdown(); err != nil {
		log.Printf("Ops server shutdown: %v", err)
	}
	container.Shutdown()
}

func banner(cfg *config.Config) {
	color.Cyan("==============================================================")
	color.Cyan("                 SESSION AGGREGATOR JOB")
	color.Cyan("==============================================================")
	color.White("Real-time session analytics pipeline")
	color.White("Flow: NATS (%s) -> aggregation -> PostgreSQL + Redis", cfg.Stream.Subject)
	color.White("Window: %ds  Slide: %ds  Parallelism: %d",
		cfg.Stream.WindowSeconds, cfg.Stream.SlideSeconds, cfg.Stream.Parallelism)
	color.Cyan("==============================================================")
}
