package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vidreview/worker/internal/api"
	"github.com/vidreview/worker/internal/config"
	"github.com/vidreview/worker/internal/gateway"
	"github.com/vidreview/worker/internal/notify"
	"github.com/vidreview/worker/internal/pipeline"
	"github.com/vidreview/worker/internal/progress"
	"github.com/vidreview/worker/internal/queue"
	"github.com/vidreview/worker/internal/storage"
)

func main() {
	log.Println("VidReview Worker starting...")

	cfg := config.Load()
	ctx := context.Background()

	// 1. PostgreSQL store (videos, notes, task queue)
	store, err := storage.NewStore(cfg.PostgresURL)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	defer store.Close()
	log.Println("✓ Storage initialized (PostgreSQL)")

	// 2. Redis client for progress events
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to parse Redis URL: %v", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	log.Println("✓ Redis connection established")

	// 3. Remote gateways
	uploads := gateway.NewYouTube()
	analysis := gateway.NewGemini(cfg.GeminiBaseURL, cfg.GeminiAPIKey, cfg.GeminiModel)
	if cfg.GeminiAPIKey == "" {
		log.Println("WARNING: GEMINI_API_KEY not set, analysis tasks will fail")
	}

	// 4. Pipeline scheduler
	opts := []pipeline.Option{
		pipeline.WithEventPublisher(progress.NewPublisher(redisClient)),
		pipeline.WithConcurrency(cfg.WorkerConcurrency),
	}
	if cfg.AMQPURL != "" {
		notifier, err := notify.NewPublisher(cfg.AMQPURL)
		if err != nil {
			log.Fatalf("Failed to connect to AMQP broker: %v", err)
		}
		defer notifier.Close()
		opts = append(opts, pipeline.WithNotifier(notifier))
		log.Println("✓ AMQP notifications enabled")
	} else {
		log.Println("INFO: AMQP_URL not set, notifications disabled")
	}

	scheduler := pipeline.NewScheduler(store, uploads, analysis, opts...)
	log.Println("✓ Pipeline scheduler initialized")

	// 5. Periodic trigger (poll + reconcile cadence over Redis)
	trigger, err := queue.NewTrigger(&queue.TriggerConfig{
		RedisURL:          cfg.RedisURL,
		PollInterval:      cfg.PollInterval,
		ReconcileInterval: cfg.ReconcileInterval,
		Runner:            scheduler,
	})
	if err != nil {
		log.Fatalf("Failed to initialize trigger: %v", err)
	}
	if err := trigger.Start(); err != nil {
		log.Fatalf("Failed to start trigger: %v", err)
	}
	log.Println("✓ Trigger started")

	// 6. HTTP API
	if cfg.JWTSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}
	handler := api.NewHandler(store, scheduler, trigger, redisPinger{redisClient}, cfg.UploadDir)
	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: api.NewRouter(handler, []byte(cfg.JWTSecret)),
	}

	errChan := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	log.Println("✓ VidReview Worker ready")
	log.Printf("  - Listening on %s", cfg.ListenAddr)
	log.Printf("  - Concurrency: %d workers", cfg.WorkerConcurrency)
	log.Printf("  - Poll interval: %s", cfg.PollInterval)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Println("Shutdown signal received, stopping gracefully...")
	case err := <-errChan:
		log.Fatalf("Server error: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}
	trigger.Stop()

	log.Println("VidReview Worker stopped")
}

// redisPinger adapts the Redis client to the health-check interface.
type redisPinger struct {
	client *redis.Client
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
