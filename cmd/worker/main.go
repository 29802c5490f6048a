/**
 * Guide Pipeline Worker - Main Entry Point
 *
 * Go worker for document labeling-guide analysis.
 *
 * Architecture:
 * - Asynq consumer for Redis-backed analyze queue
 * - Four-stage pipeline: rule builder, rule applier, stability
 *   aggregator, consolidator
 * - External vision observation provider for page reports
 * - PostgreSQL persistence for projects, pages, guides, and runs
 * - Qdrant guide similarity index (optional, non-fatal)
 * - Read-only HTTP API for status and guide retrieval
 */

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/planlens/guidepipeline-worker/internal/clients"
	"github.com/planlens/guidepipeline-worker/internal/config"
	"github.com/planlens/guidepipeline-worker/internal/embedding"
	"github.com/planlens/guidepipeline-worker/internal/httpapi"
	"github.com/planlens/guidepipeline-worker/internal/observation"
	"github.com/planlens/guidepipeline-worker/internal/pipeline"
	"github.com/planlens/guidepipeline-worker/internal/queue"
	"github.com/planlens/guidepipeline-worker/internal/storage"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(".env.guidepipeline"); err != nil {
		log.Printf("Warning: .env.guidepipeline not found, using system environment variables")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Guide pipeline worker starting...")
	log.Printf("Configuration loaded: Redis=%s, Qdrant=%s, Workers=%d, Appliers=%d",
		cfg.RedisURL, cfg.QdrantURL, cfg.WorkerConcurrency, cfg.ApplierConcurrency)

	// Storage: PostgreSQL system of record plus optional Qdrant index
	log.Printf("Connecting to storage...")
	storageManager, err := storage.NewManager(cfg.DatabaseURL, cfg.QdrantURL, cfg.QdrantCollection)
	if err != nil {
		log.Fatalf("Failed to initialize storage manager: %v", err)
	}
	defer storageManager.Close()
	log.Printf("Storage manager initialized")

	fileStore, err := storage.NewFileStore(cfg.UploadDir)
	if err != nil {
		log.Fatalf("Failed to initialize file store: %v", err)
	}

	// Redis progress tracking and analyze locks
	tracker, err := pipeline.NewTracker(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to initialize progress tracker: %v", err)
	}
	defer tracker.Close()

	// Observation provider
	provider := observation.NewClient(cfg.ObservationURL)
	healthCtx, healthCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := provider.HealthCheck(healthCtx); err != nil {
		log.Printf("Warning: observation provider unreachable at startup: %v", err)
	}
	healthCancel()

	// Orchestrator with optional collaborators
	orchestrator := pipeline.NewOrchestrator(cfg, storageManager.Postgres, fileStore, provider, tracker).
		WithTokenScanner(observation.NewTokenScanner(cfg.TesseractPath))

	if cfg.ExtractionURL != "" {
		orchestrator.WithGuidePusher(clients.NewExtractionClient(cfg.ExtractionURL))
		log.Printf("Extraction engine delivery enabled: %s", cfg.ExtractionURL)
	}

	if cfg.VoyageAPIKey != "" {
		embedder, err := embedding.NewClient(cfg.VoyageAPIKey)
		if err != nil {
			log.Printf("Warning: embedding client disabled: %v", err)
		} else {
			orchestrator.WithSimilarityIndex(embedder, storageManager)
			log.Printf("Guide similarity indexing enabled")
		}
	}

	// Queue consumer
	log.Printf("Connecting to Redis queue...")
	queueConsumer, err := queue.NewConsumer(&queue.ConsumerConfig{
		RedisURL:       cfg.RedisURL,
		QueueName:      "guidepipeline",
		Concurrency:    cfg.WorkerConcurrency,
		Runner:         orchestrator,
		AnalyzeTimeout: int64(cfg.AnalyzeTimeout),
	})
	if err != nil {
		log.Fatalf("Failed to initialize queue consumer: %v", err)
	}

	if err := queueConsumer.Start(context.Background()); err != nil {
		log.Fatalf("Failed to start queue consumer: %v", err)
	}
	log.Printf("Queue consumer started with concurrency=%d", cfg.WorkerConcurrency)

	// Read-only retrieval API
	apiServer := httpapi.NewServer(cfg.HTTPAddr, storageManager.Postgres, tracker)
	go func() {
		if err := apiServer.Start(); err != nil {
			log.Printf("HTTP API error: %v", err)
		}
	}()

	log.Printf("===========================================")
	log.Printf("Guide pipeline worker is READY")
	log.Printf("===========================================")
	log.Printf("Queue: guidepipeline")
	log.Printf("Workers: %d, appliers per run: %d", cfg.WorkerConcurrency, cfg.ApplierConcurrency)
	log.Printf("HTTP API: %s", cfg.HTTPAddr)
	log.Printf("===========================================")
	log.Printf("Waiting for analyze tasks...")

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigChan
	log.Printf("Received signal %v, initiating graceful shutdown...", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error stopping HTTP API: %v", err)
	}

	if err := queueConsumer.Stop(shutdownCtx); err != nil {
		log.Printf("Error stopping queue consumer: %v", err)
	}

	log.Printf("Shutdown complete")
}
