package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hammerpath/avatarcast/internal/api"
	"github.com/hammerpath/avatarcast/internal/config"
	"github.com/hammerpath/avatarcast/internal/db"
	"github.com/hammerpath/avatarcast/internal/orchestrator"
	"github.com/hammerpath/avatarcast/internal/providers"
	"github.com/hammerpath/avatarcast/internal/queue"
	"github.com/hammerpath/avatarcast/internal/services"
	"github.com/hammerpath/avatarcast/internal/stitch"
	"github.com/hammerpath/avatarcast/internal/worker"
)

func main() {
	log.Println("Starting Avatarcast API...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Connect to database
	database, err := db.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()
	log.Println("Connected to database")

	// Connect to Redis poll queue
	q, err := queue.New(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to queue: %v", err)
	}
	defer q.Close()
	log.Println("Connected to Redis queue")

	// Provider registry and the static fallback map
	registry := buildRegistry(cfg)

	// Cloudinary stitcher for multi-scene finals
	stitcher := stitch.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret)

	pollAfter := time.Duration(cfg.PollAfterSeconds) * time.Second

	saga := orchestrator.NewSaga(database, database, registry, stitcher, q, cfg.PublicBaseURL, pollAfter)
	router := orchestrator.NewRouter(database, database, registry, q, cfg.PublicBaseURL, cfg.CreditsPerScene, pollAfter)
	poller := orchestrator.NewPoller(database, registry, saga, q, cfg.MaxConcurrentPolls, pollAfter, 5*time.Minute)

	// Optional planning services
	var planner *services.OpenAIService
	if cfg.OpenAIKey != "" {
		planner = services.NewOpenAIService(cfg.OpenAIKey)
		log.Println("Scene planning enabled (OpenAI)")
	}
	var vision *services.GeminiService
	if cfg.GeminiKey != "" {
		vision = services.NewGeminiService(cfg.GeminiKey)
		log.Println("Reference image analysis enabled (Gemini)")
	}

	webhooks := api.NewWebhookHandler(registry, saga, database)
	handler := api.NewHandler(database, router, saga, poller, webhooks, planner, vision)
	mux := api.NewRouter(handler, api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
	})

	if cfg.BackendAPIKey != "" {
		log.Println("API key authentication enabled")
	} else {
		log.Println("WARNING: No BACKEND_API_KEY set — API is unprotected (dev mode)")
	}

	server := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: mux,
	}

	// Start the poll drainer if enabled
	var workerCtx context.Context
	var workerCancel context.CancelFunc
	if cfg.WorkerEnabled {
		log.Println("Worker enabled, starting poll drainer...")
		w := worker.New(q, poller)
		workerCtx, workerCancel = context.WithCancel(context.Background())
		go w.Start(workerCtx)
	}

	// Start server in goroutine
	go func() {
		log.Printf("API server listening on :%s", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	if workerCancel != nil {
		workerCancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}

// buildRegistry wires every configured provider and the fallback map. Models
// without an API key are simply not registered; requests naming them fail as
// unknown models.
func buildRegistry(cfg *config.Config) *orchestrator.Registry {
	registry := orchestrator.NewRegistry()

	if cfg.KieAPIKey != "" {
		registry.Register("veo3_fast", "kie", providers.NewKieAdapter(cfg.KieAPIKey, cfg.KieBaseURL, "veo3_fast"))
		registry.Register("veo3_quality", "kie", providers.NewKieAdapter(cfg.KieAPIKey, cfg.KieBaseURL, "veo3"))
		log.Println("Provider enabled: Kie (veo3_fast, veo3_quality)")
	}
	if cfg.SoraAPIKey != "" {
		registry.Register("sora2_pro_720", "sora", providers.NewSoraAdapter(cfg.SoraAPIKey, cfg.SoraBaseURL, "sora-2-pro", "720p"))
		log.Println("Provider enabled: Sora (sora2_pro_720)")
	}
	if cfg.KlingAPIKey != "" {
		registry.Register("kling_v21", "kling", providers.NewKlingAdapter(cfg.KlingAPIKey, cfg.KlingBaseURL, "kling-v2-1"))
		log.Println("Provider enabled: Kling (kling_v21)")
	}
	if cfg.RunwayAPIKey != "" {
		registry.Register("runway_gen4", "runway", providers.NewRunwayAdapter(cfg.RunwayAPIKey, cfg.RunwayBaseURL, "gen4_turbo"))
		log.Println("Provider enabled: Runway (runway_gen4)")
	}

	// Everything degrades toward veo3_fast; veo3_fast itself degrades
	// sideways to Kling. The attempt cap bounds the resulting cycle.
	registry.SetFallback("sora2_pro_720", "veo3_fast")
	registry.SetFallback("kling_v21", "veo3_fast")
	registry.SetFallback("runway_gen4", "veo3_fast")
	registry.SetFallback("veo3_quality", "veo3_fast")
	registry.SetFallback("veo3_fast", "kling_v21")

	return registry
}
