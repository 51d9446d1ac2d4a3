package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	APIPort            string
	WorkerEnabled      bool   // when true, the poll drainer runs in-process
	BackendAPIKey      string // API key for authenticating requests (empty = no auth, dev mode)
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)
	PublicBaseURL      string // Externally reachable base URL, used to build provider callback URLs

	// Database
	DatabaseURL string

	// Redis
	RedisURL string

	// Kie (Veo 3 generation via the Kie.ai aggregator)
	KieAPIKey  string
	KieBaseURL string

	// Sora 2
	SoraAPIKey  string
	SoraBaseURL string

	// Kling
	KlingAPIKey  string
	KlingBaseURL string

	// Runway (scene extension via video-to-video continuation)
	RunwayAPIKey  string
	RunwayBaseURL string

	// Cloudinary (segment concatenation)
	CloudinaryCloudName string
	CloudinaryAPIKey    string
	CloudinaryAPISecret string

	// OpenAI (scene prompt synthesis from a bare script)
	OpenAIKey string

	// Gemini (reference image analysis for presenter continuity)
	GeminiKey string

	// Billing
	CreditsPerScene int

	// Poller
	MaxConcurrentPolls int
	PollAfterSeconds   int // how long a dispatched task waits before its first scheduled poll
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	cfg := &Config{
		APIPort:             getEnv("API_PORT", "8080"),
		WorkerEnabled:       getEnvBool("WORKER_ENABLED", true),
		BackendAPIKey:       getEnv("BACKEND_API_KEY", ""),
		CorsAllowedOrigins:  getEnv("CORS_ALLOWED_ORIGINS", ""),
		PublicBaseURL:       getEnv("PUBLIC_BASE_URL", ""),
		DatabaseURL:         getEnv("DATABASE_URL", ""),
		RedisURL:            getEnv("REDIS_URL", "redis://localhost:6379"),
		KieAPIKey:           getEnv("KIE_API_KEY", ""),
		KieBaseURL:          getEnv("KIE_BASE_URL", "https://api.kie.ai"),
		SoraAPIKey:          getEnv("SORA_API_KEY", ""),
		SoraBaseURL:         getEnv("SORA_BASE_URL", "https://api.kie.ai"),
		KlingAPIKey:         getEnv("KLING_API_KEY", ""),
		KlingBaseURL:        getEnv("KLING_BASE_URL", "https://api-singapore.klingai.com"),
		RunwayAPIKey:        getEnv("RUNWAY_API_KEY", ""),
		RunwayBaseURL:       getEnv("RUNWAY_BASE_URL", "https://api.dev.runwayml.com"),
		CloudinaryCloudName: getEnv("CLOUDINARY_CLOUD_NAME", ""),
		CloudinaryAPIKey:    getEnv("CLOUDINARY_API_KEY", ""),
		CloudinaryAPISecret: getEnv("CLOUDINARY_API_SECRET", ""),
		OpenAIKey:           getEnv("OPENAI_API_KEY", ""),
		GeminiKey:           getEnv("GEMINI_API_KEY", ""),
		CreditsPerScene:     getEnvInt("CREDITS_PER_SCENE", 10),
		MaxConcurrentPolls:  getEnvInt("MAX_CONCURRENT_POLLS", 5),
		PollAfterSeconds:    getEnvInt("POLL_AFTER_SECONDS", 120),
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.PublicBaseURL == "" {
		return nil, fmt.Errorf("PUBLIC_BASE_URL is required (providers deliver webhooks to it)")
	}

	// At least one video provider must be configured
	if cfg.KieAPIKey == "" && cfg.SoraAPIKey == "" && cfg.KlingAPIKey == "" && cfg.RunwayAPIKey == "" {
		return nil, fmt.Errorf("at least one provider API key is required (KIE_API_KEY, SORA_API_KEY, KLING_API_KEY, RUNWAY_API_KEY)")
	}

	if cfg.CloudinaryCloudName == "" || cfg.CloudinaryAPIKey == "" || cfg.CloudinaryAPISecret == "" {
		return nil, fmt.Errorf("CLOUDINARY_CLOUD_NAME, CLOUDINARY_API_KEY and CLOUDINARY_API_SECRET are required for stitching")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return defaultValue
}
