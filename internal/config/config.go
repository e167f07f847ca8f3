package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds the application configuration, loaded from environment
// variables.
type Config struct {
	// HTTP server. The write timeout must cover both sequential model
	// calls of the synchronous generation endpoint, so its default
	// exceeds twice the model timeout.
	Port                int      `envconfig:"SERVER_PORT" default:"8080"`
	BasePath            string   `envconfig:"SERVER_BASE_PATH" default:"/api"`
	ReadTimeoutSeconds  int      `envconfig:"SERVER_READ_TIMEOUT" default:"15"`
	WriteTimeoutSeconds int      `envconfig:"SERVER_WRITE_TIMEOUT" default:"300"`
	IdleTimeoutSeconds  int      `envconfig:"SERVER_IDLE_TIMEOUT" default:"60"`
	CORSAllowedOrigins  []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"http://localhost:3000"`

	// Model API
	AIAPIKey  string        `envconfig:"AI_API_KEY"`
	AIBaseURL string        `envconfig:"AI_BASE_URL" default:"https://api.openai.com/v1"`
	AIModel   string        `envconfig:"AI_MODEL" default:"gpt-4o"`
	AITimeout time.Duration `envconfig:"AI_TIMEOUT" default:"120s"`

	// Reader sessions
	SessionTTL      time.Duration `envconfig:"SESSION_TTL" default:"2h"`
	SessionCleanup  time.Duration `envconfig:"SESSION_CLEANUP_INTERVAL" default:"10m"`
	MaxGenerations  int           `envconfig:"MAX_CONCURRENT_GENERATIONS" default:"10"`
	TaskRetention   time.Duration `envconfig:"TASK_RETENTION" default:"1h"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// Load reads the configuration from the environment. The model API key
// is the only setting without a usable default.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if cfg.AIAPIKey == "" {
		return nil, fmt.Errorf("AI_API_KEY not set")
	}

	return &cfg, nil
}
