package config

import (
	"context"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

// Config is the full environment surface of the bot. Everything tunable
// lives here; no component reads os.Getenv on its own.
type Config struct {
	Production bool `env:"PRODUCTION"`

	TelegramBotToken string `env:"TELEGRAM_BOT_TOKEN"`
	TelegramDebug    bool   `env:"TELEGRAM_DEBUG"`

	GeminiSecretKey string        `env:"GEMINI_SECRET_KEY"`
	GeminiModel     string        `env:"GEMINI_MODEL,default=gemini-2.5-flash"`
	Temperature     float32       `env:"GEMINI_TEMPERATURE,default=0.2"`
	MaxOutputTokens int32         `env:"GEMINI_MAX_TOKENS,default=2000"`
	CallTimeout     time.Duration `env:"GEMINI_TIMEOUT,default=60s"`

	RateLimitWindow time.Duration `env:"RATE_LIMIT_WINDOW,default=30s"`

	DataDir string `env:"DATA_DIR,default=data/users"`
	OpsPort string `env:"OPS_PORT,default=8080"`
}

// Load reads .env (when present) and resolves the typed config from the
// environment. Missing required credentials are an error here, not a
// Fatal deep inside a component.
func Load(ctx context.Context) (*Config, error) {
	godotenv.Load()

	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("could not process environment: %w", err)
	}

	if cfg.TelegramBotToken == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}
	if cfg.GeminiSecretKey == "" {
		return nil, fmt.Errorf("GEMINI_SECRET_KEY is required")
	}
	if cfg.RateLimitWindow <= 0 {
		return nil, fmt.Errorf("RATE_LIMIT_WINDOW must be positive")
	}

	return &cfg, nil
}
