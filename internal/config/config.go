package config

import (
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config is everything the process reads from the environment. Loaded
// once at startup and immutable afterwards.
type Config struct {
	ListenAddr string `split_words:"true" default:":8080"`
	APIKey     string `envconfig:"API_KEY" required:"true"`

	// dynamo in deployment, sqlite for local runs
	StoreBackend string `split_words:"true" default:"dynamo"`
	TableName    string `split_words:"true" default:"temp-measurements"`
	SQLitePath   string `envconfig:"SQLITE_PATH" default:"measurements.db"`

	// device assumed for requests that name no logger, kept for
	// single-device deployments predating per-device partitioning
	DefaultLogger string `split_words:"true" default:"logger01"`

	TelegramToken  string `split_words:"true"`
	TelegramChatID string `envconfig:"TELEGRAM_CHAT_ID"`
}

// Load reads configuration from the environment, preloading an optional
// .env file for local development.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("TEMPLOG", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
