package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/lucasalmeidadh/lemeai-sync/internal/media"
)

// Config holds all configuration fields for the sync client.
type Config struct {
	APIBaseURL string
	HubURL     string

	PollInterval    time.Duration
	RefreshDebounce time.Duration

	ListenAddr      string
	DeviceStorePath string

	NotifyWebhookURL string
	RabbitURL        string
	RabbitQueue      string

	S3 media.S3Config

	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables, after loading a .env
// file when one is present (environment variables take precedence).
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Info().Msg("No .env file found, relying on environment variables")
	}

	cfg := &Config{
		APIBaseURL:       strings.TrimRight(os.Getenv("LEME_API_BASE_URL"), "/"),
		HubURL:           os.Getenv("LEME_HUB_URL"),
		ListenAddr:       getenvDefault("LISTEN_ADDR", ":8080"),
		DeviceStorePath:  getenvDefault("DEVICE_STORE_PATH", "lemeai-sync.db"),
		NotifyWebhookURL: os.Getenv("NOTIFY_WEBHOOK_URL"),
		RabbitURL:        os.Getenv("RABBITMQ_URL"),
		RabbitQueue:      os.Getenv("RABBITMQ_QUEUE"),
		LogLevel:         os.Getenv("LOG_LEVEL"),
		LogFormat:        os.Getenv("LOG_FORMAT"),
		S3: media.S3Config{
			Enabled:   getenvBool("S3_ARCHIVE_ENABLED"),
			Endpoint:  os.Getenv("S3_ENDPOINT"),
			Region:    os.Getenv("S3_REGION"),
			Bucket:    os.Getenv("S3_BUCKET"),
			AccessKey: os.Getenv("S3_ACCESS_KEY"),
			SecretKey: os.Getenv("S3_SECRET_KEY"),
			PathStyle: getenvBool("S3_PATH_STYLE"),
		},
	}

	if cfg.APIBaseURL == "" {
		return nil, fmt.Errorf("LEME_API_BASE_URL is required")
	}
	if cfg.HubURL == "" {
		// The realtime hub lives next to the REST API.
		cfg.HubURL = cfg.APIBaseURL + "/chatHub"
		log.Info().Str("hubURL", cfg.HubURL).Msg("LEME_HUB_URL not set, derived from API base URL")
	}

	cfg.PollInterval = getenvSeconds("POLL_INTERVAL_SECONDS", 15*time.Second)
	cfg.RefreshDebounce = getenvMillis("REFRESH_DEBOUNCE_MS", 500*time.Millisecond)

	return cfg, nil
}

func getenvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvBool(key string) bool {
	v, _ := strconv.ParseBool(os.Getenv(key))
	return v
}

func getenvSeconds(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Warn().Str(key, v).Msg("Invalid duration value, using default")
		return fallback
	}
	return time.Duration(n) * time.Second
}

func getenvMillis(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Warn().Str(key, v).Msg("Invalid duration value, using default")
		return fallback
	}
	return time.Duration(n) * time.Millisecond
}
