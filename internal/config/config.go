package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"paidpost/internal/log"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type Config struct {
	DatabaseURL   string `validate:"required"`
	RedisAddr     string `validate:"required"`
	RedisPassword string
	JournalDir    string `validate:"required"`
	HTTPAddr      string `validate:"required"`
	MetricsAddr   string `validate:"required"`
	JWTSecret     string `validate:"required"`
	ServiceName   string `validate:"required"`
	OTLPEndpoint  string

	BotToken     string  `validate:"required"`
	BotAPIURL    string  `validate:"required,url"`
	ChannelID    string  `validate:"required"`
	AdminChatIDs []int64

	ProviderAPIURL    string  `validate:"required,url"`
	ProviderShopID    string  `validate:"required"`
	ProviderSecretKey string  `validate:"required"`
	ProviderReturnURL string  `validate:"omitempty,url"`
	PaymentAmount     float64 `validate:"gt=0"`
	PaymentCurrency   string  `validate:"required,len=3"`
	PaymentTTL        time.Duration

	ReaperInterval     time.Duration `validate:"gt=0"`
	ReaperThreshold    time.Duration `validate:"gt=0"`
	PublishMaxAttempts int           `validate:"min=1"`
	PublishBackoff     time.Duration `validate:"gte=0"`
	MisfireGrace       time.Duration `validate:"gte=0"`
	SyncInterval       time.Duration `validate:"gt=0"`
	LedgerTTL          time.Duration `validate:"gt=0"`
	Location           *time.Location

	KafkaBrokers []string
	KafkaTopic   string
}

func Load() (*Config, error) {
	logger := log.NewLogger()
	// .env is optional when the variables are set elsewhere
	if err := godotenv.Load(); err != nil {
		logger.Warn("Failed to load .env file", zap.Error(err))
	}

	cfg := &Config{
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		JournalDir:        getEnv("JOURNAL_DIR", "./data/journal"),
		HTTPAddr:          getEnv("HTTP_ADDR", ":8080"),
		MetricsAddr:       getEnv("METRICS_ADDR", ":2112"),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		ServiceName:       getEnv("SERVICE_NAME", "paidpost"),
		OTLPEndpoint:      os.Getenv("OTLP_ENDPOINT"),
		BotToken:          os.Getenv("BOT_TOKEN"),
		BotAPIURL:         getEnv("BOT_API_URL", "https://api.telegram.org"),
		ChannelID:         os.Getenv("CHANNEL_ID"),
		ProviderAPIURL:    getEnv("PROVIDER_API_URL", "https://api.yookassa.ru/v3"),
		ProviderShopID:    os.Getenv("PROVIDER_SHOP_ID"),
		ProviderSecretKey: os.Getenv("PROVIDER_SECRET_KEY"),
		ProviderReturnURL: os.Getenv("PROVIDER_RETURN_URL"),
		PaymentCurrency:   getEnv("PAYMENT_CURRENCY", "RUB"),
		KafkaTopic:        getEnv("KAFKA_TOPIC", "paidpost.events"),
	}

	var err error
	if cfg.PaymentAmount, err = getFloat("PAYMENT_AMOUNT", 300); err != nil {
		return nil, err
	}
	if cfg.PaymentTTL, err = getDuration("PAYMENT_TTL", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.ReaperInterval, err = getDuration("REAPER_INTERVAL", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.ReaperThreshold, err = getDuration("REAPER_THRESHOLD", 120*time.Second); err != nil {
		return nil, err
	}
	if cfg.PublishMaxAttempts, err = getInt("PUBLISH_MAX_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if cfg.PublishBackoff, err = getDuration("PUBLISH_BACKOFF", 3*time.Second); err != nil {
		return nil, err
	}
	if cfg.MisfireGrace, err = getDuration("MISFIRE_GRACE", 300*time.Second); err != nil {
		return nil, err
	}
	if cfg.SyncInterval, err = getDuration("SCHEDULE_SYNC_INTERVAL", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.LedgerTTL, err = getDuration("LEDGER_TTL", 72*time.Hour); err != nil {
		return nil, err
	}

	cfg.Location = time.Local
	if tz := os.Getenv("TIMEZONE"); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("invalid TIMEZONE %q: %w", tz, err)
		}
		cfg.Location = loc
	}

	if ids := os.Getenv("ADMIN_CHAT_IDS"); ids != "" {
		for _, raw := range strings.Split(ids, ",") {
			id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
			if err != nil {
				logger.Error("Invalid ADMIN_CHAT_IDS entry", zap.String("entry", raw), zap.Error(err))
				return nil, fmt.Errorf("invalid ADMIN_CHAT_IDS entry %q: %w", raw, err)
			}
			cfg.AdminChatIDs = append(cfg.AdminChatIDs, id)
		}
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = strings.Split(brokers, ",")
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", zap.Error(err))
		return nil, err
	}

	logger.Info("Config loaded successfully")
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getInt(key string, fallback int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getFloat(key string, fallback float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}
