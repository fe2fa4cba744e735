package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Plan is one purchasable subscription tier.
type Plan struct {
	Days  int    `validate:"gt=0"`
	Price int    `validate:"gt=0"`
	Label string `validate:"required"`
}

type Config struct {
	DBUser     string `validate:"required"`
	DBPassword string `validate:"required"`
	DBName     string `validate:"required"`
	DBHost     string `validate:"required"`
	DBPort     string `validate:"required"`

	RedisHost     string `validate:"required"`
	RedisPort     string `validate:"required"`
	RedisPassword string

	BotToken string

	XuiBaseURL    string `validate:"required,url"`
	XuiBasePath   string
	XuiUsername   string `validate:"required"`
	XuiPassword   string `validate:"required"`
	XuiInboundID  int64  `validate:"gt=0"`
	XuiPublicHost string `validate:"required"`
	XuiPublicPort int    `validate:"gt=0"`
	XuiLinkTag    string

	YookassaShopID        string `validate:"required"`
	YookassaKey           string `validate:"required"`
	YookassaReturnURL     string
	YookassaWebhookSecret string
	AllowedYooIP          []string

	WebhookAddr string `validate:"required"`

	Plans          []Plan `validate:"min=1,dive"`
	MaxKeysPerUser int    `validate:"gt=0"`

	IdempotencyTTL       time.Duration `validate:"gt=0"`
	UpdateIdempotencyTTL time.Duration `validate:"gt=0"`
	RateLimitWindow      time.Duration `validate:"gt=0"`
	RateLimitMax         int64         `validate:"gt=0"`
	AdminStateTTL        time.Duration `validate:"gt=0"`

	KeyRecoveryThreshold time.Duration `validate:"gt=0"`
	KeyUnusedTTL         time.Duration `validate:"gt=0"`
	RecoveryInterval     time.Duration `validate:"gt=0"`
	CleanupInterval      time.Duration `validate:"gt=0"`
	NotifyInterval       time.Duration `validate:"gt=0"`

	AdminIDs []int64
}

func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	cfg := &Config{
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "uzden_bot"),
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		BotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),

		XuiBaseURL:    getEnv("XUI_BASE_URL", ""),
		XuiBasePath:   getEnv("XUI_BASE_PATH", ""),
		XuiUsername:   getEnv("XUI_USERNAME", ""),
		XuiPassword:   getEnv("XUI_PASSWORD", ""),
		XuiInboundID:  getEnvInt64("XUI_INBOUND_ID", 1),
		XuiPublicHost: getEnv("XUI_PUBLIC_HOST", ""),
		XuiPublicPort: getEnvInt("XUI_PUBLIC_PORT", 443),
		XuiLinkTag:    getEnv("XUI_LINK_TAG", "reality443-auto"),

		YookassaShopID:        getEnv("YOOKASSA_SHOP_ID", ""),
		YookassaKey:           getEnv("YOOKASSA_SECRET_KEY", ""),
		YookassaReturnURL:     getEnv("YOOKASSA_RETURN_URL", "https://t.me"),
		YookassaWebhookSecret: getEnv("YOOKASSA_WEBHOOK_SECRET", ""),
		AllowedYooIP: []string{
			"185.71.76.0/27",
			"185.71.77.0/27",
			"77.75.153.0/25",
			"77.75.156.224/28",
			"77.75.154.128/25",
			"2a02:5180::/32",
		},

		WebhookAddr: getEnv("WEBHOOK_ADDR", ":8080"),

		MaxKeysPerUser: getEnvInt("MAX_KEYS_PER_USER", 3),

		IdempotencyTTL:       getEnvDuration("IDEMPOTENCY_TTL", 10*time.Second),
		UpdateIdempotencyTTL: getEnvDuration("UPDATE_IDEMPOTENCY_TTL", 10*time.Minute),
		RateLimitWindow:      getEnvDuration("RATE_LIMIT_WINDOW", 3*time.Second),
		RateLimitMax:         getEnvInt64("RATE_LIMIT_MAX", 3),
		AdminStateTTL:        getEnvDuration("ADMIN_STATE_TTL", 10*time.Minute),

		KeyRecoveryThreshold: getEnvDuration("KEY_RECOVERY_THRESHOLD", 5*time.Minute),
		KeyUnusedTTL:         getEnvDuration("KEY_UNUSED_TTL", 24*time.Hour),
		RecoveryInterval:     getEnvDuration("RECOVERY_INTERVAL", 10*time.Minute),
		CleanupInterval:      getEnvDuration("CLEANUP_INTERVAL", time.Hour),
		NotifyInterval:       getEnvDuration("NOTIFY_INTERVAL", time.Hour),

		AdminIDs: parseIDList(getEnv("TELEGRAM_ADMIN_IDS", "")),
	}

	plans, err := parsePlans(getEnv("SUBSCRIPTION_PLANS", "30:255:1 месяц,60:449:2 месяца"))
	if err != nil {
		return nil, fmt.Errorf("invalid SUBSCRIPTION_PLANS: %w", err)
	}
	cfg.Plans = plans

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// PlanByDays returns the configured plan with the given duration.
func (c *Config) PlanByDays(days int) (Plan, bool) {
	for _, p := range c.Plans {
		if p.Days == days {
			return p, true
		}
	}
	return Plan{}, false
}

func (c *Config) IsAdmin(telegramID int64) bool {
	for _, id := range c.AdminIDs {
		if id == telegramID {
			return true
		}
	}
	return false
}

// parsePlans reads "days:price:label" triples separated by commas.
func parsePlans(raw string) ([]Plan, error) {
	var plans []Plan
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.SplitN(part, ":", 3)
		if len(fields) != 3 {
			return nil, fmt.Errorf("bad plan %q, want days:price:label", part)
		}
		days, err := strconv.Atoi(strings.TrimSpace(fields[0]))
		if err != nil {
			return nil, fmt.Errorf("bad plan days in %q: %w", part, err)
		}
		price, err := strconv.Atoi(strings.TrimSpace(fields[1]))
		if err != nil {
			return nil, fmt.Errorf("bad plan price in %q: %w", part, err)
		}
		plans = append(plans, Plan{Days: days, Price: price, Label: strings.TrimSpace(fields[2])})
	}
	return plans, nil
}

func parseIDList(raw string) []int64 {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if id, err := strconv.ParseInt(part, 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
