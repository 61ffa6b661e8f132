package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	// FAL provider
	FalAPIKey        string
	FalQueueURL      string
	FalModel         string
	FalEditModel     string
	FalWebhookSecret string
	FalTimeout       time.Duration

	// Supabase
	SupabaseURL            string
	SupabasePublishableKey string
	SupabaseJWTSecret      string
	SupabaseStorageBucket  string
	SupabaseEventsTable    string

	// Cloudinary (alternative asset store)
	CloudinaryCloudName string
	CloudinaryAPIKey    string
	CloudinaryAPISecret string

	// AssetStore selects "supabase" or "cloudinary".
	AssetStore string

	// Webhook
	WebhookCallbackURL string

	// Robokassa
	RobokassaMerchantLogin string
	RobokassaPassword1     string
	RobokassaPassword2     string
	RobokassaTestMode      bool
	PointPrice             decimal.Decimal

	// Credits
	PricingFile       string
	MaxActiveJobs     int
	SignupBonusPoints int64
	GenerateRateLimit float64
	GenerateBurst     int

	// Database
	DatabaseDriver string
	DatabaseURL    string
	DBMaxOpenConns int
	DBMaxIdleConns int
	DBConnMaxLife  time.Duration
	DBPingTimeout  time.Duration
	RunMigrations  bool

	// Server
	Port        string
	Environment string
	BaseURL     string
	LogLevel    string
}

// Load reads configuration from the environment, after applying a .env file if present.
func Load() (*Config, error) {
	cfg, err := load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadDatabase is Load for tools that only need the database settings.
func LoadDatabase() (*Config, error) {
	cfg, err := load()
	if err != nil {
		return nil, err
	}
	if err := cfg.validateDatabase(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func load() (*Config, error) {
	_ = godotenv.Load()

	falTimeout, err := getEnvDuration("FAL_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}
	connMaxLife, err := getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	pingTimeout, err := getEnvDuration("DB_PING_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	pointPrice, err := decimal.NewFromString(getEnv("POINT_PRICE", "10.00"))
	if err != nil {
		return nil, fmt.Errorf("invalid POINT_PRICE: %w", err)
	}
	rateLimit, err := strconv.ParseFloat(getEnv("GENERATE_RATE_LIMIT", "1"), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid GENERATE_RATE_LIMIT: %w", err)
	}

	cfg := &Config{
		FalAPIKey:        getEnv("FAL_KEY", ""),
		FalQueueURL:      getEnv("FAL_QUEUE_URL", "https://queue.fal.run"),
		FalModel:         getEnv("FAL_MODEL", "fal-ai/flux/dev"),
		FalEditModel:     getEnv("FAL_EDIT_MODEL", "fal-ai/flux/dev/image-to-image"),
		FalWebhookSecret: getEnv("FAL_WEBHOOK_SECRET", ""),
		FalTimeout:       falTimeout,

		SupabaseURL:            getEnv("SUPABASE_URL", ""),
		SupabasePublishableKey: getEnv("SUPABASE_PUBLISHABLE_KEY", ""),
		SupabaseJWTSecret:      getEnv("SUPABASE_JWT_SECRET", ""),
		SupabaseStorageBucket:  getEnv("SUPABASE_STORAGE_BUCKET", "generations"),
		SupabaseEventsTable:    getEnv("SUPABASE_EVENTS_TABLE", "job_events"),

		CloudinaryCloudName: getEnv("CLOUDINARY_CLOUD_NAME", ""),
		CloudinaryAPIKey:    getEnv("CLOUDINARY_API_KEY", ""),
		CloudinaryAPISecret: getEnv("CLOUDINARY_API_SECRET", ""),
		AssetStore:          getEnv("ASSET_STORE", "supabase"),

		WebhookCallbackURL: getEnv("WEBHOOK_CALLBACK_URL", ""),

		RobokassaMerchantLogin: getEnv("ROBOKASSA_MERCHANT_LOGIN", ""),
		RobokassaPassword1:     getEnv("ROBOKASSA_PASSWORD1", ""),
		RobokassaPassword2:     getEnv("ROBOKASSA_PASSWORD2", ""),
		RobokassaTestMode:      getEnvBool("ROBOKASSA_TEST_MODE", true),
		PointPrice:             pointPrice,

		PricingFile:       getEnv("PRICING_FILE", ""),
		MaxActiveJobs:     getEnvInt("MAX_ACTIVE_JOBS", 5),
		SignupBonusPoints: int64(getEnvInt("SIGNUP_BONUS_POINTS", 10)),
		GenerateRateLimit: rateLimit,
		GenerateBurst:     getEnvInt("GENERATE_RATE_BURST", 3),

		DatabaseDriver: getEnv("DATABASE_DRIVER", "postgres"),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		DBMaxOpenConns: getEnvInt("DB_MAX_OPEN_CONNS", 25),
		DBMaxIdleConns: getEnvInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxLife:  connMaxLife,
		DBPingTimeout:  pingTimeout,
		RunMigrations:  getEnvBool("RUN_MIGRATIONS", true),

		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENVIRONMENT", "development"),
		BaseURL:     getEnv("BASE_URL", "http://localhost:8080"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.FalAPIKey == "" {
		return fmt.Errorf("FAL_KEY is required")
	}
	if c.FalWebhookSecret == "" {
		return fmt.Errorf("FAL_WEBHOOK_SECRET is required")
	}
	if c.SupabaseJWTSecret == "" {
		return fmt.Errorf("SUPABASE_JWT_SECRET is required")
	}
	if c.RobokassaMerchantLogin == "" || c.RobokassaPassword1 == "" || c.RobokassaPassword2 == "" {
		return fmt.Errorf("ROBOKASSA_MERCHANT_LOGIN, ROBOKASSA_PASSWORD1 and ROBOKASSA_PASSWORD2 are required")
	}
	if err := c.validateDatabase(); err != nil {
		return err
	}
	switch c.AssetStore {
	case "supabase":
		if c.SupabaseURL == "" || c.SupabasePublishableKey == "" {
			return fmt.Errorf("SUPABASE_URL and SUPABASE_PUBLISHABLE_KEY are required for the supabase asset store")
		}
	case "cloudinary":
		if c.CloudinaryCloudName == "" || c.CloudinaryAPIKey == "" || c.CloudinaryAPISecret == "" {
			return fmt.Errorf("CLOUDINARY_CLOUD_NAME, CLOUDINARY_API_KEY and CLOUDINARY_API_SECRET are required for the cloudinary asset store")
		}
	default:
		return fmt.Errorf("ASSET_STORE must be supabase or cloudinary, got %q", c.AssetStore)
	}
	if c.MaxActiveJobs <= 0 {
		return fmt.Errorf("MAX_ACTIVE_JOBS must be positive, got %d", c.MaxActiveJobs)
	}
	if !c.PointPrice.IsPositive() {
		return fmt.Errorf("POINT_PRICE must be positive, got %s", c.PointPrice)
	}
	return nil
}

func (c *Config) validateDatabase() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	switch c.DatabaseDriver {
	case "postgres", "sqlite3":
	default:
		return fmt.Errorf("DATABASE_DRIVER must be postgres or sqlite3, got %q", c.DatabaseDriver)
	}
	return nil
}

// WebhookURL is where FAL posts completions.
func (c *Config) WebhookURL() string {
	if c.WebhookCallbackURL != "" {
		return c.WebhookCallbackURL
	}
	return c.BaseURL + "/api/v1/webhooks/fal"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
