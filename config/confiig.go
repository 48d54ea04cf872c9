package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"dripflow/models"
)

var (
	DB        *gorm.DB
	AppConfig Config
)

type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"-"`
	DB       int    `json:"db"`
}

type QueueConfig struct {
	Prefix       string        `json:"prefix"`
	Concurrency  int           `json:"concurrency"`
	MaxAttempts  int           `json:"max_attempts"`
	Backoff      time.Duration `json:"backoff"`
	PollInterval time.Duration `json:"poll_interval"`
}

// ServiceConfig addresses an outbound collaborator API
type ServiceConfig struct {
	URL     string        `json:"url"`
	APIKey  string        `json:"-"`
	Timeout time.Duration `json:"timeout"`
}

type Config struct {
	Environment    string `json:"environment"`
	ServerPort     string `json:"server_port"`
	LogLevel       string `json:"log_level"`
	SentryDSN      string `json:"-"`
	JWTSecret      string `json:"-"`
	AllowedOrigins string `json:"allowed_origins"`
	AppURL         string `json:"app_url"`

	DBHost         string `json:"db_host"`
	DBPort         string `json:"db_port"`
	DBUser         string `json:"db_user"`
	DBPassword     string `json:"-"`
	DBName         string `json:"db_name"`
	DBSSLMode      string `json:"db_ssl_mode"`
	DBMaxIdleConns int    `json:"db_max_idle_conns"`
	DBMaxOpenConns int    `json:"db_max_open_conns"`

	Redis RedisConfig `json:"redis"`
	Queue QueueConfig `json:"queue"`

	SMTPHost     string `json:"smtp_host"`
	SMTPPort     int    `json:"smtp_port"`
	SMTPUsername string `json:"smtp_username"`
	SMTPPassword string `json:"-"`
	FromEmail    string `json:"from_email"`
	FromName     string `json:"from_name"`

	Content   ServiceConfig `json:"content"`
	Publisher ServiceConfig `json:"publisher"`

	DefaultMaxConsecutiveErrors int           `json:"default_max_consecutive_errors"`
	RateLimitCampaignActions    int           `json:"rate_limit_campaign_actions"`
	ChannelCacheBytes           int           `json:"channel_cache_bytes"`
	ChannelCacheTTL             time.Duration `json:"channel_cache_ttl"`
	MonitorInterval             time.Duration `json:"monitor_interval"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
}

func LoadConfig() error {
	AppConfig = Config{
		Environment:    getEnv("ENVIRONMENT", "development"),
		ServerPort:     getEnv("SERVER_PORT", "5000"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		SentryDSN:      getEnv("SENTRY_DSN", ""),
		JWTSecret:      getEnv("JWT_SECRET", ""),
		AllowedOrigins: getEnv("ALLOWED_ORIGINS", "http://localhost:3000"),
		AppURL:         strings.TrimRight(getEnv("APP_URL", "http://localhost:3000"), "/"),

		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "dripflow"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 100),

		Redis: RedisConfig{
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Queue: QueueConfig{
			Prefix:       getEnv("QUEUE_PREFIX", "dripflow:jobs"),
			Concurrency:  getEnvAsInt("QUEUE_CONCURRENCY", 3),
			MaxAttempts:  getEnvAsInt("QUEUE_MAX_ATTEMPTS", 3),
			Backoff:      getEnvAsDuration("QUEUE_BACKOFF", 30*time.Second),
			PollInterval: getEnvAsDuration("QUEUE_POLL_INTERVAL", time.Second),
		},

		SMTPHost:     getEnv("SMTP_HOST", ""),
		SMTPPort:     getEnvAsInt("SMTP_PORT", 587),
		SMTPUsername: getEnv("SMTP_USERNAME", ""),
		SMTPPassword: getEnv("SMTP_PASSWORD", ""),
		FromEmail:    getEnv("FROM_EMAIL", "noreply@dripflow.local"),
		FromName:     getEnv("FROM_NAME", "Dripflow"),

		Content: ServiceConfig{
			URL:     strings.TrimRight(getEnv("CONTENT_API_URL", ""), "/"),
			APIKey:  getEnv("CONTENT_API_KEY", ""),
			Timeout: getEnvAsDuration("CONTENT_API_TIMEOUT", 2*time.Minute),
		},
		Publisher: ServiceConfig{
			URL:     strings.TrimRight(getEnv("PUBLISH_API_URL", ""), "/"),
			APIKey:  getEnv("PUBLISH_API_KEY", ""),
			Timeout: getEnvAsDuration("PUBLISH_API_TIMEOUT", time.Minute),
		},

		DefaultMaxConsecutiveErrors: getEnvAsInt("DEFAULT_MAX_CONSECUTIVE_ERRORS", 3),
		RateLimitCampaignActions:    getEnvAsInt("RATE_LIMIT_CAMPAIGN_ACTIONS", 30),
		ChannelCacheBytes:           getEnvAsInt("CHANNEL_CACHE_BYTES", 1024*1024),
		ChannelCacheTTL:             getEnvAsDuration("CHANNEL_CACHE_TTL", 5*time.Minute),
		MonitorInterval:             getEnvAsDuration("QUEUE_MONITOR_INTERVAL", 30*time.Second),
	}

	return AppConfig.Validate()
}

// Validate checks the settings the service cannot start without
func (c *Config) Validate() error {
	if c.DBPassword == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.Queue.Concurrency < 1 {
		return fmt.Errorf("QUEUE_CONCURRENCY must be at least 1")
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("QUEUE_MAX_ATTEMPTS must be at least 1")
	}
	if c.Environment == "production" {
		if c.Content.URL == "" || c.Publisher.URL == "" {
			return fmt.Errorf("CONTENT_API_URL and PUBLISH_API_URL are required in production")
		}
		if c.SMTPHost == "" {
			return fmt.Errorf("SMTP_HOST is required in production")
		}
	}
	return nil
}

func (c *Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost,
		c.DBPort,
		c.DBUser,
		c.DBPassword,
		c.DBName,
		c.DBSSLMode,
	)
}

func ConnectDB() error {
	dsn := AppConfig.DSN()
	logrus.WithField("dsn", maskPassword(dsn)).Info("Connecting to database")

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get DB instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(AppConfig.DBMaxIdleConns)
	sqlDB.SetMaxOpenConns(AppConfig.DBMaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	logrus.Info("Connected to the database")
	return nil
}

// Migrate creates or updates the engine's tables
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Channel{},
		&models.DripCampaign{},
		&models.DripPost{},
		&models.DripHistory{},
	)
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	var value int
	_, err := fmt.Sscanf(valueStr, "%d", &value)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		logrus.WithField("key", key).Warnf("Invalid duration %q, using %s", valueStr, fallback)
		return fallback
	}
	return value
}

func maskPassword(dsn string) string {
	const passwordMarker = "password="
	startIdx := strings.Index(dsn, passwordMarker)
	if startIdx == -1 {
		return dsn
	}

	startIdx += len(passwordMarker)
	endIdx := strings.IndexAny(dsn[startIdx:], " ")
	if endIdx == -1 {
		return dsn[:startIdx] + "*****"
	}
	return dsn[:startIdx] + "*****" + dsn[startIdx+endIdx:]
}

// LogSummary prints the non-secret settings
func LogSummary(logger *logrus.Logger) {
	logger.WithFields(logrus.Fields{
		"environment": AppConfig.Environment,
		"port":        AppConfig.ServerPort,
		"database":    fmt.Sprintf("%s@%s:%s/%s", AppConfig.DBUser, AppConfig.DBHost, AppConfig.DBPort, AppConfig.DBName),
		"redis":       AppConfig.Redis.Address,
		"queue":       AppConfig.Queue.Prefix,
		"concurrency": AppConfig.Queue.Concurrency,
		"content_api": AppConfig.Content.URL != "",
		"publish_api": AppConfig.Publisher.URL != "",
		"smtp":        AppConfig.SMTPHost != "",
		"sentry":      AppConfig.SentryDSN != "",
	}).Info("Loaded configuration")
}
