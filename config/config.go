package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"coldreach/models"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var (
	DB        *gorm.DB
	AppConfig Config
	envLoaded bool
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type SMTPConfig struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Username  string `json:"username"`
	Password  string `json:"-"`
	FromEmail string `json:"from_email"`
}

// DispatchConfig controls the send sweep and its retry policy
type DispatchConfig struct {
	Schedule         string        `json:"schedule"`
	BatchSize        int           `json:"batch_size"`
	Concurrency      int           `json:"concurrency"`
	SendTimeout      time.Duration `json:"send_timeout"`
	MaxAttempts      int           `json:"max_attempts"`
	RetryInitial     time.Duration `json:"retry_initial"`
	RetryMax         time.Duration `json:"retry_max"`
	ClaimStaleAfter  time.Duration `json:"claim_stale_after"`
	ReplyPollCron    string        `json:"reply_poll_cron"`
	TriggerRateLimit int           `json:"trigger_rate_limit"`
}

type Config struct {
	Environment     string         `json:"environment"`
	LogLevel        string         `json:"log_level"`
	ServerPort      string         `json:"server_port"`
	JWTSecret       string         `json:"-"`
	EncryptionKey   string         `json:"-"`
	SentryDSN       string         `json:"-"`
	DBHost          string         `json:"db_host"`
	DBPort          string         `json:"db_port"`
	DBUser          string         `json:"db_user"`
	DBPassword      string         `json:"-"`
	DBName          string         `json:"db_name"`
	DBSSLMode       string         `json:"db_ssl_mode"`
	DBMaxIdleConns  int            `json:"db_max_idle_conns"`
	DBMaxOpenConns  int            `json:"db_max_open_conns"`
	CORSOrigins     []string       `json:"cors_origins"`
	TrackingBaseURL string         `json:"tracking_base_url"`
	OpenAIAPIKey    string         `json:"-"`
	OpenAIModel     string         `json:"openai_model"`
	Redis           RedisConfig    `json:"redis"`
	SMTP            SMTPConfig     `json:"smtp"`
	Dispatch        DispatchConfig `json:"dispatch"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
	envLoaded = true
}

func LoadConfig() error {
	AppConfig = Config{
		Environment:     getEnv("ENVIRONMENT", "development"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		ServerPort:      getEnv("SERVER_PORT", "5000"),
		JWTSecret:       getEnv("JWT_SECRET", ""),
		EncryptionKey:   getEnv("ENCRYPTION_KEY", ""),
		SentryDSN:       getEnv("SENTRY_DSN", ""),
		DBHost:          getEnv("DB_HOST", "localhost"),
		DBPort:          getEnv("DB_PORT", "5432"),
		DBUser:          getEnv("DB_USER", "postgres"),
		DBPassword:      getEnv("DB_PASSWORD", ""),
		DBName:          getEnv("DB_NAME", "coldreach"),
		DBSSLMode:       getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns:  getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns:  getEnvAsInt("DB_MAX_OPEN_CONNS", 100),
		CORSOrigins:     getEnvAsList("CORS_ORIGINS", []string{"http://localhost:3000"}),
		TrackingBaseURL: strings.TrimRight(getEnv("TRACKING_BASE_URL", "http://localhost:5000"), "/"),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:     getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		Redis: RedisConfig{
			Enabled:  getEnv("REDIS_ENABLED", "false") == "true",
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		SMTP: SMTPConfig{
			Host:      getEnv("SMTP_HOST", ""),
			Port:      getEnvAsInt("SMTP_PORT", 587),
			Username:  getEnv("SMTP_USERNAME", ""),
			Password:  getEnv("SMTP_PASSWORD", ""),
			FromEmail: getEnv("FROM_EMAIL", ""),
		},
		Dispatch: DispatchConfig{
			Schedule:         getEnv("DISPATCH_SCHEDULE", "*/5 * * * *"),
			BatchSize:        getEnvAsInt("DISPATCH_BATCH_SIZE", 50),
			Concurrency:      getEnvAsInt("DISPATCH_CONCURRENCY", 4),
			SendTimeout:      time.Duration(getEnvAsInt("SEND_TIMEOUT_SECONDS", 60)) * time.Second,
			MaxAttempts:      getEnvAsInt("SEND_MAX_ATTEMPTS", 5),
			RetryInitial:     time.Duration(getEnvAsInt("SEND_RETRY_INITIAL_MINUTES", 5)) * time.Minute,
			RetryMax:         time.Duration(getEnvAsInt("SEND_RETRY_MAX_MINUTES", 240)) * time.Minute,
			ClaimStaleAfter:  time.Duration(getEnvAsInt("CLAIM_STALE_MINUTES", 15)) * time.Minute,
			ReplyPollCron:    getEnv("REPLY_POLL_SCHEDULE", "*/10 * * * *"),
			TriggerRateLimit: getEnvAsInt("RATE_LIMIT_SEND_TRIGGER", 6),
		},
	}

	// Validate required configurations
	if AppConfig.DBPassword == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if AppConfig.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	switch len(AppConfig.EncryptionKey) {
	case 16, 24, 32:
	default:
		return fmt.Errorf("ENCRYPTION_KEY must be 16, 24 or 32 bytes")
	}
	if AppConfig.Dispatch.MaxAttempts < 1 {
		return fmt.Errorf("SEND_MAX_ATTEMPTS must be at least 1")
	}

	logConfig()
	return nil
}

func ConnectDB() error {
	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBUser,
		AppConfig.DBPassword,
		AppConfig.DBName,
		AppConfig.DBSSLMode,
	)
	logrus.WithField("dsn", maskPassword(dsn)).Info("Connecting to database")

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Warn),
	})
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

	logrus.Info("Database connected, running migrations")
	if err := models.AutoMigrate(DB); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	logrus.Info("Database migration completed")
	return nil
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	if !envLoaded && fallback == "" {
		logrus.Warnf("Environment variable %s not found and no fallback provided", key)
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsList(key string, fallback []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
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

func logConfig() {
	logrus.WithFields(logrus.Fields{
		"environment":       AppConfig.Environment,
		"port":              AppConfig.ServerPort,
		"database":          fmt.Sprintf("%s@%s:%s/%s", AppConfig.DBUser, AppConfig.DBHost, AppConfig.DBPort, AppConfig.DBName),
		"redis":             AppConfig.Redis.Enabled,
		"dispatch_schedule": AppConfig.Dispatch.Schedule,
		"ai_generation":     AppConfig.OpenAIAPIKey != "",
	}).Info("Loaded configuration")
}
