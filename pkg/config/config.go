package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database   DatabaseConfig
	Redis      RedisConfig
	JWT        JWTConfig
	CORS       CORSConfig
	Log        LogConfig
	Fees       FeesConfig
	Statements StatementsConfig
	Imports    ImportsConfig
	Events     EventsConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	AutoMigrate  bool
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret            string
	Expiration        time.Duration
	RefreshExpiration time.Duration
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// FeesConfig tunes the fee listing and collection summary endpoints.
type FeesConfig struct {
	SummaryCacheTTL time.Duration
	ListCacheTTL    time.Duration
	CacheEnabled    bool
}

// StatementsConfig configures asynchronous statement generation.
type StatementsConfig struct {
	Enabled           bool
	StorageDir        string
	SignedURLSecret   string
	SignedURLTTL      time.Duration
	CleanupInterval   time.Duration
	WorkerConcurrency int
	WorkerRetries     int
}

// ImportsConfig bounds the bulk student import endpoint.
type ImportsConfig struct {
	Enabled     bool
	MaxRows     int
	MaxFileSize int64
}

// EventsConfig wires the optional ledger event publisher.
type EventsConfig struct {
	AMQPURL  string
	Exchange string
	Queue    string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
		AutoMigrate:  v.GetBool("DB_AUTO_MIGRATE"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret:            v.GetString("JWT_SECRET"),
		Expiration:        parseDuration(v.GetString("JWT_EXPIRATION"), 24*time.Hour),
		RefreshExpiration: parseDuration(v.GetString("REFRESH_TOKEN_EXPIRATION"), 7*24*time.Hour),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Fees = FeesConfig{
		SummaryCacheTTL: parseDuration(v.GetString("FEES_SUMMARY_CACHE_TTL"), 10*time.Minute),
		ListCacheTTL:    parseDuration(v.GetString("FEES_LIST_CACHE_TTL"), time.Minute),
		CacheEnabled:    v.GetBool("FEES_CACHE_ENABLED"),
	}

	cfg.Statements = StatementsConfig{
		Enabled:           v.GetBool("ENABLE_STATEMENTS"),
		StorageDir:        v.GetString("STATEMENTS_STORAGE_DIR"),
		SignedURLSecret:   v.GetString("STATEMENTS_SIGNED_URL_SECRET"),
		SignedURLTTL:      parseDuration(v.GetString("STATEMENTS_SIGNED_URL_TTL"), 24*time.Hour),
		CleanupInterval:   parseDuration(v.GetString("STATEMENTS_CLEANUP_INTERVAL"), time.Hour),
		WorkerConcurrency: v.GetInt("STATEMENTS_WORKER_CONCURRENCY"),
		WorkerRetries:     v.GetInt("STATEMENTS_WORKER_RETRIES"),
	}

	maxImportSize := v.GetInt64("IMPORTS_MAX_FILE_SIZE")
	if maxImportSize <= 0 {
		maxImportSize = 2 * 1024 * 1024
	}
	cfg.Imports = ImportsConfig{
		Enabled:     v.GetBool("ENABLE_IMPORTS"),
		MaxRows:     v.GetInt("IMPORTS_MAX_ROWS"),
		MaxFileSize: maxImportSize,
	}

	cfg.Events = EventsConfig{
		AMQPURL:  v.GetString("AMQP_URL"),
		Exchange: v.GetString("AMQP_EXCHANGE"),
		Queue:    v.GetString("AMQP_LEDGER_QUEUE"),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "school_finance")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)
	v.SetDefault("DB_AUTO_MIGRATE", true)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_EXPIRATION", "24h")
	v.SetDefault("REFRESH_TOKEN_EXPIRATION", "168h")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("FEES_CACHE_ENABLED", false)
	v.SetDefault("FEES_SUMMARY_CACHE_TTL", "10m")
	v.SetDefault("FEES_LIST_CACHE_TTL", "1m")

	v.SetDefault("ENABLE_STATEMENTS", false)
	v.SetDefault("STATEMENTS_STORAGE_DIR", "./statements")
	v.SetDefault("STATEMENTS_SIGNED_URL_SECRET", "dev_statements_secret")
	v.SetDefault("STATEMENTS_SIGNED_URL_TTL", "24h")
	v.SetDefault("STATEMENTS_CLEANUP_INTERVAL", "1h")
	v.SetDefault("STATEMENTS_WORKER_CONCURRENCY", 1)
	v.SetDefault("STATEMENTS_WORKER_RETRIES", 3)

	v.SetDefault("ENABLE_IMPORTS", false)
	v.SetDefault("IMPORTS_MAX_ROWS", 500)
	v.SetDefault("IMPORTS_MAX_FILE_SIZE", 2*1024*1024)

	v.SetDefault("AMQP_URL", "")
	v.SetDefault("AMQP_EXCHANGE", "school_finance")
	v.SetDefault("AMQP_LEDGER_QUEUE", "ledger_events")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
