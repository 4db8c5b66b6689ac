package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Cart store backends.
const (
	CartStoreRedis    = "redis"
	CartStorePostgres = "postgres"
	CartStoreMemory   = "memory"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	CORS     CORSConfig
	Log      LogConfig
	Metrics  MetricsConfig
	Portal   PortalConfig
	Cart     CartConfig
	Builder  BuilderConfig
	Slips    SlipsConfig
}

type DatabaseConfig struct {
	Enabled      bool
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret string
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool
}

// PortalConfig points at the upstream academic portal API.
type PortalConfig struct {
	BaseURL string
	Timeout time.Duration
}

// CartConfig selects where in-progress carts are persisted between reloads.
type CartConfig struct {
	Store     string
	TTL       time.Duration
	KeyPrefix string
}

// BuilderConfig tunes enrollment builder sessions.
type BuilderConfig struct {
	DefaultMaxUnits float64
	FetchFeeStatus  bool
	SessionIdleTTL  time.Duration
	SweepInterval   time.Duration
}

// SlipsConfig configures asynchronous enrollment slip generation.
type SlipsConfig struct {
	Enabled           bool
	StorageDir        string
	SignedURLSecret   string
	SignedURLTTL      time.Duration
	WorkerConcurrency int
	WorkerRetries     int
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
		if !errors.As(err, &notFound) && !isMissingFile(err) {
			return nil, err
		}
	}

	return fromViper(v), nil
}

func fromViper(v *viper.Viper) *Config {
	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Enabled:      v.GetBool("ENABLE_DATABASE"),
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{Secret: v.GetString("JWT_SECRET")}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Metrics = MetricsConfig{Enabled: v.GetBool("ENABLE_METRICS")}

	cfg.Portal = PortalConfig{
		BaseURL: strings.TrimRight(v.GetString("PORTAL_BASE_URL"), "/"),
		Timeout: parseDuration(v.GetString("PORTAL_TIMEOUT"), 15*time.Second),
	}

	store := strings.ToLower(strings.TrimSpace(v.GetString("CART_STORE")))
	switch store {
	case CartStoreRedis, CartStorePostgres, CartStoreMemory:
	default:
		store = CartStoreMemory
	}
	cfg.Cart = CartConfig{
		Store:     store,
		TTL:       parseDuration(v.GetString("CART_TTL"), 14*24*time.Hour),
		KeyPrefix: v.GetString("CART_KEY_PREFIX"),
	}

	maxUnits := v.GetFloat64("BUILDER_DEFAULT_MAX_UNITS")
	if maxUnits <= 0 {
		maxUnits = 24
	}
	cfg.Builder = BuilderConfig{
		DefaultMaxUnits: maxUnits,
		FetchFeeStatus:  v.GetBool("BUILDER_FETCH_FEE_STATUS"),
		SessionIdleTTL:  parseDuration(v.GetString("BUILDER_SESSION_IDLE_TTL"), 2*time.Hour),
		SweepInterval:   parseDuration(v.GetString("BUILDER_SESSION_SWEEP_INTERVAL"), 10*time.Minute),
	}

	cfg.Slips = SlipsConfig{
		Enabled:           v.GetBool("ENABLE_SLIPS"),
		StorageDir:        v.GetString("SLIPS_STORAGE_DIR"),
		SignedURLSecret:   v.GetString("SLIPS_SIGNED_URL_SECRET"),
		SignedURLTTL:      parseDuration(v.GetString("SLIPS_SIGNED_URL_TTL"), 24*time.Hour),
		WorkerConcurrency: v.GetInt("SLIPS_WORKER_CONCURRENCY"),
		WorkerRetries:     v.GetInt("SLIPS_WORKER_RETRIES"),
	}

	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("ENABLE_DATABASE", false)
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "enrollment_builder")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("ENABLE_METRICS", true)

	v.SetDefault("PORTAL_BASE_URL", "http://localhost:8000/api")
	v.SetDefault("PORTAL_TIMEOUT", "15s")

	v.SetDefault("CART_STORE", CartStoreMemory)
	v.SetDefault("CART_TTL", "336h")
	v.SetDefault("CART_KEY_PREFIX", "enrollment_cart")

	v.SetDefault("BUILDER_DEFAULT_MAX_UNITS", 24)
	v.SetDefault("BUILDER_FETCH_FEE_STATUS", true)
	v.SetDefault("BUILDER_SESSION_IDLE_TTL", "2h")
	v.SetDefault("BUILDER_SESSION_SWEEP_INTERVAL", "10m")

	v.SetDefault("ENABLE_SLIPS", false)
	v.SetDefault("SLIPS_STORAGE_DIR", "./slips")
	v.SetDefault("SLIPS_SIGNED_URL_SECRET", "dev_slips_secret")
	v.SetDefault("SLIPS_SIGNED_URL_TTL", "24h")
	v.SetDefault("SLIPS_WORKER_CONCURRENCY", 1)
	v.SetDefault("SLIPS_WORKER_RETRIES", 3)
}

// viper reports a missing explicit config file as a plain fs error rather
// than ConfigFileNotFoundError.
func isMissingFile(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
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
