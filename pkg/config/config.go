package config

import (
	"errors"
	"os"
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

	Database       DatabaseConfig
	Redis          RedisConfig
	JWT            JWTConfig
	CORS           CORSConfig
	Log            LogConfig
	Search         SearchConfig
	Reindex        ReindexConfig
	Events         EventsConfig
	UpdateRequests UpdateRequestsConfig
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
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret string
	Issuer string
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// SearchConfig configures the search backend and query limits.
type SearchConfig struct {
	Backend        string
	Addresses      []string
	Username       string
	Password       string
	ServicesIndex  string
	EventsIndex    string
	DefaultPerPage int
	MaxPerPage     int
	MaxWindow      int
	DistanceUnit   string
	DefaultRadius  float64
	MaxRadius      float64
	Timeout        time.Duration
	CacheEnabled   bool
	CacheTTL       time.Duration
}

// ReindexConfig sizes the keyed reindex lanes.
type ReindexConfig struct {
	Lanes      int
	BufferSize int
	MaxRetries int
	RetryDelay time.Duration
	JobTimeout time.Duration
}

// EventsConfig points at the NATS server used for workflow events. An empty
// URL disables publishing.
type EventsConfig struct {
	NATSURL       string
	SubjectPrefix string
}

// UpdateRequestsConfig toggles the moderation workflow endpoints.
type UpdateRequestsConfig struct {
	Enabled   bool
	TxTimeout time.Duration
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
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
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

	cfg.JWT = JWTConfig{
		Secret: v.GetString("JWT_SECRET"),
		Issuer: v.GetString("JWT_ISSUER"),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Search = SearchConfig{
		Backend:        strings.ToLower(v.GetString("SEARCH_BACKEND")),
		Addresses:      splitAndTrim(v.GetString("ES_ADDRESSES")),
		Username:       v.GetString("ES_USERNAME"),
		Password:       v.GetString("ES_PASSWORD"),
		ServicesIndex:  v.GetString("SEARCH_SERVICES_INDEX"),
		EventsIndex:    v.GetString("SEARCH_EVENTS_INDEX"),
		DefaultPerPage: positiveInt(v.GetInt("SEARCH_DEFAULT_PER_PAGE"), 25),
		MaxPerPage:     positiveInt(v.GetInt("SEARCH_MAX_PER_PAGE"), 100),
		MaxWindow:      positiveInt(v.GetInt("SEARCH_MAX_RESULT_WINDOW"), 10000),
		DistanceUnit:   v.GetString("SEARCH_DISTANCE_UNIT"),
		DefaultRadius:  positiveFloat(v.GetFloat64("SEARCH_DEFAULT_RADIUS"), 5),
		MaxRadius:      positiveFloat(v.GetFloat64("SEARCH_MAX_RADIUS"), 50),
		Timeout:        parseDuration(v.GetString("SEARCH_TIMEOUT"), 3*time.Second),
		CacheEnabled:   v.GetBool("SEARCH_CACHE_ENABLED"),
		CacheTTL:       parseDuration(v.GetString("SEARCH_CACHE_TTL"), 2*time.Minute),
	}
	if cfg.Search.DefaultPerPage > cfg.Search.MaxPerPage {
		cfg.Search.DefaultPerPage = cfg.Search.MaxPerPage
	}

	cfg.Reindex = ReindexConfig{
		Lanes:      positiveInt(v.GetInt("REINDEX_LANES"), 4),
		BufferSize: v.GetInt("REINDEX_BUFFER_SIZE"),
		MaxRetries: v.GetInt("REINDEX_MAX_RETRIES"),
		RetryDelay: parseDuration(v.GetString("REINDEX_RETRY_DELAY"), 2*time.Second),
		JobTimeout: parseDuration(v.GetString("REINDEX_JOB_TIMEOUT"), 10*time.Second),
	}

	cfg.Events = EventsConfig{
		NATSURL:       v.GetString("NATS_URL"),
		SubjectPrefix: v.GetString("EVENTS_SUBJECT_PREFIX"),
	}

	cfg.UpdateRequests = UpdateRequestsConfig{
		Enabled:   v.GetBool("ENABLE_UPDATE_REQUESTS"),
		TxTimeout: parseDuration(v.GetString("UPDATE_REQUESTS_TX_TIMEOUT"), 5*time.Second),
	}

	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "connect")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_ISSUER", "")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("SEARCH_BACKEND", "elasticsearch")
	v.SetDefault("ES_ADDRESSES", "http://localhost:9200")
	v.SetDefault("ES_USERNAME", "")
	v.SetDefault("ES_PASSWORD", "")
	v.SetDefault("SEARCH_SERVICES_INDEX", "services")
	v.SetDefault("SEARCH_EVENTS_INDEX", "events")
	v.SetDefault("SEARCH_DEFAULT_PER_PAGE", 25)
	v.SetDefault("SEARCH_MAX_PER_PAGE", 100)
	v.SetDefault("SEARCH_DISTANCE_UNIT", "mi")
	v.SetDefault("SEARCH_DEFAULT_RADIUS", 5)
	v.SetDefault("SEARCH_MAX_RADIUS", 50)
	v.SetDefault("SEARCH_TIMEOUT", "3s")
	v.SetDefault("SEARCH_CACHE_ENABLED", false)
	v.SetDefault("SEARCH_CACHE_TTL", "2m")

	v.SetDefault("REINDEX_LANES", 4)
	v.SetDefault("REINDEX_BUFFER_SIZE", 64)
	v.SetDefault("REINDEX_MAX_RETRIES", 3)
	v.SetDefault("REINDEX_RETRY_DELAY", "2s")
	v.SetDefault("REINDEX_JOB_TIMEOUT", "10s")

	v.SetDefault("NATS_URL", "")
	v.SetDefault("EVENTS_SUBJECT_PREFIX", "connect")

	v.SetDefault("ENABLE_UPDATE_REQUESTS", true)
	v.SetDefault("UPDATE_REQUESTS_TX_TIMEOUT", "5s")
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

func positiveInt(value, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}

func positiveFloat(value, fallback float64) float64 {
	if value <= 0 {
		return fallback
	}
	return value
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
