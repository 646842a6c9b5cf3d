package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config represents the layoutd configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Log         LogConfig         `mapstructure:"log"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Metadata    MetadataConfig    `mapstructure:"metadata"`
	Permissions PermissionsConfig `mapstructure:"permissions"`
	Analysis    AnalysisConfig    `mapstructure:"analysis"`
	Tracking    TrackingConfig    `mapstructure:"tracking"`
	Recommender RecommenderConfig `mapstructure:"recommender"`
	Feedback    FeedbackConfig    `mapstructure:"feedback"`
	Upstream    UpstreamConfig    `mapstructure:"upstream"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// RequestTimeout bounds every API request except the event stream
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// AllowedOrigins enables CORS for the listed origins
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	TLSCert        string   `mapstructure:"tls_cert"`
	TLSKey         string   `mapstructure:"tls_key"`
	// Profiling mounts /debug/pprof for administrators
	Profiling bool `mapstructure:"profiling"`
}

// Address returns host:port
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LogConfig represents logger configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DatabaseConfig selects the SQL driver backing the layout store, the
// permission grants and the interaction log. Driver "memory" keeps
// everything in process.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// RedisConfig represents Redis connection configuration. An empty Addr
// selects in-memory counters and caches.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig represents bearer token configuration
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	// TokenTTL is the lifetime of tokens minted by "layoutd token"
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

// MetadataConfig points at the entity metadata source
type MetadataConfig struct {
	// File is a JSON document of entity definitions and record samples
	File string `mapstructure:"file"`
	// CRMURL is the base URL of the CRM proxy; takes precedence over File
	CRMURL string        `mapstructure:"crm_url"`
	TTL    time.Duration `mapstructure:"ttl"`
}

// PermissionsConfig controls permission snapshot caching
type PermissionsConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
	// Seed is a JSON file of principals and grants loaded at startup
	Seed       string   `mapstructure:"seed"`
	AdminRoles []string `mapstructure:"admin_roles"`
}

// AnalysisConfig controls the field analyzer
type AnalysisConfig struct {
	SampleSize          int           `mapstructure:"sample_size"`
	SimilarityThreshold float64       `mapstructure:"similarity_threshold"`
	Weights             WeightsConfig `mapstructure:"weights"`
}

// WeightsConfig holds the importance score weights
type WeightsConfig struct {
	FillRate    float64 `mapstructure:"fill_rate"`
	Frequency   float64 `mapstructure:"frequency"`
	Criticality float64 `mapstructure:"criticality"`
	Updates     float64 `mapstructure:"updates"`
}

// TrackingConfig controls the interaction tracker
type TrackingConfig struct {
	HalfLife  time.Duration `mapstructure:"half_life"`
	QueueSize int           `mapstructure:"queue_size"`
	Workers   int           `mapstructure:"workers"`
	// RateLimit is the number of tracking events one user may submit per
	// minute; zero disables the limit
	RateLimit int `mapstructure:"rate_limit"`
}

// RecommenderConfig controls layout recommendation
type RecommenderConfig struct {
	ConfidenceCeiling float64       `mapstructure:"confidence_ceiling"`
	ListColumns       int           `mapstructure:"list_columns"`
	CacheTTL          time.Duration `mapstructure:"cache_ttl"`
}

// FeedbackConfig controls how negative feedback lowers confidence
type FeedbackConfig struct {
	NegativeThreshold int     `mapstructure:"negative_threshold"`
	Penalty           float64 `mapstructure:"penalty"`
	MaxPenalty        float64 `mapstructure:"max_penalty"`
}

// UpstreamConfig bounds every metadata, permission and store lookup
type UpstreamConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// SetDefaults registers the default value of every key
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.request_timeout", 10*time.Second)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.tls_cert", "")
	v.SetDefault("server.tls_key", "")
	v.SetDefault("server.profiling", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "file:layoutd.db?_foreign_keys=on")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", 12*time.Hour)
	v.SetDefault("metadata.file", "")
	v.SetDefault("metadata.crm_url", "")
	v.SetDefault("metadata.ttl", 5*time.Minute)
	v.SetDefault("permissions.ttl", time.Minute)
	v.SetDefault("permissions.seed", "")
	v.SetDefault("permissions.admin_roles", []string{"admin"})
	v.SetDefault("analysis.sample_size", 200)
	v.SetDefault("analysis.similarity_threshold", 0.3)
	v.SetDefault("analysis.weights.fill_rate", 0.35)
	v.SetDefault("analysis.weights.frequency", 0.25)
	v.SetDefault("analysis.weights.criticality", 0.30)
	v.SetDefault("analysis.weights.updates", 0.10)
	v.SetDefault("tracking.half_life", 168*time.Hour)
	v.SetDefault("tracking.queue_size", 1024)
	v.SetDefault("tracking.workers", 4)
	v.SetDefault("tracking.rate_limit", 600)
	v.SetDefault("recommender.confidence_ceiling", 0.79)
	v.SetDefault("recommender.list_columns", 8)
	v.SetDefault("recommender.cache_ttl", 5*time.Minute)
	v.SetDefault("feedback.negative_threshold", 3)
	v.SetDefault("feedback.penalty", 0.1)
	v.SetDefault("feedback.max_penalty", 0.4)
	v.SetDefault("upstream.timeout", 2*time.Second)
}

// Load loads the configuration from layoutd.yaml (if present), a .env file
// (if present) and LAYOUTD_* environment variables
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile loads the configuration from an explicit file path. An empty path
// searches the working directory for layoutd.yaml.
func LoadFile(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("layoutd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("LAYOUTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found - use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validateConfig validates the configuration
func validateConfig(cfg *Config) error {
	switch cfg.Database.Driver {
	case "sqlite3", "postgres", "pgx", "memory":
	default:
		return fmt.Errorf("database.driver must be one of sqlite3, postgres, pgx, memory, got: %s", cfg.Database.Driver)
	}
	if cfg.Database.Driver != "memory" && cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required for driver %s", cfg.Database.Driver)
	}
	if cfg.Analysis.SampleSize <= 0 {
		return fmt.Errorf("analysis.sample_size must be positive, got: %d", cfg.Analysis.SampleSize)
	}
	if cfg.Analysis.SimilarityThreshold < 0 || cfg.Analysis.SimilarityThreshold > 1 {
		return fmt.Errorf("analysis.similarity_threshold must be within [0,1], got: %v", cfg.Analysis.SimilarityThreshold)
	}
	w := cfg.Analysis.Weights
	if w.FillRate < 0 || w.Frequency < 0 || w.Criticality < 0 || w.Updates < 0 {
		return fmt.Errorf("analysis.weights must not be negative")
	}
	if w.FillRate+w.Frequency+w.Criticality+w.Updates == 0 {
		return fmt.Errorf("analysis.weights must not all be zero")
	}
	if cfg.Recommender.ConfidenceCeiling <= 0 || cfg.Recommender.ConfidenceCeiling >= 0.8 {
		return fmt.Errorf("recommender.confidence_ceiling must be within (0,0.8), got: %v", cfg.Recommender.ConfidenceCeiling)
	}
	// decayed sums are anchored at a fixed epoch and overflow after ~1000 half-lives
	if cfg.Tracking.HalfLife < 168*time.Hour {
		return fmt.Errorf("tracking.half_life must be at least 168h, got: %s", cfg.Tracking.HalfLife)
	}
	if cfg.Tracking.QueueSize <= 0 || cfg.Tracking.Workers <= 0 {
		return fmt.Errorf("tracking.queue_size and tracking.workers must be positive")
	}
	if cfg.Tracking.RateLimit < 0 {
		return fmt.Errorf("tracking.rate_limit must not be negative, got: %d", cfg.Tracking.RateLimit)
	}
	if (cfg.Server.TLSCert == "") != (cfg.Server.TLSKey == "") {
		return fmt.Errorf("server.tls_cert and server.tls_key must be set together")
	}
	if cfg.Upstream.Timeout <= 0 {
		return fmt.Errorf("upstream.timeout must be positive")
	}
	return nil
}
