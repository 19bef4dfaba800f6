// Package config loads the runtime configuration of the ingestion commands
// from the environment, with an optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Regional API hosts by AWS region.
var regionHosts = map[string]string{
	"us-east-1": "https://sellingpartnerapi-na.amazon.com",
	"eu-west-1": "https://sellingpartnerapi-eu.amazon.com",
	"us-west-2": "https://sellingpartnerapi-fe.amazon.com",
}

// Config is the complete runtime configuration. The env tag names the
// variable a field is read from and is used in validation messages.
type Config struct {
	Upstream  UpstreamConfig
	Database  DatabaseConfig `validate:"-"`
	Redis     RedisConfig
	RateLimit RateLimitConfig

	// MaxRetries bounds retries per upstream call.
	MaxRetries int `env:"MAX_RETRIES" validate:"gte=0"`

	// BatchSize is the number of records per staging write.
	BatchSize int `env:"BATCH_SIZE" validate:"gt=0"`

	// PagePause is the delay between page fetches.
	PagePause time.Duration `env:"PAGE_PAUSE" validate:"gte=0"`

	// ChunkDelay is the pause between date windows, SKU groups and flows.
	ChunkDelay time.Duration `env:"CHUNK_DELAY" validate:"gte=0"`

	// StaleAfter expires IN_PROGRESS control entries of crashed runs.
	StaleAfter time.Duration `env:"STALE_AFTER" validate:"gt=0"`

	// LockTTL bounds how long a crashed run blocks its DataType in Redis.
	LockTTL time.Duration `env:"LOCK_TTL"`
}

// UpstreamConfig configures the seller API client.
type UpstreamConfig struct {
	Region        string        `env:"AWS_REGION" validate:"oneof=us-east-1 eu-west-1 us-west-2"`
	BaseURL       string        `env:"SP_API_BASE_URL" validate:"required,url"`
	MarketplaceID string        `env:"MARKETPLACE_ID" validate:"required"`
	AccessToken   string        `env:"SP_API_ACCESS_TOKEN"`
	UserAgent     string        `env:"USER_AGENT" validate:"required"`
	Timeout       time.Duration `env:"SP_API_TIMEOUT" validate:"gte=0"`
}

// DatabaseConfig configures the MySQL staging database.
type DatabaseConfig struct {
	User     string `env:"DB_USER"`
	Password string `env:"DB_PASSWORD"`
	Host     string `env:"DB_HOST" validate:"required"`
	Port     string `env:"DB_PORT"`
	Name     string `env:"DB_NAME" validate:"required"`

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// ConnectAttempts bounds connection retries at startup (0 means 1).
	ConnectAttempts int

	// SlowQuery is the threshold above which queries are logged as warnings.
	SlowQuery time.Duration
}

// RedisConfig configures the optional Redis used for shared rate limiting
// and run locks. An empty Addr disables it.
type RedisConfig struct {
	Addr     string `env:"REDIS_URL"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" validate:"gte=0"`
}

// RateLimitConfig configures upstream call pacing.
type RateLimitConfig struct {
	CallsPerSecond float64       `env:"RATE_LIMIT_PER_SECOND" validate:"gt=0"`
	MaxJitter      time.Duration `env:"RATE_LIMIT_JITTER" validate:"gte=0"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		if name := f.Tag.Get("env"); name != "" {
			return name
		}
		return f.Name
	})
	return v
}

// Load reads the given env files, or .env when none are named, and then the
// environment. A missing default .env is not an error; variables already set
// in the environment win over file values.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		if _, err := os.Stat(".env"); err == nil {
			files = []string{".env"}
		}
	}
	if len(files) > 0 {
		if err := godotenv.Load(files...); err != nil {
			return Config{}, fmt.Errorf("load env files: %w", err)
		}
	}
	return FromEnv(), nil
}

// FromEnv builds a Config from the current environment without reading files.
func FromEnv() Config {
	region := getEnv("AWS_REGION", "us-east-1")
	cfg := Config{
		Upstream: UpstreamConfig{
			Region:        region,
			BaseURL:       getEnv("SP_API_BASE_URL", regionHosts[region]),
			MarketplaceID: strings.TrimSpace(os.Getenv("MARKETPLACE_ID")),
			AccessToken:   strings.TrimSpace(os.Getenv("SP_API_ACCESS_TOKEN")),
			UserAgent:     getEnv("USER_AGENT", "sp-api-ingest/0.1.0 (Language=Go)"),
			Timeout:       durationFromEnv("SP_API_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			User:            getEnv("DB_USER", "root"),
			Password:        os.Getenv("DB_PASSWORD"),
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnv("DB_PORT", "3306"),
			Name:            getEnv("DB_NAME", "sp_api_staging"),
			MaxOpenConns:    intFromEnv("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    intFromEnv("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: time.Duration(intFromEnv("DB_CONN_MAX_LIFETIME_SECONDS", 300)) * time.Second,
			ConnMaxIdleTime: time.Duration(intFromEnv("DB_CONN_MAX_IDLE_TIME_SECONDS", 60)) * time.Second,
			ConnectAttempts: intFromEnv("DB_CONNECT_ATTEMPTS", 5),
			SlowQuery:       durationFromEnv("DB_SLOW_QUERY", time.Second),
		},
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_URL"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       intFromEnv("REDIS_DB", 0),
		},
		RateLimit: RateLimitConfig{
			CallsPerSecond: floatFromEnv("RATE_LIMIT_PER_SECOND", 1.0),
			MaxJitter:      durationFromEnv("RATE_LIMIT_JITTER", 100*time.Millisecond),
		},
		MaxRetries: intFromEnv("MAX_RETRIES", 3),
		BatchSize:  intFromEnv("BATCH_SIZE", 100),
		PagePause:  durationFromEnv("PAGE_PAUSE", time.Second),
		ChunkDelay: durationFromEnv("CHUNK_DELAY", 2*time.Second),
		StaleAfter: durationFromEnv("STALE_AFTER", 30*time.Minute),
		LockTTL:    durationFromEnv("LOCK_TTL", 2*time.Minute),
	}
	return cfg
}

// Validate checks the values needed for an ingestion run and reports all
// problems at once. Database settings are only checked when requireDatabase
// is set (dry runs use memory storage).
func (c Config) Validate(requireDatabase bool) error {
	var problems []string

	if err := validate.Struct(c); err != nil {
		problems = append(problems, describe(err)...)
	}
	if c.Redis.Addr != "" && c.LockTTL < time.Second {
		problems = append(problems, "LOCK_TTL must be >= 1s when REDIS_URL is set")
	}
	if requireDatabase {
		if err := validate.Struct(c.Database); err != nil {
			problems = append(problems, describe(err)...)
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func describe(err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			out = append(out, fe.Field()+" is required")
		case "oneof":
			out = append(out, fmt.Sprintf("%s %q is not one of %s", fe.Field(), fe.Value(), strings.ReplaceAll(fe.Param(), " ", ", ")))
		case "gt", "gte":
			op := map[string]string{"gt": ">", "gte": ">="}[fe.Tag()]
			out = append(out, fmt.Sprintf("%s must be %s %s (got %v)", fe.Field(), op, fe.Param(), fe.Value()))
		default:
			out = append(out, fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag()))
		}
	}
	return out
}

// DSN returns the MySQL data source name. A host starting with "/" is a
// unix socket path.
func (d DatabaseConfig) DSN() string {
	network := "tcp"
	address := fmt.Sprintf("%s:%s", d.Host, d.Port)
	if strings.HasPrefix(d.Host, "/") {
		network = "unix"
		address = d.Host
	}
	return fmt.Sprintf("%s:%s@%s(%s)/%s?charset=utf8mb4&parseTime=true&loc=UTC",
		d.User, d.Password, network, address, d.Name)
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func intFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func floatFromEnv(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// durationFromEnv accepts Go durations ("90s") or plain seconds ("90").
func durationFromEnv(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}
