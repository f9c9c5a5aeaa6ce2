// Package config loads process configuration from the environment, with an
// optional .env file for local runs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Model backends.
const (
	BackendArtifact = "artifact"
	BackendRemote   = "remote"
)

// Config is loaded once in main and passed down to components.
type Config struct {
	Port     string
	LogLevel string
	Env      string

	ModelBackend        string
	BinaryModelPath     string
	MulticlassModelPath string
	ModelRemoteURL      string
	ModelRemoteTimeout  time.Duration

	DatabaseURL      string
	HistoryRetention time.Duration

	RedisURL string
	CacheTTL time.Duration

	KafkaBrokers []string
	KafkaTopic   string

	BatchMaxRows int
	BatchWorkers int

	ExplainEnabled bool
	AWSRegion      string
	BedrockModel   string

	TLSDomains []string
	ACMEEmail  string

	RateLimitPredict int
}

// Production reports whether APP_ENV is "production".
func (c *Config) Production() bool {
	return c.Env == "production"
}

// Load reads envFile (if present) and then the process environment.
// A missing .env file is not an error.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	cfg := &Config{
		Port:     GetString("PORT", "5000"),
		LogLevel: GetString("LOG_LEVEL", "info"),
		Env:      GetString("APP_ENV", "development"),

		ModelBackend:        GetString("MODEL_BACKEND", BackendArtifact),
		BinaryModelPath:     GetString("BINARY_MODEL_PATH", "artifacts/binary_model.json"),
		MulticlassModelPath: GetString("MULTICLASS_MODEL_PATH", "artifacts/multiclass_model.json"),
		ModelRemoteURL:      strings.TrimRight(GetString("MODEL_REMOTE_URL", ""), "/"),
		ModelRemoteTimeout:  GetDuration("MODEL_REMOTE_TIMEOUT", 5*time.Second),

		DatabaseURL:      GetString("DATABASE_URL", ""),
		HistoryRetention: GetDuration("HISTORY_RETENTION", 7*24*time.Hour),

		RedisURL: GetString("REDIS_URL", ""),
		CacheTTL: GetDuration("CACHE_TTL", 10*time.Minute),

		KafkaBrokers: GetList("KAFKA_BROKERS"),
		KafkaTopic:   GetString("KAFKA_TOPIC", "predictions"),

		BatchMaxRows: GetInt("BATCH_MAX_ROWS", 10000),
		BatchWorkers: GetInt("BATCH_WORKERS", 8),

		ExplainEnabled: GetBool("EXPLAIN_ENABLED", false),
		AWSRegion:      GetString("AWS_REGION", "eu-west-1"),
		BedrockModel:   GetString("BEDROCK_MODEL", "global.anthropic.claude-sonnet-4-5-20250929-v1:0"),

		TLSDomains: GetList("TLS_DOMAINS"),
		ACMEEmail:  GetString("ACME_EMAIL", ""),

		RateLimitPredict: GetInt("RATE_LIMIT_PREDICT", 120),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.ModelBackend {
	case BackendArtifact:
	case BackendRemote:
		if c.ModelRemoteURL == "" {
			return fmt.Errorf("MODEL_REMOTE_URL is required when MODEL_BACKEND=%s", BackendRemote)
		}
	default:
		return fmt.Errorf("unknown MODEL_BACKEND %q", c.ModelBackend)
	}
	if c.BatchMaxRows <= 0 {
		return fmt.Errorf("BATCH_MAX_ROWS must be positive, got %d", c.BatchMaxRows)
	}
	if c.BatchWorkers <= 0 {
		return fmt.Errorf("BATCH_WORKERS must be positive, got %d", c.BatchWorkers)
	}
	if c.RateLimitPredict <= 0 {
		return fmt.Errorf("RATE_LIMIT_PREDICT must be positive, got %d", c.RateLimitPredict)
	}
	return nil
}

// GetString returns the value of key, or def when unset.
func GetString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

// GetInt returns key parsed as an int, or def when unset or unparsable.
func GetInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

// GetBool returns key parsed with strconv.ParseBool, or def.
func GetBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return def
}

// GetDuration returns key parsed with time.ParseDuration, or def.
func GetDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
	}
	return def
}

// GetList splits a comma-separated value, dropping empty entries.
func GetList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
