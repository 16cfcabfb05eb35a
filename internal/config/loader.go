package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "drover.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// The YAML file is optional; a missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "DROVER_PORT")
	setString(&cfg.Server.CORSOrigin, "DROVER_CORS_ORIGIN")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "DROVER_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "DROVER_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "DROVER_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "DROVER_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "DROVER_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Agent.URL, "DROVER_AGENT_URL")
	setString(&cfg.Agent.APIKey, "DROVER_AGENT_API_KEY")
	setDuration(&cfg.Agent.CallTimeout, "DROVER_AGENT_TIMEOUT")
	setString(&cfg.SourceHost.URL, "DROVER_SOURCEHOST_URL")
	setString(&cfg.SourceHost.Token, "DROVER_SOURCEHOST_TOKEN")
	setDuration(&cfg.SourceHost.CallTimeout, "DROVER_SOURCEHOST_TIMEOUT")
	setDuration(&cfg.Poller.Interval, "DROVER_POLL_INTERVAL")
	setInt64(&cfg.Poller.MaxInFlight, "DROVER_POLL_MAX_IN_FLIGHT")
	setDuration(&cfg.Poller.FetchTimeout, "DROVER_POLL_FETCH_TIMEOUT")
	setInt(&cfg.Validation.MaxRetries, "DROVER_VALIDATION_MAX_RETRIES")
	setDuration(&cfg.Validation.StageTimeout, "DROVER_VALIDATION_STAGE_TIMEOUT")
	setBool(&cfg.Validation.AutoMerge, "DROVER_VALIDATION_AUTO_MERGE")
	setString(&cfg.Webhook.Secret, "DROVER_WEBHOOK_SECRET")
	setDuration(&cfg.Webhook.DedupTTL, "DROVER_WEBHOOK_DEDUP_TTL")
	setString(&cfg.Logging.Level, "DROVER_LOG_LEVEL")
	setString(&cfg.Logging.Service, "DROVER_LOG_SERVICE")
	setInt(&cfg.Breaker.MaxFailures, "DROVER_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "DROVER_BREAKER_TIMEOUT")
	setInt64(&cfg.Cache.MaxSizeMB, "DROVER_CACHE_SIZE_MB")
	setBool(&cfg.Telemetry.Enabled, "DROVER_OTEL_ENABLED")
	setString(&cfg.Telemetry.OTLPEndpoint, "DROVER_OTEL_ENDPOINT")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Agent.URL == "" {
		return errors.New("agent.url is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Poller.Interval <= 0 {
		return errors.New("poller.interval must be > 0")
	}
	if cfg.Poller.MaxInFlight < 1 {
		return errors.New("poller.max_in_flight must be >= 1")
	}
	if cfg.Validation.MaxRetries < 0 {
		return errors.New("validation.max_retries must be >= 0")
	}
	if cfg.Validation.StageTimeout <= 0 {
		return errors.New("validation.stage_timeout must be > 0")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
