package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration when
// AGENTD_CONFIG is not set.
const DefaultConfigFile = "agentd.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// The YAML path comes from AGENTD_CONFIG; the file is optional.
func Load() (*Config, error) {
	path := os.Getenv("AGENTD_CONFIG")
	if path == "" {
		path = DefaultConfigFile
	}
	return LoadFrom(path)
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
	data, err := os.ReadFile(path)
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
	setString(&cfg.Server.Port, "AGENTD_PORT")
	setString(&cfg.Server.CORSOrigin, "AGENTD_CORS_ORIGIN")

	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "AGENTD_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "AGENTD_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "AGENTD_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "AGENTD_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "AGENTD_PG_HEALTH_CHECK")

	setString(&cfg.NATS.URL, "NATS_URL")

	setString(&cfg.Gateway.URL, "AGENTD_GATEWAY_URL")
	setString(&cfg.Gateway.APIKey, "AGENTD_GATEWAY_API_KEY")
	setString(&cfg.Gateway.PrimaryModel, "AGENTD_GATEWAY_PRIMARY_MODEL")
	setString(&cfg.Gateway.SecondaryModel, "AGENTD_GATEWAY_SECONDARY_MODEL")
	setDuration(&cfg.Gateway.Timeout, "AGENTD_GATEWAY_TIMEOUT")

	setInt(&cfg.Breaker.MaxFailures, "AGENTD_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Cooldown, "AGENTD_BREAKER_COOLDOWN")

	setInt(&cfg.Execution.MaxSteps, "AGENTD_EXEC_MAX_STEPS")
	setInt64(&cfg.Execution.PoolSize, "AGENTD_EXEC_POOL_SIZE")
	setInt(&cfg.Execution.PlanMaxTokens, "AGENTD_EXEC_PLAN_MAX_TOKENS")
	setDuration(&cfg.Execution.PlanTimeout, "AGENTD_EXEC_PLAN_TIMEOUT")

	setString(&cfg.Approvals.Preset, "AGENTD_APPROVAL_PRESET")
	setString(&cfg.Approvals.PresetsFile, "AGENTD_APPROVAL_PRESETS_FILE")
	setDuration(&cfg.Approvals.Expiry, "AGENTD_APPROVAL_EXPIRY")

	setFloat64(&cfg.Router.ConfidenceFloor, "AGENTD_ROUTER_CONFIDENCE_FLOOR")
	setDuration(&cfg.Router.ModelTimeout, "AGENTD_ROUTER_MODEL_TIMEOUT")
	setDuration(&cfg.Router.CacheTTL, "AGENTD_ROUTER_CACHE_TTL")

	setInt64(&cfg.Cache.L1MaxSizeMB, "AGENTD_CACHE_L1_SIZE_MB")
	setString(&cfg.Cache.L2Bucket, "AGENTD_CACHE_L2_BUCKET")
	setDuration(&cfg.Cache.L2TTL, "AGENTD_CACHE_L2_TTL")

	setString(&cfg.Tools.Backend, "AGENTD_TOOLS_BACKEND")
	setString(&cfg.Tools.MCP.Transport, "AGENTD_MCP_TRANSPORT")
	setString(&cfg.Tools.MCP.Command, "AGENTD_MCP_COMMAND")
	setString(&cfg.Tools.MCP.URL, "AGENTD_MCP_URL")

	setString(&cfg.Logging.Level, "AGENTD_LOG_LEVEL")
	setString(&cfg.Logging.Service, "AGENTD_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "AGENTD_LOG_ASYNC")

	setString(&cfg.Telemetry.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setFloat64(&cfg.Telemetry.SampleRate, "AGENTD_TELEMETRY_SAMPLE_RATE")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN != "" && cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Breaker.Cooldown <= 0 {
		return errors.New("breaker.cooldown must be positive")
	}
	if cfg.Execution.MaxSteps < 1 {
		return errors.New("execution.max_steps must be >= 1")
	}
	if cfg.Execution.PoolSize < 1 {
		return errors.New("execution.pool_size must be >= 1")
	}
	if cfg.Approvals.Expiry <= 0 {
		return errors.New("approvals.expiry must be positive")
	}
	if cfg.Router.ConfidenceFloor < 0 || cfg.Router.ConfidenceFloor > 1 {
		return errors.New("router.confidence_floor must be within [0, 1]")
	}
	if cfg.Tools.Backend != "local" && cfg.Tools.Backend != "mcp" {
		return fmt.Errorf("tools.backend must be local or mcp, got %q", cfg.Tools.Backend)
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

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
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
