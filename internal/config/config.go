package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds service configuration.
type Config struct {
	ServerAddr string
	LogLevel   string
	Database   DatabaseConfig
	Redis      RedisConfig
	FSM        FSMConfig
	Router     RouterConfig
	Telemetry  TelemetryConfig
}

// DatabaseConfig selects and locates the FSM state store.
type DatabaseConfig struct {
	Driver        string
	URL           string
	SQLitePath    string
	MigrationsDir string
}

// RedisConfig configures the durable transport. An empty Addr disables it.
// Replicas sharing ConsumerGroup split each stream between them.
type RedisConfig struct {
	Addr          string
	Password      string
	DB            int
	StreamPrefix  string
	StreamMaxLen  int64
	ConsumerGroup string
	ConsumerName  string
}

// FSMConfig tunes the reducer.
type FSMConfig struct {
	ContractsDir       string
	LeaseEnforcement   bool
	TransactionTimeout time.Duration
	ConflictRetries    int
}

// RouterConfig tunes transport selection.
type RouterConfig struct {
	Environment      string
	ForcedTransport  string
	FallbackEnabled  bool
	BreakerThreshold int
	BreakerRecovery  time.Duration
	HealthCacheTTL   time.Duration
	PublishTimeout   time.Duration
	Keywords         []string
}

// TelemetryConfig configures OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled      bool
	Exporter     string
	Endpoint     string
	SamplingRate float64
}

// Load reads configuration from environment.
func Load() (*Config, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		user := getenv("POSTGRES_USER", "khub")
		pass := getenv("POSTGRES_PASSWORD", "khub_pass")
		db := getenv("POSTGRES_DB", "khub")
		host := getenv("POSTGRES_HOST", "localhost")
		port := getenv("POSTGRES_PORT", "5432")
		sslmode := getenv("DATABASE_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, sslmode)
	}

	cfg := &Config{
		ServerAddr: getenv("SERVER_ADDR", "0.0.0.0:8080"),
		LogLevel:   getenv("LOG_LEVEL", "info"),
		Database: DatabaseConfig{
			Driver:        strings.ToLower(getenv("STORE_DRIVER", DriverPostgres)),
			URL:           dsn,
			SQLitePath:    getenv("SQLITE_PATH", "khub.db"),
			MigrationsDir: getenv("MIGRATIONS_DIR", "internal/migrations"),
		},
		Redis: RedisConfig{
			Addr:          os.Getenv("REDIS_ADDR"),
			Password:      os.Getenv("REDIS_PASSWORD"),
			DB:            parseInt(getenv("REDIS_DB", "0"), 0),
			StreamPrefix:  getenv("REDIS_STREAM_PREFIX", "events:"),
			StreamMaxLen:  int64(parseInt(getenv("REDIS_STREAM_MAXLEN", "10000"), 10000)),
			ConsumerGroup: getenv("REDIS_CONSUMER_GROUP", "knowledge-hub"),
			ConsumerName:  os.Getenv("REDIS_CONSUMER_NAME"),
		},
		FSM: FSMConfig{
			ContractsDir:       os.Getenv("FSM_CONTRACTS_DIR"),
			LeaseEnforcement:   parseBool(getenv("FSM_LEASE_ENFORCEMENT", "true"), true),
			TransactionTimeout: parseDuration(getenv("FSM_TX_TIMEOUT", "5s"), 5*time.Second),
			ConflictRetries:    parseInt(getenv("FSM_CONFLICT_RETRIES", "3"), 3),
		},
		Router: RouterConfig{
			Environment:      strings.ToLower(getenv("ROUTER_ENVIRONMENT", "development")),
			ForcedTransport:  strings.ToLower(os.Getenv("ROUTER_FORCED_TRANSPORT")),
			FallbackEnabled:  parseBool(getenv("ROUTER_FALLBACK_ENABLED", "true"), true),
			BreakerThreshold: parseInt(getenv("ROUTER_BREAKER_THRESHOLD", "5"), 5),
			BreakerRecovery:  parseDuration(getenv("ROUTER_BREAKER_RECOVERY", "60s"), 60*time.Second),
			HealthCacheTTL:   parseDuration(getenv("ROUTER_HEALTH_TTL", "30s"), 30*time.Second),
			PublishTimeout:   parseDuration(getenv("ROUTER_PUBLISH_TIMEOUT", "5s"), 5*time.Second),
			Keywords:         parseList(getenv("ROUTER_KEYWORDS", "intelligence,analysis,pattern,quality")),
		},
		Telemetry: TelemetryConfig{
			Enabled:      parseBool(getenv("OTEL_ENABLED", "false"), false),
			Exporter:     strings.ToLower(getenv("OTEL_EXPORTER", "grpc")),
			Endpoint:     getenv("OTEL_ENDPOINT", "localhost:4317"),
			SamplingRate: parseFloat(getenv("OTEL_SAMPLING_RATE", "1.0"), 1.0),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects unknown enum values and non-positive limits.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER: unknown driver %q", c.Database.Driver))
	}
	switch c.Router.Environment {
	case "production", "development", "test":
	default:
		errs = append(errs, fmt.Errorf("ROUTER_ENVIRONMENT: unknown environment %q", c.Router.Environment))
	}
	switch c.Router.ForcedTransport {
	case "", "durable", "inprocess":
	default:
		errs = append(errs, fmt.Errorf("ROUTER_FORCED_TRANSPORT: unknown transport %q", c.Router.ForcedTransport))
	}
	if c.Router.BreakerThreshold <= 0 {
		errs = append(errs, errors.New("ROUTER_BREAKER_THRESHOLD must be positive"))
	}
	if c.Redis.Addr != "" && strings.TrimSpace(c.Redis.ConsumerGroup) == "" {
		errs = append(errs, errors.New("REDIS_CONSUMER_GROUP must not be empty"))
	}
	if c.FSM.ConflictRetries <= 0 {
		errs = append(errs, errors.New("FSM_CONFLICT_RETRIES must be positive"))
	}
	if c.Telemetry.Enabled {
		switch c.Telemetry.Exporter {
		case "grpc", "http":
		default:
			errs = append(errs, fmt.Errorf("OTEL_EXPORTER: unknown exporter %q", c.Telemetry.Exporter))
		}
	}
	if c.Telemetry.SamplingRate < 0 || c.Telemetry.SamplingRate > 1 {
		errs = append(errs, errors.New("OTEL_SAMPLING_RATE must be within [0, 1]"))
	}
	return errors.Join(errs...)
}

func getenv(key, def string) string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	return val
}

func parseDuration(val string, def time.Duration) time.Duration {
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}

func parseBool(val string, def bool) bool {
	if val == "" {
		return def
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return def
	}
	return b
}

func parseInt(val string, def int) int {
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}

func parseFloat(val string, def float64) float64 {
	if val == "" {
		return def
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return def
	}
	return f
}

func parseList(val string) []string {
	var out []string
	for _, part := range strings.Split(val, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
