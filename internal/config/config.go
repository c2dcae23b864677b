package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	Server    ServerConfig
	Store     StoreConfig
	Bus       BusConfig
	Worker    WorkerConfig
	Stream    StreamConfig
	Session   SessionConfig
	RateRPS   float64
	RateBurst int
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr        string
	ReadTimeout time.Duration
	// WriteTimeout must stay 0 (unlimited) unless SSE streaming is disabled;
	// a finite write timeout kills long-lived event streams.
	WriteTimeout time.Duration
	CORSOrigins  []string
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Backend  string // "postgres" or "memory"
	Database DatabaseConfig
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string //nolint:gosec // G117: DB connection config
	DBName   string
	SSLMode  string
	MaxConns int
}

// BusConfig selects the fan-out backend.
type BusConfig struct {
	Backend string // "memory" or "redis"
	// QueueSize bounds each subscriber's queue; a subscriber that falls
	// this far behind is dropped and must reconnect.
	QueueSize int
	Redis     RedisConfig
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string //nolint:gosec // G117: Redis connection config
	DB       int
}

// WorkerConfig holds agent worker callout settings.
type WorkerConfig struct {
	BaseURL string
	Timeout time.Duration
}

// StreamConfig holds live streaming settings.
type StreamConfig struct {
	Heartbeat time.Duration
}

// SessionConfig holds session lifecycle settings.
type SessionConfig struct {
	IdleTimeout    time.Duration
	ForwardTimeout time.Duration
}

// Load reads configuration from environment variables.
// Defaults are safe for local development only.
func Load() (*Config, error) {
	dbPort, err := getEnvInt("PARLEY_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	dbMaxConns, err := getEnvInt("PARLEY_DB_MAX_CONNS", 25)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	redisDB, err := getEnvInt("PARLEY_REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	readTimeout, err := getEnvDuration("PARLEY_SERVER_READ_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	writeTimeout, err := getEnvDuration("PARLEY_SERVER_WRITE_TIMEOUT", 0)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	workerTimeout, err := getEnvDuration("PARLEY_WORKER_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	heartbeat, err := getEnvDuration("PARLEY_STREAM_HEARTBEAT", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	idleTimeout, err := getEnvDuration("PARLEY_SESSION_IDLE_TIMEOUT", 30*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	forwardTimeout, err := getEnvDuration("PARLEY_SESSION_FORWARD_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	queueSize, err := getEnvInt("PARLEY_BUS_QUEUE_SIZE", 64)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	rateRPS, err := getEnvFloat("PARLEY_RATE_RPS", 50)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	rateBurst, err := getEnvInt("PARLEY_RATE_BURST", 100)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Addr:         getEnv("PARLEY_SERVER_ADDR", ":8080"),
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
			CORSOrigins:  getEnvList("PARLEY_CORS_ORIGINS", []string{"http://localhost:5173"}),
		},
		Store: StoreConfig{
			Backend: getEnv("PARLEY_STORE_BACKEND", "postgres"),
			Database: DatabaseConfig{
				Host:     getEnv("PARLEY_DB_HOST", "localhost"),
				Port:     dbPort,
				User:     getEnv("PARLEY_DB_USER", "parley"),
				Password: getEnv("PARLEY_DB_PASSWORD", ""),
				DBName:   getEnv("PARLEY_DB_NAME", "parley_dev"),
				SSLMode:  getEnv("PARLEY_DB_SSLMODE", "disable"),
				MaxConns: dbMaxConns,
			},
		},
		Bus: BusConfig{
			Backend:   getEnv("PARLEY_BUS_BACKEND", "memory"),
			QueueSize: queueSize,
			Redis: RedisConfig{
				Addr:     getEnv("PARLEY_REDIS_ADDR", "localhost:6379"),
				Password: getEnv("PARLEY_REDIS_PASSWORD", ""),
				DB:       redisDB,
			},
		},
		Worker: WorkerConfig{
			BaseURL: getEnv("PARLEY_WORKER_URL", "http://localhost:9090"),
			Timeout: workerTimeout,
		},
		Stream: StreamConfig{
			Heartbeat: heartbeat,
		},
		Session: SessionConfig{
			IdleTimeout:    idleTimeout,
			ForwardTimeout: forwardTimeout,
		},
		RateRPS:   rateRPS,
		RateBurst: rateBurst,
	}

	err = cfg.validate()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	return cfg, nil
}

// validate checks required fields and value bounds.
func (c *Config) validate() error {
	switch c.Store.Backend {
	case "postgres", "memory":
	default:
		return fmt.Errorf("PARLEY_STORE_BACKEND must be 'postgres' or 'memory', got %q", c.Store.Backend)
	}

	switch c.Bus.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("PARLEY_BUS_BACKEND must be 'memory' or 'redis', got %q", c.Bus.Backend)
	}

	if c.Store.Backend == "postgres" && c.Store.Database.SSLMode == "disable" {
		log.Warn().Msg("PARLEY_DB_SSLMODE=disable is insecure for production; set to 'require' or 'verify-full'")
	}

	if c.Store.Database.Port < 1 || c.Store.Database.Port > 65535 {
		return fmt.Errorf("PARLEY_DB_PORT must be 1-65535, got %d", c.Store.Database.Port)
	}
	if c.Store.Database.MaxConns < 1 {
		return fmt.Errorf("PARLEY_DB_MAX_CONNS must be >= 1, got %d", c.Store.Database.MaxConns)
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("PARLEY_SERVER_READ_TIMEOUT must be positive, got %s", c.Server.ReadTimeout)
	}
	if c.Server.WriteTimeout < 0 {
		return fmt.Errorf("PARLEY_SERVER_WRITE_TIMEOUT must be >= 0, got %s", c.Server.WriteTimeout)
	}
	if c.Worker.BaseURL == "" {
		return fmt.Errorf("PARLEY_WORKER_URL is required")
	}
	if c.Bus.QueueSize < 1 {
		return fmt.Errorf("PARLEY_BUS_QUEUE_SIZE must be >= 1, got %d", c.Bus.QueueSize)
	}
	if c.Stream.Heartbeat <= 0 {
		return fmt.Errorf("PARLEY_STREAM_HEARTBEAT must be positive, got %s", c.Stream.Heartbeat)
	}
	if c.Session.IdleTimeout <= 0 {
		return fmt.Errorf("PARLEY_SESSION_IDLE_TIMEOUT must be positive, got %s", c.Session.IdleTimeout)
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as int: %w", key, v, err)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as float: %w", key, v, err)
	}
	return f, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as duration: %w", key, v, err)
	}
	return d, nil
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
