// Package config loads the chat server's settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Storage drivers accepted by STORE_DRIVER.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	ListenAddr      string
	WorkerPoolSize  int
	MaxConnections  int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxPayloadBytes int64

	StoreDriver string
	DatabaseURL string
	RedisAddr   string
	NATSURL     string // empty disables NATS
	ServerName  string

	JWTSecret string
	JWTIssuer string

	OfflineThreshold    time.Duration
	TypingTTL           time.Duration
	MaintenanceInterval time.Duration
	SendRateLimit       int // sends per minute per user
	ModerationPolicy    string
	DedupTTL            time.Duration
}

// Load reads the environment, applies defaults and validates the result.
func Load() (*Config, error) {
	p := &parser{}

	cfg := &Config{
		ListenAddr:      getEnv("LISTEN_ADDR", ":8080"),
		WorkerPoolSize:  p.int("WORKER_POOL_SIZE", 256),
		MaxConnections:  p.int("MAX_CONNECTIONS", 100000),
		ReadTimeout:     p.duration("READ_TIMEOUT", 10*time.Second),
		WriteTimeout:    p.duration("WRITE_TIMEOUT", 10*time.Second),
		MaxPayloadBytes: int64(p.int("MAX_PAYLOAD_BYTES", 16*1024)),

		StoreDriver: getEnv("STORE_DRIVER", DriverPostgres),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisAddr:   getEnv("REDIS_ADDR", "localhost:6379"),
		NATSURL:     os.Getenv("NATS_URL"),
		ServerName:  serverName(),

		JWTSecret: os.Getenv("JWT_SECRET"),
		JWTIssuer: os.Getenv("JWT_ISSUER"),

		OfflineThreshold:    p.duration("OFFLINE_THRESHOLD", 2*time.Minute),
		TypingTTL:           p.duration("TYPING_TTL", 10*time.Second),
		MaintenanceInterval: p.duration("MAINTENANCE_INTERVAL", 30*time.Second),
		SendRateLimit:       p.int("SEND_RATE_LIMIT", 30),
		ModerationPolicy:    os.Getenv("MODERATION_POLICY"),
		DedupTTL:            p.duration("DEDUP_TTL", 5*time.Minute),
	}
	if p.err != nil {
		return nil, p.err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required when STORE_DRIVER=postgres"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverMemory, c.StoreDriver))
	}

	positive := []struct {
		name string
		ok   bool
	}{
		{"WORKER_POOL_SIZE", c.WorkerPoolSize > 0},
		{"MAX_CONNECTIONS", c.MaxConnections > 0},
		{"MAX_PAYLOAD_BYTES", c.MaxPayloadBytes > 0},
		{"OFFLINE_THRESHOLD", c.OfflineThreshold > 0},
		{"TYPING_TTL", c.TypingTTL > 0},
		{"MAINTENANCE_INTERVAL", c.MaintenanceInterval > 0},
		{"SEND_RATE_LIMIT", c.SendRateLimit > 0},
		{"DEDUP_TTL", c.DedupTTL > 0},
	}
	for _, v := range positive {
		if !v.ok {
			errs = append(errs, fmt.Errorf("%s must be greater than 0", v.name))
		}
	}

	return errors.Join(errs...)
}

// parser accumulates the first conversion error so Load can build the
// struct in one expression.
type parser struct {
	err error
}

func (p *parser) int(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("config: %s: %w", key, err)
	}
	return n
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("config: %s: %w", key, err)
	}
	return d
}

func serverName() string {
	if v := os.Getenv("SERVER_NAME"); v != "" {
		return v
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "chat-1"
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}
