package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// RelayBackend selects how the server fans signaling messages out.
type RelayBackend string

const (
	RelayBackendRedis  RelayBackend = "redis"
	RelayBackendMemory RelayBackend = "memory"
)

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	LogLevel       string
	Redis          RedisConfig
	Relay          RelayConfig
	Negotiation    NegotiationConfig
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// Addr returns host:port for the go-redis client.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

type RelayConfig struct {
	Backend             RelayBackend
	DefaultRoomCapacity int
	RoomTokenRequired   bool
	RoomTokenTTL        time.Duration
}

type NegotiationConfig struct {
	ICEServers  []string
	GracePeriod time.Duration
}

func Load() *Config {
	// Parse allowed origins (comma-separated)
	origins := splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173"))

	return &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Relay: RelayConfig{
			Backend:             RelayBackend(strings.ToLower(getEnv("RELAY_BACKEND", string(RelayBackendRedis)))),
			DefaultRoomCapacity: getEnvInt("DEFAULT_ROOM_CAPACITY", 2),
			RoomTokenRequired:   getEnvBool("ROOM_TOKEN_REQUIRED", false),
			RoomTokenTTL:        getEnvDuration("ROOM_TOKEN_TTL", 5*time.Minute),
		},
		Negotiation: NegotiationConfig{
			ICEServers:  splitList(getEnv("ICE_SERVERS", "stun:stun.l.google.com:19302,stun:stun1.l.google.com:19302")),
			GracePeriod: getEnvDuration("NEGOTIATION_GRACE_PERIOD", 2*time.Second),
		},
	}
}

// Validate rejects combinations the server cannot run with.
func (c *Config) Validate() error {
	switch c.Relay.Backend {
	case RelayBackendRedis, RelayBackendMemory:
	default:
		return fmt.Errorf("invalid RELAY_BACKEND %q (expected redis or memory)", c.Relay.Backend)
	}
	if c.Relay.DefaultRoomCapacity < 2 {
		return fmt.Errorf("DEFAULT_ROOM_CAPACITY must be at least 2, got %d", c.Relay.DefaultRoomCapacity)
	}
	if c.Relay.RoomTokenTTL <= 0 {
		return fmt.Errorf("ROOM_TOKEN_TTL must be positive")
	}
	if c.Negotiation.GracePeriod <= 0 {
		return fmt.Errorf("NEGOTIATION_GRACE_PERIOD must be positive")
	}
	if c.Environment == "production" && c.JWTSecret == "change-me-in-production" {
		return fmt.Errorf("JWT_SECRET must be set in production")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return defaultValue
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
