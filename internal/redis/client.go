package redis

import (
	"context"
	"fmt"

	"github.com/mossy-p/skillswap-signaling/config"
	"github.com/redis/go-redis/v9"
)

var client *redis.Client
var ctx = context.Background()

// Connect initializes the Redis client
func Connect(cfg config.RedisConfig) error {
	c := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	if err := c.Ping(ctx).Err(); err != nil {
		c.Close()
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	client = c
	return nil
}

// Close closes the Redis connection
func Close() error {
	if client != nil {
		err := client.Close()
		client = nil
		return err
	}
	return nil
}

// GetClient returns the Redis client instance
func GetClient() *redis.Client {
	return client
}

// GetContext returns the context for Redis operations
func GetContext() context.Context {
	return ctx
}

// Key helpers shared by the room handlers and the Redis relay.

func RoomKey(roomID string) string { return "room:" + roomID }
func CodeKey(code string) string { return "code:" + code }
func PeersKey(roomID string) string { return "room:" + roomID + ":peers" }
func SignalChannel(roomID string) string { return "signal:room:" + roomID }
