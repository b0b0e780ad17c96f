package config

import (
	"os"
	"strconv"
)

// RedisConfig locates the stream that download, rebuild and delete outcomes
// are published to. events.Open returns a no-op publisher when Addr is empty.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Stream   string
}

// GetRedisConfig reads REDIS_ADDR, REDIS_PASSWORD, REDIS_DB and REDIS_STREAM.
// Unlike a collector pipeline there is no default address: an unset REDIS_ADDR
// disables event publishing instead of dialing localhost. A malformed REDIS_DB
// falls back to 0 and the stream defaults to weather_ingests.
func GetRedisConfig() RedisConfig {
	db := 0
	if dbStr := os.Getenv("REDIS_DB"); dbStr != "" {
		if parsed, err := strconv.Atoi(dbStr); err == nil {
			db = parsed
		}
	}

	return RedisConfig{
		Addr:     os.Getenv("REDIS_ADDR"),
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
		Stream:   getEnv("REDIS_STREAM", "weather_ingests"),
	}
}

// RedisConfig returns the redis section of c.
func (c *Config) RedisConfig() RedisConfig {
	return RedisConfig{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
		Stream:   c.Redis.Stream,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
