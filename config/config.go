// Package config loads service configuration from the environment.
package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port      string
	DBPath    string
	JWTSecret string
	LogLevel  string
	Sweep     SweepConfig
}

type SweepConfig struct {
	Interval   time.Duration
	MaxRetries int
}

// Load reads configuration from environment variables with sane defaults.
func Load() *Config {
	sweepMinutes, _ := strconv.Atoi(getEnv("LOYALTY_SWEEP_INTERVAL_MINUTES", "60"))
	sweepRetries, _ := strconv.Atoi(getEnv("LOYALTY_SWEEP_RETRIES", "3"))

	return &Config{
		Port:      getEnv("LOYALTY_PORT", "8080"),
		DBPath:    getEnv("LOYALTY_DB", "./data/loyalty.db"),
		JWTSecret: getEnv("LOYALTY_JWT_SECRET", "dev-secret-change-me"),
		LogLevel:  getEnv("LOYALTY_LOG_LEVEL", "info"),
		Sweep: SweepConfig{
			Interval:   time.Duration(sweepMinutes) * time.Minute,
			MaxRetries: sweepRetries,
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
