package config

import (
	"fmt"
	"os"
	"strings"
)

const (
	DefaultPort           = "3500"
	DefaultHistorySize    = 1000
	DefaultMaxMessageSize = 5 * 1000 * 1000
	DefaultRateBurst      = 10
)

type RateLimit struct {
	// PerSecond is the sustained number of inbound events allowed per
	// connection. Zero disables rate limiting.
	PerSecond float64
	Burst     int
}

type Config struct {
	ServerAddr       string
	AllowedOrigins   []string
	HistorySize      int
	MaxMessageSize   int64
	RateLimit        RateLimit
	StrictMembership bool
}

// DefaultAddr returns the listen address derived from the PORT environment
// variable, falling back to localhost:3500.
func DefaultAddr() string {
	if port := os.Getenv("PORT"); port != "" {
		return ":" + port
	}

	return "localhost:" + DefaultPort
}

// ParseOrigins splits a comma-separated origin list, dropping empty entries.
func ParseOrigins(s string) []string {
	var origins []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}

	return origins
}

func NewConfig(serverAddr string, allowedOrigins []string, historySize int, maxMessageSize int64, rl RateLimit) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if len(allowedOrigins) == 0 {
		return nil, fmt.Errorf("allowed origins cannot be empty")
	}
	if historySize <= 0 {
		return nil, fmt.Errorf("history size must be positive, got %d", historySize)
	}
	if maxMessageSize <= 0 {
		return nil, fmt.Errorf("max message size must be positive, got %d", maxMessageSize)
	}
	if rl.PerSecond < 0 {
		return nil, fmt.Errorf("rate limit cannot be negative, got %v", rl.PerSecond)
	}
	if rl.PerSecond > 0 && rl.Burst <= 0 {
		return nil, fmt.Errorf("rate burst must be positive when rate limiting is enabled, got %d", rl.Burst)
	}

	return &Config{
		ServerAddr:     serverAddr,
		AllowedOrigins: allowedOrigins,
		HistorySize:    historySize,
		MaxMessageSize: maxMessageSize,
		RateLimit:      rl,
	}, nil
}

// AllowAllOrigins reports whether the wildcard origin is configured.
func (c *Config) AllowAllOrigins() bool {
	for _, o := range c.AllowedOrigins {
		if o == "*" {
			return true
		}
	}

	return false
}
