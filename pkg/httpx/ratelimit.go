package httpx

import (
	"os"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig defines client-side pacing for outbound requests.
type RateLimitConfig struct {
	// RequestsPerWindow is the number of requests allowed in the time window.
	// Zero disables limiting.
	RequestsPerWindow int
	// Window is the time window for rate limiting
	Window time.Duration
	// Burst allows for temporary bursts above the rate limit
	Burst int
}

// Unlimited is the default: requests are never delayed.
var Unlimited = RateLimitConfig{}

// ParseRateLimitFromEnv reads rate limit configuration from environment variables.
// Environment variables follow the pattern: {prefix}_{field}
// For example: CARELINK_RATE_LIMIT_REQUESTS, CARELINK_RATE_LIMIT_WINDOW_SEC, CARELINK_RATE_LIMIT_BURST
// Unparseable or non-positive values keep the default.
func ParseRateLimitFromEnv(prefix string, defaultConfig RateLimitConfig) RateLimitConfig {
	config := defaultConfig

	if val := os.Getenv(prefix + "_REQUESTS"); val != "" {
		if requests, err := strconv.Atoi(val); err == nil && requests > 0 {
			config.RequestsPerWindow = requests
		}
	}

	if val := os.Getenv(prefix + "_WINDOW_SEC"); val != "" {
		if windowSec, err := strconv.Atoi(val); err == nil && windowSec > 0 {
			config.Window = time.Duration(windowSec) * time.Second
		}
	}

	if val := os.Getenv(prefix + "_BURST"); val != "" {
		if burst, err := strconv.Atoi(val); err == nil && burst > 0 {
			config.Burst = burst
		}
	}

	return config
}

// Enabled reports whether the config actually limits anything.
func (c RateLimitConfig) Enabled() bool {
	return c.RequestsPerWindow > 0
}

// NewLimiter builds a token-bucket limiter for the config. A disabled
// config yields a limiter that never blocks. A missing window defaults to
// one minute and a missing burst to one request.
func NewLimiter(config RateLimitConfig) *rate.Limiter {
	if !config.Enabled() {
		return rate.NewLimiter(rate.Inf, 0)
	}

	window := config.Window
	if window <= 0 {
		window = time.Minute
	}
	burst := max(config.Burst, 1)

	ratePerSecond := float64(config.RequestsPerWindow) / window.Seconds()
	return rate.NewLimiter(rate.Limit(ratePerSecond), burst)
}
