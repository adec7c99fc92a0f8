package app

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/aussiebroadwan/carelink/internal/credstore"
	"github.com/aussiebroadwan/carelink/pkg/carelink"
	"github.com/aussiebroadwan/carelink/pkg/httpx"
	"github.com/go-playground/validator/v10"
)

// Config holds the CLI settings. LoadConfig fills it from the environment;
// command-line flags override individual fields.
type Config struct {
	DiscoveryURL string `validate:"required,url"`                // Discovery document (default: EU carepartner v11)
	Region       string `validate:"omitempty,oneof=us eu US EU"` // Deployment region (default: the stored token's country, else EU)
	Country      string `validate:"omitempty,len=2"`             // Optional: ISO country, resolved to a region via discovery

	Store           string `validate:"oneof=file keyring sqlite"` // Credential store driver (default: file)
	CredentialsFile string // JSON credential file for the file store (default: logindata.json)
	KeyringService  string // Keyring service name (default: carelink)
	Account         string // Keyring account, or row name in the sqlite store (default: default)
	DatabaseFile    string // SQLite database for the sqlite store (default: carelink.db)
	MasterKeyFile   string // Optional: key file sealing secrets in the sqlite store

	RSABits          int           `validate:"gte=0"` // Optional: device key size, raised to 2048 if smaller
	FreshnessMargin  time.Duration `validate:"gte=0"` // Refresh this long before exp (default: 10m)
	ChallengeTimeout time.Duration `validate:"gte=0"` // Login challenge deadline, 0 waits forever (default: 0)
	HTTPTimeout      time.Duration `validate:"gt=0"`  // Per-request timeout (default: 30s)
	KeeperInterval   time.Duration `validate:"gt=0"`  // Watch check interval (default: 1m)
	RateLimit        httpx.RateLimitConfig

	Env       string // Environment (dev, prod) (default: prod)
	LogLevel  string // Log level (debug, info, warn, error) (default: info)
	LogFormat string // Log format (json, text) (default: text)
}

// LoadConfig reads CARELINK_* variables, falling back to defaults.
func LoadConfig() Config {
	return Config{
		DiscoveryURL: getEnvOrDefault("CARELINK_DISCOVERY_URL", carelink.DefaultDiscoveryURL),
		Region:       os.Getenv("CARELINK_REGION"),
		Country:      os.Getenv("CARELINK_COUNTRY"),

		Store:           getEnvOrDefault("CARELINK_STORE", "file"),
		CredentialsFile: getEnvOrDefault("CARELINK_CREDENTIALS_FILE", "logindata.json"),
		KeyringService:  getEnvOrDefault("CARELINK_KEYRING_SERVICE", credstore.DefaultKeyringService),
		Account:         getEnvOrDefault("CARELINK_ACCOUNT", "default"),
		DatabaseFile:    getEnvOrDefault("CARELINK_DATABASE_FILE", "carelink.db"),
		MasterKeyFile:   os.Getenv("CARELINK_MASTER_KEY_FILE"),

		RSABits:          getEnvIntOrDefault("CARELINK_RSA_BITS", 0),
		FreshnessMargin:  getEnvDurationOrDefault("CARELINK_FRESHNESS_MARGIN", carelink.DefaultFreshnessMargin),
		ChallengeTimeout: getEnvDurationOrDefault("CARELINK_CHALLENGE_TIMEOUT", 0),
		HTTPTimeout:      getEnvDurationOrDefault("CARELINK_HTTP_TIMEOUT", 30*time.Second),
		KeeperInterval:   getEnvDurationOrDefault("CARELINK_KEEPER_INTERVAL", carelink.DefaultKeeperInterval),
		RateLimit:        httpx.ParseRateLimitFromEnv("CARELINK_RATE_LIMIT", httpx.Unlimited),

		Env:       getEnvOrDefault("ENV", "prod"),
		LogLevel:  getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "text"),
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if intValue, err := strconv.Atoi(value); err == nil {
		return intValue
	}

	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	// Try parsing as duration (e.g., "1h", "30m", "90s")
	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}

	// Bare integers are seconds.
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}

	return defaultValue
}
