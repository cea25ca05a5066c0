package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config carries all runtime settings, loaded from the environment.
type Config struct {
	ServiceName string
	HTTPPort    string
	Issuer      string

	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// KeyMasterKey seals locally generated private keys at rest. 32 bytes,
	// hex or raw.
	KeyMasterKey  string
	KeyBackend    string
	KMSEnabled    bool
	AWSRegion     string
	KeyRotateLead time.Duration
	KeyGrace      time.Duration
	KeyTTL        time.Duration
	KeyAlgorithm  string

	AccessTokenTTL   time.Duration
	IdentityTokenTTL time.Duration
	RefreshTokenTTL  time.Duration

	CibaRequestLifetime time.Duration
	CibaPollInterval    time.Duration
	CibaMaxLifetime     time.Duration

	DeviceCodeLifetime    time.Duration
	DevicePollInterval    time.Duration
	DeviceVerificationURI string

	JWKSCacheMaxAge time.Duration

	TelemetryEndpoint string
	TelemetryInsecure bool

	RateLimitPerMinute int
}

// Load reads configuration from the environment, honoring a local .env file
// when present.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		ServiceName: getEnv("SERVICE_NAME", "oluso-auth"),
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		Issuer:      getEnv("ISSUER", "http://localhost:8080"),

		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		KeyMasterKey:  os.Getenv("KEY_MASTER_KEY"),
		KeyBackend:    getEnv("KEY_BACKEND", "local"),
		KMSEnabled:    getEnvBool("KMS_ENABLED", false),
		AWSRegion:     getEnv("AWS_REGION", "us-east-1"),
		KeyRotateLead: getEnvDuration("KEY_ROTATE_LEAD", 24*time.Hour),
		KeyGrace:      getEnvDuration("KEY_GRACE", 48*time.Hour),
		KeyTTL:        getEnvDuration("KEY_TTL", 90*24*time.Hour),
		KeyAlgorithm:  getEnv("KEY_ALGORITHM", "RS256"),

		AccessTokenTTL:   getEnvDuration("ACCESS_TOKEN_TTL", time.Hour),
		IdentityTokenTTL: getEnvDuration("IDENTITY_TOKEN_TTL", 5*time.Minute),
		RefreshTokenTTL:  getEnvDuration("REFRESH_TOKEN_TTL", 30*24*time.Hour),

		CibaRequestLifetime: getEnvDuration("CIBA_REQUEST_LIFETIME", 5*time.Minute),
		CibaPollInterval:    getEnvDuration("CIBA_POLL_INTERVAL", 5*time.Second),
		CibaMaxLifetime:     getEnvDuration("CIBA_MAX_LIFETIME", 15*time.Minute),

		DeviceCodeLifetime:    getEnvDuration("DEVICE_CODE_LIFETIME", 10*time.Minute),
		DevicePollInterval:    getEnvDuration("DEVICE_POLL_INTERVAL", 5*time.Second),
		DeviceVerificationURI: getEnv("DEVICE_VERIFICATION_URI", "http://localhost:8080/device"),

		JWKSCacheMaxAge: getEnvDuration("JWKS_CACHE_MAX_AGE", 5*time.Minute),

		TelemetryEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TelemetryInsecure: getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", false),

		RateLimitPerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 300),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.KeyBackend == "local" && len(cfg.KeyMasterKey) == 0 {
		return Config{}, fmt.Errorf("KEY_MASTER_KEY is required for the local key backend")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return fallback
}
