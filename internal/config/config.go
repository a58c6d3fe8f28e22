package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains runtime configuration values.
type Config struct {
	Environment          string
	HTTPPort             string
	HTTPReadTimeout      time.Duration
	HTTPWriteTimeout     time.Duration
	HTTPIdleTimeout      time.Duration
	HTTPShutdownGrace    time.Duration
	DatabaseURL          string
	RedisAddr            string
	RedisPassword        string
	RedisDB              int
	CodeStore            string
	Issuer               string
	Audience             string
	AccessTokenTTL       time.Duration
	RefreshTokenTTL      time.Duration
	SessionIdleTTL       time.Duration
	SessionMaxTTL        time.Duration
	TokenHashKeys        map[string][]byte
	TokenHashActiveKID   string
	ServiceName          string
	RateLimitRPM         int
	TelemetryEndpoint    string
	TelemetryInsecure    bool
	CORSAllowedOrigins   []string
	CORSAllowedMethods   []string
	CORSAllowedHeaders   []string
	CORSAllowCredentials bool
}

// Load reads configuration from environment variables with sane defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	issuer := strings.TrimSpace(os.Getenv("TOKEN_ISSUER"))
	if issuer == "" {
		return Config{}, fmt.Errorf("TOKEN_ISSUER is required")
	}
	audience := strings.TrimSpace(os.Getenv("TOKEN_AUDIENCE"))
	if audience == "" {
		return Config{}, fmt.Errorf("TOKEN_AUDIENCE is required")
	}

	hashKeys, activeKID, err := parseHashKeys(
		os.Getenv("TOKEN_HASH_KEYS"), os.Getenv("TOKEN_HASH_ACTIVE_KID"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Environment:          getEnv("APP_ENV", "development"),
		HTTPPort:             getEnv("HTTP_PORT", "8080"),
		HTTPReadTimeout:      getDuration("HTTP_READ_TIMEOUT", 10*time.Second),
		HTTPWriteTimeout:     getDuration("HTTP_WRITE_TIMEOUT", 20*time.Second),
		HTTPIdleTimeout:      getDuration("HTTP_IDLE_TIMEOUT", time.Minute),
		HTTPShutdownGrace:    getDuration("HTTP_SHUTDOWN_GRACE", 10*time.Second),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisAddr:            getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:        os.Getenv("REDIS_PASSWORD"),
		RedisDB:              getInt("REDIS_DB", 0),
		CodeStore:            getEnv("CODE_STORE", "redis"),
		Issuer:               issuer,
		Audience:             audience,
		AccessTokenTTL:       getDuration("ACCESS_TOKEN_TTL", 15*time.Minute),
		RefreshTokenTTL:      getDuration("REFRESH_TOKEN_TTL", 30*24*time.Hour),
		SessionIdleTTL:       getDuration("SESSION_IDLE_TTL", 7*24*time.Hour),
		SessionMaxTTL:        getDuration("SESSION_MAX_TTL", 90*24*time.Hour),
		TokenHashKeys:        hashKeys,
		TokenHashActiveKID:   activeKID,
		ServiceName:          getEnv("SERVICE_NAME", "moneygrid-identity"),
		RateLimitRPM:         getInt("RATE_LIMIT_RPM", 600),
		TelemetryEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TelemetryInsecure:    getBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		CORSAllowedOrigins:   getList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		CORSAllowedMethods:   getList("CORS_ALLOWED_METHODS", []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"}),
		CORSAllowedHeaders:   getList("CORS_ALLOWED_HEADERS", []string{"Authorization", "Content-Type", "X-Workspace-ID"}),
		CORSAllowCredentials: getBool("CORS_ALLOW_CREDENTIALS", false),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.CodeStore != "redis" && cfg.CodeStore != "postgres" {
		return Config{}, fmt.Errorf("CODE_STORE must be redis or postgres, got %q", cfg.CodeStore)
	}
	if cfg.SessionIdleTTL > cfg.SessionMaxTTL {
		return Config{}, fmt.Errorf("SESSION_IDLE_TTL must not exceed SESSION_MAX_TTL")
	}

	return cfg, nil
}

// parseHashKeys reads "kid:base64secret" pairs separated by commas. Every key
// that ever hashed a live token must stay listed until those tokens expire.
func parseHashKeys(raw, activeKID string) (map[string][]byte, string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, "", fmt.Errorf("TOKEN_HASH_KEYS is required")
	}
	keys := make(map[string][]byte)
	for _, pair := range strings.Split(raw, ",") {
		kid, encoded, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || kid == "" {
			return nil, "", fmt.Errorf("TOKEN_HASH_KEYS entry %q must be kid:base64", pair)
		}
		secret, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, "", fmt.Errorf("TOKEN_HASH_KEYS key %q: %w", kid, err)
		}
		keys[kid] = secret
	}
	activeKID = strings.TrimSpace(activeKID)
	if activeKID == "" {
		if len(keys) == 1 {
			for kid := range keys {
				activeKID = kid
			}
		} else {
			return nil, "", fmt.Errorf("TOKEN_HASH_ACTIVE_KID is required with multiple hash keys")
		}
	}
	if _, ok := keys[activeKID]; !ok {
		return nil, "", fmt.Errorf("TOKEN_HASH_ACTIVE_KID %q not present in TOKEN_HASH_KEYS", activeKID)
	}
	return keys, activeKID, nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}

func getList(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok {
		parts := strings.Split(v, ",")
		var cleaned []string
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
		if len(cleaned) > 0 {
			return cleaned
		}
	}
	return def
}
