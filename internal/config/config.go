// Package config provides configuration loading for the gateway.
// It handles environment variable parsing, struct validation and the
// provider priority policy file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// init loads environment variables from .env files during package initialization.
// godotenv.Load does not override variables that are already set, so the OS
// environment always wins over .env, and .env over .env.local.
func init() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	// Local overrides, gitignored
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Config captures environment-driven settings for the gateway.
type Config struct {
	Env         string `validate:"required,oneof=dev test staging prod"`
	Port        string `validate:"required,numeric"`
	DatabaseDSN string // Postgres ledger store; in-memory when empty
	NATSURL     string // lifecycle events and realtime broker; local-only when empty

	S3Endpoint  string
	S3Region    string `validate:"required"`
	S3Bucket    string `validate:"required_with=S3Endpoint"`
	S3AccessKey string
	S3SecretKey string

	JWTIssuer   string `validate:"required"`
	JWTAudience string `validate:"required"`
	JWKSURL     string `validate:"omitempty,url"`
	IdentityURL string `validate:"omitempty,url"` // admin role source; JWT role claim when empty

	RateLimit  int           `validate:"gte=1"`
	RateWindow time.Duration `validate:"gte=1s"`

	CacheTTL        time.Duration `validate:"gte=0"`
	CacheMaxEntries int           `validate:"gte=0"`

	ProviderTimeout    time.Duration `validate:"gte=100ms"`
	ProviderPolicyFile string
	// ProviderEndpoints maps a provider to a remote executor base URL.
	// Providers without an endpoint run on the built-in simulator.
	ProviderEndpoints map[string]string `validate:"dive,keys,required,endkeys,url"`
	ProviderAPIKey    string
	// MaxInflight bounds concurrently executing provider operations.
	MaxInflight int `validate:"gte=1"`

	RealtimeTokenTTL time.Duration `validate:"gte=1m"`
	AllowDevUserID   bool

	AssetInlineLimit int `validate:"gte=0"`

	CORSAllowedOrigins []string
	// TrustedProxies lists CIDRs or addresses whose forwarding headers
	// pick the rate-limit key. Empty trusts no proxy.
	TrustedProxies []string `validate:"dive,cidr|ip"`
}

// Default configuration values used when environment variables are not set
const (
	defaultPort             = "8080"
	defaultS3Region         = "us-east-1"
	defaultEnv              = "dev"
	defaultRateLimit        = 10
	defaultRateWindow       = 60 * time.Second
	defaultCacheTTL         = time.Hour
	defaultCacheMaxEntries  = 10000
	defaultProviderTimeout  = 30 * time.Second
	defaultRealtimeTokenTTL = 24 * time.Hour
	defaultAssetInlineLimit = 256 * 1024
	defaultMaxInflight      = 64
)

var validate = validator.New()

// Defaults returns the configuration Load produces from an empty
// environment, minus the JWT issuer and audience which have no default.
func Defaults() Config {
	return Config{
		Env:              defaultEnv,
		Port:             defaultPort,
		S3Region:         defaultS3Region,
		RateLimit:        defaultRateLimit,
		RateWindow:       defaultRateWindow,
		CacheTTL:         defaultCacheTTL,
		CacheMaxEntries:  defaultCacheMaxEntries,
		ProviderTimeout:  defaultProviderTimeout,
		MaxInflight:      defaultMaxInflight,
		RealtimeTokenTTL: defaultRealtimeTokenTTL,
		AllowDevUserID:   defaultEnv == "dev",
		AssetInlineLimit: defaultAssetInlineLimit,
	}
}

// Load reads environment variables and produces a validated Config.
// Returns an error if required parameters are missing or a value is malformed.
func Load() (Config, error) {
	cfg := Config{
		Env:                getEnv("MMG_ENV", defaultEnv),
		Port:               getEnv("MMG_PORT", defaultPort),
		DatabaseDSN:        os.Getenv("MMG_DB_DSN"),
		NATSURL:            os.Getenv("MMG_NATS_URL"),
		S3Endpoint:         os.Getenv("MMG_S3_ENDPOINT"),
		S3Region:           getEnv("MMG_S3_REGION", defaultS3Region),
		S3Bucket:           os.Getenv("MMG_S3_BUCKET"),
		S3AccessKey:        os.Getenv("MMG_S3_ACCESS_KEY"),
		S3SecretKey:        os.Getenv("MMG_S3_SECRET_KEY"),
		JWTIssuer:          os.Getenv("MMG_JWT_ISSUER"),
		JWTAudience:        os.Getenv("MMG_JWT_AUDIENCE"),
		JWKSURL:            os.Getenv("MMG_JWKS_URL"),
		IdentityURL:        os.Getenv("MMG_IDENTITY_URL"),
		ProviderPolicyFile: os.Getenv("MMG_PROVIDER_POLICY_FILE"),
		ProviderAPIKey:     os.Getenv("MMG_PROVIDER_API_KEY"),
		CORSAllowedOrigins: splitList(os.Getenv("MMG_CORS_ALLOWED_ORIGINS")),
		TrustedProxies:     splitList(os.Getenv("MMG_TRUSTED_PROXIES")),
	}

	var err error
	if cfg.RateLimit, err = getInt("MMG_RATE_LIMIT", defaultRateLimit); err != nil {
		return cfg, err
	}
	if cfg.RateWindow, err = getDuration("MMG_RATE_WINDOW", defaultRateWindow); err != nil {
		return cfg, err
	}
	if cfg.CacheTTL, err = getDuration("MMG_CACHE_TTL", defaultCacheTTL); err != nil {
		return cfg, err
	}
	if cfg.CacheMaxEntries, err = getInt("MMG_CACHE_MAX_ENTRIES", defaultCacheMaxEntries); err != nil {
		return cfg, err
	}
	if cfg.ProviderTimeout, err = getDuration("MMG_PROVIDER_TIMEOUT", defaultProviderTimeout); err != nil {
		return cfg, err
	}
	if cfg.RealtimeTokenTTL, err = getDuration("MMG_REALTIME_TOKEN_TTL", defaultRealtimeTokenTTL); err != nil {
		return cfg, err
	}
	if cfg.AssetInlineLimit, err = getInt("MMG_ASSET_INLINE_LIMIT", defaultAssetInlineLimit); err != nil {
		return cfg, err
	}
	if cfg.MaxInflight, err = getInt("MMG_MAX_INFLIGHT", defaultMaxInflight); err != nil {
		return cfg, err
	}
	if cfg.ProviderEndpoints, err = parseEndpoints(os.Getenv("MMG_PROVIDER_ENDPOINTS")); err != nil {
		return cfg, err
	}

	// Raw userId on the realtime channel is a dev-only affordance.
	cfg.AllowDevUserID = cfg.Env == "dev"
	if v, ok := os.LookupEnv("MMG_ALLOW_DEV_USER_ID"); ok {
		cfg.AllowDevUserID = parseBool(v)
	}

	if cfg.JWKSURL == "" && cfg.JWTIssuer != "" {
		cfg.JWKSURL = strings.TrimSuffix(cfg.JWTIssuer, "/") + "/.well-known/jwks.json"
	}

	if err := validate.Struct(cfg); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", describe(err))
	}
	return cfg, nil
}

// describe turns validator field errors into env-var oriented messages.
func describe(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", envName(fe.StructField()), fe.Tag()))
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}

var envNames = map[string]string{
	"Env": "MMG_ENV", "Port": "MMG_PORT", "S3Region": "MMG_S3_REGION", "S3Bucket": "MMG_S3_BUCKET",
	"JWTIssuer": "MMG_JWT_ISSUER", "JWTAudience": "MMG_JWT_AUDIENCE", "JWKSURL": "MMG_JWKS_URL",
	"IdentityURL": "MMG_IDENTITY_URL", "RateLimit": "MMG_RATE_LIMIT", "RateWindow": "MMG_RATE_WINDOW",
	"CacheTTL": "MMG_CACHE_TTL", "CacheMaxEntries": "MMG_CACHE_MAX_ENTRIES",
	"ProviderTimeout": "MMG_PROVIDER_TIMEOUT", "ProviderEndpoints": "MMG_PROVIDER_ENDPOINTS",
	"RealtimeTokenTTL": "MMG_REALTIME_TOKEN_TTL", "AssetInlineLimit": "MMG_ASSET_INLINE_LIMIT",
	"MaxInflight": "MMG_MAX_INFLIGHT", "TrustedProxies": "MMG_TRUSTED_PROXIES",
}

func envName(field string) string {
	field, _, _ = strings.Cut(field, "[")
	if n, ok := envNames[field]; ok {
		return n
	}
	return field
}

// getEnv retrieves an environment variable value, returning a fallback if not set or empty
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration: %w", key, err)
	}
	return d, nil
}

// parseEndpoints parses "dalle=https://a,cohere=https://b".
func parseEndpoints(v string) (map[string]string, error) {
	out := map[string]string{}
	for _, pair := range splitList(v) {
		name, url, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("MMG_PROVIDER_ENDPOINTS entry %q is not provider=url", pair)
		}
		out[strings.TrimSpace(name)] = strings.TrimSpace(url)
	}
	return out, nil
}

func splitList(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseBool converts a string to a boolean value, returning false if parsing fails
func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}
