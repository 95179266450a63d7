// Package config loads runtime settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Operator maps a WhatsApp number to the admin profile it acts as.
type Operator struct {
	Phone     string
	ProfileID string
}

// Config holds every setting the service reads at startup.
type Config struct {
	AppEnv    string
	LogLevel  string
	LogFormat string

	DatabaseDriver string
	DatabaseURL    string
	SupabaseSchema string
	SQLitePath     string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTLS      bool

	HTTPListenAddr   string
	PublicBasePath   string
	MetricsNamespace string

	AuthJWTSecret string
	AuthJWTIssuer string

	RechargeClaimWindow time.Duration
	CatalogCacheTTL     time.Duration
	OrderInflightTTL    time.Duration

	WhatsAppStorePath string
	WhatsAppLogLevel  string
	WhatsAppOperators []Operator
}

// Load reads the configuration from the process environment.
func Load() (*Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (*Config, error) {
	env := envReader{get: getenv}

	cfg := &Config{
		AppEnv:    env.str("APP_ENV", "development"),
		LogLevel:  env.str("LOG_LEVEL", "info"),
		LogFormat: env.str("LOG_FORMAT", "text"),

		DatabaseDriver: strings.ToLower(env.str("DATABASE_DRIVER", DriverPostgres)),
		DatabaseURL:    env.str("DATABASE_URL", ""),
		SupabaseSchema: env.str("SUPABASE_SCHEMA", "public"),
		SQLitePath:     env.str("SQLITE_PATH", "digistore.db"),

		RedisAddr:     env.str("REDIS_ADDR", ""),
		RedisPassword: env.str("REDIS_PASSWORD", ""),
		RedisDB:       env.int("REDIS_DB", 0),
		RedisTLS:      env.bool("REDIS_TLS", false),

		HTTPListenAddr:   env.str("HTTP_LISTEN_ADDR", ":8080"),
		PublicBasePath:   env.str("PUBLIC_BASE_PATH", ""),
		MetricsNamespace: env.str("METRICS_NAMESPACE", "digistore"),

		AuthJWTSecret: env.str("AUTH_JWT_SECRET", ""),
		AuthJWTIssuer: env.str("AUTH_JWT_ISSUER", ""),

		RechargeClaimWindow: env.duration("RECHARGE_CLAIM_WINDOW", 10*time.Minute),
		CatalogCacheTTL:     env.duration("CATALOG_CACHE_TTL", 5*time.Minute),
		OrderInflightTTL:    env.duration("ORDER_INFLIGHT_TTL", 15*time.Second),

		WhatsAppStorePath: env.str("WA_STORE_PATH", ""),
		WhatsAppLogLevel:  env.str("WA_LOG_LEVEL", "INFO"),
	}

	operators, err := parseOperators(env.str("WA_OPERATORS", ""))
	if err != nil {
		env.errs = append(env.errs, err)
	}
	cfg.WhatsAppOperators = operators

	if err := errors.Join(env.errs...); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	switch c.DatabaseDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres driver"))
		}
	case DriverSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("DATABASE_DRIVER %q is not supported", c.DatabaseDriver))
	}
	if c.AuthJWTSecret == "" {
		errs = append(errs, errors.New("AUTH_JWT_SECRET is required"))
	}
	if c.RechargeClaimWindow <= 0 {
		errs = append(errs, errors.New("RECHARGE_CLAIM_WINDOW must be positive"))
	}
	if len(c.WhatsAppOperators) > 0 && c.WhatsAppStorePath == "" {
		errs = append(errs, errors.New("WA_OPERATORS requires WA_STORE_PATH"))
	}
	return errors.Join(errs...)
}

// parseOperators reads "phone:profile_id,phone:profile_id".
func parseOperators(raw string) ([]Operator, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var out []Operator
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		phone, profileID, ok := strings.Cut(part, ":")
		phone = strings.TrimPrefix(strings.TrimSpace(phone), "+")
		profileID = strings.TrimSpace(profileID)
		if !ok || phone == "" || profileID == "" {
			return nil, fmt.Errorf("WA_OPERATORS entry %q must be phone:profile_id", part)
		}
		out = append(out, Operator{Phone: phone, ProfileID: profileID})
	}
	return out, nil
}

type envReader struct {
	get  func(string) string
	errs []error
}

func (e *envReader) str(key, def string) string {
	if v := strings.TrimSpace(e.get(key)); v != "" {
		return v
	}
	return def
}

func (e *envReader) int(key string, def int) int {
	v := strings.TrimSpace(e.get(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (e *envReader) bool(key string, def bool) bool {
	v := strings.TrimSpace(e.get(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

func (e *envReader) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(e.get(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}
