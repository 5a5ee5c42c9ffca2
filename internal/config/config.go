package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/headachemd/emr/internal/domain/patient"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	ProvidersFile    string        `mapstructure:"EMR_PROVIDERS_FILE"`
	RedirectURI      string        `mapstructure:"EMR_REDIRECT_URI"`
	StateTTL         time.Duration `mapstructure:"EMR_STATE_TTL"`
	StateKey         string        `mapstructure:"EMR_STATE_KEY"`
	HTTPTimeout      time.Duration `mapstructure:"EMR_HTTP_TIMEOUT"`
	RateLimitRPS     float64       `mapstructure:"EMR_RATE_LIMIT_RPS"`
	RateLimitBurst   int           `mapstructure:"EMR_RATE_LIMIT_BURST"`
	SessionRetention time.Duration `mapstructure:"EMR_SESSION_RETENTION"`

	// HeadacheDrugClasses uses the "class[/role]:kw|kw,..." table format.
	HeadacheDrugClasses         string `mapstructure:"EMR_HEADACHE_DRUG_CLASSES"`
	HeadacheConditionKeywords   string `mapstructure:"EMR_HEADACHE_CONDITION_KEYWORDS"`
	HeadacheAppointmentKeywords string `mapstructure:"EMR_HEADACHE_APPOINTMENT_KEYWORDS"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "CORS_ORIGINS", "REQUEST_TIMEOUT",
	"EMR_PROVIDERS_FILE", "EMR_REDIRECT_URI", "EMR_STATE_TTL", "EMR_STATE_KEY", "EMR_HTTP_TIMEOUT",
	"EMR_RATE_LIMIT_RPS", "EMR_RATE_LIMIT_BURST", "EMR_SESSION_RETENTION",
	"EMR_HEADACHE_DRUG_CLASSES", "EMR_HEADACHE_CONDITION_KEYWORDS", "EMR_HEADACHE_APPOINTMENT_KEYWORDS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("EMR_PROVIDERS_FILE", "./providers.yaml")
	v.SetDefault("EMR_STATE_TTL", "10m")
	v.SetDefault("EMR_HTTP_TIMEOUT", "10s")
	v.SetDefault("EMR_RATE_LIMIT_RPS", 10)
	v.SetDefault("EMR_RATE_LIMIT_BURST", 20)
	v.SetDefault("EMR_SESSION_RETENTION", "720h")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range envKeys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// HasDatabase reports whether sessions are persisted in Postgres.
func (c *Config) HasDatabase() bool {
	return c.DatabaseURL != ""
}

// Validate checks key formats and ranges. In production EMR_STATE_KEY is
// required so the PKCE verifier never crosses the browser in clear text.
func (c *Config) Validate() error {
	if c.IsProduction() && c.StateKey == "" {
		return fmt.Errorf("EMR_STATE_KEY is required in production")
	}
	if c.StateKey != "" {
		keyBytes, err := hex.DecodeString(c.StateKey)
		if err != nil {
			return fmt.Errorf("EMR_STATE_KEY is not valid hex: %w", err)
		}
		if len(keyBytes) != 32 {
			return fmt.Errorf("EMR_STATE_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
		}
	}

	if c.StateTTL <= 0 {
		return fmt.Errorf("EMR_STATE_TTL must be positive, got %s", c.StateTTL)
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("EMR_HTTP_TIMEOUT must be positive, got %s", c.HTTPTimeout)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive, got %s", c.RequestTimeout)
	}
	if c.RateLimitRPS < 0 {
		return fmt.Errorf("EMR_RATE_LIMIT_RPS must not be negative, got %v", c.RateLimitRPS)
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst < 1 {
		return fmt.Errorf("EMR_RATE_LIMIT_BURST must be at least 1 when rate limiting is enabled")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if _, err := patient.ParseDrugClasses(c.HeadacheDrugClasses); err != nil {
		return fmt.Errorf("EMR_HEADACHE_DRUG_CLASSES: %w", err)
	}
	return nil
}

// Classifier builds the headache classifier from the configured tables.
// Unset tables keep the built-in defaults.
func (c *Config) Classifier() (*patient.Classifier, error) {
	classes, err := patient.ParseDrugClasses(c.HeadacheDrugClasses)
	if err != nil {
		return nil, fmt.Errorf("EMR_HEADACHE_DRUG_CLASSES: %w", err)
	}
	return patient.NewClassifier(classes, splitList(c.HeadacheConditionKeywords), splitList(c.HeadacheAppointmentKeywords)), nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
