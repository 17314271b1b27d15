package config

import (
	"fmt"
	"log"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	AuthMode string `mapstructure:"AUTH_MODE"`

	DataRoot   string `mapstructure:"DATA_ROOT"`
	OutputRoot string `mapstructure:"OUTPUT_ROOT"`

	StoreBackend string `mapstructure:"STORE_BACKEND"`
	DatabaseURL  string `mapstructure:"DATABASE_URL"`
	DBMaxConns   int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns   int32  `mapstructure:"DB_MIN_CONNS"`

	AuthIssuer    string `mapstructure:"AUTH_ISSUER"`
	AuthAudience  string `mapstructure:"AUTH_AUDIENCE"`
	JWTSigningKey string `mapstructure:"JWT_SIGNING_KEY"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`

	AIEndpoint       string `mapstructure:"AI_ENDPOINT"`
	AIAPIKey         string `mapstructure:"AI_API_KEY"`
	AIModel          string `mapstructure:"AI_MODEL"`
	AIProvider       string `mapstructure:"AI_PROVIDER"`
	AITimeoutSeconds int    `mapstructure:"AI_TIMEOUT_SECONDS"`
	AIEventCap       int    `mapstructure:"AI_EVENT_CAP"`

	TrendChangeThreshold  float64 `mapstructure:"TREND_CHANGE_THRESHOLD"`
	ContextWindowDays     int     `mapstructure:"CONTEXT_WINDOW_DAYS"`
	ConditionCap          int     `mapstructure:"CONDITION_CAP"`
	MaxRelatedDiagnoses   int     `mapstructure:"MAX_RELATED_DIAGNOSES"`
	MaxRelatedMedications int     `mapstructure:"MAX_RELATED_MEDICATIONS"`
	MaxRelatedLabs        int     `mapstructure:"MAX_RELATED_LABS"`
	MaxRelatedProcedures  int     `mapstructure:"MAX_RELATED_PROCEDURES"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // auto-detect: "" -> inferred from ENV
	v.SetDefault("DATA_ROOT", "data")
	v.SetDefault("OUTPUT_ROOT", ".")
	v.SetDefault("STORE_BACKEND", "fs")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("AI_TIMEOUT_SECONDS", 30)
	v.SetDefault("AI_EVENT_CAP", 120)
	v.SetDefault("TREND_CHANGE_THRESHOLD", 0.20)
	v.SetDefault("CONTEXT_WINDOW_DAYS", 7)
	v.SetDefault("CONDITION_CAP", 12)
	v.SetDefault("MAX_RELATED_DIAGNOSES", 6)
	v.SetDefault("MAX_RELATED_MEDICATIONS", 6)
	v.SetDefault("MAX_RELATED_LABS", 8)
	v.SetDefault("MAX_RELATED_PROCEDURES", 6)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "AUTH_MODE",
		"DATA_ROOT", "OUTPUT_ROOT",
		"STORE_BACKEND", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"AUTH_ISSUER", "AUTH_AUDIENCE", "JWT_SIGNING_KEY",
		"RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
		"AI_ENDPOINT", "AI_API_KEY", "AI_MODEL", "AI_PROVIDER",
		"AI_TIMEOUT_SECONDS", "AI_EVENT_CAP",
		"TREND_CHANGE_THRESHOLD", "CONTEXT_WINDOW_DAYS", "CONDITION_CAP",
		"MAX_RELATED_DIAGNOSES", "MAX_RELATED_MEDICATIONS",
		"MAX_RELATED_LABS", "MAX_RELATED_PROCEDURES",
	} {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active — all requests are accepted.")
		log.Println("WARNING: Do NOT use this configuration in production.")
		log.Println("WARNING: Set ENV=production and configure JWT_SIGNING_KEY.")
		log.Println("WARNING: ============================================================")
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

// ResolvedAuthMode returns the effective auth mode. If AUTH_MODE is explicitly
// set, it is returned. Otherwise the mode is inferred: development
// environments run without auth, everything else requires signed JWTs.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "jwt"
}

// AITimeout returns the AI request timeout as a duration.
func (c *Config) AITimeout() time.Duration {
	return time.Duration(c.AITimeoutSeconds) * time.Second
}

// Validate checks that the configuration is safe to run. Outside development
// mode a signing key is required so real authentication is enforced, and the
// Postgres backend requires a database URL.
func (c *Config) Validate() error {
	switch mode := c.ResolvedAuthMode(); mode {
	case "development":
	case "jwt":
		if c.JWTSigningKey == "" {
			return fmt.Errorf(
				"JWT_SIGNING_KEY must be set when AUTH_MODE is \"jwt\" (current ENV=%q); "+
					"refusing to start without authentication configuration", c.Env)
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"jwt\", got %q", mode)
	}

	switch c.StoreBackend {
	case "fs", "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND is \"postgres\"")
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be \"fs\", \"memory\", or \"postgres\", got %q", c.StoreBackend)
	}

	if c.TrendChangeThreshold <= 0 || c.TrendChangeThreshold >= 1 {
		return fmt.Errorf("TREND_CHANGE_THRESHOLD must be between 0 and 1, got %v", c.TrendChangeThreshold)
	}
	if c.ContextWindowDays <= 0 {
		return fmt.Errorf("CONTEXT_WINDOW_DAYS must be positive, got %d", c.ContextWindowDays)
	}
	return nil
}
