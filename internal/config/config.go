package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	DBSchema       string        `mapstructure:"DB_SCHEMA"`
	RedisURL       string        `mapstructure:"REDIS_URL"`
	AuthJWTSecret  string        `mapstructure:"AUTH_JWT_SECRET"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	DedupTTL       time.Duration `mapstructure:"DEDUP_TTL"`

	PaddleEnvironment       string `mapstructure:"PADDLE_ENVIRONMENT"`
	PaddleAPIKey            string `mapstructure:"PADDLE_API_KEY"`
	PaddleClientToken       string `mapstructure:"PADDLE_CLIENT_TOKEN"`
	PaddleWebhookSecret     string `mapstructure:"PADDLE_WEBHOOK_SECRET"`
	PaddlePriceConsultation string `mapstructure:"PADDLE_PRICE_CONSULTATION"`
	PaddlePriceTest         string `mapstructure:"PADDLE_PRICE_TEST"`
	PaddlePriceMedicine     string `mapstructure:"PADDLE_PRICE_MEDICINE"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_SCHEMA",
	"REDIS_URL", "AUTH_JWT_SECRET", "AUTH_ISSUER", "CORS_ORIGINS",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT", "DEDUP_TTL",
	"PADDLE_ENVIRONMENT", "PADDLE_API_KEY", "PADDLE_CLIENT_TOKEN", "PADDLE_WEBHOOK_SECRET",
	"PADDLE_PRICE_CONSULTATION", "PADDLE_PRICE_TEST", "PADDLE_PRICE_MEDICINE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("DEDUP_TTL", "72h")
	v.SetDefault("PADDLE_ENVIRONMENT", "sandbox")
	// Sandbox catalogue products the clinic was set up with.
	v.SetDefault("PADDLE_PRICE_CONSULTATION", "pro_01k460kve28wj9bdmmypdhfrt4")
	v.SetDefault("PADDLE_PRICE_TEST", "pro_01k460mr0qexhsn9cq0kb5cxd4")
	v.SetDefault("PADDLE_PRICE_MEDICINE", "pro_01k460nfnwr9qra9ffch56eskq")

	// Unmarshal only sees keys viper knows about.
	for _, k := range envKeys {
		_ = v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
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

// PriceIDs returns the configured Paddle price identifier per bill item type.
func (c *Config) PriceIDs() map[string]string {
	return map[string]string{
		"consultation": c.PaddlePriceConsultation,
		"test":         c.PaddlePriceTest,
		"medicine":     c.PaddlePriceMedicine,
	}
}

// Validate checks that the configuration is safe to run. Outside development
// every request must be authenticated and every webhook must be signed.
func (c *Config) Validate() error {
	if c.PaddleEnvironment != "sandbox" && c.PaddleEnvironment != "production" {
		return fmt.Errorf("PADDLE_ENVIRONMENT must be \"sandbox\" or \"production\", got %q", c.PaddleEnvironment)
	}
	for itemType, id := range c.PriceIDs() {
		if id == "" {
			return fmt.Errorf("no Paddle price configured for item type %q", itemType)
		}
	}
	if c.IsDev() {
		return nil
	}
	if c.AuthJWTSecret == "" {
		return fmt.Errorf("AUTH_JWT_SECRET is required when ENV=%q", c.Env)
	}
	if len(c.AuthJWTSecret) < 32 {
		return fmt.Errorf("AUTH_JWT_SECRET must be at least 32 characters")
	}
	if c.PaddleWebhookSecret == "" {
		return fmt.Errorf("PADDLE_WEBHOOK_SECRET is required when ENV=%q", c.Env)
	}
	return nil
}

// Status reports which optional integrations are configured without leaking
// their values.
func (c *Config) Status() map[string]interface{} {
	return map[string]interface{}{
		"env":                   c.Env,
		"db_schema":             c.DBSchema,
		"redis":                 c.RedisURL != "",
		"auth_jwt_secret":       c.AuthJWTSecret != "",
		"paddle_environment":    c.PaddleEnvironment,
		"paddle_api_key":        c.PaddleAPIKey != "",
		"paddle_client_token":   c.PaddleClientToken != "",
		"paddle_webhook_secret": c.PaddleWebhookSecret != "",
	}
}
