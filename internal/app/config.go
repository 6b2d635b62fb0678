package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Config holds the complete application configuration, loadable from
// environment variables (POS_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"HTTP listen address"`
	DatabaseURL string `usage:"PostgreSQL connection URL (POS_DATABASE_URL or DATABASE_URL)" flag:"database-url"`

	PaymentWebhookSecret string `usage:"Shared secret for payment processor webhooks" flag:"payment-webhook-secret"`
	CourierWebhookSecret string `usage:"Shared secret for courier webhooks" flag:"courier-webhook-secret"`
	APIKeyPepper         string `usage:"HMAC pepper for staff API key hashing" flag:"api-key-pepper"`

	Processor ProcessorConfig
	Payments  PaymentsConfig
	Delivery  DeliveryConfig
	RateLimit RateLimitConfig
	Graceful  GracefulConfig
}

// ProcessorConfig points at the upstream payment processor.
type ProcessorConfig struct {
	BaseURL string        `default:"https://api.processor.example.com" usage:"Payment processor API base URL" flag:"processor-base-url"`
	APIKey  string        `usage:"Payment processor secret API key" flag:"processor-api-key"`
	Timeout time.Duration `default:"10s" usage:"Payment processor request timeout" flag:"processor-timeout"`
}

// PaymentsConfig controls charge currency and platform fees.
type PaymentsConfig struct {
	Currency        string `default:"usd" usage:"Charge currency"`
	PlatformFeeRate string `default:"0.02" usage:"Platform fee rate on connected-account charges" flag:"platform-fee-rate"`
}

// DeliveryConfig sizes the delivery reference prefilter.
type DeliveryConfig struct {
	IndexCapacity uint    `default:"100000" usage:"Expected number of active delivery references" flag:"delivery-index-capacity"`
	IndexFPR      float64 `default:"0.01" usage:"Acceptable prefilter false positive rate" flag:"delivery-index-fpr"`
}

// RateLimitConfig controls the per-client sliding window rate limiter on the
// staff API.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// FeeRate parses the configured platform fee rate.
func (c PaymentsConfig) FeeRate() (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(c.PlatformFeeRate)
	if err != nil {
		return decimal.Decimal{}, errors.Wrap(err, "parse platform fee rate")
	}
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return decimal.Decimal{}, errors.Errorf("platform fee rate %s out of range [0, 1)", rate)
	}
	return rate, nil
}

// LoadConfig loads configuration from environment variables, YAML config
// files, and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "POS",
		Files:     []string{"config.yaml", "/etc/pos/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if cfg.DatabaseURL == "" {
		return nil, errors.New("database URL is required: set POS_DATABASE_URL or DATABASE_URL")
	}
	if cfg.PaymentWebhookSecret == "" {
		return nil, errors.New("POS_PAYMENT_WEBHOOK_SECRET is required")
	}
	if cfg.CourierWebhookSecret == "" {
		return nil, errors.New("POS_COURIER_WEBHOOK_SECRET is required")
	}

	return &cfg, nil
}

// applyPlatformDefaults maps platform-provided environment variables
// (Railway, Render, etc.) that use standard names like DATABASE_URL and PORT
// onto the POS_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
