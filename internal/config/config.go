// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/jobescrow/internal/auth"
	"github.com/mbd888/jobescrow/internal/fees"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port           string
	Env            string // "development", "staging", "production"
	LogLevel       string
	LogFormat      string // "json" or "text"
	LogFile        string // rotated file output (optional)
	RequestTimeout time.Duration

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Fees
	FeePolicyFile      string // YAML region policies; overrides the scalar settings below
	DefaultRegion      string
	PlatformFeePercent float64
	MobileMoneyFee     int64
	BankTransferFee    int64
	CardFeePercent     float64
	CryptoFeePercent   float64 // 0 = crypto unsupported
	MinPayment         int64
	MaxPayment         int64
	DefaultCurrency    string

	// Event delivery
	KafkaBrokers []string // empty = Kafka disabled
	KafkaTopic   string

	// Rails
	StripeWebhookSecret string // empty = Stripe webhook disabled

	// Observability
	OTLPEndpoint      string
	ReconcileInterval time.Duration

	// Security
	APIKeys        map[string]string // client name -> key
	AdminSecret    string            // Admin API secret
	CORSOrigins    []string          // empty = CORS disabled
	RateLimitRPM   int               // per client; 0 = rate limiting disabled
	RateLimitBurst int
}

// Defaults
const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultCurrency          = "XOF"
	DefaultKafkaTopic        = "payment-events"
	DefaultRequestTimeout    = 30 * time.Second
	DefaultReconcileInterval = 5 * time.Minute
	DefaultRateLimitRPM      = 120
	DefaultRateLimitBurst    = 20
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	apiKeys, err := auth.ParseKeys(os.Getenv("API_KEYS"))
	if err != nil {
		return nil, fmt.Errorf("API_KEYS: %w", err)
	}

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		LogFile:             os.Getenv("LOG_FILE"),
		RequestTimeout:      getEnvDuration("REQUEST_TIMEOUT", DefaultRequestTimeout),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		FeePolicyFile:       os.Getenv("FEE_POLICY_FILE"),
		DefaultRegion:       getEnv("DEFAULT_REGION", fees.DefaultRegion),
		PlatformFeePercent:  getEnvFloat("PLATFORM_FEE_PERCENT", fees.DefaultPlatformFeePercent),
		MobileMoneyFee:      getEnvInt64("MOBILE_MONEY_FEE", fees.DefaultMobileMoneyFixedFee),
		BankTransferFee:     getEnvInt64("BANK_TRANSFER_FEE", fees.DefaultBankTransferFixedFee),
		CardFeePercent:      getEnvFloat("CARD_FEE_PERCENT", fees.DefaultCardFeePercent),
		CryptoFeePercent:    getEnvFloat("CRYPTO_FEE_PERCENT", 0),
		MinPayment:          getEnvInt64("MIN_PAYMENT", fees.DefaultMinAmount),
		MaxPayment:          getEnvInt64("MAX_PAYMENT", fees.DefaultMaxAmount),
		DefaultCurrency:     strings.ToUpper(getEnv("DEFAULT_CURRENCY", DefaultCurrency)),
		KafkaBrokers:        splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:          getEnv("KAFKA_TOPIC", DefaultKafkaTopic),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ReconcileInterval:   getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		APIKeys:             apiKeys,
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		CORSOrigins:         splitList(os.Getenv("CORS_ORIGINS")),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		RateLimitBurst:      int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.MinPayment <= 0 {
		return fmt.Errorf("MIN_PAYMENT must be positive")
	}
	if c.MaxPayment < c.MinPayment {
		return fmt.Errorf("MAX_PAYMENT must not be below MIN_PAYMENT")
	}
	if len(c.DefaultCurrency) != 3 {
		return fmt.Errorf("DEFAULT_CURRENCY must be a 3-letter ISO code")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive")
	}
	if c.RateLimitRPM < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_RPM and RATE_LIMIT_BURST must not be negative")
	}

	if c.IsProduction() {
		if len(c.APIKeys) == 0 {
			return fmt.Errorf("API_KEYS is required in production")
		}
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
	}

	return nil
}

// FeePolicy builds the single-region policy from the scalar settings.
func (c *Config) FeePolicy() fees.Policy {
	p := fees.DefaultPolicy()
	p.PlatformFeePercent = c.PlatformFeePercent
	p.MobileMoneyFixedFee = c.MobileMoneyFee
	p.BankTransferFixedFee = c.BankTransferFee
	p.CardFeePercent = c.CardFeePercent
	p.MinAmount = c.MinPayment
	p.MaxAmount = c.MaxPayment
	if c.CryptoFeePercent > 0 {
		p.CryptoFee = &fees.Rule{Percent: c.CryptoFeePercent}
	}
	if !containsFold(p.Currencies, c.DefaultCurrency) {
		p.Currencies = append(p.Currencies, c.DefaultCurrency)
	}
	return p
}

// FeeRegistry loads FEE_POLICY_FILE when set, otherwise wraps FeePolicy
// as DEFAULT_REGION.
func (c *Config) FeeRegistry() (*fees.Registry, error) {
	if c.FeePolicyFile != "" {
		reg, err := fees.LoadRegistry(c.FeePolicyFile)
		if err != nil {
			return nil, fmt.Errorf("FEE_POLICY_FILE: %w", err)
		}
		return reg, nil
	}
	reg, err := fees.NewRegistry(c.DefaultRegion, map[string]fees.Policy{c.DefaultRegion: c.FeePolicy()})
	if err != nil {
		return nil, fmt.Errorf("fee settings: %w", err)
	}
	return reg, nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
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

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
