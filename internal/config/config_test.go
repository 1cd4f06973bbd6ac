package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/jobescrow/internal/fees"
)

var managedKeys = []string{
	"PORT", "ENV", "LOG_LEVEL", "LOG_FORMAT", "LOG_FILE", "REQUEST_TIMEOUT",
	"DATABASE_URL", "FEE_POLICY_FILE", "DEFAULT_REGION", "PLATFORM_FEE_PERCENT",
	"MOBILE_MONEY_FEE", "BANK_TRANSFER_FEE", "CARD_FEE_PERCENT", "CRYPTO_FEE_PERCENT",
	"MIN_PAYMENT", "MAX_PAYMENT", "DEFAULT_CURRENCY", "KAFKA_BROKERS", "KAFKA_TOPIC",
	"STRIPE_WEBHOOK_SECRET", "OTEL_EXPORTER_OTLP_ENDPOINT", "RECONCILE_INTERVAL",
	"API_KEYS", "ADMIN_SECRET", "CORS_ORIGINS", "RATE_LIMIT_RPM", "RATE_LIMIT_BURST",
}

// clearEnv blanks every variable Load reads so the host environment
// does not leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range managedKeys {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, "XOF", cfg.DefaultCurrency)
	assert.Equal(t, fees.DefaultRegion, cfg.DefaultRegion)
	assert.Equal(t, int64(fees.DefaultMinAmount), cfg.MinPayment)
	assert.Equal(t, DefaultReconcileInterval, cfg.ReconcileInterval)
	assert.Equal(t, DefaultKafkaTopic, cfg.KafkaTopic)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.Empty(t, cfg.APIKeys)
	assert.Empty(t, cfg.CORSOrigins)
	assert.Equal(t, DefaultRateLimitRPM, cfg.RateLimitRPM)
	assert.Equal(t, DefaultRateLimitBurst, cfg.RateLimitBurst)
}

func TestLoad_SecurityKnobs(t *testing.T) {
	clearEnv(t)
	t.Setenv("CORS_ORIGINS", "https://app.example.com, https://admin.example.com")
	t.Setenv("RATE_LIMIT_RPM", "0")
	t.Setenv("RATE_LIMIT_BURST", "5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"https://app.example.com", "https://admin.example.com"}, cfg.CORSOrigins)
	assert.Equal(t, 0, cfg.RateLimitRPM)
	assert.Equal(t, 5, cfg.RateLimitBurst)

	t.Setenv("RATE_LIMIT_RPM", "-1")
	_, err = Load()
	require.Error(t, err)
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
	t.Setenv("RECONCILE_INTERVAL", "30s")
	t.Setenv("REQUEST_TIMEOUT", "not-a-duration")
	t.Setenv("DEFAULT_CURRENCY", "xaf")
	t.Setenv("API_KEYS", "marketplace:sk_abc")
	t.Setenv("PLATFORM_FEE_PERCENT", "7.5")
	t.Setenv("MOBILE_MONEY_FEE", "abc")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 30*time.Second, cfg.ReconcileInterval)
	assert.Equal(t, DefaultRequestTimeout, cfg.RequestTimeout, "unparseable duration falls back to default")
	assert.Equal(t, "XAF", cfg.DefaultCurrency)
	assert.Equal(t, map[string]string{"marketplace": "sk_abc"}, cfg.APIKeys)
	assert.Equal(t, 7.5, cfg.PlatformFeePercent)
	assert.Equal(t, int64(fees.DefaultMobileMoneyFixedFee), cfg.MobileMoneyFee, "unparseable int falls back to default")
}

func TestLoad_MalformedAPIKeys(t *testing.T) {
	clearEnv(t)
	t.Setenv("API_KEYS", "no-colon")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API_KEYS")
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			Port:            "8080",
			Env:             "development",
			MinPayment:      500,
			MaxPayment:      1000,
			DefaultCurrency: "XOF",
			RequestTimeout:  time.Second,
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid config", func(c *Config) {}, ""},
		{"missing port", func(c *Config) { c.Port = "" }, "PORT is required"},
		{"zero min", func(c *Config) { c.MinPayment = 0 }, "MIN_PAYMENT must be positive"},
		{"max below min", func(c *Config) { c.MaxPayment = 100 }, "MAX_PAYMENT"},
		{"bad currency", func(c *Config) { c.DefaultCurrency = "FCFA" }, "DEFAULT_CURRENCY"},
		{"zero timeout", func(c *Config) { c.RequestTimeout = 0 }, "REQUEST_TIMEOUT"},
		{"production without keys", func(c *Config) { c.Env = "production" }, "API_KEYS is required"},
		{"production without admin secret", func(c *Config) {
			c.Env = "production"
			c.APIKeys = map[string]string{"m": "sk_x"}
		}, "ADMIN_SECRET is required"},
		{"production without database", func(c *Config) {
			c.Env = "production"
			c.APIKeys = map[string]string{"m": "sk_x"}
			c.AdminSecret = "s"
		}, "DATABASE_URL is required"},
		{"production complete", func(c *Config) {
			c.Env = "production"
			c.APIKeys = map[string]string{"m": "sk_x"}
			c.AdminSecret = "s"
			c.DatabaseURL = "postgres://localhost/jobescrow"
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_FeePolicy(t *testing.T) {
	cfg := Config{
		PlatformFeePercent: 4,
		MobileMoneyFee:     300,
		BankTransferFee:    800,
		CardFeePercent:     3,
		CryptoFeePercent:   1,
		MinPayment:         100,
		MaxPayment:         5000,
		DefaultCurrency:    "GHS",
	}

	p := cfg.FeePolicy()
	assert.Equal(t, 4.0, p.PlatformFeePercent)
	assert.Equal(t, int64(300), p.MobileMoneyFixedFee)
	assert.Equal(t, int64(800), p.BankTransferFixedFee)
	require.NotNil(t, p.CryptoFee)
	assert.Equal(t, 1.0, p.CryptoFee.Percent)
	assert.Contains(t, p.Currencies, "GHS")
	assert.Contains(t, p.Currencies, "XOF")

	cfg.CryptoFeePercent = 0
	assert.Nil(t, cfg.FeePolicy().CryptoFee)
}

func TestConfig_FeeRegistry(t *testing.T) {
	cfg := Config{
		DefaultRegion:      "uemoa",
		PlatformFeePercent: 5,
		MobileMoneyFee:     500,
		BankTransferFee:    1000,
		CardFeePercent:     2.5,
		MinPayment:         500,
		MaxPayment:         10_000_000,
		DefaultCurrency:    "XOF",
	}

	reg, err := cfg.FeeRegistry()
	require.NoError(t, err)
	assert.Equal(t, "uemoa", reg.DefaultRegionName())

	q, err := reg.Default().Compute(50000, fees.MobileMoney, "XOF")
	require.NoError(t, err)
	assert.Equal(t, int64(47000), q.NetAmount)

	cfg.MaxPayment = 1
	_, err = cfg.FeeRegistry()
	assert.Error(t, err)
}

func TestConfig_FeeRegistryFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fees.yaml")
	doc := `defaultRegion: cemac
regions:
  cemac:
    platformFeePercent: 6
    mobileMoneyFixedFee: 400
    bankTransferFixedFee: 900
    cardFeePercent: 3
    minAmount: 500
    maxAmount: 5000000
    currencies: [XAF]
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	reg, err := (&Config{FeePolicyFile: path}).FeeRegistry()
	require.NoError(t, err)
	assert.Equal(t, "cemac", reg.DefaultRegionName())

	_, err = (&Config{FeePolicyFile: filepath.Join(t.TempDir(), "missing.yaml")}).FeeRegistry()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FEE_POLICY_FILE")
}
