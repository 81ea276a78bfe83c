package config

import (
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the settlement service configuration. Database and redis
// connection settings live in the database package.
type Config struct {
	Server      ServerConfig
	JWT         JWTConfig
	Signing     SigningConfig
	Ledger      LedgerConfig
	Idempotency IdempotencyConfig
	Delivery    DeliveryConfig
	Billing     BillingConfig
	Settlement  SettlementConfig
	RateLimit   RateLimitConfig
}

type ServerConfig struct {
	Port           string
	AllowedOrigins []string
	RequestTimeout time.Duration
}

type JWTConfig struct {
	SecretKey string
	Issuer    string
}

type SigningConfig struct {
	MasterKey       string
	Salt            string
	FreshnessWindow time.Duration
	RotationGrace   time.Duration
}

type LedgerConfig struct {
	MaxAttempts int
}

type IdempotencyConfig struct {
	Lease        time.Duration
	WaitTimeout  time.Duration
	PollInterval time.Duration
}

type DeliveryConfig struct {
	InitialDelay    time.Duration
	Multiplier      float64
	MaxDelay        time.Duration
	MaxAttempts     int
	StaleAfter      time.Duration
	SweepInterval   time.Duration
	BatchSize       int
	Concurrency     int
	CallbackTimeout time.Duration
}

type BillingConfig struct {
	Provider      string
	BaseURL       string
	APIKey        string
	WebhookSecret string
	Timeout       time.Duration
}

type SettlementConfig struct {
	ShippingFeeMinor int64
	DefaultCurrency  string
}

type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// Init points viper at the optional .env file and binds the environment
// variables every command understands.
func Init() {
	viper.SetConfigFile(".env")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		"database.host":       "DATABASE_HOST",
		"database.port":       "DATABASE_PORT",
		"database.user":       "DATABASE_USER",
		"database.password":   "DATABASE_PASSWORD",
		"database.name":       "DATABASE_NAME",
		"database.ssl_mode":   "DATABASE_SSL_MODE",
		"redis.host":          "REDIS_HOST",
		"redis.port":          "REDIS_PORT",
		"redis.password":      "REDIS_PASSWORD",
		"redis.db":            "REDIS_DB",
		"server.port":         "PORT",
		"jwt.secret_key":      "JWT_SECRET_KEY",
		"signing.master_key":  "SIGNING_MASTER_KEY",
		"signing.salt":        "SIGNING_SALT",
		"billing.base_url":    "BILLING_BASE_URL",
		"billing.api_key":     "BILLING_API_KEY",
		"billing.webhook_key": "BILLING_WEBHOOK_SECRET",
	}
	for key, env := range bindings {
		viper.BindEnv(key, env)
	}

	if err := viper.ReadInConfig(); err != nil {
		slog.Info("config file not found, using environment and defaults", "error", err)
	}
}

func setDefaults() {
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.allowed_origins", []string{"https://*", "http://*"})
	viper.SetDefault("server.request_timeout", 60*time.Second)

	viper.SetDefault("jwt.issuer", "tradepost")

	viper.SetDefault("signing.freshness_window", 5*time.Minute)
	viper.SetDefault("signing.rotation_grace", 24*time.Hour)

	viper.SetDefault("ledger.max_attempts", 5)

	viper.SetDefault("idempotency.lease", 30*time.Second)
	viper.SetDefault("idempotency.wait_timeout", 5*time.Second)
	viper.SetDefault("idempotency.poll_interval", 50*time.Millisecond)

	viper.SetDefault("delivery.initial_delay", 30*time.Second)
	viper.SetDefault("delivery.multiplier", 2.0)
	viper.SetDefault("delivery.max_delay", time.Hour)
	viper.SetDefault("delivery.max_attempts", 5)
	viper.SetDefault("delivery.stale_after", 5*time.Minute)
	viper.SetDefault("delivery.sweep_interval", 10*time.Second)
	viper.SetDefault("delivery.batch_size", 50)
	viper.SetDefault("delivery.concurrency", 8)
	viper.SetDefault("delivery.callback_timeout", 10*time.Second)

	viper.SetDefault("billing.provider", "billing")
	viper.SetDefault("billing.timeout", 20*time.Second)

	viper.SetDefault("settlement.shipping_fee_minor", 2500)
	viper.SetDefault("settlement.default_currency", "USD")

	viper.SetDefault("ratelimit.requests", 120)
	viper.SetDefault("ratelimit.window", time.Minute)
}

// Load reads the current viper state into a Config.
func Load() *Config {
	setDefaults()

	return &Config{
		Server: ServerConfig{
			Port:           viper.GetString("server.port"),
			AllowedOrigins: viper.GetStringSlice("server.allowed_origins"),
			RequestTimeout: viper.GetDuration("server.request_timeout"),
		},
		JWT: JWTConfig{
			SecretKey: viper.GetString("jwt.secret_key"),
			Issuer:    viper.GetString("jwt.issuer"),
		},
		Signing: SigningConfig{
			MasterKey:       viper.GetString("signing.master_key"),
			Salt:            viper.GetString("signing.salt"),
			FreshnessWindow: viper.GetDuration("signing.freshness_window"),
			RotationGrace:   viper.GetDuration("signing.rotation_grace"),
		},
		Ledger: LedgerConfig{
			MaxAttempts: viper.GetInt("ledger.max_attempts"),
		},
		Idempotency: IdempotencyConfig{
			Lease:        viper.GetDuration("idempotency.lease"),
			WaitTimeout:  viper.GetDuration("idempotency.wait_timeout"),
			PollInterval: viper.GetDuration("idempotency.poll_interval"),
		},
		Delivery: DeliveryConfig{
			InitialDelay:    viper.GetDuration("delivery.initial_delay"),
			Multiplier:      viper.GetFloat64("delivery.multiplier"),
			MaxDelay:        viper.GetDuration("delivery.max_delay"),
			MaxAttempts:     viper.GetInt("delivery.max_attempts"),
			StaleAfter:      viper.GetDuration("delivery.stale_after"),
			SweepInterval:   viper.GetDuration("delivery.sweep_interval"),
			BatchSize:       viper.GetInt("delivery.batch_size"),
			Concurrency:     viper.GetInt("delivery.concurrency"),
			CallbackTimeout: viper.GetDuration("delivery.callback_timeout"),
		},
		Billing: BillingConfig{
			Provider:      viper.GetString("billing.provider"),
			BaseURL:       viper.GetString("billing.base_url"),
			APIKey:        viper.GetString("billing.api_key"),
			WebhookSecret: viper.GetString("billing.webhook_key"),
			Timeout:       viper.GetDuration("billing.timeout"),
		},
		Settlement: SettlementConfig{
			ShippingFeeMinor: viper.GetInt64("settlement.shipping_fee_minor"),
			DefaultCurrency:  viper.GetString("settlement.default_currency"),
		},
		RateLimit: RateLimitConfig{
			Requests: viper.GetInt("ratelimit.requests"),
			Window:   viper.GetDuration("ratelimit.window"),
		},
	}
}
