package config

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/festpay/webhook-gateway/internal/database"
)

// EnvPrefix is prepended to every configuration key when read from the environment
const EnvPrefix = "FESTPAY"

// Config holds all application configuration
type Config struct {
	// Server settings
	ServerPort     string        `env:"SERVER_PORT" validate:"required"`
	MaxRequestSize int64         `env:"MAX_REQUEST_SIZE" validate:"gt=0"`
	HandlerTimeout time.Duration `env:"HANDLER_TIMEOUT" validate:"gt=0"`

	// Database configuration
	DatabaseURL         string        `env:"DATABASE_URL" validate:"required"`
	DBMaxConns          int           `env:"DB_MAX_CONNS" validate:"gte=1"`
	DBMinConns          int           `env:"DB_MIN_CONNS" validate:"gte=0,ltefield=DBMaxConns"`
	DBMaxConnLifetime   time.Duration `env:"DB_MAX_CONN_LIFETIME" validate:"gte=0"`
	DBMaxConnIdleTime   time.Duration `env:"DB_MAX_CONN_IDLE_TIME" validate:"gte=0"`
	DBHealthCheckPeriod time.Duration `env:"DB_HEALTH_CHECK_PERIOD" validate:"gte=0"`
	DBStatementTimeout  time.Duration `env:"DB_STATEMENT_TIMEOUT" validate:"gte=0"`

	// Redis configuration
	RedisURL string `env:"REDIS_URL" validate:"required"`

	// Security settings
	InternalSecret string   `env:"INTERNAL_SECRET" validate:"required,min=16"`
	ProviderIPs    []string `env:"PROVIDER_IPS"`

	// Provider verification
	PublicBaseURL         string        `env:"PUBLIC_BASE_URL" validate:"omitempty,url"`
	StripeTolerance       time.Duration `env:"STRIPE_TOLERANCE" validate:"gt=0"`
	BankTransferTolerance time.Duration `env:"BANK_TRANSFER_TOLERANCE" validate:"gt=0"`
	PayPalPublicKeyPEM    string        `env:"PAYPAL_PUBLIC_KEY"`
	PayPalPublicKeyFile   string        `env:"PAYPAL_PUBLIC_KEY_FILE" validate:"omitempty,file"`
	SingleTenantFallback  bool          `env:"SINGLE_TENANT_FALLBACK"`

	// Reconciliation and effects
	DedupRetention      time.Duration `env:"DEDUP_RETENTION" validate:"gt=0"`
	DedupPurgeInterval  time.Duration `env:"DEDUP_PURGE_INTERVAL" validate:"gt=0"`
	DispatchTimeout     time.Duration `env:"DISPATCH_TIMEOUT" validate:"gt=0"`
	EffectSweepInterval time.Duration `env:"EFFECT_SWEEP_INTERVAL" validate:"gt=0"`
	EffectSweepAge      time.Duration `env:"EFFECT_SWEEP_AGE" validate:"gt=0"`
	EffectMaxRetry      int           `env:"EFFECT_MAX_RETRY" validate:"gte=0"`

	// Festival application collaborators
	FestivalAPIBaseURL   string `env:"FESTIVAL_API_BASE_URL" validate:"required,url"`
	FestivalTokenURL     string `env:"FESTIVAL_TOKEN_URL" validate:"omitempty,url"`
	FestivalClientID     string `env:"FESTIVAL_CLIENT_ID" validate:"required_with=FestivalTokenURL"`
	FestivalClientSecret string `env:"FESTIVAL_CLIENT_SECRET" validate:"required_with=FestivalTokenURL"`

	// Outbound webhooks
	OutboundTimeout  time.Duration `env:"OUTBOUND_TIMEOUT" validate:"gt=0"`
	OutboundMaxRetry int           `env:"OUTBOUND_MAX_RETRY" validate:"gte=0"`
	KafkaBrokers     []string      `env:"KAFKA_BROKERS"`
	KafkaTopic       string        `env:"KAFKA_TOPIC" validate:"required_with=KafkaBrokers"`

	// Worker settings
	WorkerConcurrency int `env:"WORKER_CONCURRENCY" validate:"gte=1"`

	// Observability
	LogLevel         string `env:"LOG_LEVEL" validate:"oneof=debug info warn error"`
	LogFormat        string `env:"LOG_FORMAT" validate:"oneof=json console"`
	MetricsNamespace string `env:"METRICS_NAMESPACE" validate:"required"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server_port", "8080")
	v.SetDefault("max_request_size", 1<<20) // 1MB
	v.SetDefault("handler_timeout", 15*time.Second)

	v.SetDefault("database_url", "")
	v.SetDefault("db_max_conns", 25)
	v.SetDefault("db_min_conns", 5)
	v.SetDefault("db_max_conn_lifetime", time.Hour)
	v.SetDefault("db_max_conn_idle_time", 30*time.Minute)
	v.SetDefault("db_health_check_period", time.Minute)
	v.SetDefault("db_statement_timeout", 5*time.Second)
	v.SetDefault("redis_url", "")

	v.SetDefault("internal_secret", "")
	v.SetDefault("provider_ips", "")

	v.SetDefault("public_base_url", "")
	v.SetDefault("stripe_tolerance", 5*time.Minute)
	v.SetDefault("bank_transfer_tolerance", 5*time.Minute)
	v.SetDefault("paypal_public_key", "")
	v.SetDefault("paypal_public_key_file", "")
	v.SetDefault("single_tenant_fallback", false)

	v.SetDefault("dedup_retention", 7*24*time.Hour)
	v.SetDefault("dedup_purge_interval", time.Hour)
	v.SetDefault("dispatch_timeout", 2*time.Second)
	v.SetDefault("effect_sweep_interval", time.Minute)
	v.SetDefault("effect_sweep_age", 2*time.Minute)
	v.SetDefault("effect_max_retry", 8)

	v.SetDefault("festival_api_base_url", "")
	v.SetDefault("festival_token_url", "")
	v.SetDefault("festival_client_id", "")
	v.SetDefault("festival_client_secret", "")

	v.SetDefault("outbound_timeout", 10*time.Second)
	v.SetDefault("outbound_max_retry", 3)
	v.SetDefault("kafka_brokers", "")
	v.SetDefault("kafka_topic", "")

	v.SetDefault("worker_concurrency", 10)

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("metrics_namespace", "festpay")
}

// Load reads configuration from a .env file (if present) and FESTPAY_* environment variables
func Load() (*Config, error) {
	// A missing .env is normal outside local development
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	cfg := &Config{
		ServerPort:     v.GetString("server_port"),
		MaxRequestSize: v.GetInt64("max_request_size"),
		HandlerTimeout: v.GetDuration("handler_timeout"),

		DatabaseURL:         v.GetString("database_url"),
		DBMaxConns:          v.GetInt("db_max_conns"),
		DBMinConns:          v.GetInt("db_min_conns"),
		DBMaxConnLifetime:   v.GetDuration("db_max_conn_lifetime"),
		DBMaxConnIdleTime:   v.GetDuration("db_max_conn_idle_time"),
		DBHealthCheckPeriod: v.GetDuration("db_health_check_period"),
		DBStatementTimeout:  v.GetDuration("db_statement_timeout"),
		RedisURL:            v.GetString("redis_url"),

		InternalSecret: v.GetString("internal_secret"),
		ProviderIPs:    splitList(v.GetString("provider_ips")),

		PublicBaseURL:         v.GetString("public_base_url"),
		StripeTolerance:       v.GetDuration("stripe_tolerance"),
		BankTransferTolerance: v.GetDuration("bank_transfer_tolerance"),
		PayPalPublicKeyPEM:    v.GetString("paypal_public_key"),
		PayPalPublicKeyFile:   v.GetString("paypal_public_key_file"),
		SingleTenantFallback:  v.GetBool("single_tenant_fallback"),

		DedupRetention:      v.GetDuration("dedup_retention"),
		DedupPurgeInterval:  v.GetDuration("dedup_purge_interval"),
		DispatchTimeout:     v.GetDuration("dispatch_timeout"),
		EffectSweepInterval: v.GetDuration("effect_sweep_interval"),
		EffectSweepAge:      v.GetDuration("effect_sweep_age"),
		EffectMaxRetry:      v.GetInt("effect_max_retry"),

		FestivalAPIBaseURL:   v.GetString("festival_api_base_url"),
		FestivalTokenURL:     v.GetString("festival_token_url"),
		FestivalClientID:     v.GetString("festival_client_id"),
		FestivalClientSecret: v.GetString("festival_client_secret"),

		OutboundTimeout:  v.GetDuration("outbound_timeout"),
		OutboundMaxRetry: v.GetInt("outbound_max_retry"),
		KafkaBrokers:     splitList(v.GetString("kafka_brokers")),
		KafkaTopic:       v.GetString("kafka_topic"),

		WorkerConcurrency: v.GetInt("worker_concurrency"),

		LogLevel:         strings.ToLower(v.GetString("log_level")),
		LogFormat:        strings.ToLower(v.GetString("log_format")),
		MetricsNamespace: v.GetString("metrics_namespace"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report failures by environment variable name
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		if name := fld.Tag.Get("env"); name != "" {
			return EnvPrefix + "_" + name
		}
		return fld.Name
	})
	return v
}

// Validate ensures all required configuration is present and consistent
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", fe.Field()))
		case "required_with":
			msgs = append(msgs, fmt.Sprintf("%s is required when %s is set", fe.Field(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s is invalid (%s)", fe.Field(), fe.Tag()))
		}
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

// PayPalPublicKey loads the RSA key used to verify PayPal transmissions.
// It returns nil when no key is configured, in which case PayPal requests are rejected.
func (c *Config) PayPalPublicKey() (*rsa.PublicKey, error) {
	raw := []byte(c.PayPalPublicKeyPEM)
	if len(raw) == 0 && c.PayPalPublicKeyFile != "" {
		b, err := os.ReadFile(c.PayPalPublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read paypal public key: %w", err)
		}
		raw = b
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return ParseRSAPublicKey(raw)
}

// ParseRSAPublicKey accepts a PEM encoded PKIX public key or X.509 certificate
func ParseRSAPublicKey(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}

	var pub any
	switch block.Type {
	case "CERTIFICATE":
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse certificate: %w", err)
		}
		pub = cert.PublicKey
	default:
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse public key: %w", err)
		}
		pub = key
	}

	rsaKey, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not RSA")
	}
	return rsaKey, nil
}

// PoolOptions returns the database pool settings
func (c *Config) PoolOptions() database.PoolOptions {
	return database.PoolOptions{
		MinConns:          c.DBMinConns,
		MaxConns:          c.DBMaxConns,
		MaxConnLifetime:   c.DBMaxConnLifetime,
		MaxConnIdleTime:   c.DBMaxConnIdleTime,
		HealthCheckPeriod: c.DBHealthCheckPeriod,
		StatementTimeout:  c.DBStatementTimeout,
	}
}

// LogSafeConfig logs configuration without secrets
func (c *Config) LogSafeConfig(logger *zap.Logger) {
	logger.Info("Configuration loaded",
		zap.String("server_port", c.ServerPort),
		zap.String("database_url", maskConnectionString(c.DatabaseURL)),
		zap.String("redis_url", maskConnectionString(c.RedisURL)),
		zap.Int("db_min_conns", c.DBMinConns),
		zap.Int("db_max_conns", c.DBMaxConns),
		zap.Duration("db_statement_timeout", c.DBStatementTimeout),
		zap.Int("worker_concurrency", c.WorkerConcurrency),
		zap.Strings("provider_ips", c.ProviderIPs),
		zap.Int64("max_request_size", c.MaxRequestSize),
		zap.String("public_base_url", c.PublicBaseURL),
		zap.Bool("paypal_key_configured", c.PayPalPublicKeyPEM != "" || c.PayPalPublicKeyFile != ""),
		zap.Bool("single_tenant_fallback", c.SingleTenantFallback),
		zap.Duration("dedup_retention", c.DedupRetention),
		zap.String("festival_api_base_url", c.FestivalAPIBaseURL),
		zap.Strings("kafka_brokers", c.KafkaBrokers),
		zap.String("kafka_topic", c.KafkaTopic),
	)
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func maskConnectionString(connStr string) string {
	if strings.Contains(connStr, "@") {
		parts := strings.Split(connStr, "@")
		if len(parts) == 2 {
			return "***@" + parts[1]
		}
	}
	return "***"
}
