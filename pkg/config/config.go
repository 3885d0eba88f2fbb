package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	Checkout     CheckoutConfig
	FeatureFlags FeatureFlagsConfig
	Eventing     EventingConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	BigQuery     BigQueryConfig
	Stripe       StripeConfig
	SMTP         SMTPConfig
	Outbox       OutboxConfig
	Cron         CronConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Stripe.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"STOREFRONT_APP_ENV" required:"true"`
	Port         string `envconfig:"STOREFRONT_APP_PORT" required:"true"`
	BaseURL      string `envconfig:"STOREFRONT_APP_BASE_URL" required:"true"`
	LogLevel     string `envconfig:"STOREFRONT_LOG_LEVEL" default:"info"`
	LogFormat    string `envconfig:"STOREFRONT_LOG_FORMAT" default:"json"`
	LogWarnStack bool   `envconfig:"STOREFRONT_LOG_WARN_STACK" default:"false"`
	// MetricsAddr is the listen address of the worker binaries' /metrics endpoint.
	MetricsAddr string `envconfig:"STOREFRONT_METRICS_ADDR" default:":9090"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd) || strings.EqualFold(a.Env, "production")
}

type ServiceConfig struct {
	Kind string `envconfig:"STOREFRONT_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"STOREFRONT_DB_DSN"`
	Driver string `envconfig:"STOREFRONT_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"STOREFRONT_DB_HOST"`
	LegacyPort     int    `envconfig:"STOREFRONT_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"STOREFRONT_DB_USER"`
	LegacyPassword string `envconfig:"STOREFRONT_DB_PASSWORD"`
	LegacyName     string `envconfig:"STOREFRONT_DB_NAME"`
	LegacySSLMode  string `envconfig:"STOREFRONT_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"STOREFRONT_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"STOREFRONT_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"STOREFRONT_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"STOREFRONT_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"STOREFRONT_REDIS_URL" required:"true"`
	Namespace    string        `envconfig:"STOREFRONT_REDIS_NAMESPACE" default:"sf"`
	Address      string        `envconfig:"STOREFRONT_REDIS_ADDR"`
	Password     string        `envconfig:"STOREFRONT_REDIS_PASSWORD"`
	DB           int           `envconfig:"STOREFRONT_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"STOREFRONT_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"STOREFRONT_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"STOREFRONT_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"STOREFRONT_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"STOREFRONT_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// JWTConfig holds the verification settings for tokens minted by the identity provider.
type JWTConfig struct {
	Secret   string        `envconfig:"STOREFRONT_JWT_SECRET" required:"true"`
	Issuer   string        `envconfig:"STOREFRONT_JWT_ISSUER" required:"true"`
	Audience string        `envconfig:"STOREFRONT_JWT_AUDIENCE"`
	Leeway   time.Duration `envconfig:"STOREFRONT_JWT_LEEWAY" default:"30s"`
}

type CheckoutConfig struct {
	RateLimitWindow  time.Duration `envconfig:"STOREFRONT_CHECKOUT_RATE_LIMIT_WINDOW" default:"1m"`
	RateLimitPerUser int           `envconfig:"STOREFRONT_CHECKOUT_RATE_LIMIT_PER_USER" default:"10"`
	CustomerCacheTTL time.Duration `envconfig:"STOREFRONT_CHECKOUT_CUSTOMER_CACHE_TTL" default:"24h"`
	MaxCartLines     int           `envconfig:"STOREFRONT_CHECKOUT_MAX_CART_LINES" default:"50"`
	IdempotencyTTL   time.Duration `envconfig:"STOREFRONT_CHECKOUT_IDEMPOTENCY_TTL" default:"24h"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"STOREFRONT_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"STOREFRONT_AUTO_MIGRATE" default:"false"`
}

type EventingConfig struct {
	OutboxIdempotencyTTL time.Duration `envconfig:"STOREFRONT_EVENTING_IDEMPOTENCY_TTL" default:"720h"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"STOREFRONT_GCP_PROJECT_ID" required:"true"`
	CredentialsJSON        string `envconfig:"STOREFRONT_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"STOREFRONT_GOOGLE_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	OrdersTopic              string `envconfig:"STOREFRONT_PUBSUB_ORDERS_TOPIC" default:"sf-order-events"`
	NotificationTopic        string `envconfig:"STOREFRONT_PUBSUB_NOTIFICATION_TOPIC" default:"sf-notification-events"`
	NotificationSubscription string `envconfig:"STOREFRONT_PUBSUB_NOTIFICATION_SUBSCRIPTION" default:"sf-notification-events-sub"`
	AnalyticsTopic           string `envconfig:"STOREFRONT_PUBSUB_ANALYTICS_TOPIC" default:"sf-analytics-events"`
	AnalyticsSubscription    string `envconfig:"STOREFRONT_PUBSUB_ANALYTICS_SUBSCRIPTION" default:"sf-analytics-events-sub"`
}

type BigQueryConfig struct {
	Dataset         string `envconfig:"STOREFRONT_BIGQUERY_DATASET" default:"storefront"`
	OrderFactsTable string `envconfig:"STOREFRONT_BIGQUERY_ORDER_FACTS_TABLE" default:"order_facts"`
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"STOREFRONT_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"STOREFRONT_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int `envconfig:"STOREFRONT_OUTBOX_MAX_ATTEMPTS" default:"10"`
}

type CronConfig struct {
	Interval                time.Duration `envconfig:"STOREFRONT_CRON_INTERVAL" default:"5m"`
	LeaseTTL                time.Duration `envconfig:"STOREFRONT_CRON_LEASE_TTL" default:"10m"`
	StockRetryMaxAttempts   int           `envconfig:"STOREFRONT_CRON_STOCK_RETRY_MAX_ATTEMPTS" default:"5"`
	StockRetryBatchSize     int           `envconfig:"STOREFRONT_CRON_STOCK_RETRY_BATCH_SIZE" default:"100"`
	OutboxRetentionDays     int           `envconfig:"STOREFRONT_CRON_OUTBOX_RETENTION_DAYS" default:"30"`
	DeadLetterRetentionDays int           `envconfig:"STOREFRONT_CRON_DEAD_LETTER_RETENTION_DAYS" default:"90"`
}

type StripeConfig struct {
	APIKey              string        `envconfig:"STOREFRONT_STRIPE_API_KEY" required:"true"`
	WebhookSecrets      []string      `envconfig:"STOREFRONT_STRIPE_WEBHOOK_SECRET" required:"true"`
	Env                 string        `envconfig:"STOREFRONT_STRIPE_ENV" default:"test"`
	Currency            string        `envconfig:"STOREFRONT_STRIPE_CURRENCY" default:"inr"`
	ShippingCountries   []string      `envconfig:"STOREFRONT_STRIPE_SHIPPING_COUNTRIES" default:"IN"`
	SessionTimeout      time.Duration `envconfig:"STOREFRONT_STRIPE_SESSION_TIMEOUT" default:"15s"`
	NotificationTimeout time.Duration `envconfig:"STOREFRONT_STRIPE_NOTIFICATION_TIMEOUT" default:"3s"`
}

// Environment returns the normalized Stripe environment (test/live).
func (s StripeConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "test"
	}
	return env
}

// CurrencyCode returns the lower-case ISO currency used for every session.
func (s StripeConfig) CurrencyCode() string {
	cur := strings.TrimSpace(strings.ToLower(s.Currency))
	if cur == "" {
		return "inr"
	}
	return cur
}

func (s StripeConfig) validate() error {
	if len(strings.TrimSpace(s.CurrencyCode())) != 3 {
		return fmt.Errorf("%s must be a 3-letter ISO code", EnvStripeCurrency)
	}
	switch s.Environment() {
	case "test", "live":
	default:
		return fmt.Errorf("%s must be test or live", EnvStripeEnv)
	}
	return nil
}

type SMTPConfig struct {
	Host     string `envconfig:"STOREFRONT_SMTP_HOST"`
	Port     int    `envconfig:"STOREFRONT_SMTP_PORT" default:"587"`
	Username string `envconfig:"STOREFRONT_SMTP_USERNAME"`
	Password string `envconfig:"STOREFRONT_SMTP_PASSWORD"`
	From     string `envconfig:"STOREFRONT_SMTP_FROM" default:"orders@storefront.local"`
}

// Enabled reports whether an SMTP relay is configured.
func (s SMTPConfig) Enabled() bool {
	return strings.TrimSpace(s.Host) != ""
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
