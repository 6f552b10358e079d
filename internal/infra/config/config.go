package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "AUDITCORE"

type AppConfig struct {
	App       AppSettings       `mapstructure:"app"`
	Log       LogSettings       `mapstructure:"log"`
	Postgres  PostgresSettings  `mapstructure:"postgres"`
	Redis     RedisSettings     `mapstructure:"redis"`
	Kafka     KafkaSettings     `mapstructure:"kafka"`
	Auth      AuthSettings      `mapstructure:"auth"`
	GRPC      GRPCSettings      `mapstructure:"grpc"`
	Telemetry TelemetrySettings `mapstructure:"telemetry"`
	RateLimit RateLimitSettings `mapstructure:"rate_limit"`
	Sync      SyncSettings      `mapstructure:"sync"`
	Presence  PresenceSettings  `mapstructure:"presence"`
	Escrow    EscrowSettings    `mapstructure:"escrow"`
	Payment   PaymentSettings   `mapstructure:"payment"`
}

type AppSettings struct {
	Name            string        `mapstructure:"name"`
	Env             string        `mapstructure:"env"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LogSettings configures the zap logger. File enables a rotating sink next to stdout.
type LogSettings struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type GRPCSettings struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type PostgresSettings struct {
	Enabled           bool          `mapstructure:"enabled"`
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	User              string        `mapstructure:"user"`
	Password          string        `mapstructure:"password"`
	Database          string        `mapstructure:"database"`
	Schema            string        `mapstructure:"schema"`
	SSLMode           string        `mapstructure:"ssl_mode"`
	MaxConns          int32         `mapstructure:"max_conns"`
	MinConns          int32         `mapstructure:"min_conns"`
	MaxConnLifetime   time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime   time.Duration `mapstructure:"max_conn_idle_time"`
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
	SyncedTables      []string      `mapstructure:"synced_tables"`
}

// RedisSettings configures the Redis connection.
type RedisSettings struct {
	Enabled    bool   `mapstructure:"enabled"`
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	DB         int    `mapstructure:"db"`
	Password   string `mapstructure:"password"`
	TLSEnabled bool   `mapstructure:"tls_enabled"`
}

// KafkaSettings configures the producer and the row-change and role-grant consumers.
type KafkaSettings struct {
	Enabled          bool     `mapstructure:"enabled"`
	Brokers          []string `mapstructure:"brokers"`
	TopicPrefix      string   `mapstructure:"topic_prefix"`
	Async            bool     `mapstructure:"async"`
	ConsumerGroup    string   `mapstructure:"consumer_group"`
	RowChangesTopic  string   `mapstructure:"row_changes_topic"`
	RoleChangesTopic string   `mapstructure:"role_changes_topic"`
}

// AuthSettings verifies HS256 access tokens issued by the hosted auth provider.
type AuthSettings struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	Issuer    string        `mapstructure:"issuer"`
	Audience  string        `mapstructure:"audience"`
	Leeway    time.Duration `mapstructure:"leeway"`
}

type TelemetrySettings struct {
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	ServiceName  string  `mapstructure:"service_name"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
}

// RateLimitSettings bounds escrow mutations per principal, and per principal, contract and action.
type RateLimitSettings struct {
	WindowDuration               time.Duration `mapstructure:"window_duration"`
	EscrowMutationAttempts       int           `mapstructure:"escrow_mutation_attempts"`
	EscrowContractActionAttempts int           `mapstructure:"escrow_contract_action_attempts"`
}

type SyncSettings struct {
	DefaultInterval   time.Duration `mapstructure:"default_interval"`
	BackoffInitial    time.Duration `mapstructure:"backoff_initial"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	SnapshotPrefix    string        `mapstructure:"snapshot_prefix"`
	SnapshotTTL       time.Duration `mapstructure:"snapshot_ttl"`
	DegradationPolicy string        `mapstructure:"degradation_policy"`
}

type PresenceSettings struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	KeyPrefix         string        `mapstructure:"key_prefix"`
	MemberTTL         time.Duration `mapstructure:"member_ttl"`
}

type EscrowSettings struct {
	PlatformFeeBPS  int64  `mapstructure:"platform_fee_bps"`
	DefaultCurrency string `mapstructure:"default_currency"`
}

// PaymentSettings configures the payment processor client. An empty BaseURL selects the
// in-process sandbox processor.
type PaymentSettings struct {
	BaseURL   string        `mapstructure:"base_url"`
	APIKey    string        `mapstructure:"api_key"`
	Timeout   time.Duration `mapstructure:"timeout"`
	RateLimit float64       `mapstructure:"rate_limit"`
	Burst     int           `mapstructure:"burst"`
}

func Load() (*AppConfig, error) {
	v := viper.New()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix(envPrefix)

	setDefaults(v)

	if err := bindEnvs(v, []string{
		"app.name",
		"app.env",
		"app.host",
		"app.port",
		"app.cors_origins",
		"app.shutdown_timeout",
		"log.level",
		"log.file",
		"log.max_size_mb",
		"log.max_backups",
		"log.max_age_days",
		"log.compress",
		"grpc.host",
		"grpc.port",
		"postgres.enabled",
		"postgres.host",
		"postgres.port",
		"postgres.user",
		"postgres.password",
		"postgres.database",
		"postgres.schema",
		"postgres.ssl_mode",
		"postgres.max_conns",
		"postgres.min_conns",
		"postgres.max_conn_lifetime",
		"postgres.max_conn_idle_time",
		"postgres.health_check_period",
		"postgres.synced_tables",
		"redis.enabled",
		"redis.host",
		"redis.port",
		"redis.db",
		"redis.password",
		"redis.tls_enabled",
		"kafka.enabled",
		"kafka.brokers",
		"kafka.topic_prefix",
		"kafka.async",
		"kafka.consumer_group",
		"kafka.row_changes_topic",
		"kafka.role_changes_topic",
		"auth.jwt_secret",
		"auth.issuer",
		"auth.audience",
		"auth.leeway",
		"telemetry.otlp_endpoint",
		"telemetry.service_name",
		"telemetry.sampling_rate",
		"rate_limit.window_duration",
		"rate_limit.escrow_mutation_attempts",
		"rate_limit.escrow_contract_action_attempts",
		"sync.default_interval",
		"sync.backoff_initial",
		"sync.backoff_max",
		"sync.snapshot_prefix",
		"sync.snapshot_ttl",
		"sync.degradation_policy",
		"presence.heartbeat_interval",
		"presence.key_prefix",
		"presence.member_ttl",
		"escrow.platform_fee_bps",
		"escrow.default_currency",
		"payment.base_url",
		"payment.api_key",
		"payment.timeout",
		"payment.rate_limit",
		"payment.burst",
	}); err != nil {
		return nil, err
	}

	v.AutomaticEnv()

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects settings the service cannot start with.
func (c *AppConfig) Validate() error {
	if c.Escrow.PlatformFeeBPS < 0 || c.Escrow.PlatformFeeBPS > 10000 {
		return fmt.Errorf("config: escrow.platform_fee_bps must be within [0, 10000], got %d", c.Escrow.PlatformFeeBPS)
	}
	if c.Sync.BackoffInitial <= 0 || c.Sync.BackoffMax < c.Sync.BackoffInitial {
		return fmt.Errorf("config: sync backoff requires 0 < initial <= max, got %s/%s", c.Sync.BackoffInitial, c.Sync.BackoffMax)
	}
	if c.Presence.MemberTTL > 0 && c.Presence.MemberTTL <= c.Presence.HeartbeatInterval {
		return fmt.Errorf("config: presence.member_ttl must exceed heartbeat_interval")
	}
	if c.App.Env == "production" && c.Auth.JWTSecret == "" {
		return fmt.Errorf("config: auth.jwt_secret is required in production")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "auditmarket-core")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.host", "0.0.0.0")
	v.SetDefault("app.port", 8080)
	v.SetDefault("app.cors_origins", []string{"*"})
	v.SetDefault("app.shutdown_timeout", "15s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 14)
	v.SetDefault("log.compress", true)

	v.SetDefault("grpc.host", "0.0.0.0")
	v.SetDefault("grpc.port", 50051)

	v.SetDefault("postgres.enabled", true)
	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "auditmarket")
	v.SetDefault("postgres.password", "auditmarket_password")
	v.SetDefault("postgres.database", "auditmarket")
	v.SetDefault("postgres.schema", "public")
	v.SetDefault("postgres.ssl_mode", "disable")
	v.SetDefault("postgres.max_conns", 10)
	v.SetDefault("postgres.min_conns", 2)
	v.SetDefault("postgres.max_conn_lifetime", "60m")
	v.SetDefault("postgres.max_conn_idle_time", "15m")
	v.SetDefault("postgres.health_check_period", "30s")
	v.SetDefault("postgres.synced_tables", []string{"audit_requests", "escrow_contracts"})

	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.tls_enabled", false)

	v.SetDefault("kafka.enabled", true)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic_prefix", "auditmarket")
	v.SetDefault("kafka.async", true)
	v.SetDefault("kafka.consumer_group", "auditmarket-core")
	v.SetDefault("kafka.row_changes_topic", "auditmarket.row_changes")
	v.SetDefault("kafka.role_changes_topic", "auditmarket.role_changes")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.audience", "authenticated")
	v.SetDefault("auth.leeway", "30s")

	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.service_name", "auditmarket-core")
	v.SetDefault("telemetry.sampling_rate", 1.0)

	v.SetDefault("rate_limit.window_duration", "1m")
	v.SetDefault("rate_limit.escrow_mutation_attempts", 30)
	v.SetDefault("rate_limit.escrow_contract_action_attempts", 5)

	v.SetDefault("sync.default_interval", "30s")
	v.SetDefault("sync.backoff_initial", "1s")
	v.SetDefault("sync.backoff_max", "1m")
	v.SetDefault("sync.snapshot_prefix", "sync:snapshot")
	v.SetDefault("sync.snapshot_ttl", "5m")
	v.SetDefault("sync.degradation_policy", "lenient")

	v.SetDefault("presence.heartbeat_interval", "30s")
	v.SetDefault("presence.key_prefix", "presence")
	v.SetDefault("presence.member_ttl", "90s")

	v.SetDefault("escrow.platform_fee_bps", 500)
	v.SetDefault("escrow.default_currency", "USD")

	v.SetDefault("payment.base_url", "")
	v.SetDefault("payment.api_key", "")
	v.SetDefault("payment.timeout", "10s")
	v.SetDefault("payment.rate_limit", 20.0)
	v.SetDefault("payment.burst", 5)
}

func bindEnvs(v *viper.Viper, keys []string) error {
	for _, key := range keys {
		envKey := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envPrefix+"_"+envKey, envKey); err != nil {
			return fmt.Errorf("bind env for %s: %w", key, err)
		}
	}
	return nil
}
