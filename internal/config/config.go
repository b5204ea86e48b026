package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fedotovmax/relay"
	"github.com/fedotovmax/relay/kafka"
	"github.com/fedotovmax/relay/redisstream"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const envPrefix = "RELAY"

type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Guard      GuardConfig      `mapstructure:"guard"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Broker     BrokerConfig     `mapstructure:"broker"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
}

type HTTPConfig struct {
	Addr              string `mapstructure:"addr" validate:"required"`
	ReadTimeoutMs     int    `mapstructure:"read_timeout_ms" validate:"gte=0"`
	ShutdownTimeoutMs int    `mapstructure:"shutdown_timeout_ms" validate:"gte=0"`
}

type DispatcherConfig struct {
	PollIntervalMs   int     `mapstructure:"poll_interval_ms" validate:"gte=0"`
	BatchSize        int     `mapstructure:"batch_size" validate:"gte=0,lte=1000"`
	LeaseDurationMs  int     `mapstructure:"lease_duration_ms" validate:"gte=0"`
	BaseDelayMs      int     `mapstructure:"base_delay_ms" validate:"gte=0"`
	MaxDelayMs       int     `mapstructure:"max_delay_ms" validate:"gte=0"`
	MaxAttempts      int     `mapstructure:"max_attempts" validate:"gte=0"`
	JitterFraction   float64 `mapstructure:"jitter_fraction" validate:"gte=0,lte=1"`
	OwnerID          string  `mapstructure:"owner_id"`
	Workers          int     `mapstructure:"workers" validate:"gte=0,lte=64"`
	PublishTimeoutMs int     `mapstructure:"publish_timeout_ms" validate:"gte=0"`
	StoreTimeoutMs   int     `mapstructure:"store_timeout_ms" validate:"gte=0"`
	// Upper bound for draining in-flight work on shutdown
	ShutdownTimeoutMs int `mapstructure:"shutdown_timeout_ms" validate:"gte=0"`
}

type GuardConfig struct {
	Enabled             bool    `mapstructure:"enabled"`
	ConsecutiveFailures uint32  `mapstructure:"consecutive_failures"`
	OpenTimeoutMs       int     `mapstructure:"open_timeout_ms" validate:"gte=0"`
	RatePerSecond       float64 `mapstructure:"rate_per_second" validate:"gte=0"`
	Burst               int     `mapstructure:"burst" validate:"gte=0"`
}

type LedgerConfig struct {
	Driver       string `mapstructure:"driver" validate:"oneof=postgres mysql"`
	DSN          string `mapstructure:"dsn" validate:"required"`
	Listen       bool   `mapstructure:"listen"`
	AutoMigrate  bool   `mapstructure:"auto_migrate"`
	MaxOpenConns int    `mapstructure:"max_open_conns" validate:"gte=0"`
	MaxIdleConns int    `mapstructure:"max_idle_conns" validate:"gte=0"`
}

type BrokerConfig struct {
	Driver string      `mapstructure:"driver" validate:"oneof=kafka redis"`
	Kafka  KafkaConfig `mapstructure:"kafka"`
	Redis  RedisConfig `mapstructure:"redis"`
}

type KafkaConfig struct {
	Brokers         []string `mapstructure:"brokers"`
	ClientID        string   `mapstructure:"client_id"`
	TopicPrefix     string   `mapstructure:"topic_prefix"`
	MaxRetries      int      `mapstructure:"max_retries" validate:"gte=0"`
	MaxMessageBytes int      `mapstructure:"max_message_bytes" validate:"gte=0"`
}

type RedisConfig struct {
	Addr             string `mapstructure:"addr"`
	Password         string `mapstructure:"password"`
	DB               int    `mapstructure:"db" validate:"gte=0"`
	Prefix           string `mapstructure:"prefix"`
	DedupeTTLSeconds int    `mapstructure:"dedupe_ttl_seconds" validate:"gte=0"`
	MaxLen           int64  `mapstructure:"max_len" validate:"gte=0"`
}

func setDefaults(v *viper.Viper) {
	defaults := relay.DefaultConfig()
	guard := relay.DefaultGuardConfig()
	stream := redisstream.DefaultConfig()

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout_ms", 5000)
	v.SetDefault("http.shutdown_timeout_ms", 10000)

	v.SetDefault("dispatcher.poll_interval_ms", defaults.PollInterval.Milliseconds())
	v.SetDefault("dispatcher.batch_size", defaults.BatchSize)
	v.SetDefault("dispatcher.lease_duration_ms", defaults.LeaseDuration.Milliseconds())
	v.SetDefault("dispatcher.base_delay_ms", defaults.BaseDelay.Milliseconds())
	v.SetDefault("dispatcher.max_delay_ms", defaults.MaxDelay.Milliseconds())
	v.SetDefault("dispatcher.max_attempts", defaults.MaxAttempts)
	v.SetDefault("dispatcher.jitter_fraction", defaults.JitterFraction)
	v.SetDefault("dispatcher.owner_id", "")
	v.SetDefault("dispatcher.workers", defaults.Workers)
	v.SetDefault("dispatcher.publish_timeout_ms", defaults.PublishTimeout.Milliseconds())
	v.SetDefault("dispatcher.store_timeout_ms", defaults.StoreTimeout.Milliseconds())
	v.SetDefault("dispatcher.shutdown_timeout_ms", 30000)

	v.SetDefault("guard.enabled", true)
	v.SetDefault("guard.consecutive_failures", guard.ConsecutiveFailures)
	v.SetDefault("guard.open_timeout_ms", guard.Timeout.Milliseconds())
	v.SetDefault("guard.rate_per_second", 0)
	v.SetDefault("guard.burst", 0)

	v.SetDefault("ledger.driver", "postgres")
	v.SetDefault("ledger.dsn", "")
	v.SetDefault("ledger.auto_migrate", false)
	v.SetDefault("ledger.max_open_conns", 10)
	v.SetDefault("ledger.max_idle_conns", 5)

	v.SetDefault("broker.driver", "kafka")
	v.SetDefault("broker.kafka.brokers", []string{})
	v.SetDefault("broker.kafka.client_id", "relay")
	v.SetDefault("broker.kafka.topic_prefix", "")
	v.SetDefault("broker.kafka.max_retries", 3)
	v.SetDefault("broker.kafka.max_message_bytes", 0)
	v.SetDefault("broker.redis.addr", "localhost:6379")
	v.SetDefault("broker.redis.password", "")
	v.SetDefault("broker.redis.db", 0)
	v.SetDefault("broker.redis.prefix", stream.Prefix)
	v.SetDefault("broker.redis.dedupe_ttl_seconds", int(stream.DedupeTTL/time.Second))
	v.SetDefault("broker.redis.max_len", 0)
}

// Load reads path (optional) and RELAY_* environment overrides, e.g.
// RELAY_DISPATCHER_BATCH_SIZE or RELAY_LEDGER_DSN.
func Load(path string) (*Config, error) {
	const op = "config.Load"

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%s: read config file: %w", op, err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// no default: when unset, listening follows the ledger driver
	if err := v.BindEnv("ledger.listen"); err != nil {
		return nil, fmt.Errorf("%s: bind env: %w", op, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%s: unmarshal config: %w", op, err)
	}

	if !v.IsSet("ledger.listen") {
		cfg.Ledger.Listen = cfg.Ledger.Driver == "postgres"
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %w", relay.ErrInvalidConfig, err)
	}

	switch c.Broker.Driver {
	case "kafka":
		if len(c.Broker.Kafka.Brokers) == 0 {
			return fmt.Errorf("%w: broker.kafka.brokers is required", relay.ErrInvalidConfig)
		}
	case "redis":
		if c.Broker.Redis.Addr == "" {
			return fmt.Errorf("%w: broker.redis.addr is required", relay.ErrInvalidConfig)
		}
	}

	if c.Ledger.Listen && c.Ledger.Driver != "postgres" {
		return fmt.Errorf("%w: ledger.listen requires the postgres driver", relay.ErrInvalidConfig)
	}

	return nil
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func (c *DispatcherConfig) ToRelayConfig() relay.Config {
	return relay.Config{
		PollInterval:   millis(c.PollIntervalMs),
		BatchSize:      c.BatchSize,
		LeaseDuration:  millis(c.LeaseDurationMs),
		BaseDelay:      millis(c.BaseDelayMs),
		MaxDelay:       millis(c.MaxDelayMs),
		MaxAttempts:    c.MaxAttempts,
		JitterFraction: c.JitterFraction,
		OwnerID:        c.OwnerID,
		Workers:        c.Workers,
		PublishTimeout: millis(c.PublishTimeoutMs),
		StoreTimeout:   millis(c.StoreTimeoutMs),
	}
}

func (c *DispatcherConfig) ShutdownTimeout() time.Duration {
	return millis(c.ShutdownTimeoutMs)
}

func (c *GuardConfig) ToGuardConfig() relay.GuardConfig {
	return relay.GuardConfig{
		Name:                "broker",
		ConsecutiveFailures: c.ConsecutiveFailures,
		Timeout:             millis(c.OpenTimeoutMs),
		RatePerSecond:       c.RatePerSecond,
		Burst:               c.Burst,
	}
}

func (c *KafkaConfig) ToKafkaConfig() kafka.Config {
	return kafka.Config{
		Brokers:         c.Brokers,
		ClientID:        c.ClientID,
		MaxRetries:      c.MaxRetries,
		MaxMessageBytes: c.MaxMessageBytes,
	}
}

func (c *RedisConfig) ToStreamConfig() redisstream.Config {
	return redisstream.Config{
		Prefix:    c.Prefix,
		DedupeTTL: time.Duration(c.DedupeTTLSeconds) * time.Second,
		MaxLen:    c.MaxLen,
	}
}

func (c *HTTPConfig) ReadTimeout() time.Duration {
	return millis(c.ReadTimeoutMs)
}

func (c *HTTPConfig) ShutdownTimeout() time.Duration {
	return millis(c.ShutdownTimeoutMs)
}
