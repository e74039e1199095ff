package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

const envPrefix = "ORDERNOTIFY"

type Config struct {
	LogLevel  string            `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	HTTP      HTTPSettings      `mapstructure:"http"`
	Redis     RedisSettings     `mapstructure:"redis"`
	Kafka     KafkaSettings     `mapstructure:"kafka"`
	OrdersDB  DbSettings        `mapstructure:"orders_db"`
	Breaker   BreakerSettings   `mapstructure:"breaker"`
	Retry     RetrySettings     `mapstructure:"retry"`
	Outbox    OutboxSettings    `mapstructure:"outbox"`
	Scheduler SchedulerSettings `mapstructure:"scheduler"`
}

type HTTPSettings struct {
	Port string `mapstructure:"port" validate:"required,numeric"`
}

type RedisSettings struct {
	Addr     string `mapstructure:"addr" validate:"required,hostname_port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
	// FallbackInMemory usa un store en memoria si Redis no responde al arrancar.
	FallbackInMemory bool `mapstructure:"fallback_in_memory"`
}

type KafkaSettings struct {
	Enabled       bool     `mapstructure:"enabled"`
	Brokers       []string `mapstructure:"brokers" validate:"required_if=Enabled true"`
	BridgeTopic   string   `mapstructure:"bridge_topic" validate:"required_if=Enabled true"`
	PaymentsTopic string   `mapstructure:"payments_topic"`
	GroupID       string   `mapstructure:"group_id"`
	// ReadRetryDelay es la pausa del consumidor tras un error de lectura.
	ReadRetryDelay time.Duration `mapstructure:"read_retry_delay" validate:"gt=0"`
}

// DbSettings describe la tabla de pedidos. Driver vacío desactiva la reconstrucción.
type DbSettings struct {
	Driver string `mapstructure:"driver" validate:"omitempty,oneof=sqlite pgx"`
	DSN    string `mapstructure:"dsn" validate:"required_with=Driver"`
}

type BreakerSettings struct {
	Threshold int           `mapstructure:"threshold" validate:"gte=1"`
	Cooldown  time.Duration `mapstructure:"cooldown" validate:"gt=0"`
}

type RetrySettings struct {
	Attempts     int           `mapstructure:"attempts" validate:"gte=1"`
	InitialDelay time.Duration `mapstructure:"initial_delay" validate:"gt=0"`
	Factor       float64       `mapstructure:"factor" validate:"gte=1"`
	MaxDelay     time.Duration `mapstructure:"max_delay" validate:"gtefield=InitialDelay"`
	Jitter       bool          `mapstructure:"jitter"`
}

type OutboxSettings struct {
	BatchSize                int           `mapstructure:"batch_size" validate:"gte=1"`
	MaxRetries               int           `mapstructure:"max_retries" validate:"gte=1"`
	MaxAge                   time.Duration `mapstructure:"max_age" validate:"gt=0"`
	CleanupMaxAge            time.Duration `mapstructure:"cleanup_max_age" validate:"gt=0"`
	DeadLetterAlertThreshold int64         `mapstructure:"dead_letter_alert_threshold" validate:"gte=0"`
	IdempotencyTTL           time.Duration `mapstructure:"idempotency_ttl" validate:"gt=0"`
}

// SchedulerSettings son expresiones cron de cinco campos, evaluadas en
// Timezone. Una expresión vacía desactiva el job.
type SchedulerSettings struct {
	DrainSchedule       string `mapstructure:"drain_schedule" validate:"omitempty,cronspec"`
	CleanupSchedule     string `mapstructure:"cleanup_schedule" validate:"omitempty,cronspec"`
	MaintenanceSchedule string `mapstructure:"maintenance_schedule" validate:"omitempty,cronspec"`
	StatsSchedule       string `mapstructure:"stats_schedule" validate:"omitempty,cronspec"`
	RebuildSchedule     string `mapstructure:"rebuild_schedule" validate:"omitempty,cronspec"`
	Timezone            string `mapstructure:"timezone" validate:"required,timezone"`
}

// Location resuelve Timezone; Validate ya garantiza que existe.
func (s SchedulerSettings) Location() (*time.Location, error) {
	return time.LoadLocation(s.Timezone)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("http.port", "8080")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.fallback_in_memory", true)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.bridge_topic", "admin-notifications")
	v.SetDefault("kafka.payments_topic", "")
	v.SetDefault("kafka.group_id", "ordernotify")
	v.SetDefault("kafka.read_retry_delay", time.Second)

	v.SetDefault("orders_db.driver", "")
	v.SetDefault("orders_db.dsn", "")

	v.SetDefault("breaker.threshold", 3)
	v.SetDefault("breaker.cooldown", 10*time.Second)

	v.SetDefault("retry.attempts", 5)
	v.SetDefault("retry.initial_delay", 200*time.Millisecond)
	v.SetDefault("retry.factor", 2.0)
	v.SetDefault("retry.max_delay", 10*time.Second)
	v.SetDefault("retry.jitter", true)

	v.SetDefault("outbox.batch_size", 20)
	v.SetDefault("outbox.max_retries", 5)
	v.SetDefault("outbox.max_age", 24*time.Hour)
	v.SetDefault("outbox.cleanup_max_age", 12*time.Hour)
	v.SetDefault("outbox.dead_letter_alert_threshold", 10)
	v.SetDefault("outbox.idempotency_ttl", 24*time.Hour)

	v.SetDefault("scheduler.drain_schedule", "* * * * *")
	v.SetDefault("scheduler.cleanup_schedule", "0 */2 * * *")
	v.SetDefault("scheduler.maintenance_schedule", "0 3 * * *")
	v.SetDefault("scheduler.stats_schedule", "*/10 * * * *")
	v.SetDefault("scheduler.rebuild_schedule", "0 * * * *")
	v.SetDefault("scheduler.timezone", "UTC")
}

// Load lee ordernotify.yaml (opcional) de path o del directorio actual y
// aplica encima las variables ORDERNOTIFY_*, p. ej. ORDERNOTIFY_REDIS_ADDR.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	v.SetConfigName("ordernotify")
	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	validate := validator.New()
	// Mismo parser que el scheduler: lo que pasa aquí arranca después.
	if err := validate.RegisterValidation("cronspec", func(fl validator.FieldLevel) bool {
		_, err := cron.ParseStandard(fl.Field().String())
		return err == nil
	}); err != nil {
		return err
	}
	return validate.Struct(c)
}
