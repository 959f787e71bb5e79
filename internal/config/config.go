package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/Dhoini/checkout-engine/internal/gateway"
	"github.com/Dhoini/checkout-engine/internal/gateway/asaas"
	"github.com/Dhoini/checkout-engine/internal/idempotency"
	"github.com/Dhoini/checkout-engine/internal/kafka"
	"github.com/Dhoini/checkout-engine/internal/outbox"
	"github.com/Dhoini/checkout-engine/internal/reconcile"
	"github.com/Dhoini/checkout-engine/internal/repository/postgres"
	"github.com/Dhoini/checkout-engine/internal/scheduler"
)

// EnvPrefix префикс переменных окружения: CHECKOUT_GATEWAY_API_KEY -> gateway.api_key
const EnvPrefix = "CHECKOUT"

// Config представляет структуру конфигурации для приложения.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	GRPC        GRPCConfig        `mapstructure:"grpc"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	Gateway     GatewayConfig     `mapstructure:"gateway"`
	Reconcile   ReconcileConfig   `mapstructure:"reconcile"`
	Outbox      OutboxConfig      `mapstructure:"outbox"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	RabbitMQ    RabbitMQConfig    `mapstructure:"rabbitmq"`
	Plans       PlansConfig       `mapstructure:"plans"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

// HTTPConfig конфигурация HTTP сервера
type HTTPConfig struct {
	Port            string        `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// WebhookMaxBytes ограничение тела вебхука
	WebhookMaxBytes int64 `mapstructure:"webhook_max_bytes"`
}

// GRPCConfig конфигурация gRPC сервера (health + reflection)
type GRPCConfig struct {
	Port string `mapstructure:"port"`
}

// StorageConfig выбор хранилища: postgres или memory
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
}

// DatabaseConfig конфигурация базы данных
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	// AutoMigrate применяет миграции при старте сервера
	AutoMigrate bool `mapstructure:"auto_migrate"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// IdempotencyConfig хранилище ключей идемпотентности
type IdempotencyConfig struct {
	Driver         string        `mapstructure:"driver"` // redis | memory
	Prefix         string        `mapstructure:"prefix"`
	ReservationTTL time.Duration `mapstructure:"reservation_ttl"`
	CompletedTTL   time.Duration `mapstructure:"completed_ttl"`
	WaitTimeout    time.Duration `mapstructure:"wait_timeout"`
	// Location часовой пояс календарного дня производного ключа
	Location string `mapstructure:"location"`
}

// GatewayConfig платежный шлюз
type GatewayConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	WebhookToken   string        `mapstructure:"webhook_token"`
	WebhookSecret  string        `mapstructure:"webhook_secret"`
	Timeout        time.Duration `mapstructure:"timeout"`
	RetryAttempts  int           `mapstructure:"retry_attempts"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay"`
	BoletoDueDays  int           `mapstructure:"boleto_due_days"`
}

// ReconcileConfig свертка подтверждений, опрос и прием вебхуков
type ReconcileConfig struct {
	CardRetryLimit       int           `mapstructure:"card_retry_limit"`
	FastInterval         time.Duration `mapstructure:"fast_interval"`
	FastWindow           time.Duration `mapstructure:"fast_window"`
	SlowInterval         time.Duration `mapstructure:"slow_interval"`
	PixCeiling           time.Duration `mapstructure:"pix_ceiling"`
	BoletoCeiling        time.Duration `mapstructure:"boleto_ceiling"`
	AbandonAfter         time.Duration `mapstructure:"abandon_after"`
	ResumeLimit          int           `mapstructure:"resume_limit"`
	IntakeWorkers        int           `mapstructure:"intake_workers"`
	IntakeQueueSize      int           `mapstructure:"intake_queue_size"`
	IntakeEnqueueTimeout time.Duration `mapstructure:"intake_enqueue_timeout"`
}

// OutboxConfig доставка побочных эффектов
type OutboxConfig struct {
	Driver       string        `mapstructure:"driver"` // sarama | kafka-go | rabbitmq
	BatchSize    int           `mapstructure:"batch_size"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Lease        time.Duration `mapstructure:"lease"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	BaseDelay    time.Duration `mapstructure:"base_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
}

type KafkaConfig struct {
	Brokers      []string `mapstructure:"brokers"`
	TopicPrefix  string   `mapstructure:"topic_prefix"`
	EnsureTopics bool     `mapstructure:"ensure_topics"`
}

type RabbitMQConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

// PlansConfig источник каталога планов
type PlansConfig struct {
	Source   string        `mapstructure:"source"` // file | postgres
	File     string        `mapstructure:"file"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"` // 0 отключает кэш в Redis
	// Seed при source=postgres переносит File в таблицу plans на старте
	Seed bool `mapstructure:"seed"`
}

// SchedulerConfig задачи жизненного цикла
type SchedulerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	SuspendOverdue   string        `mapstructure:"suspend_overdue"`
	ExpireElapsed    string        `mapstructure:"expire_elapsed"`
	JobTimeout       time.Duration `mapstructure:"job_timeout"`
	GracePeriod      time.Duration `mapstructure:"grace_period"`
	SuspensionWindow time.Duration `mapstructure:"suspension_window"`
	BatchSize        int           `mapstructure:"batch_size"`
}

// AuthConfig JWT для административных маршрутов
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

// LoggingConfig конфигурация логгера
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // console | json
}

type MetricsConfig struct {
	SystemInterval time.Duration `mapstructure:"system_interval"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "development")

	v.SetDefault("http.port", "8080")
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 30*time.Second)
	v.SetDefault("http.shutdown_timeout", 30*time.Second)
	v.SetDefault("http.webhook_max_bytes", 64<<10)

	v.SetDefault("grpc.port", "50051")

	v.SetDefault("storage.driver", "postgres")

	pool := postgres.DefaultPoolOptions()
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", pool.MaxConns)
	v.SetDefault("database.min_conns", pool.MinConns)
	v.SetDefault("database.max_conn_lifetime", pool.MaxConnLifetime)
	v.SetDefault("database.max_conn_idle_time", pool.MaxConnIdleTime)
	v.SetDefault("database.auto_migrate", false)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	idem := idempotency.DefaultOptions()
	v.SetDefault("idempotency.driver", "redis")
	v.SetDefault("idempotency.prefix", "checkout:idem:")
	v.SetDefault("idempotency.reservation_ttl", idem.ReservationTTL)
	v.SetDefault("idempotency.completed_ttl", idem.CompletedTTL)
	v.SetDefault("idempotency.wait_timeout", 10*time.Second)
	v.SetDefault("idempotency.location", "America/Sao_Paulo")

	retry := gateway.DefaultRetryPolicy()
	v.SetDefault("gateway.base_url", asaas.SandboxURL)
	v.SetDefault("gateway.api_key", "")
	v.SetDefault("gateway.webhook_token", "")
	v.SetDefault("gateway.webhook_secret", "")
	v.SetDefault("gateway.timeout", 10*time.Second)
	v.SetDefault("gateway.retry_attempts", retry.Attempts)
	v.SetDefault("gateway.retry_base_delay", retry.BaseDelay)
	v.SetDefault("gateway.retry_max_delay", retry.MaxDelay)
	v.SetDefault("gateway.boleto_due_days", 3)

	poll := reconcile.DefaultPollerOptions()
	intake := reconcile.DefaultIntakeOptions()
	v.SetDefault("reconcile.card_retry_limit", 0)
	v.SetDefault("reconcile.fast_interval", poll.FastInterval)
	v.SetDefault("reconcile.fast_window", poll.FastWindow)
	v.SetDefault("reconcile.slow_interval", poll.SlowInterval)
	v.SetDefault("reconcile.pix_ceiling", poll.PixCeiling)
	v.SetDefault("reconcile.boleto_ceiling", poll.BoletoCeiling)
	v.SetDefault("reconcile.abandon_after", poll.AbandonAfter)
	v.SetDefault("reconcile.resume_limit", poll.ResumeLimit)
	v.SetDefault("reconcile.intake_workers", intake.Workers)
	v.SetDefault("reconcile.intake_queue_size", intake.QueueSize)
	v.SetDefault("reconcile.intake_enqueue_timeout", intake.EnqueueTimeout)

	worker := outbox.DefaultWorkerOptions()
	v.SetDefault("outbox.driver", "sarama")
	v.SetDefault("outbox.batch_size", worker.BatchSize)
	v.SetDefault("outbox.poll_interval", worker.PollInterval)
	v.SetDefault("outbox.lease", worker.Lease)
	v.SetDefault("outbox.max_attempts", worker.MaxAttempts)
	v.SetDefault("outbox.base_delay", worker.BaseDelay)
	v.SetDefault("outbox.max_delay", worker.MaxDelay)

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic_prefix", "checkout")
	v.SetDefault("kafka.ensure_topics", true)

	v.SetDefault("rabbitmq.url", "")
	v.SetDefault("rabbitmq.exchange", "checkout.events")

	v.SetDefault("plans.source", "file")
	v.SetDefault("plans.file", "config/plans.yaml")
	v.SetDefault("plans.cache_ttl", 5*time.Minute)
	v.SetDefault("plans.seed", false)

	sweep := scheduler.DefaultSweeperOptions()
	schedules := scheduler.DefaultSchedules()
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.suspend_overdue", schedules.SuspendOverdue)
	v.SetDefault("scheduler.expire_elapsed", schedules.ExpireElapsed)
	v.SetDefault("scheduler.job_timeout", schedules.JobTimeout)
	v.SetDefault("scheduler.grace_period", sweep.GracePeriod)
	v.SetDefault("scheduler.suspension_window", sweep.SuspensionWindow)
	v.SetDefault("scheduler.batch_size", sweep.BatchSize)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("metrics.system_interval", 15*time.Second)
}

// Load загружает конфигурацию: значения по умолчанию, затем YAML-файл
// (path или ./config.yaml, ./config/config.yaml), затем переменные окружения
// с префиксом CHECKOUT_. Файл .env, если есть, подгружается в окружение.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate проверяет согласованность значений
func (c *Config) Validate() error {
	var result *multierror.Error
	fail := func(format string, args ...interface{}) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	switch c.Storage.Driver {
	case "postgres":
		if c.Database.DSN == "" {
			fail("database.dsn is required for the postgres storage driver")
		}
	case "memory":
	default:
		fail("storage.driver must be postgres or memory, got %q", c.Storage.Driver)
	}

	switch c.Idempotency.Driver {
	case "redis":
		if c.Redis.Addr == "" {
			fail("redis.addr is required for the redis idempotency driver")
		}
	case "memory":
	default:
		fail("idempotency.driver must be redis or memory, got %q", c.Idempotency.Driver)
	}
	if _, err := time.LoadLocation(c.Idempotency.Location); err != nil {
		fail("idempotency.location: %v", err)
	}
	// резервация должна пережить все попытки вызова шлюза
	if budget := c.GatewayCallBudget(); c.Idempotency.ReservationTTL <= budget {
		fail("idempotency.reservation_ttl (%s) must exceed the gateway call budget (%s)", c.Idempotency.ReservationTTL, budget)
	}
	if c.Idempotency.WaitTimeout <= 0 {
		fail("idempotency.wait_timeout must be positive")
	}

	if c.Gateway.APIKey == "" {
		fail("gateway.api_key is required")
	}
	if c.Gateway.RetryAttempts < 1 {
		fail("gateway.retry_attempts must be at least 1")
	}

	r := c.Reconcile
	if r.FastInterval <= 0 || r.SlowInterval < r.FastInterval {
		fail("reconcile: need 0 < fast_interval <= slow_interval")
	}
	if r.PixCeiling <= 0 || r.BoletoCeiling <= 0 || r.AbandonAfter <= 0 {
		fail("reconcile: polling ceilings must be positive")
	}
	if r.CardRetryLimit < 0 {
		fail("reconcile.card_retry_limit must not be negative")
	}

	switch c.Outbox.Driver {
	case "sarama", "kafka-go":
		if len(c.Kafka.Brokers) == 0 {
			fail("kafka.brokers is required for the %s outbox driver", c.Outbox.Driver)
		}
	case "rabbitmq":
		if c.RabbitMQ.URL == "" {
			fail("rabbitmq.url is required for the rabbitmq outbox driver")
		}
	default:
		fail("outbox.driver must be sarama, kafka-go or rabbitmq, got %q", c.Outbox.Driver)
	}

	switch c.Plans.Source {
	case "file":
		if c.Plans.File == "" {
			fail("plans.file is required for the file plan source")
		}
	case "postgres":
		if c.Storage.Driver != "postgres" {
			fail("plans.source postgres requires storage.driver postgres")
		}
	default:
		fail("plans.source must be file or postgres, got %q", c.Plans.Source)
	}

	if c.Scheduler.Enabled {
		for name, spec := range map[string]string{
			"scheduler.suspend_overdue": c.Scheduler.SuspendOverdue,
			"scheduler.expire_elapsed":  c.Scheduler.ExpireElapsed,
		} {
			if _, err := cron.ParseStandard(spec); err != nil {
				fail("%s: %v", name, err)
			}
		}
	}

	if c.App.Env == "production" && len(c.Auth.JWTSecret) < 32 {
		fail("auth.jwt_secret must be at least 32 bytes in production")
	}

	switch c.Logging.Format {
	case "console", "json":
	default:
		fail("logging.format must be console or json, got %q", c.Logging.Format)
	}

	return result.ErrorOrNil()
}

// Location часовой пояс производного ключа идемпотентности
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Idempotency.Location)
	if err != nil {
		return time.UTC
	}
	return loc
}

// RetryPolicy политика повторов шлюза
func (c *Config) RetryPolicy() gateway.RetryPolicy {
	return gateway.RetryPolicy{
		Attempts:  c.Gateway.RetryAttempts,
		BaseDelay: c.Gateway.RetryBaseDelay,
		MaxDelay:  c.Gateway.RetryMaxDelay,
	}
}

// GatewayCallBudget верхняя оценка длительности вызова шлюза со всеми повторами
func (c *Config) GatewayCallBudget() time.Duration {
	return c.Gateway.Timeout*time.Duration(c.Gateway.RetryAttempts) + c.RetryPolicy().Budget()
}

// AsaasConfig параметры клиента шлюза
func (c *Config) AsaasConfig() asaas.Config {
	return asaas.Config{
		BaseURL:       c.Gateway.BaseURL,
		APIKey:        c.Gateway.APIKey,
		WebhookToken:  c.Gateway.WebhookToken,
		WebhookSecret: c.Gateway.WebhookSecret,
		Timeout:       c.Gateway.Timeout,
		PixExpiry:     c.Reconcile.PixCeiling,
		BoletoDueDays: c.Gateway.BoletoDueDays,
	}
}

func (c *Config) IdempotencyOptions() idempotency.Options {
	return idempotency.Options{
		ReservationTTL: c.Idempotency.ReservationTTL,
		CompletedTTL:   c.Idempotency.CompletedTTL,
	}
}

func (c *Config) PoolOptions() postgres.PoolOptions {
	return postgres.PoolOptions{
		MaxConns:        c.Database.MaxConns,
		MinConns:        c.Database.MinConns,
		MaxConnLifetime: c.Database.MaxConnLifetime,
		MaxConnIdleTime: c.Database.MaxConnIdleTime,
	}
}

func (c *Config) PollerOptions() reconcile.PollerOptions {
	return reconcile.PollerOptions{
		FastInterval:  c.Reconcile.FastInterval,
		FastWindow:    c.Reconcile.FastWindow,
		SlowInterval:  c.Reconcile.SlowInterval,
		PixCeiling:    c.Reconcile.PixCeiling,
		BoletoCeiling: c.Reconcile.BoletoCeiling,
		AbandonAfter:  c.Reconcile.AbandonAfter,
		ResumeLimit:   c.Reconcile.ResumeLimit,
	}
}

func (c *Config) ReducerOptions() reconcile.Options {
	return reconcile.Options{CardRetryLimit: c.Reconcile.CardRetryLimit}
}

func (c *Config) IntakeOptions() reconcile.IntakeOptions {
	opts := reconcile.DefaultIntakeOptions()
	opts.Workers = c.Reconcile.IntakeWorkers
	opts.QueueSize = c.Reconcile.IntakeQueueSize
	opts.EnqueueTimeout = c.Reconcile.IntakeEnqueueTimeout
	return opts
}

func (c *Config) WorkerOptions() outbox.WorkerOptions {
	return outbox.WorkerOptions{
		BatchSize:    c.Outbox.BatchSize,
		PollInterval: c.Outbox.PollInterval,
		Lease:        c.Outbox.Lease,
		MaxAttempts:  c.Outbox.MaxAttempts,
		BaseDelay:    c.Outbox.BaseDelay,
		MaxDelay:     c.Outbox.MaxDelay,
	}
}

func (c *Config) KafkaConfig() *kafka.Config {
	return kafka.NewConfig(c.Kafka.Brokers, c.Kafka.TopicPrefix)
}

func (c *Config) SweeperOptions() scheduler.SweeperOptions {
	return scheduler.SweeperOptions{
		GracePeriod:      c.Scheduler.GracePeriod,
		SuspensionWindow: c.Scheduler.SuspensionWindow,
		BatchSize:        c.Scheduler.BatchSize,
	}
}

func (c *Config) Schedules() scheduler.Schedules {
	return scheduler.Schedules{
		SuspendOverdue: c.Scheduler.SuspendOverdue,
		ExpireElapsed:  c.Scheduler.ExpireElapsed,
		JobTimeout:     c.Scheduler.JobTimeout,
	}
}
