package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/careflow-go/pkg/logger"
)

// Config is the full configuration for the orchestration core. One yaml file
// (configs/orchestrator.yaml) plus CAREFLOW_ env overrides.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Listener  ListenerConfig  `mapstructure:"listener"`
	Backlog   BacklogConfig   `mapstructure:"backlog"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Bootstrap BootstrapConfig `mapstructure:"bootstrap"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Logger    logger.Config   `mapstructure:"logger"`
}

type ServerConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	ReadTimeout     int    `mapstructure:"read_timeout"`
	WriteTimeout    int    `mapstructure:"write_timeout"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout"`
	// RateLimitRPS caps requests per second per client IP on /v1. Zero
	// disables limiting.
	RateLimitRPS   int `mapstructure:"rate_limit_rps"`
	RateLimitBurst int `mapstructure:"rate_limit_burst"`
}

type DatabaseConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Name         string `mapstructure:"name"`
	SSLMode      string `mapstructure:"ssl_mode"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// DSN renders the postgres connection string. The pq notify driver and gorm
// share it.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// Enabled reports whether the event relay should run at all.
func (c KafkaConfig) Enabled() bool { return len(c.Brokers) > 0 }

// NotifyConfig selects the pub-sub transport for trigger notifications.
type NotifyConfig struct {
	// Driver is "redis" or "pg".
	Driver string `mapstructure:"driver"`
}

type ListenerConfig struct {
	ChannelName string        `mapstructure:"channel_name"`
	Reconnect   BackoffConfig `mapstructure:"reconnect_backoff"`
}

type BackoffConfig struct {
	InitialMS int     `mapstructure:"initial_ms"`
	CapMS     int     `mapstructure:"cap_ms"`
	Jitter    float64 `mapstructure:"jitter"`
}

func (b BackoffConfig) Initial() time.Duration { return time.Duration(b.InitialMS) * time.Millisecond }
func (b BackoffConfig) Cap() time.Duration     { return time.Duration(b.CapMS) * time.Millisecond }

type BacklogConfig struct {
	PollIntervalS int `mapstructure:"poll_interval_s"`
	Concurrency   int `mapstructure:"concurrency"`
	MaxRetry      int `mapstructure:"max_retry"`
	// StartsPerSecond paces engine starts during a sweep so a large backlog
	// does not stampede the engine. Zero disables pacing.
	StartsPerSecond int `mapstructure:"starts_per_second"`
}

func (b BacklogConfig) PollInterval() time.Duration {
	return time.Duration(b.PollIntervalS) * time.Second
}

type EngineConfig struct {
	WorkflowDefaults WorkflowDefaults `mapstructure:"workflow_defaults"`
	ActivityDefaults ActivityDefaults `mapstructure:"activity_defaults"`
	// WorkerConcurrency is the number of workflow goroutines each task
	// queue runs at once.
	WorkerConcurrency int `mapstructure:"worker_concurrency"`
	// LeaseInterval is how often a worker renews its claim on running
	// workflows; lapsed claims are recovered on worker start.
	LeaseIntervalS int `mapstructure:"lease_interval_s"`
}

type WorkflowDefaults struct {
	TimeoutS  int    `mapstructure:"timeout_s"`
	TaskQueue string `mapstructure:"task_queue"`
}

func (w WorkflowDefaults) Timeout() time.Duration { return time.Duration(w.TimeoutS) * time.Second }

type ActivityDefaults struct {
	RetryInitialMS int     `mapstructure:"retry_initial_ms"`
	BackoffCoeff   float64 `mapstructure:"backoff_coeff"`
	MaxIntervalMS  int     `mapstructure:"max_interval_ms"`
	MaxAttempts    int     `mapstructure:"max_attempts"`
	StartToCloseS  int     `mapstructure:"start_to_close_s"`
}

func (a ActivityDefaults) RetryInitial() time.Duration {
	return time.Duration(a.RetryInitialMS) * time.Millisecond
}

func (a ActivityDefaults) MaxInterval() time.Duration {
	return time.Duration(a.MaxIntervalMS) * time.Millisecond
}

func (a ActivityDefaults) StartToClose() time.Duration {
	return time.Duration(a.StartToCloseS) * time.Second
}

type RegistryConfig struct {
	// Path points at the human-editable event catalog.
	Path string `mapstructure:"path"`
}

// BootstrapConfig carries the AWS wiring for the organization bootstrap
// workflow: Route53 subdomain records and SES invitation mail.
type BootstrapConfig struct {
	AWSRegion    string `mapstructure:"aws_region"`
	HostedZoneID string `mapstructure:"hosted_zone_id"`
	BaseDomain   string `mapstructure:"base_domain"`
	DNSTarget    string `mapstructure:"dns_target"`
	EmailSender  string `mapstructure:"email_sender"`
}

type TelemetryConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	JaegerURL    string  `mapstructure:"jaeger_url"`
	ServiceName  string  `mapstructure:"service_name"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
}

func Load(name string) (*Config, error) {
	viper.SetConfigName(name)
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("/etc/careflow")

	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.SetEnvPrefix("CAREFLOW")

	if err := viper.ReadInConfig(); err != nil {
		// A missing file is fine: defaults plus env cover everything.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", 30)
	viper.SetDefault("server.write_timeout", 30)
	viper.SetDefault("server.shutdown_timeout", 15)
	viper.SetDefault("server.rate_limit_rps", 100)
	viper.SetDefault("server.rate_limit_burst", 200)

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "careflow")
	viper.SetDefault("database.name", "careflow")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.pool_size", 10)

	viper.SetDefault("kafka.topic", "careflow.domain-events")

	viper.SetDefault("notify.driver", "redis")

	viper.SetDefault("listener.channel_name", "workflow_events")
	viper.SetDefault("listener.reconnect_backoff.initial_ms", 500)
	viper.SetDefault("listener.reconnect_backoff.cap_ms", 30000)
	viper.SetDefault("listener.reconnect_backoff.jitter", 0.2)

	viper.SetDefault("backlog.poll_interval_s", 60)
	viper.SetDefault("backlog.concurrency", 4)
	viper.SetDefault("backlog.max_retry", 10)
	viper.SetDefault("backlog.starts_per_second", 20)

	viper.SetDefault("engine.worker_concurrency", 8)
	viper.SetDefault("engine.lease_interval_s", 30)
	viper.SetDefault("engine.workflow_defaults.timeout_s", 3600)
	viper.SetDefault("engine.workflow_defaults.task_queue", "default")
	viper.SetDefault("engine.activity_defaults.retry_initial_ms", 1000)
	viper.SetDefault("engine.activity_defaults.backoff_coeff", 2.0)
	viper.SetDefault("engine.activity_defaults.max_interval_ms", 30000)
	viper.SetDefault("engine.activity_defaults.max_attempts", 3)
	viper.SetDefault("engine.activity_defaults.start_to_close_s", 60)

	viper.SetDefault("registry.path", "configs/registry.yaml")

	viper.SetDefault("bootstrap.aws_region", "us-east-1")
	viper.SetDefault("bootstrap.base_domain", "careflow.health")
	viper.SetDefault("bootstrap.dns_target", "ingress.careflow.health")
	viper.SetDefault("bootstrap.email_sender", "no-reply@careflow.health")

	viper.SetDefault("telemetry.enabled", false)
	viper.SetDefault("telemetry.service_name", "careflow-orchestrator")
	viper.SetDefault("telemetry.sampling_rate", 0.1)

	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.format", "json")
	viper.SetDefault("logger.output", "stdout")
	viper.SetDefault("logger.add_caller", true)
}
