// ============================================================================
// mailq Config - 設定載入
// ============================================================================
//
// 載入順序（後者覆蓋前者）:
//   1. Default() 內建預設值
//   2. YAML 設定檔（預設 configs/default.yaml，不存在時略過）
//   3. 環境變數 MAILQ_*（例如 MAILQ_BROKER_BACKEND=redis）
//   4. EMAIL_HOST_USER / EMAIL_HOST_PASSWORD（SMTP 帳號）
//
// 最後以 Validate() 檢查互相矛盾的設定。
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/mailq/internal/delivery"
	"github.com/ChuLiYu/mailq/internal/logging"
	"github.com/ChuLiYu/mailq/internal/retry"
)

// EnvPrefix 所有環境變數的前綴
const EnvPrefix = "MAILQ_"

// DefaultPath 預設設定檔位置
const DefaultPath = "configs/default.yaml"

// 執行模式
const (
	ModeStandalone = "standalone" // broker + workers + gateway 同一行程
	ModeMaster     = "master"     // broker + gateway + gRPC，不跑 workers
	ModeWorker     = "worker"     // 只跑 workers，透過 gRPC 連到 master
)

// Broker 後端
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// 投遞方式
const (
	DeliverySMTP      = "smtp"
	DeliveryWebhook   = "webhook"
	DeliverySimulated = "simulated"
)

// Config 系統完整設定
type Config struct {
	NodeID string `yaml:"node_id" env:"NODE_ID"`
	Mode   string `yaml:"mode" env:"MODE"`

	Broker struct {
		Backend            string `yaml:"backend" env:"BACKEND"`
		DefaultMaxAttempts int    `yaml:"default_max_attempts" env:"DEFAULT_MAX_ATTEMPTS"`
		RedisAddr          string `yaml:"redis_addr" env:"REDIS_ADDR"`
		RedisPassword      string `yaml:"redis_password" env:"REDIS_PASSWORD"`
		RedisDB            int    `yaml:"redis_db" env:"REDIS_DB"`
		RedisPrefix        string `yaml:"redis_prefix" env:"REDIS_PREFIX"`
		PostgresDSN        string `yaml:"postgres_dsn" env:"POSTGRES_DSN"`
		MigrationsDir      string `yaml:"migrations_dir" env:"MIGRATIONS_DIR"`
	} `yaml:"broker" envPrefix:"BROKER_"`

	Worker struct {
		Count             int           `yaml:"count" env:"COUNT"`
		VisibilityTimeout time.Duration `yaml:"visibility_timeout" env:"VISIBILITY_TIMEOUT"`
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
		PollInterval      time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
		DeliveryTimeout   time.Duration `yaml:"delivery_timeout" env:"DELIVERY_TIMEOUT"`
	} `yaml:"worker" envPrefix:"WORKER_"`

	Retry struct {
		BaseDelay time.Duration `yaml:"base_delay" env:"BASE_DELAY"`
		MaxDelay  time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
		Jitter    float64       `yaml:"jitter" env:"JITTER"`
	} `yaml:"retry" envPrefix:"RETRY_"`

	WAL struct {
		Path          string        `yaml:"path" env:"PATH"`
		SyncOnAppend  bool          `yaml:"sync_on_append" env:"SYNC_ON_APPEND"`
		BufferSize    int           `yaml:"buffer_size" env:"BUFFER_SIZE"`
		FlushInterval time.Duration `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
	} `yaml:"wal" envPrefix:"WAL_"`

	Snapshot struct {
		Path     string        `yaml:"path" env:"PATH"`
		Interval time.Duration `yaml:"interval" env:"INTERVAL"`
	} `yaml:"snapshot" envPrefix:"SNAPSHOT_"`

	Reaper struct {
		Interval time.Duration `yaml:"interval" env:"INTERVAL"`
	} `yaml:"reaper" envPrefix:"REAPER_"`

	HTTP struct {
		Addr string `yaml:"addr" env:"ADDR"`
	} `yaml:"http" envPrefix:"HTTP_"`

	GRPC struct {
		Addr       string `yaml:"addr" env:"ADDR"`               // master 監聽位址
		MasterAddr string `yaml:"master_addr" env:"MASTER_ADDR"` // worker / CLI 連線目標
	} `yaml:"grpc" envPrefix:"GRPC_"`

	Metrics struct {
		Enabled bool   `yaml:"enabled" env:"ENABLED"`
		Addr    string `yaml:"addr" env:"ADDR"`
	} `yaml:"metrics" envPrefix:"METRICS_"`

	Delivery struct {
		Kind                   string        `yaml:"kind" env:"KIND"`
		SimulatedMaxLatency    time.Duration `yaml:"simulated_max_latency" env:"SIMULATED_MAX_LATENCY"`
		SimulatedTransientRate float64       `yaml:"simulated_transient_rate" env:"SIMULATED_TRANSIENT_RATE"`
		SimulatedPermanentRate float64       `yaml:"simulated_permanent_rate" env:"SIMULATED_PERMANENT_RATE"`
	} `yaml:"delivery" envPrefix:"DELIVERY_"`

	SMTP struct {
		Host        string        `yaml:"host" env:"HOST"`
		Port        int           `yaml:"port" env:"PORT"`
		Username    string        `yaml:"username" env:"USERNAME"`
		Password    string        `yaml:"password" env:"PASSWORD"`
		From        string        `yaml:"from" env:"FROM"`
		Subject     string        `yaml:"subject" env:"SUBJECT"`
		ImplicitTLS bool          `yaml:"implicit_tls" env:"IMPLICIT_TLS"`
		DialTimeout time.Duration `yaml:"dial_timeout" env:"DIAL_TIMEOUT"`
	} `yaml:"smtp" envPrefix:"SMTP_"`

	Webhook struct {
		Method      string            `yaml:"method" env:"METHOD"`
		ContentType string            `yaml:"content_type" env:"CONTENT_TYPE"`
		Headers     map[string]string `yaml:"headers" env:"HEADERS"`
		Timeout     time.Duration     `yaml:"timeout" env:"TIMEOUT"`
	} `yaml:"webhook" envPrefix:"WEBHOOK_"`

	Log logging.Config `yaml:"log" envPrefix:"LOG_"`
}

// emailCredentials 沿用舊服務的環境變數名稱，不加前綴
type emailCredentials struct {
	User     string `env:"EMAIL_HOST_USER"`
	Password string `env:"EMAIL_HOST_PASSWORD"`
}

// Default 回傳內建預設值
func Default() *Config {
	cfg := &Config{NodeID: "node-1", Mode: ModeStandalone}

	cfg.Broker.Backend = BackendMemory
	cfg.Broker.DefaultMaxAttempts = 3
	cfg.Broker.RedisAddr = "localhost:6379"
	cfg.Broker.RedisPrefix = "mailq"
	cfg.Broker.MigrationsDir = "migrations"

	cfg.Worker.Count = 4
	cfg.Worker.VisibilityTimeout = 30 * time.Second
	cfg.Worker.PollInterval = 500 * time.Millisecond

	cfg.Retry.BaseDelay = 5 * time.Second
	cfg.Retry.MaxDelay = 10 * time.Minute

	cfg.WAL.Path = "data/wal/mailq.wal"
	cfg.WAL.SyncOnAppend = true
	cfg.WAL.BufferSize = 1000
	cfg.WAL.FlushInterval = time.Second

	cfg.Snapshot.Path = "data/snapshot/mailq.snapshot.json"
	cfg.Snapshot.Interval = time.Minute

	cfg.Reaper.Interval = 5 * time.Second

	cfg.HTTP.Addr = ":8000"
	cfg.GRPC.Addr = ":9000"
	cfg.GRPC.MasterAddr = "localhost:9000"

	cfg.Metrics.Enabled = true
	cfg.Metrics.Addr = ":9090"

	cfg.Delivery.Kind = DeliverySMTP
	cfg.Delivery.SimulatedMaxLatency = 100 * time.Millisecond

	cfg.SMTP.Host = "smtp.gmail.com"
	cfg.SMTP.Port = 465
	cfg.SMTP.ImplicitTLS = true
	cfg.SMTP.Subject = delivery.DefaultSubject
	cfg.SMTP.DialTimeout = 10 * time.Second

	cfg.Webhook.Timeout = 10 * time.Second

	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return cfg
}

// Load 讀取設定檔並套用環境變數。path 為空或檔案不存在時只使用預設值。
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config YAML: %w", err)
			}
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	var creds emailCredentials
	if err := env.Parse(&creds); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if creds.User != "" {
		cfg.SMTP.Username = creds.User
	}
	if creds.Password != "" {
		cfg.SMTP.Password = creds.Password
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 檢查設定是否一致
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.NodeID != "", "node_id must not be empty")
	check(c.Mode == ModeStandalone || c.Mode == ModeMaster || c.Mode == ModeWorker,
		"mode must be one of standalone, master, worker (got %q)", c.Mode)

	switch c.Broker.Backend {
	case BackendMemory:
		check(c.WAL.Path != "", "wal.path is required for the memory backend")
		check(c.Snapshot.Path != "", "snapshot.path is required for the memory backend")
	case BackendRedis:
		check(c.Broker.RedisAddr != "", "broker.redis_addr is required for the redis backend")
	case BackendPostgres:
		check(c.Broker.PostgresDSN != "", "broker.postgres_dsn is required for the postgres backend")
	default:
		errs = append(errs, fmt.Errorf("broker.backend must be one of memory, redis, postgres (got %q)", c.Broker.Backend))
	}
	check(c.Broker.DefaultMaxAttempts > 0, "broker.default_max_attempts must be positive")

	if c.Mode != ModeMaster {
		check(c.Worker.Count > 0, "worker.count must be positive")
	}
	check(c.Worker.VisibilityTimeout > 0, "worker.visibility_timeout must be positive")
	check(c.Worker.PollInterval > 0, "worker.poll_interval must be positive")
	check(c.Worker.HeartbeatInterval == 0 || c.Worker.HeartbeatInterval < c.Worker.VisibilityTimeout,
		"worker.heartbeat_interval must be shorter than worker.visibility_timeout")

	check(c.Retry.BaseDelay > 0, "retry.base_delay must be positive")
	check(c.Retry.MaxDelay == 0 || c.Retry.MaxDelay >= c.Retry.BaseDelay,
		"retry.max_delay must be zero or at least retry.base_delay")
	check(c.Retry.Jitter >= 0 && c.Retry.Jitter <= 1, "retry.jitter must be within [0, 1]")

	check(c.Snapshot.Interval >= 0, "snapshot.interval must not be negative")
	check(c.Reaper.Interval > 0, "reaper.interval must be positive")

	if c.Mode == ModeWorker {
		check(c.GRPC.MasterAddr != "", "grpc.master_addr is required in worker mode")
	} else {
		check(c.HTTP.Addr != "", "http.addr must not be empty")
	}
	if c.Mode == ModeMaster {
		check(c.GRPC.Addr != "", "grpc.addr is required in master mode")
	}
	if c.Metrics.Enabled {
		check(c.Metrics.Addr != "", "metrics.addr is required when metrics are enabled")
	}

	switch c.Delivery.Kind {
	case DeliverySMTP:
		check(c.SMTP.Host != "", "smtp.host is required for smtp delivery")
	case DeliveryWebhook:
	case DeliverySimulated:
		check(c.Delivery.SimulatedTransientRate >= 0 && c.Delivery.SimulatedTransientRate <= 1,
			"delivery.simulated_transient_rate must be within [0, 1]")
		check(c.Delivery.SimulatedPermanentRate >= 0 && c.Delivery.SimulatedPermanentRate <= 1,
			"delivery.simulated_permanent_rate must be within [0, 1]")
	default:
		errs = append(errs, fmt.Errorf("delivery.kind must be one of smtp, webhook, simulated (got %q)", c.Delivery.Kind))
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// RetryPolicy 依設定建立退避策略
func (c *Config) RetryPolicy() *retry.Policy {
	return retry.NewPolicy(c.Retry.BaseDelay, c.Retry.MaxDelay, c.Retry.Jitter)
}

// DeliveryClient 依 delivery.kind 建立投遞客戶端
func (c *Config) DeliveryClient() (delivery.Client, error) {
	switch c.Delivery.Kind {
	case DeliverySMTP:
		return delivery.NewSMTPClient(delivery.SMTPConfig{
			Host:        c.SMTP.Host,
			Port:        c.SMTP.Port,
			Username:    c.SMTP.Username,
			Password:    c.SMTP.Password,
			From:        c.SMTP.From,
			Subject:     c.SMTP.Subject,
			ImplicitTLS: c.SMTP.ImplicitTLS,
			DialTimeout: c.SMTP.DialTimeout,
		}), nil
	case DeliveryWebhook:
		return delivery.NewWebhookClient(delivery.WebhookConfig{
			Method:      c.Webhook.Method,
			ContentType: c.Webhook.ContentType,
			Headers:     c.Webhook.Headers,
			Timeout:     c.Webhook.Timeout,
		}), nil
	case DeliverySimulated:
		return delivery.NewSimulatedClient(
			c.Delivery.SimulatedMaxLatency,
			c.Delivery.SimulatedTransientRate,
			c.Delivery.SimulatedPermanentRate,
		), nil
	default:
		return nil, fmt.Errorf("unknown delivery kind %q", c.Delivery.Kind)
	}
}
