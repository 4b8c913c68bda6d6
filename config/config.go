package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigPath  = "config/config.yml"
	DefaultMarketsPath = "config/markets.yml"
)

type Config struct {
	Dexflow   DexflowConfig   `yaml:"dexflow"`
	Source    SourceConfig    `yaml:"source"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Router    RouterConfig    `yaml:"router"`
	Candles   CandlesConfig   `yaml:"candles"`
	Orderbook OrderbookConfig `yaml:"orderbook"`
	Storage   StorageConfig   `yaml:"storage"`
	Publisher PublisherConfig `yaml:"publisher"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type DexflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type SourceConfig struct {
	WSURL          string          `yaml:"ws_url"`
	RPCURL         string          `yaml:"rpc_url"`
	Commitment     string          `yaml:"commitment"`
	ResolveMarkets bool            `yaml:"resolve_markets"`
	SeedOrderbooks bool            `yaml:"seed_orderbooks"`
	RPCTimeout     time.Duration   `yaml:"rpc_timeout"`
	KeepAlive      time.Duration   `yaml:"keep_alive"`
	ReadTimeout    time.Duration   `yaml:"read_timeout"`
	Reconnect      RetryConfig     `yaml:"reconnect"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
}

type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type ChannelsConfig struct {
	UpdateBuffer int `yaml:"update_buffer"`
}

type RouterConfig struct {
	InboxSize    int           `yaml:"inbox_size"`
	DrainTimeout time.Duration `yaml:"drain_timeout"`
	MakerOnly    bool          `yaml:"maker_only"`
	RecentTrades int           `yaml:"recent_trades"`
}

type CandlesConfig struct {
	Timeframes []string `yaml:"timeframes"`
}

type OrderbookConfig struct {
	Depth int `yaml:"depth"`
}

type StorageConfig struct {
	Driver  string        `yaml:"driver"`
	DSN     string        `yaml:"dsn"`
	Retry   RetryConfig   `yaml:"retry"`
	Archive ArchiveConfig `yaml:"archive"`
}

type ArchiveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Prefix        string        `yaml:"prefix"`
	MaxBuffer     int           `yaml:"max_buffer"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	UploadWorkers int           `yaml:"upload_workers"`
	Compression   string        `yaml:"compression"`
	S3            S3Config      `yaml:"s3"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type PublisherConfig struct {
	Driver string      `yaml:"driver"`
	Kafka  KafkaConfig `yaml:"kafka"`
	Retry  RetryConfig `yaml:"retry"`
}

type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	Compression  string        `yaml:"compression"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type MetricsConfig struct {
	ChannelSize         bool             `yaml:"channel_size"`
	ChannelSizeInterval time.Duration    `yaml:"channel_size_interval"`
	CloudWatch          CloudWatchConfig `yaml:"cloudwatch"`
	Prometheus          PrometheusConfig `yaml:"prometheus"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

type PrometheusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type LoggingConfig struct {
	Level          string        `yaml:"level"`
	Format         string        `yaml:"format"`
	Output         string        `yaml:"output"`
	MaxAge         int           `yaml:"max_age"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

// Storage and publisher drivers.
const (
	DriverNone     = "none"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverKafka    = "kafka"
	DriverLog      = "log"
)

func defaults() Config {
	return Config{
		Source: SourceConfig{
			Commitment:  "confirmed",
			RPCTimeout:  10 * time.Second,
			KeepAlive:   20 * time.Second,
			ReadTimeout: 60 * time.Second,
			Reconnect: RetryConfig{
				BaseDelay:         500 * time.Millisecond,
				MaxDelay:          30 * time.Second,
				BackoffMultiplier: 2,
			},
			RateLimit: RateLimitConfig{RequestsPerSecond: 20, BurstSize: 5},
		},
		Channels: ChannelsConfig{UpdateBuffer: 4096},
		Router: RouterConfig{
			InboxSize:    256,
			DrainTimeout: 5 * time.Second,
			MakerOnly:    true,
			RecentTrades: 100,
		},
		Orderbook: OrderbookConfig{Depth: 20},
		Storage: StorageConfig{
			Driver: DriverNone,
			Retry:  RetryConfig{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second, BackoffMultiplier: 2},
			Archive: ArchiveConfig{
				Prefix:        "dexflow",
				MaxBuffer:     1000,
				FlushInterval: time.Minute,
				UploadWorkers: 2,
				Compression:   "snappy",
			},
		},
		Publisher: PublisherConfig{
			Driver: DriverLog,
			Retry:  RetryConfig{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second, BackoffMultiplier: 2},
			Kafka:  KafkaConfig{BatchTimeout: 10 * time.Millisecond, WriteTimeout: 10 * time.Second},
		},
		Metrics: MetricsConfig{
			ChannelSize:         true,
			ChannelSizeInterval: 10 * time.Second,
			Prometheus:          PrometheusConfig{Addr: "0.0.0.0:2112"},
		},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout", ReportInterval: 30 * time.Second},
	}
}

func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, DefaultConfigPath, envConfigPaths())

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaults()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(config *Config) {
	if v := os.Getenv("DEXFLOW_WS_URL"); v != "" {
		config.Source.WSURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("DEXFLOW_RPC_URL"); v != "" {
		config.Source.RPCURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		config.Storage.DSN = strings.TrimSpace(v)
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		brokers := make([]string, 0)
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		config.Publisher.Kafka.Brokers = brokers
	}

	if config.Storage.Archive.Enabled {
		s3 := &config.Storage.Archive.S3
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			s3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			s3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			s3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			s3.Bucket = strings.TrimSpace(v)
		}
		s3.Bucket = strings.TrimSpace(s3.Bucket)
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Dexflow.Name == "" {
		return fmt.Errorf("dexflow.name is required")
	}
	if cfg.Dexflow.Version == "" {
		return fmt.Errorf("dexflow.version is required")
	}

	if cfg.Source.WSURL == "" {
		return fmt.Errorf("source.ws_url is required")
	}
	if (cfg.Source.ResolveMarkets || cfg.Source.SeedOrderbooks) && cfg.Source.RPCURL == "" {
		return fmt.Errorf("source.rpc_url is required when resolve_markets or seed_orderbooks is set")
	}
	switch cfg.Source.Commitment {
	case "processed", "confirmed", "finalized":
	default:
		return fmt.Errorf("source.commitment '%s' is invalid", cfg.Source.Commitment)
	}
	if cfg.Source.Reconnect.MaxDelay < cfg.Source.Reconnect.BaseDelay {
		return fmt.Errorf("source.reconnect.max_delay must not be below base_delay")
	}

	if cfg.Channels.UpdateBuffer <= 0 {
		return fmt.Errorf("channels.update_buffer must be greater than 0")
	}
	if cfg.Router.InboxSize <= 0 {
		return fmt.Errorf("router.inbox_size must be greater than 0")
	}
	if cfg.Orderbook.Depth < 0 {
		return fmt.Errorf("orderbook.depth must not be negative")
	}

	switch cfg.Storage.Driver {
	case DriverNone:
	case DriverPostgres, DriverSQLite:
		if cfg.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for driver '%s'", cfg.Storage.Driver)
		}
	default:
		return fmt.Errorf("storage.driver '%s' is invalid", cfg.Storage.Driver)
	}
	if IsProductionLike(AppEnvironment()) && cfg.Storage.Driver == DriverNone && !cfg.Storage.Archive.Enabled {
		return fmt.Errorf("storage.driver is required in %s", AppEnvironment())
	}

	if a := cfg.Storage.Archive; a.Enabled {
		if a.S3.Bucket == "" {
			return fmt.Errorf("storage.archive.s3.bucket is required when the archive is enabled")
		}
		if a.S3.Region == "" {
			return fmt.Errorf("storage.archive.s3.region is required when the archive is enabled")
		}
		if !isValidS3Bucket(a.S3.Bucket) {
			return fmt.Errorf("storage.archive.s3.bucket '%s' is invalid", a.S3.Bucket)
		}
		if a.FlushInterval <= 0 {
			return fmt.Errorf("storage.archive.flush_interval must be greater than 0")
		}
	}

	switch cfg.Publisher.Driver {
	case DriverNone, DriverLog:
	case DriverKafka:
		if len(cfg.Publisher.Kafka.Brokers) == 0 {
			return fmt.Errorf("publisher.kafka.brokers is required for the kafka driver")
		}
		if cfg.Publisher.Kafka.Topic == "" {
			return fmt.Errorf("publisher.kafka.topic is required for the kafka driver")
		}
	default:
		return fmt.Errorf("publisher.driver '%s' is invalid", cfg.Publisher.Driver)
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
