package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Tickflow   AppConfig        `yaml:"tickflow"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Collector  CollectorConfig  `yaml:"collector"`
	Cleaner    CleanerConfig    `yaml:"cleaner"`
	Anomaly    AnomalyConfig    `yaml:"anomaly"`
	Sources    []SourceConfig   `yaml:"sources"`
	Storage    StorageConfig    `yaml:"storage"`
	Dashboard  DashboardConfig  `yaml:"dashboard"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type DispatcherConfig struct {
	// CycleInterval is the period of the aggregation cycle. A new cycle
	// never starts collecting before the previous cycle's downstream
	// handler has returned.
	CycleInterval time.Duration `yaml:"cycle_interval"`
	// MaxBatch bounds how many raw records are drained from one source
	// per cycle.
	MaxBatch int `yaml:"max_batch"`
	// CloseTimeout bounds how long shutdown waits for each source to
	// release its session before reporting a partial shutdown.
	CloseTimeout time.Duration `yaml:"close_timeout"`
}

type CollectorConfig struct {
	ConnectTimeout   time.Duration  `yaml:"connect_timeout"`
	LoginTimeout     time.Duration  `yaml:"login_timeout"`
	SubscribeTimeout time.Duration  `yaml:"subscribe_timeout"`
	QueueSize        int            `yaml:"queue_size"`
	OverflowPolicy   string         `yaml:"overflow_policy"` // drop_oldest or reject_new
	SubscribesPerSec float64        `yaml:"subscribes_per_sec"`
	Retry            RetryConfig    `yaml:"retry"`
}

type RetryConfig struct {
	// MaxAttempts of zero retries forever.
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Factor      float64       `yaml:"factor"`
}

type CleanerConfig struct {
	// RegressionTolerance is how far behind a contract's high-watermark
	// a tick timestamp may fall and still be accepted as late arrival.
	RegressionTolerance time.Duration `yaml:"regression_tolerance"`
}

type AnomalyConfig struct {
	// Detectors lists registered detector names to enable. An unknown
	// name is a configuration programming error and panics at startup.
	Detectors     []string `yaml:"detectors"`
	JumpThreshold float64  `yaml:"jump_threshold"`
}

type SourceConfig struct {
	// Tag identifies which vendor gateway produced a record; parsers
	// are registered under the same tag.
	Tag     string `yaml:"tag"`
	Kind    string `yaml:"kind"` // adapter kind: zyfeed, replay
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	// RecordKind is the wire layout this feed carries when the frame
	// size alone is ambiguous (e.g. dce_l1 vs czce_l1).
	RecordKind string            `yaml:"record_kind"`
	Contracts  []string          `yaml:"contracts"`
	Credential CredentialConfig  `yaml:"credential"`
	Replay     ReplayConfig      `yaml:"replay"`
}

type CredentialConfig struct {
	BrokerID string `yaml:"broker_id"`
	UserID   string `yaml:"user_id"`
	Password string `yaml:"password"`
}

type ReplayConfig struct {
	Path     string        `yaml:"path"`
	Interval time.Duration `yaml:"interval"`
	Loop     bool          `yaml:"loop"`
}

type StorageConfig struct {
	CSV     CSVConfig     `yaml:"csv"`
	Parquet ParquetConfig `yaml:"parquet"`
	S3      S3Config      `yaml:"s3"`
	Kafka   KafkaConfig   `yaml:"kafka"`
}

type CSVConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BasePath string `yaml:"base_path"`
}

type ParquetConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Dir           string        `yaml:"dir"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	FlushRows     int           `yaml:"flush_rows"`
	Compression   string        `yaml:"compression"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	Buffer  int      `yaml:"buffer"`
}

type DashboardConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type LoggingConfig struct {
	Level      string           `yaml:"level"`
	Format     string           `yaml:"format"`
	Output     string           `yaml:"output"`
	MaxAge     int              `yaml:"max_age"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override S3 settings from environment variables if available
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func defaultConfig() *Config {
	return &Config{
		Dispatcher: DispatcherConfig{
			CycleInterval: 10 * time.Millisecond,
			MaxBatch:      1000,
			CloseTimeout:  5 * time.Second,
		},
		Collector: CollectorConfig{
			ConnectTimeout:   10 * time.Second,
			LoginTimeout:     10 * time.Second,
			SubscribeTimeout: 10 * time.Second,
			QueueSize:        4096,
			OverflowPolicy:   "drop_oldest",
			SubscribesPerSec: 50,
			Retry: RetryConfig{
				BaseDelay: time.Second,
				MaxDelay:  time.Minute,
				Factor:    2,
			},
		},
		Cleaner: CleanerConfig{
			RegressionTolerance: 500 * time.Millisecond,
		},
		Anomaly: AnomalyConfig{
			Detectors:     []string{"jump", "time_order"},
			JumpThreshold: 0.05,
		},
		Storage: StorageConfig{
			CSV: CSVConfig{
				Enabled:  true,
				BasePath: "data/market_data",
			},
			Parquet: ParquetConfig{
				Dir:           "data/parquet",
				FlushInterval: 30 * time.Second,
				FlushRows:     5000,
				Compression:   "snappy",
			},
			Kafka: KafkaConfig{Buffer: 1024},
		},
		Dashboard: DashboardConfig{Address: ":8080"},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Validate rejects configurations that would make the pipeline
// unrunnable. Per-source problems disable the source rather than fail
// the whole process, matching how runtime failures are handled.
func (c *Config) Validate() error {
	if c.Dispatcher.CycleInterval <= 0 {
		return fmt.Errorf("dispatcher.cycle_interval must be positive")
	}
	if c.Dispatcher.MaxBatch <= 0 {
		return fmt.Errorf("dispatcher.max_batch must be positive")
	}
	switch c.Collector.OverflowPolicy {
	case "drop_oldest", "reject_new":
	default:
		return fmt.Errorf("collector.overflow_policy must be drop_oldest or reject_new, got %q", c.Collector.OverflowPolicy)
	}
	if c.Cleaner.RegressionTolerance < 0 {
		return fmt.Errorf("cleaner.regression_tolerance must not be negative")
	}
	if c.Anomaly.JumpThreshold < 0 {
		return fmt.Errorf("anomaly.jump_threshold must not be negative")
	}
	seen := make(map[string]struct{}, len(c.Sources))
	for _, src := range c.Sources {
		if src.Tag == "" {
			return fmt.Errorf("source with empty tag")
		}
		if _, dup := seen[src.Tag]; dup {
			return fmt.Errorf("duplicate source tag %q", src.Tag)
		}
		seen[src.Tag] = struct{}{}
	}
	return nil
}

// EnabledSources returns the sources the operator switched on.
func (c *Config) EnabledSources() []SourceConfig {
	out := make([]SourceConfig, 0, len(c.Sources))
	for _, src := range c.Sources {
		if src.Enabled {
			out = append(out, src)
		}
	}
	return out
}
