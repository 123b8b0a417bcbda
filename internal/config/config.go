package config

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/roastradar/catalog-sync/internal/model"
)

// Config holds the full application configuration.
type Config struct {
	Store        StoreConfig        `yaml:"store" mapstructure:"store"`
	Archive      ArchiveConfig      `yaml:"archive" mapstructure:"archive"`
	Fetch        FetchConfig        `yaml:"fetch" mapstructure:"fetch"`
	Inference    InferenceConfig    `yaml:"inference" mapstructure:"inference"`
	CDN          CDNConfig          `yaml:"cdn" mapstructure:"cdn"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" mapstructure:"orchestrator"`
	Monitoring   MonitoringConfig   `yaml:"monitoring" mapstructure:"monitoring"`
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
	SourcesFile  string             `yaml:"sources_file" mapstructure:"sources_file"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // "postgres" or "sqlite"
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ArchiveConfig configures raw payload archival.
type ArchiveConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// FetchConfig configures the fetcher pool.
type FetchConfig struct {
	UserAgent        string `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs      int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries       int    `yaml:"max_retries" mapstructure:"max_retries"`
	PageSize         int    `yaml:"page_size" mapstructure:"page_size"`
	MaxBodyBytes     int64  `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
	BaseDelayMillis  int    `yaml:"base_delay_millis" mapstructure:"base_delay_millis"`
	PermanentFailCap int    `yaml:"permanent_fail_cap" mapstructure:"permanent_fail_cap"`
}

// InferenceConfig configures the fallback inference service.
type InferenceConfig struct {
	Key                 string  `yaml:"key" mapstructure:"key"`
	Model               string  `yaml:"model" mapstructure:"model"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold" mapstructure:"confidence_threshold"`
	RequestsPerMinute   int     `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// CDNConfig configures the image upload target.
type CDNConfig struct {
	UploadURL string `yaml:"upload_url" mapstructure:"upload_url"`
	Key       string `yaml:"key" mapstructure:"key"`
}

// OrchestratorConfig configures workers and queues.
type OrchestratorConfig struct {
	Workers            int `yaml:"workers" mapstructure:"workers"`
	QueueDepth         int `yaml:"queue_depth" mapstructure:"queue_depth"`
	SourceConcurrency  int `yaml:"source_concurrency" mapstructure:"source_concurrency"`
	WriteBackoffSecs   int `yaml:"write_backoff_secs" mapstructure:"write_backoff_secs"`
	MaxWriteBreakTrips int `yaml:"max_write_break_trips" mapstructure:"max_write_break_trips"`
}

// MonitoringConfig configures stats collection and alerting.
type MonitoringConfig struct {
	WebhookURL         string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateAlert   float64 `yaml:"failure_rate_alert" mapstructure:"failure_rate_alert"`
	ReviewDepthAlert   int     `yaml:"review_depth_alert" mapstructure:"review_depth_alert"`
	PriceDeltaAlertPct float64 `yaml:"price_delta_alert_pct" mapstructure:"price_delta_alert_pct"`
	LookbackHours      int     `yaml:"lookback_hours" mapstructure:"lookback_hours"`
}

// ServerConfig configures the stats HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CATALOG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("archive.dir", "archive")
	v.SetDefault("fetch.user_agent", "catalog-sync/1.0 (+https://roastradar.io/bot)")
	v.SetDefault("fetch.timeout_secs", 30)
	v.SetDefault("fetch.max_retries", 5)
	v.SetDefault("fetch.page_size", 250)
	v.SetDefault("fetch.max_body_bytes", 10*1024*1024)
	v.SetDefault("fetch.base_delay_millis", 1500)
	v.SetDefault("fetch.permanent_fail_cap", 3)
	v.SetDefault("inference.model", "claude-haiku-4-5-20251001")
	v.SetDefault("inference.confidence_threshold", 0.70)
	v.SetDefault("inference.requests_per_minute", 30)
	v.SetDefault("orchestrator.workers", 4)
	v.SetDefault("orchestrator.queue_depth", 64)
	v.SetDefault("orchestrator.source_concurrency", 3)
	v.SetDefault("orchestrator.write_backoff_secs", 10)
	v.SetDefault("orchestrator.max_write_break_trips", 3)
	v.SetDefault("monitoring.failure_rate_alert", 0.25)
	v.SetDefault("monitoring.review_depth_alert", 50)
	v.SetDefault("monitoring.price_delta_alert_pct", 0.30)
	v.SetDefault("monitoring.lookback_hours", 24)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("sources_file", "sources.yaml")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// LoadSources reads the operator-edited source catalog.
func LoadSources(path string) ([]model.Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "config: read sources file %s", path)
	}

	var doc struct {
		Sources []model.Source `yaml:"sources"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrapf(err, "config: parse sources file %s", path)
	}

	seen := make(map[string]bool, len(doc.Sources))
	for i := range doc.Sources {
		s := &doc.Sources[i]
		if s.Domain == "" {
			return nil, eris.Errorf("config: source %d has no domain", i)
		}
		if seen[s.Domain] {
			return nil, eris.Errorf("config: duplicate source domain %s", s.Domain)
		}
		seen[s.Domain] = true
		s.Platform = model.ParsePlatformKind(string(s.Platform))
	}

	return doc.Sources, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
