// Package config loads and validates collector configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	collyfetcher "github.com/JakeFAU/jobcollector/internal/fetcher/colly"
	"github.com/JakeFAU/jobcollector/internal/logging"
	"github.com/JakeFAU/jobcollector/internal/storage"
)

// EnvPrefix is prepended to every environment override, e.g.
// JOBCOLLECTOR_COLLECTOR_WORKERS.
const EnvPrefix = "JOBCOLLECTOR"

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Collector CollectorConfig `mapstructure:"collector"`
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
	Logging   logging.Config  `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Loader    LoaderConfig    `mapstructure:"loader"`
}

// CollectorConfig governs the worker pool and the output log.
type CollectorConfig struct {
	Workers      int           `mapstructure:"workers"`
	OutputPath   string        `mapstructure:"output_path"`
	SyncOnAppend bool          `mapstructure:"sync_on_append"`
	Terms        []string      `mapstructure:"terms"`
	DelayMin     time.Duration `mapstructure:"delay_min"`
	DelayMax     time.Duration `mapstructure:"delay_max"`
}

// UpstreamConfig describes the search API request.
type UpstreamConfig struct {
	Endpoint      string        `mapstructure:"endpoint"`
	CityCode      string        `mapstructure:"city_code"`
	Order         int           `mapstructure:"order"`
	PageSize      int           `mapstructure:"page_size"`
	EventScenario string        `mapstructure:"event_scenario"`
	Anonymous     int           `mapstructure:"anonymous"`
	UserAgent     string        `mapstructure:"user_agent"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxRPS        float64       `mapstructure:"max_rps"`
	Burst         int           `mapstructure:"burst"`
}

// MetricsConfig controls the status server. An empty address disables it.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// ProgressConfig configures optional progress publishing. Term notifications
// go to Pub/Sub only when both fields are set.
type ProgressConfig struct {
	PubSubProject string `mapstructure:"pubsub_project"`
	PubSubTopic   string `mapstructure:"pubsub_topic"`
}

// ArchiveConfig selects where output log snapshots are copied.
type ArchiveConfig struct {
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// LoaderConfig controls loading the output log into a database.
type LoaderConfig struct {
	Driver    string `mapstructure:"driver"`
	DSN       string `mapstructure:"dsn"`
	Table     string `mapstructure:"table"`
	BatchSize int    `mapstructure:"batch_size"`
}

// Load builds a Config from disk/environment. With an empty path, a
// jobcollector.{yaml,json,toml} file is looked up in the working directory,
// /etc/jobcollector and $HOME/.jobcollector; finding none is not an error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("jobcollector")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/jobcollector")
		v.AddConfigPath("$HOME/.jobcollector")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("collector.workers", 5)
	v.SetDefault("collector.output_path", "data/jobs_data.jsonl")
	v.SetDefault("collector.sync_on_append", false)
	v.SetDefault("collector.terms", []string{})
	v.SetDefault("collector.delay_min", time.Second)
	v.SetDefault("collector.delay_max", 3*time.Second)
	v.SetDefault("upstream.endpoint", collyfetcher.DefaultEndpoint)
	v.SetDefault("upstream.city_code", collyfetcher.DefaultCityCode)
	v.SetDefault("upstream.order", collyfetcher.DefaultOrder)
	v.SetDefault("upstream.page_size", collyfetcher.DefaultPageSize)
	v.SetDefault("upstream.event_scenario", collyfetcher.DefaultEventScenario)
	v.SetDefault("upstream.anonymous", collyfetcher.DefaultAnonymous)
	v.SetDefault("upstream.user_agent", collyfetcher.DefaultUserAgent)
	v.SetDefault("upstream.timeout", collyfetcher.DefaultTimeout)
	v.SetDefault("upstream.max_rps", 0)
	v.SetDefault("upstream.burst", 1)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("logging.output_paths", []string{"stderr"})
	v.SetDefault("metrics.listen_addr", "")
	v.SetDefault("progress.pubsub_project", "")
	v.SetDefault("progress.pubsub_topic", "")
	v.SetDefault("archive.local_dir", "")
	v.SetDefault("archive.gcs_bucket", "")
	v.SetDefault("archive.prefix", "jobs")
	v.SetDefault("loader.driver", "sqlite")
	v.SetDefault("loader.dsn", "data/jobs.db")
	v.SetDefault("loader.table", storage.DefaultTable)
	v.SetDefault("loader.batch_size", 1000)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Collector.Workers <= 0 {
		return fmt.Errorf("collector.workers must be > 0")
	}
	if strings.TrimSpace(c.Collector.OutputPath) == "" {
		return fmt.Errorf("collector.output_path is required")
	}
	if c.Collector.DelayMin < 0 || c.Collector.DelayMax < 0 {
		return fmt.Errorf("collector delays must be >= 0")
	}
	if c.Collector.DelayMax < c.Collector.DelayMin {
		return fmt.Errorf("collector.delay_max must be >= collector.delay_min")
	}
	if c.Upstream.Endpoint == "" {
		return fmt.Errorf("upstream.endpoint is required")
	}
	if c.Upstream.PageSize <= 0 {
		return fmt.Errorf("upstream.page_size must be > 0")
	}
	if c.Upstream.Timeout <= 0 {
		return fmt.Errorf("upstream.timeout must be > 0")
	}
	if c.Upstream.MaxRPS < 0 {
		return fmt.Errorf("upstream.max_rps must be >= 0")
	}
	if (c.Progress.PubSubProject == "") != (c.Progress.PubSubTopic == "") {
		return fmt.Errorf("progress.pubsub_project and progress.pubsub_topic must be set together")
	}
	if c.Archive.LocalDir != "" && c.Archive.GCSBucket != "" {
		return fmt.Errorf("archive.local_dir and archive.gcs_bucket are mutually exclusive")
	}
	switch c.Loader.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("loader.driver must be postgres or sqlite, got %q", c.Loader.Driver)
	}
	if err := storage.ValidateTable(c.Loader.Table); err != nil {
		return fmt.Errorf("loader.table: %w", err)
	}
	if c.Loader.BatchSize <= 0 {
		return fmt.Errorf("loader.batch_size must be > 0")
	}
	return nil
}

// ArchiveEnabled reports whether an archive destination is configured.
func (c Config) ArchiveEnabled() bool {
	return c.Archive.LocalDir != "" || c.Archive.GCSBucket != ""
}

// FetcherConfig converts the upstream section into the fetcher's config.
func (c Config) FetcherConfig() collyfetcher.Config {
	anonymous := c.Upstream.Anonymous
	return collyfetcher.Config{
		Endpoint:      c.Upstream.Endpoint,
		CityCode:      c.Upstream.CityCode,
		Order:         c.Upstream.Order,
		PageSize:      c.Upstream.PageSize,
		EventScenario: c.Upstream.EventScenario,
		Anonymous:     &anonymous,
		UserAgent:     c.Upstream.UserAgent,
		Timeout:       c.Upstream.Timeout,
	}
}
