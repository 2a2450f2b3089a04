// Package config loads engine configuration from file, environment, and
// built-in defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full engine configuration.
type Config struct {
	// Region is the engine's home AWS region, where its own queues,
	// table, and log bucket live.
	Region string `mapstructure:"region"`
	// MockMode swaps real cloud clients and queues for in-memory ones.
	MockMode bool   `mapstructure:"mock"`
	LogLevel string `mapstructure:"log_level"`

	Store      StoreConfig      `mapstructure:"store"`
	Queues     QueueConfig      `mapstructure:"queues"`
	Inspection InspectionConfig `mapstructure:"inspection"`
	Inspector  InspectorConfig  `mapstructure:"inspector"`
	Rollup     RollupConfig     `mapstructure:"rollup"`
	Trail      TrailConfig      `mapstructure:"trail"`
	Images     ImageConfig      `mapstructure:"images"`
	Snapshots  SnapshotConfig   `mapstructure:"snapshots"`
	Sources    SourcesConfig    `mapstructure:"sources"`
	Workers    WorkerConfig     `mapstructure:"workers"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

type StoreConfig struct {
	Table string `mapstructure:"table"`
}

// QueueConfig names the engine's SQS queues. Empty URLs in mock mode are
// replaced by in-memory brokers.
type QueueConfig struct {
	EventsURL   string `mapstructure:"events_url"`
	InspectURL  string `mapstructure:"inspect_url"`
	VerdictsURL string `mapstructure:"verdicts_url"`
	LogsURL     string `mapstructure:"logs_url"`
	// ReceiveBatch caps messages per receive call.
	ReceiveBatch int `mapstructure:"receive_batch"`
	// MaxDeliveries is the dead-letter threshold.
	MaxDeliveries     int           `mapstructure:"max_deliveries"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
}

type InspectionConfig struct {
	MaxAttempts int `mapstructure:"max_attempts"`
	// MinAgeSeconds delays inspection of freshly discovered images so that
	// short lived build artifacts never launch an inspector.
	MinAgeSeconds int `mapstructure:"min_age_seconds"`
	// Resweep is the cadence of the pending-image sweep.
	Resweep time.Duration `mapstructure:"resweep"`
}

// MinAge is the minimum image age before inspection may start.
func (c InspectionConfig) MinAge() time.Duration {
	return time.Duration(c.MinAgeSeconds) * time.Second
}

// InspectorConfig describes the engine-account scan host.
type InspectorConfig struct {
	ScanHostAMI  string `mapstructure:"scan_host_ami"`
	ScanHostType string `mapstructure:"scan_host_type"`
	SubnetID     string `mapstructure:"subnet_id"`
}

type RollupConfig struct {
	DefaultTimeZone string `mapstructure:"default_timezone"`
	// Schedule is the cadence of the nightly recalculation.
	Schedule time.Duration `mapstructure:"schedule"`
	// Lookback is how many days behind today get recomputed.
	Lookback int `mapstructure:"lookback_days"`
}

type TrailConfig struct {
	Name string `mapstructure:"name"`
}

// ImageConfig carries the name tokens and owner accounts used to
// classify images without inspecting them.
type ImageConfig struct {
	MarketplaceTokens []string `mapstructure:"marketplace_tokens"`
	CloudAccessTokens []string `mapstructure:"cloud_access_tokens"`
	// RHELImageOwnerAccounts gates both token classifications: a name
	// token only counts on images owned by one of these accounts.
	RHELImageOwnerAccounts []string `mapstructure:"rhel_image_owner_accounts"`
}

// SnapshotConfig drives the periodic describe-all poller for clouds
// without an audit-log tail.
type SnapshotConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// SourcesConfig points at the enrollment service that receives account
// availability updates. An empty BaseURL disables posting.
type SourcesConfig struct {
	BaseURL    string `mapstructure:"base_url"`
	AuthHeader string `mapstructure:"auth_header"`
	AuthValue  string `mapstructure:"auth_value"`
}

type WorkerConfig struct {
	Start int `mapstructure:"start"`
	Min   int `mapstructure:"min"`
	Max   int `mapstructure:"max"`
}

type TelemetryConfig struct {
	// Endpoint is the OTLP HTTP collector; empty disables export.
	Endpoint string `mapstructure:"endpoint"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("region", "us-east-1")
	v.SetDefault("mock", false)
	v.SetDefault("log_level", "info")

	v.SetDefault("store.table", "cloudmeter")

	v.SetDefault("queues.receive_batch", 10)
	v.SetDefault("queues.max_deliveries", 5)
	v.SetDefault("queues.visibility_timeout", 2*time.Minute)

	v.SetDefault("inspection.max_attempts", 3)
	v.SetDefault("inspection.min_age_seconds", 3600)
	v.SetDefault("inspection.resweep", 15*time.Minute)

	v.SetDefault("inspector.scan_host_type", "t3.medium")

	v.SetDefault("rollup.default_timezone", "UTC")
	v.SetDefault("rollup.schedule", 24*time.Hour)
	v.SetDefault("rollup.lookback_days", 2)

	v.SetDefault("trail.name", "cloudmeter")

	v.SetDefault("snapshots.interval", time.Hour)

	v.SetDefault("images.marketplace_tokens", []string{"mp-", "marketplace", "hourly"})
	v.SetDefault("images.cloud_access_tokens", []string{"access"})
	// Red Hat's published owner accounts for gold and marketplace images.
	v.SetDefault("images.rhel_image_owner_accounts", []string{"309956199498", "679593333241"})

	v.SetDefault("workers.start", 4)
	v.SetDefault("workers.min", 1)
	v.SetDefault("workers.max", 32)
}

// Load reads configuration from the optional file path, the CLOUDMETER_*
// environment, and defaults, in that order of precedence.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CLOUDMETER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}
