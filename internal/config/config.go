// Package config loads the service configuration from YAML with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tejusbharadwaj/meterflow/internal/api"
	"github.com/tejusbharadwaj/meterflow/internal/loader"
	"github.com/tejusbharadwaj/meterflow/internal/models"
	"github.com/tejusbharadwaj/meterflow/internal/pipeline"
	"github.com/tejusbharadwaj/meterflow/internal/storage"
	"github.com/tejusbharadwaj/meterflow/internal/worker"
)

// ErrMalformedConfig is returned by Load and Validate for unusable
// configuration.
var ErrMalformedConfig = errors.New("malformed configuration")

// EnvPrefix prefixes environment overrides, e.g. METERFLOW_DATABASE_HOST.
const EnvPrefix = "METERFLOW"

const redacted = "******"

// Config holds all configuration for our application
type Config struct {
	Server     ServerConfig      `mapstructure:"server" yaml:"server"`
	Storage    StorageConfig     `mapstructure:"storage" yaml:"storage"`
	Database   DatabaseConfig    `mapstructure:"database" yaml:"database"`
	Logging    LoggingConfig     `mapstructure:"logging" yaml:"logging"`
	Pipeline   PipelineConfig    `mapstructure:"pipeline" yaml:"pipeline"`
	Loader     LoaderConfig      `mapstructure:"loader" yaml:"loader"`
	Connectors []ConnectorConfig `mapstructure:"connectors" yaml:"connectors"`
}

type ServerConfig struct {
	Port           int     `mapstructure:"port" yaml:"port"`
	Host           string  `mapstructure:"host" yaml:"host"`
	MetricsPort    int     `mapstructure:"metrics_port" yaml:"metrics_port"`
	RateLimit      float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst" yaml:"rate_limit_burst"`
}

type StorageConfig struct {
	// Driver is minio or memory.
	Driver string              `mapstructure:"driver" yaml:"driver"`
	Minio  storage.MinioConfig `mapstructure:"minio" yaml:"minio"`
}

type DatabaseConfig struct {
	Host              string `mapstructure:"host" yaml:"host"`
	Port              int    `mapstructure:"port" yaml:"port"`
	Name              string `mapstructure:"name" yaml:"name"`
	User              string `mapstructure:"user" yaml:"user"`
	Password          string `mapstructure:"password" yaml:"password"`
	SSLMode           string `mapstructure:"ssl_mode" yaml:"ssl_mode"`
	MaxConnections    int    `mapstructure:"max_connections" yaml:"max_connections"`
	ConnectionTimeout int    `mapstructure:"connection_timeout" yaml:"connection_timeout"`
}

// ConnString is the lib/pq connection string.
func (d DatabaseConfig) ConnString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s connect_timeout=%d",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode, d.ConnectionTimeout,
	)
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// RoleConfig sizes one worker population.
type RoleConfig struct {
	Replicas     int           `mapstructure:"replicas" yaml:"replicas"`
	MaxIdleRuns  int           `mapstructure:"max_idle_runs" yaml:"max_idle_runs"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
}

func (r RoleConfig) role(name string) pipeline.Role {
	return pipeline.Role{
		Replicas: r.Replicas,
		Loop:     worker.LoopConfig{Name: name, MaxIdleRuns: r.MaxIdleRuns, PollInterval: r.PollInterval},
	}
}

type PipelineConfig struct {
	PoolSize      int                `mapstructure:"pool_size" yaml:"pool_size"`
	ChunkSize     int                `mapstructure:"chunk_size" yaml:"chunk_size"`
	QueueCapacity int                `mapstructure:"queue_capacity" yaml:"queue_capacity"`
	CacheSize     int                `mapstructure:"cache_size" yaml:"cache_size"`
	CacheTTL      time.Duration      `mapstructure:"cache_ttl" yaml:"cache_ttl"`
	RunTimeout    time.Duration      `mapstructure:"run_timeout" yaml:"run_timeout"`
	Retry         worker.RetryPolicy `mapstructure:"retry" yaml:"retry"`
	Gaps          RoleConfig         `mapstructure:"gaps" yaml:"gaps"`
	Fetch         RoleConfig         `mapstructure:"fetch" yaml:"fetch"`
	Standardize   RoleConfig         `mapstructure:"standardize" yaml:"standardize"`
	Save          RoleConfig         `mapstructure:"save" yaml:"save"`
}

type LoaderConfig struct {
	Enabled  bool               `mapstructure:"enabled" yaml:"enabled"`
	Schedule string             `mapstructure:"schedule" yaml:"schedule"`
	RowLimit int                `mapstructure:"row_limit" yaml:"row_limit"`
	Workers  int                `mapstructure:"workers" yaml:"workers"`
	Retry    worker.RetryPolicy `mapstructure:"retry" yaml:"retry"`
	Idle     RoleConfig         `mapstructure:"idle" yaml:"idle"`
}

// Settings converts the loader section.
func (l LoaderConfig) Settings() loader.Config {
	return loader.Config{
		RowLimit: l.RowLimit,
		Workers:  l.Workers,
		Loop:     worker.LoopConfig{Name: "load", MaxIdleRuns: l.Idle.MaxIdleRuns, PollInterval: l.Idle.PollInterval},
		Retry:    l.Retry,
	}
}

type ConnectorConfig struct {
	Name          string                   `mapstructure:"name" yaml:"name"`
	Schedule      string                   `mapstructure:"schedule" yaml:"schedule"`
	Timezone      string                   `mapstructure:"timezone" yaml:"timezone"`
	ParticipantID int64                    `mapstructure:"participant_id" yaml:"participant_id"`
	GapWindow     int                      `mapstructure:"gap_window" yaml:"gap_window"`
	CreatedBy     string                   `mapstructure:"created_by" yaml:"created_by,omitempty"`
	API           api.Config               `mapstructure:"api" yaml:"api"`
	Raw           models.StorageInfo       `mapstructure:"raw" yaml:"raw"`
	Meters        []models.MeterDescriptor `mapstructure:"meters" yaml:"meters"`
}

// Location resolves the connector timezone; empty means UTC.
func (c ConnectorConfig) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Timezone)
}

// Settings builds the pipeline settings of connector c.
func (p PipelineConfig) Settings(c ConnectorConfig) (pipeline.Settings, error) {
	loc, err := c.Location()
	if err != nil {
		return pipeline.Settings{}, fmt.Errorf("%w: connector %s: %w", ErrMalformedConfig, c.Name, err)
	}
	return pipeline.Settings{
		Name:          c.Name,
		ParticipantID: c.ParticipantID,
		Location:      loc,
		GapWindow:     c.GapWindow,
		Meters:        c.Meters,
		Raw:           c.Raw,
		ChunkSize:     p.ChunkSize,
		QueueCapacity: p.QueueCapacity,
		Retry:         p.Retry,
		Gaps:          p.Gaps.role("gaps"),
		Fetch:         p.Fetch.role("fetch"),
		Standardize:   p.Standardize.role("standardize"),
		Save:          p.Save.role("save"),
	}, nil
}

// MeterLocations lists the canonical location of every configured meter,
// without duplicates.
func (c *Config) MeterLocations() []models.StorageInfo {
	seen := map[string]bool{}
	var out []models.StorageInfo
	for _, conn := range c.Connectors {
		for _, m := range conn.Meters {
			if seen[m.Standardized.String()] {
				continue
			}
			seen[m.Standardized.String()] = true
			out = append(out, m.Standardized)
		}
	}
	return out
}

// Load reads configuration from file and environment variables
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadConfig(strings.NewReader(expanded)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedConfig, err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedConfig, err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 50051)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.rate_limit", 5.0)
	v.SetDefault("server.rate_limit_burst", 10)

	v.SetDefault("storage.driver", "minio")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_connections", 10)
	v.SetDefault("database.connection_timeout", 5)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("pipeline.pool_size", worker.DefaultPoolSize)
	v.SetDefault("pipeline.chunk_size", 500)
	v.SetDefault("pipeline.queue_capacity", 0)
	v.SetDefault("pipeline.cache_size", 1024)
	v.SetDefault("pipeline.cache_ttl", "30m")
	v.SetDefault("pipeline.run_timeout", "50m")
	v.SetDefault("pipeline.retry.max_attempts", worker.DefaultMaxAttempts)
	v.SetDefault("pipeline.retry.delay", worker.DefaultRetryDelay)
	for role, replicas := range map[string]int{"gaps": 2, "fetch": 2, "standardize": 2, "save": 4} {
		v.SetDefault("pipeline."+role+".replicas", replicas)
		v.SetDefault("pipeline."+role+".max_idle_runs", worker.DefaultMaxIdleRuns)
		v.SetDefault("pipeline."+role+".poll_interval", worker.DefaultPollInterval)
	}

	v.SetDefault("loader.enabled", false)
	v.SetDefault("loader.schedule", "15 * * * *")
	v.SetDefault("loader.workers", 4)
	v.SetDefault("loader.retry.max_attempts", worker.DefaultMaxAttempts)
	v.SetDefault("loader.retry.delay", worker.DefaultRetryDelay)
	v.SetDefault("loader.idle.max_idle_runs", 1)
	v.SetDefault("loader.idle.poll_interval", worker.DefaultPollInterval)
}

// Validate rejects configuration the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		fail("server.port %d out of range", c.Server.Port)
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		fail("server.metrics_port %d out of range", c.Server.MetricsPort)
	}

	switch c.Storage.Driver {
	case "memory":
	case "minio":
		if c.Storage.Minio.Endpoint == "" {
			fail("storage.minio.endpoint is required")
		}
	default:
		fail("unknown storage.driver %q", c.Storage.Driver)
	}

	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		fail("logging.level: %v", err)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		fail("logging.format must be json or text, got %q", c.Logging.Format)
	}

	p := c.Pipeline
	if p.PoolSize <= 0 {
		fail("pipeline.pool_size must be positive")
	}
	if p.ChunkSize <= 0 {
		fail("pipeline.chunk_size must be positive")
	}
	if p.Retry.MaxAttempts <= 0 {
		fail("pipeline.retry.max_attempts must be positive")
	}
	for name, r := range map[string]RoleConfig{"gaps": p.Gaps, "fetch": p.Fetch, "standardize": p.Standardize, "save": p.Save} {
		if r.Replicas <= 0 {
			fail("pipeline.%s.replicas must be positive", name)
		}
	}
	// the stages run side by side, so every stage worker needs a slot
	if need := p.Fetch.Replicas + p.Standardize.Replicas + p.Save.Replicas; p.PoolSize < need {
		fail("pipeline.pool_size %d cannot run %d fetch, %d standardize and %d save replicas at once",
			p.PoolSize, p.Fetch.Replicas, p.Standardize.Replicas, p.Save.Replicas)
	}

	if c.Loader.Enabled {
		if _, err := cron.ParseStandard(c.Loader.Schedule); err != nil {
			fail("loader.schedule: %v", err)
		}
		if c.Loader.RowLimit < 0 {
			fail("loader.row_limit must not be negative")
		}
		if c.Database.Host == "" || c.Database.Name == "" {
			fail("database.host and database.name are required by the loader")
		}
	}

	names := map[string]bool{}
	for i, conn := range c.Connectors {
		label := conn.Name
		if label == "" {
			label = fmt.Sprintf("connectors[%d]", i)
			fail("%s: name is required", label)
		} else if names[conn.Name] {
			fail("connector %s is defined twice", conn.Name)
		}
		names[conn.Name] = true

		if _, err := cron.ParseStandard(conn.Schedule); err != nil {
			fail("%s: schedule: %v", label, err)
		}
		if _, err := conn.Location(); err != nil {
			fail("%s: timezone: %v", label, err)
		}
		if conn.GapWindow <= 0 {
			fail("%s: gap_window must be positive", label)
		}
		if conn.API.BaseURL == "" {
			fail("%s: api.base_url is required", label)
		}
		if conn.Raw.Bucket == "" {
			fail("%s: raw.bucket is required", label)
		}
		if len(conn.Meters) == 0 {
			fail("%s: at least one meter is required", label)
		}
		meters := map[string]bool{}
		for _, m := range conn.Meters {
			if m.Name == "" || m.Standardized.Bucket == "" {
				fail("%s: meters need a name and a standardized bucket", label)
				continue
			}
			if meters[m.Name] {
				fail("%s: meter %s is defined twice", label, m.Name)
			}
			meters[m.Name] = true
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedConfig, err)
	}
	return nil
}

// Connector returns the connector called name.
func (c *Config) Connector(name string) (ConnectorConfig, bool) {
	for _, conn := range c.Connectors {
		if conn.Name == name {
			return conn, true
		}
	}
	return ConnectorConfig{}, false
}

// Dump renders the effective configuration as YAML with secrets redacted.
func Dump(c *Config) ([]byte, error) {
	out := *c
	if out.Database.Password != "" {
		out.Database.Password = redacted
	}
	if out.Storage.Minio.SecretKey != "" {
		out.Storage.Minio.SecretKey = redacted
	}
	out.Connectors = make([]ConnectorConfig, len(c.Connectors))
	for i, conn := range c.Connectors {
		if conn.API.Token != "" {
			conn.API.Token = redacted
		}
		out.Connectors[i] = conn
	}
	return yaml.Marshal(out)
}
