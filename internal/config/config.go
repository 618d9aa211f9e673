// Package config loads and validates the daemon configuration file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/gcbio/ccdaemon/internal/notify"
	"github.com/gcbio/ccdaemon/internal/platform"
	"github.com/gcbio/ccdaemon/internal/report"
)

// Defaults for optional fields.
const (
	DefaultDaemonSleepTime = 60 // seconds
	DefaultWorkerSleepTime = 5  // seconds

	DefaultMaxCPUs    = 20
	DefaultMaxLoading = 4
)

// DatabaseConfig is the `database` section.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
}

// URL renders the section as a pgx connection string.
func (d DatabaseConfig) URL() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.Username, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   "/" + d.Database,
	}
	if d.SSLMode != "" {
		u.RawQuery = "sslmode=" + d.SSLMode
	}
	return u.String()
}

// QueueConfig is the `pipeline_queue` section.
type QueueConfig struct {
	MaxCPUs    int `yaml:"max_cpus"`
	MaxLoading int `yaml:"max_loading"`
}

// Config is the full daemon configuration file.
type Config struct {
	Database        DatabaseConfig      `yaml:"database"`
	PipelineQueue   QueueConfig         `yaml:"pipeline_queue"`
	Platform        platform.Config     `yaml:"platform"`
	ReportQueue     report.PubSubConfig `yaml:"report_queue"`
	EmailReporter   notify.Config       `yaml:"email_reporter"`
	EmailRecipients []string            `yaml:"email_recipients"`
	DaemonSleepTime int                 `yaml:"daemon_sleep_time"` // seconds
	WorkerSleepTime int                 `yaml:"worker_sleep_time"` // seconds
	AdminAddr       string              `yaml:"admin_addr"`
	DigestSchedule  string              `yaml:"digest_schedule"` // cron expression, optional
}

// Load reads, defaults, and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

// Save writes the configuration back to disk. Used by the resize CLI; the
// running daemon applies the new caps on its next reload signal.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write config %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.DaemonSleepTime == 0 {
		c.DaemonSleepTime = DefaultDaemonSleepTime
	}
	if c.WorkerSleepTime == 0 {
		c.WorkerSleepTime = DefaultWorkerSleepTime
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
}

// Validate checks every mandatory section.
func (c *Config) Validate() error {
	if c.Database.Driver != "postgres" {
		return fmt.Errorf("database: unsupported driver %q", c.Database.Driver)
	}
	if c.Database.Host == "" {
		return errors.New("database: host is required")
	}
	if c.Database.Username == "" {
		return errors.New("database: username is required")
	}
	if c.Database.Database == "" {
		return errors.New("database: database is required")
	}
	// Zero caps are legal: the resize CLI's LOCK action writes them to stop
	// all new admissions.
	if c.PipelineQueue.MaxCPUs < 0 {
		return fmt.Errorf("pipeline_queue: max_cpus must be >= 0, got %d", c.PipelineQueue.MaxCPUs)
	}
	if c.PipelineQueue.MaxLoading < 0 {
		return fmt.Errorf("pipeline_queue: max_loading must be >= 0, got %d", c.PipelineQueue.MaxLoading)
	}
	if err := c.Platform.Validate(); err != nil {
		return err
	}
	if err := c.ReportQueue.Validate(); err != nil {
		return err
	}
	if err := c.EmailReporter.Validate(); err != nil {
		return err
	}
	if len(c.EmailRecipients) == 0 {
		return errors.New("email_recipients: at least one recipient is required")
	}
	if c.DaemonSleepTime < 0 || c.WorkerSleepTime < 0 {
		return errors.New("sleep times must not be negative")
	}
	return nil
}
