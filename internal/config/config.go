package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"taskbridge/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	ProviderMonday = "monday"
	ProviderSheets = "sheets"
)

type Config struct {
	App          AppConfig          `yaml:"app"`
	Logging      LoggingConfig      `yaml:"logging"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Backup       BackupConfig       `yaml:"backup"`
	Monitoring   MonitoringConfig   `yaml:"monitoring"`
	Remote       RemoteConfig       `yaml:"remote"`
	Monday       MondayConfig       `yaml:"monday"`
	Google       GoogleConfig       `yaml:"google"`
	Sync         SyncConfig         `yaml:"sync"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Webhook      WebhookConfig      `yaml:"webhook"`
	API          APIConfig          `yaml:"api"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	FilePath   string `yaml:"file_path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type BackupConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Interval      time.Duration `yaml:"interval"`
	RetentionDays int           `yaml:"retention_days"`
	StoragePath   string        `yaml:"storage_path"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type RemoteConfig struct {
	Provider string        `yaml:"provider"`
	Timeout  time.Duration `yaml:"timeout"`
}

type MondayConfig struct {
	APIToken  string        `yaml:"api_token"`
	APIURL    string        `yaml:"api_url"`
	BoardID   string        `yaml:"board_id"`
	Columns   MondayColumns `yaml:"columns"`
	RateLimit float64       `yaml:"rate_limit"` // requests per second
	Burst     int           `yaml:"burst"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

// MondayColumns maps task fields to board column ids.
type MondayColumns struct {
	Status      string `yaml:"status"`
	Priority    string `yaml:"priority"`
	Description string `yaml:"description"`
	TaskID      string `yaml:"task_id"`
}

type GoogleConfig struct {
	GoogleCredentialsFile string `yaml:"credentials_file"`
	TasksSpreadSheetID    string `yaml:"tasks_spreadsheet_id"`
	SheetName             string `yaml:"sheet_name"`
}

type SyncConfig struct {
	Enabled            bool          `yaml:"enabled"`
	AutoSync           bool          `yaml:"auto_sync"`
	IntervalSeconds    int           `yaml:"interval_seconds"`
	ConflictResolution string        `yaml:"conflict_resolution"`
	MaxRetries         int           `yaml:"max_retries"`
	BaseDelay          time.Duration `yaml:"base_delay"`
	QueuePath          string        `yaml:"queue_path"`
	CleanupMaxAge      time.Duration `yaml:"cleanup_max_age"`
}

// Interval returns the sync timer period.
func (s SyncConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

// Policy returns the configured conflict resolution policy.
func (s SyncConfig) Policy() models.ConflictPolicy {
	return models.ConflictPolicy(s.ConflictResolution)
}

type ConnectivityConfig struct {
	FallbackURLs []string      `yaml:"fallback_urls"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
	VerifyDelay  time.Duration `yaml:"verify_delay"`
	HostSignal   bool          `yaml:"host_signal"`
}

type WebhookConfig struct {
	Path             string `yaml:"path"`
	SigningSecret    string `yaml:"signing_secret"`
	RequireSignature *bool  `yaml:"require_signature"`
}

// SignatureRequired reports whether unsigned webhook events are rejected.
func (w WebhookConfig) SignatureRequired() bool {
	if w.RequireSignature != nil {
		return *w.RequireSignature
	}
	return w.SigningSecret != ""
}

type APIConfig struct {
	Port      int                `yaml:"port"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key  string `yaml:"key"`
	Name string `yaml:"name"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// Load reads an optional .env file, then the YAML config with environment
// variables expanded, applies defaults and validates.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}

	switch c.Remote.Provider {
	case ProviderMonday:
		if c.Sync.Enabled && (c.Monday.APIToken == "" || c.Monday.APIToken == "YOUR_MONDAY_TOKEN_HERE") {
			return errors.New("monday api token is required")
		}
		if c.Monday.BoardID == "" {
			return errors.New("monday board id is required")
		}
	case ProviderSheets:
		if c.Google.TasksSpreadSheetID == "" {
			return errors.New("google tasks spreadsheet id is required")
		}
	default:
		return fmt.Errorf("unknown remote provider %q", c.Remote.Provider)
	}

	if !c.Sync.Policy().Valid() {
		return fmt.Errorf("unknown conflict resolution policy %q", c.Sync.ConflictResolution)
	}
	if c.Sync.MaxRetries < 1 {
		return fmt.Errorf("sync max_retries must be positive, got %d", c.Sync.MaxRetries)
	}

	if c.Webhook.SignatureRequired() && c.Webhook.SigningSecret == "" {
		return errors.New("webhook require_signature needs a signing_secret")
	}

	if c.API.Auth.Enabled && len(c.API.Auth.APIKeys) == 0 {
		return errors.New("api auth enabled but no api keys configured")
	}
	for i, k := range c.API.Auth.APIKeys {
		if strings.TrimSpace(k.Key) == "" {
			return fmt.Errorf("api key #%d is empty", i+1)
		}
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "taskbridge"
	}
	if c.Backup.Enabled && c.Backup.StoragePath == "" {
		c.Backup.StoragePath = "data/backups"
	}
	if c.Remote.Provider == "" {
		c.Remote.Provider = ProviderMonday
	}
	if c.Remote.Timeout == 0 {
		c.Remote.Timeout = 15 * time.Second
	}
	if c.Monday.APIURL == "" {
		c.Monday.APIURL = "https://api.monday.com/v2"
	}
	if c.Monday.RateLimit == 0 {
		c.Monday.RateLimit = 5
	}
	if c.Monday.Burst == 0 {
		c.Monday.Burst = 10
	}
	if c.Monday.CacheTTL == 0 {
		c.Monday.CacheTTL = models.RemoteCacheTTL
	}
	if c.Monday.Columns.Status == "" {
		c.Monday.Columns.Status = "status"
	}
	if c.Monday.Columns.Priority == "" {
		c.Monday.Columns.Priority = "priority"
	}
	if c.Monday.Columns.Description == "" {
		c.Monday.Columns.Description = "text"
	}
	if c.Google.SheetName == "" {
		c.Google.SheetName = "Tasks"
	}

	if c.Sync.IntervalSeconds < int(models.MinSyncInterval/time.Second) {
		c.Sync.IntervalSeconds = int(models.MinSyncInterval / time.Second)
	}
	if c.Sync.ConflictResolution == "" {
		c.Sync.ConflictResolution = string(models.PolicyNewest)
	}
	if c.Sync.MaxRetries == 0 {
		c.Sync.MaxRetries = models.DefaultMaxRetries
	}
	if c.Sync.BaseDelay == 0 {
		c.Sync.BaseDelay = models.DefaultBaseDelay
	}
	if c.Sync.QueuePath == "" {
		c.Sync.QueuePath = "data/offline-queue.json"
	}
	if c.Sync.CleanupMaxAge == 0 {
		c.Sync.CleanupMaxAge = models.DefaultQueueMaxAge
	}

	if c.Connectivity.ProbeTimeout == 0 {
		c.Connectivity.ProbeTimeout = 5 * time.Second
	}
	if c.Connectivity.VerifyDelay == 0 {
		c.Connectivity.VerifyDelay = models.DefaultVerifyDelay
	}

	if c.Webhook.Path == "" {
		c.Webhook.Path = "/webhooks/monday"
	}

	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
}
