package config

import (
	yamlenv "github.com/ifuryst/go-yaml-env"

	"github.com/topnlabs/pressline/pkg/logger"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Queue       QueueConfig       `yaml:"queue"`
	Browser     BrowserConfig     `yaml:"browser"`
	Crypto      CryptoConfig      `yaml:"crypto"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Auth        AuthConfig        `yaml:"auth"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Logger      logger.Config     `yaml:"logger"`
}

type ServerConfig struct {
	Port     int    `yaml:"port"`
	Host     string `yaml:"host"`
	Mode     string `yaml:"mode"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
	TimeZone string `yaml:"timezone"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type QueueConfig struct {
	Workers        int    `yaml:"workers"`
	JobTimeout     string `yaml:"job_timeout"`
	ResultTTL      string `yaml:"result_ttl"`
	FailureTTL     string `yaml:"failure_ttl"`
	StaleThreshold string `yaml:"stale_threshold"`
	TaskRetention  string `yaml:"task_retention"`
}

type BrowserConfig struct {
	Headless         bool   `yaml:"headless"`
	CookiesDir       string `yaml:"cookies_dir"`
	NavigationWait   string `yaml:"navigation_wait"`
	ElementWait      string `yaml:"element_wait"`
	QRScanWait       string `yaml:"qr_scan_wait"`
	ExecutablePath   string `yaml:"executable_path"`
	SlowInputDelayMs int    `yaml:"slow_input_delay_ms"`
}

type CryptoConfig struct {
	Secret string `yaml:"secret"`
}

type RateLimitConfig struct {
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks"`
	MaxTasksPerMinute  int `yaml:"max_tasks_per_minute"`
}

type AuthConfig struct {
	Enabled    bool   `yaml:"enabled"`
	TOTPSecret string `yaml:"totp_secret"`
}

type MaintenanceConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"`
}

func LoadConfig(configPath string) (*Config, error) {
	cfg, err := yamlenv.LoadConfig[Config](configPath)
	if err != nil {
		return nil, err
	}

	// Set default values
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 5410
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = "debug"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.TimeZone == "" {
		cfg.Database.TimeZone = "UTC"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Queue.Workers == 0 {
		cfg.Queue.Workers = 2
	}
	if cfg.Queue.JobTimeout == "" {
		cfg.Queue.JobTimeout = "10m"
	}
	if cfg.Queue.ResultTTL == "" {
		cfg.Queue.ResultTTL = "1h"
	}
	if cfg.Queue.FailureTTL == "" {
		cfg.Queue.FailureTTL = "24h"
	}
	if cfg.Queue.StaleThreshold == "" {
		cfg.Queue.StaleThreshold = "15m"
	}
	if cfg.Queue.TaskRetention == "" {
		cfg.Queue.TaskRetention = "168h"
	}
	if cfg.Browser.CookiesDir == "" {
		cfg.Browser.CookiesDir = "cookies"
	}
	if cfg.Browser.NavigationWait == "" {
		cfg.Browser.NavigationWait = "30s"
	}
	if cfg.Browser.ElementWait == "" {
		cfg.Browser.ElementWait = "10s"
	}
	if cfg.Browser.QRScanWait == "" {
		cfg.Browser.QRScanWait = "120s"
	}
	if cfg.Browser.SlowInputDelayMs == 0 {
		cfg.Browser.SlowInputDelayMs = 30
	}
	if cfg.RateLimit.MaxConcurrentTasks == 0 {
		cfg.RateLimit.MaxConcurrentTasks = 10
	}
	if cfg.RateLimit.MaxTasksPerMinute == 0 {
		cfg.RateLimit.MaxTasksPerMinute = 20
	}
	if cfg.Maintenance.Schedule == "" {
		cfg.Maintenance.Schedule = "*/5 * * * *"
	}

	return cfg, nil
}
