// Package config provides configuration management for the application.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config represents the application configuration.
type Config struct {
	Telegram TelegramConfig          `mapstructure:"telegram"`
	Database DatabaseConfig          `mapstructure:"database"`
	Server   ServerConfig            `mapstructure:"server"`
	Log      LogConfig               `mapstructure:"log"`
	Proxy    string                  `mapstructure:"proxy"` // outbound proxy for source sites and Telegram
	Push     PushConfig              `mapstructure:"push"`
	Crawler  CrawlerConfig           `mapstructure:"crawler"`
	Sources  map[string]SourceConfig `mapstructure:"sources"`
}

// TelegramConfig holds Telegram bot configuration.
type TelegramConfig struct {
	Token string `mapstructure:"token"`
	Debug bool   `mapstructure:"debug"`
}

// DatabaseConfig holds the storage connection string: a sqlite file path or a postgres:// URL.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// PushConfig holds push scheduler configuration.
type PushConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	Workers      int           `mapstructure:"workers"`
	SendTimeout  time.Duration `mapstructure:"send_timeout"`
	MaxFileSize  int64         `mapstructure:"max_file_size"`
	MaxDimension int           `mapstructure:"max_dimension"`
}

// CrawlerConfig holds defaults shared by every crawl runner.
type CrawlerConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	MaxPages       int           `mapstructure:"max_pages"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	RetryInitial   time.Duration `mapstructure:"retry_initial"`
	MetricsAddr    string        `mapstructure:"metrics_addr"` // empty disables the ops server
}

// SourceConfig holds per-source adapter settings. Owner, Repo, Ref and Path only apply to the github source.
type SourceConfig struct {
	APIKey       string            `mapstructure:"api_key"`
	BaseURL      string            `mapstructure:"base_url"`
	MinInterval  time.Duration     `mapstructure:"min_interval"`
	MaxPages     int               `mapstructure:"max_pages"`
	Query        map[string]string `mapstructure:"query"`
	FetchDetails *bool             `mapstructure:"fetch_details"`
	Owner        string            `mapstructure:"owner"`
	Repo         string            `mapstructure:"repo"`
	Ref          string            `mapstructure:"ref"`
	Path         string            `mapstructure:"path"`
	Safety       string            `mapstructure:"safety"`
}

// legacyEnv maps config keys to the plain environment variable names deployments already use.
var legacyEnv = map[string][]string{
	"telegram.token":            {"TELEGRAM_BOT_TOKEN"},
	"proxy":                     {"PROXY"},
	"database.dsn":              {"POSTGRES_DSN", "REPOSITORY_SQLITE_DB"},
	"sources.wallhaven.api_key": {"WALLHAVEN_API_KEY"},
	"sources.civitai.api_key":   {"CIVITAI_API_KEY"},
	"sources.unsplash.api_key":  {"UNSPLASH_ACCESS_KEY"},
	"sources.github.api_key":    {"GITHUB_TOKEN"},
}

// Load reads configuration from a .env file, the config file and environment variables.
func Load(configPath string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()

	// Set defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("database.dsn", "./data/wallpapers.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("telegram.debug", false)
	v.SetDefault("push.interval", 5*time.Minute)
	v.SetDefault("push.workers", 3)
	v.SetDefault("push.send_timeout", 30*time.Second)
	v.SetDefault("push.max_file_size", 5*1024*1024)
	v.SetDefault("push.max_dimension", 10000)
	v.SetDefault("crawler.interval", 12*time.Hour)
	v.SetDefault("crawler.max_pages", 0)
	v.SetDefault("crawler.request_timeout", 30*time.Second)
	v.SetDefault("crawler.max_attempts", 5)
	v.SetDefault("crawler.retry_initial", time.Second)

	// Read config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Read environment variables
	v.SetEnvPrefix("WALLBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range legacyEnv {
		prefixed := "WALLBOT_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(append([]string{key, prefixed}, names...)...); err != nil {
			return nil, fmt.Errorf("error binding env for %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if cfg.Sources == nil {
		cfg.Sources = map[string]SourceConfig{}
	}

	return &cfg, nil
}

// ValidateBot checks the fields the bot process cannot run without.
func (c *Config) ValidateBot() error {
	if c.Telegram.Token == "" {
		return fmt.Errorf("telegram token is required")
	}
	if c.Push.Interval <= 0 {
		return fmt.Errorf("push interval must be positive")
	}
	return c.validateCommon()
}

// ValidateCrawler checks the fields a crawler process for the named source cannot run without.
func (c *Config) ValidateCrawler(source string, known []string) error {
	if source == "" {
		return fmt.Errorf("source name is required")
	}
	found := false
	for _, k := range known {
		if k == source {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("unknown source %q (known: %s)", source, strings.Join(known, ", "))
	}
	if c.Crawler.Interval <= 0 {
		return fmt.Errorf("crawler interval must be positive")
	}
	return c.validateCommon()
}

func (c *Config) validateCommon() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn is required")
	}
	return nil
}

// Source returns the settings for the named source, or zero settings when none are configured.
func (c *Config) Source(name string) SourceConfig {
	return c.Sources[name]
}

// ServerAddress returns the full server address.
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
