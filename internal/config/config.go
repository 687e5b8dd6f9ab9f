package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Store    StoreConfig    `mapstructure:"store"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Transfer TransferConfig `mapstructure:"transfer"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Lark     LarkConfig     `mapstructure:"lark"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsDir   string        `mapstructure:"migrations_dir"` // empty uses the embedded migrations
}

// StoreConfig selects where attachment records live
type StoreConfig struct {
	Driver string `mapstructure:"driver"` // memory or sqlite
}

// QueueConfig holds queue engine configuration
type QueueConfig struct {
	MaxConcurrent int `mapstructure:"max_concurrent"`
}

// TransferConfig holds executor configuration
type TransferConfig struct {
	Driver           string        `mapstructure:"driver"` // http or lark
	Timeout          time.Duration `mapstructure:"timeout"`
	MaxBytes         int64         `mapstructure:"max_bytes"`
	UserAgent        string        `mapstructure:"user_agent"`
	RetryAttempts    int           `mapstructure:"retry_attempts"`
	RetryBaseBackoff time.Duration `mapstructure:"retry_base_backoff"`
	RetryMaxBackoff  time.Duration `mapstructure:"retry_max_backoff"`
	VerifyDocuments  bool          `mapstructure:"verify_documents"`
}

// StorageConfig selects where downloaded bytes are written
type StorageConfig struct {
	Driver    string `mapstructure:"driver"` // local or blob
	BaseDir   string `mapstructure:"base_dir"`
	BucketURL string `mapstructure:"bucket_url"`
	Prefix    string `mapstructure:"prefix"`
}

// LarkConfig holds Lark API configuration
type LarkConfig struct {
	AppID           string `mapstructure:"app_id"`
	AppSecret       string `mapstructure:"app_secret"`
	BaseURL         string `mapstructure:"base_url"`
	SubscribeEvents bool   `mapstructure:"subscribe_events"`
}

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	OutputPath string `mapstructure:"output_path"`
	Format     string `mapstructure:"format"`
}

// LoadEnvFile loads variables from a dotenv file into the process
// environment. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := gotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// Load loads configuration from file and environment variables.
// An empty configPath uses defaults and the environment only.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("AQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 0)

	// Database defaults
	v.SetDefault("database.path", "data/attachments.db")
	v.SetDefault("database.max_open_conns", 1)
	v.SetDefault("database.max_idle_conns", 1)
	v.SetDefault("database.conn_max_lifetime", 0)
	v.SetDefault("database.migrations_dir", "")

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("queue.max_concurrent", 3)

	// Transfer defaults
	v.SetDefault("transfer.driver", "http")
	v.SetDefault("transfer.timeout", 2*time.Minute)
	v.SetDefault("transfer.max_bytes", 100<<20)
	v.SetDefault("transfer.user_agent", "attachment-queue/1.0")
	v.SetDefault("transfer.retry_attempts", 3)
	v.SetDefault("transfer.retry_base_backoff", time.Second)
	v.SetDefault("transfer.retry_max_backoff", 8*time.Second)
	v.SetDefault("transfer.verify_documents", true)

	// Storage defaults
	v.SetDefault("storage.driver", "local")
	v.SetDefault("storage.base_dir", "attachments")

	v.SetDefault("lark.subscribe_events", false)

	// Logger defaults
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.output_path", "stdout")
	v.SetDefault("logger.format", "json")
}

// bindEnvVars binds the credential variables that do not follow the AQ_ prefix
func bindEnvVars(v *viper.Viper) error {
	bindings := map[string]string{
		"lark.app_id":        "LARK_APP_ID",
		"lark.app_secret":    "LARK_APP_SECRET",
		"storage.bucket_url": "BUCKET_URL",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, "AQ_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Queue.MaxConcurrent < 1 {
		return fmt.Errorf("queue.max_concurrent must be at least 1")
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite store")
		}
	default:
		return fmt.Errorf("unsupported store.driver %q", c.Store.Driver)
	}

	switch c.Transfer.Driver {
	case "http":
	case "lark":
		if err := c.Lark.validateCredentials(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported transfer.driver %q", c.Transfer.Driver)
	}
	if c.Transfer.Timeout < 0 {
		return fmt.Errorf("transfer.timeout must not be negative")
	}
	if c.Transfer.RetryAttempts < 1 {
		return fmt.Errorf("transfer.retry_attempts must be at least 1")
	}

	switch c.Storage.Driver {
	case "local":
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir is required for local storage")
		}
	case "blob":
		if c.Storage.BucketURL == "" {
			return fmt.Errorf("storage.bucket_url is required for blob storage")
		}
	default:
		return fmt.Errorf("unsupported storage.driver %q", c.Storage.Driver)
	}

	if c.Lark.SubscribeEvents {
		if err := c.Lark.validateCredentials(); err != nil {
			return err
		}
	}

	return nil
}

func (l LarkConfig) validateCredentials() error {
	if l.AppID == "" {
		return fmt.Errorf("lark.app_id is required")
	}
	if l.AppSecret == "" {
		return fmt.Errorf("lark.app_secret is required")
	}
	return nil
}
