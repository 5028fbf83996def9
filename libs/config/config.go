package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const EnvPrefix = "CEX"

type HTTPConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// LogFileConfig enables rotating file output next to stdout. An empty Path
// disables it.
type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type AppConfig struct {
	ServiceName     string        `mapstructure:"service_name"`
	Env             string        `mapstructure:"env"`
	LogLevel        string        `mapstructure:"log_level"`
	LogFile         LogFileConfig `mapstructure:"log_file"`
	MetricsPath     string        `mapstructure:"metrics_path"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	HTTP            HTTPConfig    `mapstructure:"http"`
}

// LoadDotEnv loads variables from .env files without overriding the
// process environment. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// NewViper returns a viper instance bound to CEX_* environment variables and
// the config file at path (config.yaml when empty). A missing file is not an
// error.
func NewViper(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = "config.yaml"
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

func Load(path string) (*AppConfig, error) {
	if err := LoadDotEnv(); err != nil {
		return nil, err
	}
	v, err := NewViper(path)
	if err != nil {
		return nil, err
	}
	setDefaults(v)

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// ConfigPath returns the config file named by CEX_CONFIG.
func ConfigPath() string {
	return os.Getenv(EnvPrefix + "_CONFIG")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "ledger")
	v.SetDefault("env", "dev")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file.path", "")
	v.SetDefault("log_file.max_size_mb", 100)
	v.SetDefault("log_file.max_backups", 5)
	v.SetDefault("log_file.max_age_days", 14)
	v.SetDefault("log_file.compress", true)
	v.SetDefault("metrics_path", "/metrics")
	v.SetDefault("shutdown_timeout", "10s")
	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", "5s")
	v.SetDefault("http.write_timeout", "10s")
	v.SetDefault("http.idle_timeout", "60s")
}
