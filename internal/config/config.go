// Package config loads application settings with viper.
//
// Precedence: GEOIMPORT_* environment > geoimport.yaml (working directory, then
// the user config directory) > defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const appDirName = "geoimport"

// Config holds all settings of the desktop client
type Config struct {
	DatabaseURL       string        `mapstructure:"database_url"`
	LogLevel          string        `mapstructure:"log_level"`
	LogFile           string        `mapstructure:"log_file"`
	APITimeout        time.Duration `mapstructure:"api_timeout"`
	PollSchedule      string        `mapstructure:"poll_schedule"`
	EntityBatchSize   int           `mapstructure:"entity_batch_size"`
	DefaultRowHeight  int           `mapstructure:"default_row_height"`
	LevelZeroEnabled  bool          `mapstructure:"level_zero_enabled"`
	NameCacheSize     int           `mapstructure:"name_cache_size"`
	DBMaxOpenConns    int           `mapstructure:"db_max_open_conns"`
	DBMaxIdleConns    int           `mapstructure:"db_max_idle_conns"`
	DBConnMaxLifetime time.Duration `mapstructure:"db_conn_max_lifetime"`
}

var keys = []string{
	"database_url",
	"log_level",
	"log_file",
	"api_timeout",
	"poll_schedule",
	"entity_batch_size",
	"default_row_height",
	"level_zero_enabled",
	"name_cache_size",
	"db_max_open_conns",
	"db_max_idle_conns",
	"db_conn_max_lifetime",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database_url", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
	v.SetDefault("api_timeout", 120*time.Second)
	v.SetDefault("poll_schedule", "@every 3s")
	v.SetDefault("entity_batch_size", 100)
	v.SetDefault("default_row_height", 48)
	v.SetDefault("level_zero_enabled", false)
	v.SetDefault("name_cache_size", 1000)
	v.SetDefault("db_max_open_conns", 25)
	v.SetDefault("db_max_idle_conns", 5)
	v.SetDefault("db_conn_max_lifetime", 5*time.Minute)
}

// Load reads configuration from the default locations
func Load() (*Config, error) {
	paths := []string{"."}
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, appDirName))
	}
	return LoadFrom(paths...)
}

// LoadFrom reads geoimport.yaml from the first of paths that contains one
func LoadFrom(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("geoimport")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	setDefaults(v)

	v.SetEnvPrefix("GEOIMPORT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("binding %s env: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the services cannot work with
func (c *Config) Validate() error {
	if c.EntityBatchSize <= 0 {
		return fmt.Errorf("entity_batch_size must be positive, got %d", c.EntityBatchSize)
	}
	if c.DefaultRowHeight <= 0 {
		return fmt.Errorf("default_row_height must be positive, got %d", c.DefaultRowHeight)
	}
	if strings.TrimSpace(c.PollSchedule) == "" {
		return errors.New("poll_schedule is required")
	}
	if c.NameCacheSize <= 0 {
		c.NameCacheSize = 1000
	}
	return nil
}

// AppDir returns (and creates) the per-user application directory
func AppDir() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user config directory: %w", err)
	}

	dir := filepath.Join(configDir, appDirName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create app directory: %w", err)
	}
	return dir, nil
}
