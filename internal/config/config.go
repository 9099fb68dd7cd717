// Package config loads the service configuration from file and environment.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// GoogleCredentials is the structure of a Google OAuth client credentials
// JSON file.
type GoogleCredentials struct {
	Installed struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	} `json:"installed"`
	Web struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	} `json:"web"`
}

// LoadGoogleCredentials reads the OAuth client ID and secret from a Google
// credentials JSON file, accepting both "installed" and "web" layouts.
func LoadGoogleCredentials(path string) (clientID, clientSecret string, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("failed to read credentials file: %w", err)
	}

	var creds GoogleCredentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return "", "", fmt.Errorf("failed to parse credentials file: %w", err)
	}

	if creds.Installed.ClientID != "" {
		return creds.Installed.ClientID, creds.Installed.ClientSecret, nil
	}
	if creds.Web.ClientID != "" {
		return creds.Web.ClientID, creds.Web.ClientSecret, nil
	}
	return "", "", fmt.Errorf("no client_id found in credentials file (expected 'installed' or 'web' section)")
}

// EntityKind configures one additional syncable entity kind beyond the
// built-in ones. Generic kinds link through the shared linkage table.
type EntityKind struct {
	Name       string `mapstructure:"name"`
	Table      string `mapstructure:"table"`
	NameMaxLen int    `mapstructure:"name_max_len"`
}

// MySQL is the database connection configuration.
type MySQL struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// Google is the Google Calendar provider configuration.
type Google struct {
	CredentialsPath string `mapstructure:"credentials_path"`
	TokenDir        string `mapstructure:"token_dir"`
}

// CalDAV is the CalDAV provider configuration.
type CalDAV struct {
	ServerURL string `mapstructure:"server_url"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
}

// Sync tunes the orchestrator.
type Sync struct {
	Schedule     string  `mapstructure:"schedule"`
	BatchSize    int     `mapstructure:"batch_size"`
	ApplyCeiling float64 `mapstructure:"apply_ceiling"`
}

// Config is the full service configuration.
type Config struct {
	LogLevel    string       `mapstructure:"log_level"`
	MySQL       MySQL        `mapstructure:"mysql"`
	Google      Google       `mapstructure:"google"`
	CalDAV      CalDAV       `mapstructure:"caldav"`
	Sync        Sync         `mapstructure:"sync"`
	EntityKinds []EntityKind `mapstructure:"entity_kinds"`
}

// Load reads configuration from the given file (YAML, JSON or TOML by
// extension) with CALSYNC_* environment variables taking precedence. An
// empty path loads from environment and defaults only.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("calsync")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("log_level", "info")
	v.SetDefault("mysql.max_open_conns", 10)
	v.SetDefault("mysql.conn_max_lifetime", time.Hour)
	v.SetDefault("google.token_dir", "tokens")
	v.SetDefault("sync.schedule", "*/5 * * * *")
	v.SetDefault("sync.batch_size", 20)
	v.SetDefault("sync.apply_ceiling", 20)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.MySQL.DSN == "" {
		return fmt.Errorf("mysql.dsn must be set")
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be positive")
	}
	if c.Sync.ApplyCeiling <= 0 {
		return fmt.Errorf("sync.apply_ceiling must be positive")
	}
	for i, k := range c.EntityKinds {
		if k.Name == "" || k.Table == "" {
			return fmt.Errorf("entity_kinds[%d]: name and table must be set", i)
		}
	}
	return nil
}
