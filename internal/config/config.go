package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. CODEFLOW_DB_HOST.
const EnvPrefix = "CODEFLOW"

// Config holds the configuration for the application.
type Config struct {
	Server struct {
		Addr            string        `mapstructure:"addr"`
		ReadTimeout     time.Duration `mapstructure:"read_timeout"`
		WriteTimeout    time.Duration `mapstructure:"write_timeout"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"server"`
	DB struct {
		// Driver is "postgres" or "memory".
		Driver   string `mapstructure:"driver"`
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"db"`
	Redis struct {
		// URL empty selects the in-process cache.
		URL string `mapstructure:"url"`
	} `mapstructure:"redis"`
	Temporal struct {
		HostPort  string `mapstructure:"host_port"`
		Namespace string `mapstructure:"namespace"`
	} `mapstructure:"temporal"`
	Cache struct {
		Namespace string        `mapstructure:"namespace"`
		TTL       time.Duration `mapstructure:"ttl"`
	} `mapstructure:"cache"`
	Execution struct {
		SyncTimeout time.Duration `mapstructure:"sync_timeout"`
		// MaxSyncTimeout caps a request's timeout_ms. Keep it below
		// server.write_timeout.
		MaxSyncTimeout time.Duration `mapstructure:"max_sync_timeout"`
	} `mapstructure:"execution"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
}

// DSN returns the pgx connection string for the DB section.
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host, c.DB.Port, c.DB.User, c.DB.Password, c.DB.Name, c.DB.SSLMode,
	)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("db.driver", "postgres")
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.user", "codeflow")
	v.SetDefault("db.password", "")
	v.SetDefault("db.name", "codeflow")
	v.SetDefault("db.sslmode", "disable")

	v.SetDefault("redis.url", "")

	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")

	v.SetDefault("cache.namespace", "codeflow")
	v.SetDefault("cache.ttl", 24*time.Hour)

	v.SetDefault("execution.sync_timeout", 30*time.Second)
	v.SetDefault("execution.max_sync_timeout", 55*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// LoadConfig loads the configuration from a file and the environment. An
// empty path searches for config.yaml in . and ./config; a missing file is
// not an error.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) validate() error {
	switch c.DB.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unknown db driver %q", c.DB.Driver)
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive")
	}
	if c.Execution.SyncTimeout <= 0 {
		return fmt.Errorf("execution.sync_timeout must be positive")
	}
	if c.Execution.MaxSyncTimeout < c.Execution.SyncTimeout {
		return fmt.Errorf("execution.max_sync_timeout must not be below execution.sync_timeout")
	}
	if c.Server.WriteTimeout > 0 && c.Execution.MaxSyncTimeout >= c.Server.WriteTimeout {
		return fmt.Errorf("execution.max_sync_timeout must be below server.write_timeout")
	}
	return nil
}
