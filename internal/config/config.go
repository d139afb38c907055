// Package config loads the dispatch worker configuration from an optional
// .env file, an optional YAML file and the environment.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

type Config struct {
	Http     Http     `mapstructure:"http"`
	Database Database `mapstructure:"database"`
	Workers  Workers  `mapstructure:"workers"`
	Log      Log      `mapstructure:"log"`
	Email    Email    `mapstructure:"email"`
	Telegram Telegram `mapstructure:"telegram"`
}

type Http struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Database selects the store. An empty DSN runs on the in-memory store.
type Database struct {
	Dsn     string `mapstructure:"dsn"`
	Migrate bool   `mapstructure:"migrate"`
}

type Workers struct {
	Count        int           `mapstructure:"count"`
	Prefix       string        `mapstructure:"prefix"`
	BatchSize    int           `mapstructure:"batch_size"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Email picks the provider used for credentials that do not name one.
type Email struct {
	DefaultProvider string `mapstructure:"default_provider"`
}

type Telegram struct {
	ApiUrl    string `mapstructure:"api_url"`
	ParseMode string `mapstructure:"parse_mode"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.migrate", true)

	v.SetDefault("workers.count", 1)
	v.SetDefault("workers.batch_size", 100)
	v.SetDefault("workers.poll_interval", 5*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("email.default_provider", "mailgun")
}

// Load reads configuration. envFile and configFile may be empty; a missing
// envFile is ignored. Environment variables are prefixed with DISPATCH_,
// e.g. DISPATCH_DATABASE_DSN.
func Load(envFile, configFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "Failed to load %s", envFile)
		}
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("dispatch")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, key := range []string{
		"http.addr", "http.shutdown_timeout",
		"database.dsn", "database.migrate",
		"workers.count", "workers.prefix", "workers.batch_size", "workers.poll_interval",
		"log.level", "log.format",
		"email.default_provider",
		"telegram.api_url", "telegram.parse_mode",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, errors.Wrapf(err, "Failed to bind %s", key)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "Failed to read %s", configFile)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "Failed to decode configuration")
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.Workers.Count < 0 {
		return errors.New("workers.count must not be negative")
	}

	if c.Workers.BatchSize <= 0 {
		return errors.New("workers.batch_size must be positive")
	}

	if c.Workers.PollInterval <= 0 {
		return errors.New("workers.poll_interval must be positive")
	}

	switch c.Email.DefaultProvider {
	case "mailgun", "ses":
	default:
		return errors.Errorf("Unknown email provider %q", c.Email.DefaultProvider)
	}

	return nil
}
