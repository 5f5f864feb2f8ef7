package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	WhatsApp WhatsAppConfig `mapstructure:"whatsapp"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Media    MediaConfig    `mapstructure:"media"`
	Dedupe   DedupeConfig   `mapstructure:"dedupe"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// APIKey guards the admin API. Empty disables auth (local setups).
	APIKey string `mapstructure:"api_key"`
	// PublicURL is the externally reachable base URL of this gateway,
	// used when pointing WAHA webhooks back at us.
	PublicURL string `mapstructure:"public_url"`
}

type StorageConfig struct {
	Driver string       `mapstructure:"driver"`
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type WhatsAppConfig struct {
	GraphBaseURL string        `mapstructure:"graph_base_url"`
	GraphVersion string        `mapstructure:"graph_version"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

type DispatchConfig struct {
	Workers  int           `mapstructure:"workers"`
	Timeout  time.Duration `mapstructure:"timeout"`
	PollRate time.Duration `mapstructure:"poll_rate"`
}

type MediaConfig struct {
	Dir string `mapstructure:"dir"`
}

type DedupeConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func Load(path string) (*Config, error) {
	if path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("wahub")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/wahub")
	}

	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvPrefix("WAHUB")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", 30*time.Second)
	viper.SetDefault("server.write_timeout", 30*time.Second)
	viper.SetDefault("server.api_key", "")
	viper.SetDefault("server.public_url", "")

	viper.SetDefault("storage.driver", "sqlite")
	viper.SetDefault("storage.sqlite.path", "./data/wahub.db")

	viper.SetDefault("whatsapp.graph_base_url", "https://graph.facebook.com")
	viper.SetDefault("whatsapp.graph_version", "v22.0")
	viper.SetDefault("whatsapp.timeout", 30*time.Second)

	viper.SetDefault("dispatch.workers", 10)
	viper.SetDefault("dispatch.timeout", 30*time.Second)
	viper.SetDefault("dispatch.poll_rate", 1*time.Second)

	viper.SetDefault("media.dir", "./data/media")

	viper.SetDefault("dedupe.enabled", false)
	viper.SetDefault("dedupe.addr", "localhost:6379")
	viper.SetDefault("dedupe.password", "")
	viper.SetDefault("dedupe.db", 0)
	viper.SetDefault("dedupe.ttl", 24*time.Hour)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
}
