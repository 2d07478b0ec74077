package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type DatabaseConfig struct {
	Path           string `mapstructure:"path"`
	MaxConnections int    `mapstructure:"max_connections"`
}

type JWTConfig struct {
	Secret         string        `mapstructure:"secret"`
	AccessTokenTTL time.Duration `mapstructure:"access_token_ttl"`
}

// UpstreamConfig controls the client that talks to the collaboration
// platform's member/invite API.
type UpstreamConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	SessionURL  string        `mapstructure:"session_url"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Backoff     time.Duration `mapstructure:"backoff"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type SchedulerConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	Stagger      time.Duration `mapstructure:"stagger"`
	RefreshPause time.Duration `mapstructure:"refresh_pause"`
	GracePeriod  time.Duration `mapstructure:"grace_period"`
	DeletePause  time.Duration `mapstructure:"delete_pause"`
}

type RateLimitConfig struct {
	APIReadPerMinute  int `mapstructure:"api_read_per_minute"`
	APIWritePerMinute int `mapstructure:"api_write_per_minute"`
}

type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"`
	Output   string `mapstructure:"output"`
	FilePath string `mapstructure:"file_path"`
}

func Load(path string) (*Config, error) {
	viper.SetConfigFile(path)
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("upstream.max_attempts", 3)
	viper.SetDefault("upstream.backoff", "1s")
	viper.SetDefault("upstream.timeout", "30s")
	viper.SetDefault("scheduler.interval", "30s")
	viper.SetDefault("scheduler.stagger", "5s")
	viper.SetDefault("scheduler.refresh_pause", "1s")
	viper.SetDefault("scheduler.grace_period", "5m")
	viper.SetDefault("scheduler.delete_pause", "500ms")
	viper.SetDefault("rate_limit.api_read_per_minute", 1000)
	viper.SetDefault("rate_limit.api_write_per_minute", 100)
}
