package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Broker   Broker   `mapstructure:"broker"`
	Database Database `mapstructure:"database"`
	Logger   Logger   `mapstructure:"logger"`
	Monitor  Monitor  `mapstructure:"monitor"`
}

// Broker holds the connection settings for the IB Client Portal gateway.
type Broker struct {
	GatewayURL         string  `mapstructure:"gateway_url"`
	StreamURL          string  `mapstructure:"stream_url"`
	RateLimit          float64 `mapstructure:"rate_limit"`
	RateLimitBurst     int     `mapstructure:"rate_limit_burst"`
	InsecureSkipVerify bool    `mapstructure:"insecure_skip_verify"`
}

// Database holds the configuration for the local history database.
type Database struct {
	DSN string `mapstructure:"dsn"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Monitor holds the timing settings for the monitor loop.
type Monitor struct {
	WaitTimeoutSec        float64 `mapstructure:"wait_timeout"`
	MinRefreshIntervalSec float64 `mapstructure:"min_refresh_interval"`
}

// LoadConfig reads configuration from file or environment variables.
// A missing configuration file is an error; the caller treats it as fatal.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.AddConfigPath("$HOME/.ibc")
	viper.SetConfigName("ibc")
	viper.SetConfigType("yml")

	// Allow environment variables to override config file
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("broker.gateway_url", "https://localhost:5000")
	viper.SetDefault("broker.stream_url", "wss://localhost:5000/v1/api/ws")
	viper.SetDefault("broker.rate_limit", 10) // requests per second
	viper.SetDefault("broker.rate_limit_burst", 5)
	viper.SetDefault("broker.insecure_skip_verify", true) // gateway serves a self-signed cert
	viper.SetDefault("database.dsn", "ibc.db")
	viper.SetDefault("logger.level", "warn")
	viper.SetDefault("logger.format", "console")
	viper.SetDefault("monitor.wait_timeout", 2)
	viper.SetDefault("monitor.min_refresh_interval", 1)

	err = viper.ReadInConfig()
	if err != nil {
		return
	}

	err = viper.Unmarshal(&config)
	return
}
