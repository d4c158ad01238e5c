package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	TokenTTL   time.Duration `mapstructure:"token_ttl"`

	ServerURL         string        `mapstructure:"server_url"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	SendBuffer        int           `mapstructure:"send_buffer"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "dev-secret")
	v.SetDefault("token_ttl", "1h")
	v.SetDefault("server_url", "ws://localhost:8080/api/ws/rooms")
	v.SetDefault("reconnect_attempts", 5)
	v.SetDefault("reconnect_delay", "2s")
	v.SetDefault("write_timeout", "5s")
	v.SetDefault("send_buffer", 32)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
