package main

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Log   LogConfig
	Relay RelayConfig
}

type RelayConfig struct {
	URL     string `mapstructure:"url"`
	TokenID string `mapstructure:"token_id"`
	Secret  string `mapstructure:"token_secret"`

	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
}

var config Config

func InitConfig() {
	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/relay-agent")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("log.level", "INFO")
	viper.SetDefault("relay.url", "ws://localhost:8080/relay/agent")

	_ = viper.BindEnv("relay.token_id", "RELAY_TOKEN_ID")
	_ = viper.BindEnv("relay.token_secret", "RELAY_TOKEN_SECRET")

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			panic(err)
		}
	}

	if err := viper.Unmarshal(&config); err != nil {
		panic(err)
	}

	initLogger(config.Log.Level)
}
