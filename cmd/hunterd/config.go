package main

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the daemon configuration.
type Config struct {
	Server struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"server"`
	Intake struct {
		FeedPath        string        `mapstructure:"feed_path"`
		PollInterval    time.Duration `mapstructure:"poll_interval"`
		IntentThreshold int           `mapstructure:"intent_threshold"`
	} `mapstructure:"intake"`
	Scheduler struct {
		MaxConcurrency int           `mapstructure:"max_concurrency"`
		TickInterval   time.Duration `mapstructure:"tick_interval"`
		StaleGrace     time.Duration `mapstructure:"stale_grace"`
	} `mapstructure:"scheduler"`
	Store struct {
		Backend   string `mapstructure:"backend"` // "memory" or "dynamodb"
		TableName string `mapstructure:"table_name"`
	} `mapstructure:"store"`
	Slack struct {
		WebhookURL string `mapstructure:"webhook_url"`
		Channel    string `mapstructure:"channel"`
	} `mapstructure:"slack"`
	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
}

// LoadConfig loads the configuration from a file and the environment.
// Every key can be overridden with a HUNTFLOW_-prefixed variable, e.g.
// HUNTFLOW_SLACK_WEBHOOK_URL.
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.SetEnvPrefix("huntflow")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.addr", ":3000")
	viper.SetDefault("intake.feed_path", "data/accounts.json")
	viper.SetDefault("intake.poll_interval", 30*time.Second)
	viper.SetDefault("intake.intent_threshold", 75)
	viper.SetDefault("scheduler.max_concurrency", 10)
	viper.SetDefault("scheduler.tick_interval", 500*time.Millisecond)
	viper.SetDefault("scheduler.stale_grace", 30*time.Second)
	viper.SetDefault("store.backend", "memory")
	viper.SetDefault("store.table_name", "huntflow-runs")
	viper.SetDefault("slack.channel", "#sales-opportunities")
	viper.SetDefault("log.level", "info")

	if err := viper.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults and env vars apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}
