package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	SQLite    SQLiteConfig
	Blob      BlobConfig
	LLM       LLMConfig
	Templates TemplatesConfig
	Sources   []SourceConfig
	Scheduler SchedulerConfig
	Retry     RetryConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	BodyLimit    int
}

type SQLiteConfig struct {
	Path string
}

type BlobConfig struct {
	Path string
}

type LLMConfig struct {
	Provider    string
	Model       string
	APIKey      string
	BaseURL     string
	Temperature float32
	MaxTokens   int
	TimeoutSec  int
}

type TemplatesConfig struct {
	Path    string
	Default string
}

type SourceConfig struct {
	Name        string
	BaseURL     string
	ListingPath string
	TimeoutSec  int
}

type SchedulerConfig struct {
	PollIntervalSeconds int
	MaxWorkerCount      int
	MaxQueueDepth       int
	SweepOnStart        bool
}

type RetryConfig struct {
	MaxAttempts   int
	BackoffBaseMs int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/civicdocs")

	viper.SetEnvPrefix("CIVICDOCS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readTimeout", 30)
	viper.SetDefault("server.writeTimeout", 30)
	viper.SetDefault("server.bodyLimit", 10485760)

	viper.SetDefault("sqlite.path", "./data/civicdocs.db")
	viper.SetDefault("blob.path", "./data/blobs")

	viper.SetDefault("llm.provider", "openai")
	viper.SetDefault("llm.model", "gpt-4")
	viper.SetDefault("llm.temperature", 0.1)
	viper.SetDefault("llm.maxTokens", 2048)
	viper.SetDefault("llm.timeoutSec", 60)

	viper.SetDefault("templates.path", "./config/templates.yaml")
	viper.SetDefault("templates.default", "meeting-brief")

	viper.SetDefault("sources", []map[string]interface{}{
		{
			"name":        "sfbos",
			"baseURL":     "https://sfbos.org",
			"listingPath": "/meetings/full-board-meetings",
			"timeoutSec":  30,
		},
	})

	viper.SetDefault("scheduler.pollIntervalSeconds", 21600)
	viper.SetDefault("scheduler.maxWorkerCount", 4)
	viper.SetDefault("scheduler.maxQueueDepth", 256)
	viper.SetDefault("scheduler.sweepOnStart", true)

	viper.SetDefault("retry.maxAttempts", 3)
	viper.SetDefault("retry.backoffBaseMs", 500)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.outputPath", "stdout")
}
