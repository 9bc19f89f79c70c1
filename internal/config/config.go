package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the application's configuration.
type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Ingest struct {
		BufferSize           int   `yaml:"buffer_size"`
		FlushIntervalSeconds int64 `yaml:"flush_interval_seconds"`
	} `yaml:"ingest"`

	Labeling struct {
		DefaultBatchSize int `yaml:"default_batch_size"`
	} `yaml:"labeling"`

	Models struct {
		Dir string `yaml:"dir"`
	} `yaml:"models"`

	Trainer struct {
		URL string `yaml:"url"`
	} `yaml:"trainer"`

	Fleet struct {
		GatewayURL string `yaml:"gateway_url"`
	} `yaml:"fleet"`

	Retraining struct {
		MinSamples             int     `yaml:"min_samples"`
		MinNewSamples          int     `yaml:"min_new_samples"`
		MinLabeledRatio        float64 `yaml:"min_labeled_ratio"`
		ValidationSplit        float64 `yaml:"validation_split"`
		MinAccuracyImprovement float64 `yaml:"min_accuracy_improvement"`
		MaxTrainingTimeSeconds int     `yaml:"max_training_time_seconds"`
		Epochs                 int     `yaml:"epochs"`
		BatchSize              int     `yaml:"batch_size"`
		EarlyStoppingPatience  int     `yaml:"early_stopping_patience"`
		CheckIntervalSeconds   int64   `yaml:"check_interval_seconds"`
	} `yaml:"retraining"`

	Telegram struct {
		Enabled  bool   `yaml:"enabled"`
		BotToken string `yaml:"bot_token"`
		ChatID   int64  `yaml:"chat_id"`
	} `yaml:"telegram"`
}

// LoadConfig reads configuration from the specified YAML file.
func LoadConfig(configPath string) (*Config, error) {
	config := &Config{}

	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	// Set defaults
	if config.Server.Port == "" {
		config.Server.Port = "8000"
	}
	if config.Database.Path == "" {
		config.Database.Path = "./data/fleet.db"
	}
	if config.Ingest.BufferSize == 0 {
		config.Ingest.BufferSize = 500
	}
	if config.Ingest.FlushIntervalSeconds == 0 {
		config.Ingest.FlushIntervalSeconds = 5
	}
	if config.Labeling.DefaultBatchSize == 0 {
		config.Labeling.DefaultBatchSize = 50
	}
	if config.Models.Dir == "" {
		config.Models.Dir = "./models"
	}
	if config.Retraining.MinSamples == 0 {
		config.Retraining.MinSamples = 1000
	}
	if config.Retraining.MinNewSamples == 0 {
		config.Retraining.MinNewSamples = 200
	}
	if config.Retraining.MinLabeledRatio == 0 {
		config.Retraining.MinLabeledRatio = 0.5
	}
	if config.Retraining.ValidationSplit == 0 {
		config.Retraining.ValidationSplit = 0.2
	}
	if config.Retraining.MinAccuracyImprovement == 0 {
		config.Retraining.MinAccuracyImprovement = 0.01
	}
	if config.Retraining.MaxTrainingTimeSeconds == 0 {
		config.Retraining.MaxTrainingTimeSeconds = 3600
	}
	if config.Retraining.Epochs == 0 {
		config.Retraining.Epochs = 100
	}
	if config.Retraining.BatchSize == 0 {
		config.Retraining.BatchSize = 32
	}
	if config.Retraining.EarlyStoppingPatience == 0 {
		config.Retraining.EarlyStoppingPatience = 10
	}
	if config.Retraining.CheckIntervalSeconds == 0 {
		config.Retraining.CheckIntervalSeconds = 3600
	}

	// Expand environment variables in secrets
	config.Telegram.BotToken = os.ExpandEnv(config.Telegram.BotToken)

	return config, nil
}
