// Copyright 2025 Intent Hub Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

var (
	// ErrMissingRequiredField is returned when a required configuration field is missing
	ErrMissingRequiredField = errors.New("missing required configuration field")
	// ErrInvalidConfigValue is returned when a configuration value is invalid
	ErrInvalidConfigValue = errors.New("invalid configuration value")
)

// Config represents the complete application configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Qdrant      QdrantConfig      `mapstructure:"qdrant"`
	Embedding   EmbeddingConfig   `mapstructure:"embedding"`
	LLM         LLMConfig         `mapstructure:"llm"`
	Routing     RoutingConfig     `mapstructure:"routing"`
	Diagnostics DiagnosticsConfig `mapstructure:"diagnostics"`
	Store       StoreConfig       `mapstructure:"store"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// QdrantConfig contains the vector index connection settings
type QdrantConfig struct {
	Address    string        `mapstructure:"address"`
	Collection string        `mapstructure:"collection"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// EmbeddingConfig contains embedding provider configuration
type EmbeddingConfig struct {
	APIKey     string        `mapstructure:"apikey"`
	Endpoint   string        `mapstructure:"endpoint"`
	Model      string        `mapstructure:"model"`
	Dimensions int           `mapstructure:"dimensions"`
	BatchSize  int           `mapstructure:"batch_size"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// LLMConfig contains the text generation (repair/utterance suggestion) settings
type LLMConfig struct {
	APIKey      string        `mapstructure:"apikey"`
	Endpoint    string        `mapstructure:"endpoint"`
	Model       string        `mapstructure:"model"`
	Temperature float64       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// RoutingConfig contains prediction behaviour settings
type RoutingConfig struct {
	DefaultRouteID    int     `mapstructure:"default_route_id"`
	DefaultRouteName  string  `mapstructure:"default_route_name"`
	ScoreThreshold    float64 `mapstructure:"score_threshold"`
	NegativeThreshold float64 `mapstructure:"negative_threshold"`
	TopK              int     `mapstructure:"top_k"`
}

// DiagnosticsConfig contains overlap detection thresholds
type DiagnosticsConfig struct {
	RegionThreshold     float64 `mapstructure:"region_threshold"`
	InstanceThreshold   float64 `mapstructure:"instance_threshold"`
	MaxConflictExamples int     `mapstructure:"max_conflict_examples"`
}

// StoreConfig contains the SQLite-backed route store and diagnostic cache settings
type StoreConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("configuration validation failed for field '%s': %s", e.Field, e.Message)
}

// LoadOptions contains options for configuration loading
type LoadOptions struct {
	ConfigPath       string
	ValidateRequired bool
}

// Load loads configuration from file and environment variables.
// Environment variables take precedence over config file values.
func Load(configPath string) (*Config, error) {
	return LoadWithOptions(LoadOptions{
		ConfigPath:       configPath,
		ValidateRequired: true,
	})
}

// LoadWithOptions loads configuration with additional options
func LoadWithOptions(opts LoadOptions) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if err := setConfigFile(v, opts.ConfigPath); err != nil {
		return nil, fmt.Errorf("failed to set config file: %w", err)
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("INTENT_HUB")

	if err := v.ReadInConfig(); err != nil {
		// Config file not found is not an error if env vars are set
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	setEnvironmentMappings(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if opts.ValidateRequired {
		if err := validateConfig(&config); err != nil {
			return nil, fmt.Errorf("configuration validation failed: %w", err)
		}
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	// Qdrant defaults
	v.SetDefault("qdrant.address", "localhost:6334")
	v.SetDefault("qdrant.collection", "intent_hub_routes")
	v.SetDefault("qdrant.timeout", 30*time.Second)

	// Embedding defaults
	v.SetDefault("embedding.endpoint", "https://api.openai.com/v1")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.dimensions", 1536)
	v.SetDefault("embedding.batch_size", 32)
	v.SetDefault("embedding.timeout", 30*time.Second)

	// LLM defaults
	v.SetDefault("llm.endpoint", "https://api.openai.com/v1")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.timeout", 60*time.Second)

	// Routing defaults
	v.SetDefault("routing.default_route_id", 0)
	v.SetDefault("routing.default_route_name", "none")
	v.SetDefault("routing.score_threshold", 0.75)
	v.SetDefault("routing.negative_threshold", 0.95)
	v.SetDefault("routing.top_k", 20)

	// Diagnostics defaults
	v.SetDefault("diagnostics.region_threshold", 0.85)
	v.SetDefault("diagnostics.instance_threshold", 0.92)
	v.SetDefault("diagnostics.max_conflict_examples", 5)

	// Store defaults
	v.SetDefault("store.db_path", "./intent_hub.db")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
}

// setConfigFile sets the configuration file path with fallback logic
func setConfigFile(v *viper.Viper, configPath string) error {
	// Check for CONFIG_PATH environment variable
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		if _, err := os.Stat(envPath); err != nil {
			return fmt.Errorf("config file specified by CONFIG_PATH does not exist: %s", envPath)
		}
		v.SetConfigFile(envPath)
		return nil
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return fmt.Errorf("config file does not exist: %s", configPath)
		}
		v.SetConfigFile(configPath)
		return nil
	}

	// Default fallback locations; a missing file is tolerated because every
	// key has a default or an environment override.
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")

	return nil
}

// setEnvironmentMappings sets explicit environment variable mappings
func setEnvironmentMappings(v *viper.Viper) {
	envMappings := map[string]string{
		"OPENAI_API_KEY":    "embedding.apikey",
		"OPENAI_ENDPOINT":   "embedding.endpoint",
		"LLM_API_KEY":       "llm.apikey",
		"LLM_ENDPOINT":      "llm.endpoint",
		"QDRANT_ADDRESS":    "qdrant.address",
		"QDRANT_COLLECTION": "qdrant.collection",
		"STORE_DB_PATH":     "store.db_path",
		"LOG_LEVEL":         "logging.level",
		"LOG_FORMAT":        "logging.format",
		"LOG_OUTPUT":        "logging.output",
	}

	for envVar, configKey := range envMappings {
		if value := os.Getenv(envVar); value != "" {
			v.Set(configKey, value)
		}
	}
}

// validateConfig validates the configuration for required fields and valid values
func validateConfig(config *Config) error {
	var errs []ValidationError

	if config.Embedding.APIKey == "" {
		errs = append(errs, ValidationError{
			Field:   "embedding.apikey",
			Message: "embedding API key is required. Set via config file or OPENAI_API_KEY environment variable",
		})
	}

	if config.Qdrant.Address == "" {
		errs = append(errs, ValidationError{
			Field:   "qdrant.address",
			Message: "Qdrant address is required",
		})
	}

	if config.Qdrant.Collection == "" {
		errs = append(errs, ValidationError{
			Field:   "qdrant.collection",
			Message: "Qdrant collection name is required",
		})
	}

	if config.Embedding.Dimensions <= 0 {
		errs = append(errs, ValidationError{
			Field:   "embedding.dimensions",
			Message: "dimensions must be greater than 0",
		})
	}

	if config.Embedding.BatchSize <= 0 {
		errs = append(errs, ValidationError{
			Field:   "embedding.batch_size",
			Message: "batch_size must be greater than 0",
		})
	}

	if config.Routing.TopK <= 0 {
		errs = append(errs, ValidationError{
			Field:   "routing.top_k",
			Message: "top_k must be greater than 0",
		})
	}

	for _, t := range []struct {
		field string
		value float64
	}{
		{"routing.score_threshold", config.Routing.ScoreThreshold},
		{"routing.negative_threshold", config.Routing.NegativeThreshold},
		{"diagnostics.region_threshold", config.Diagnostics.RegionThreshold},
		{"diagnostics.instance_threshold", config.Diagnostics.InstanceThreshold},
	} {
		if t.value < 0 || t.value > 1 {
			errs = append(errs, ValidationError{
				Field:   t.field,
				Message: "threshold must be between 0 and 1",
			})
		}
	}

	if config.Diagnostics.MaxConflictExamples <= 0 {
		errs = append(errs, ValidationError{
			Field:   "diagnostics.max_conflict_examples",
			Message: "max_conflict_examples must be greater than 0",
		})
	}

	if config.LLM.Temperature < 0 || config.LLM.Temperature > 2 {
		errs = append(errs, ValidationError{
			Field:   "llm.temperature",
			Message: "temperature must be between 0 and 2",
		})
	}

	if config.Store.DBPath == "" {
		errs = append(errs, ValidationError{
			Field:   "store.db_path",
			Message: "store database path is required",
		})
	}

	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLogLevels, config.Logging.Level) {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("log level must be one of: %s", strings.Join(validLogLevels, ", ")),
		})
	}

	validLogFormats := []string{"json", "text"}
	if !contains(validLogFormats, config.Logging.Format) {
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("log format must be one of: %s", strings.Join(validLogFormats, ", ")),
		})
	}

	if len(errs) > 0 {
		var errorMessages []string
		for _, err := range errs {
			errorMessages = append(errorMessages, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errorMessages, "\n"))
	}

	return nil
}

// MaskSensitiveValues returns a copy of the config with sensitive values masked
func (c *Config) MaskSensitiveValues() *Config {
	masked := *c

	if masked.Embedding.APIKey != "" {
		masked.Embedding.APIKey = maskValue(masked.Embedding.APIKey)
	}
	if masked.LLM.APIKey != "" {
		masked.LLM.APIKey = maskValue(masked.LLM.APIKey)
	}

	return &masked
}

// maskValue masks sensitive values, showing only the first 8 characters
func maskValue(value string) string {
	if len(value) <= 8 {
		return strings.Repeat("*", len(value))
	}
	return value[:8] + strings.Repeat("*", len(value)-8)
}

// contains checks if a slice contains a specific string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// WatchConfig enables configuration hot-reloading
func WatchConfig(configPath string, callback func(*Config)) error {
	v := viper.New()

	if err := setConfigFile(v, configPath); err != nil {
		return err
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		config, err := LoadWithOptions(LoadOptions{
			ConfigPath:       configPath,
			ValidateRequired: true,
		})
		if err != nil {
			fmt.Printf("Failed to reload config after change to %s: %v\n", e.Name, err)
			return
		}
		callback(config)
	})

	return nil
}
