// Package config exposes strongly typed application configuration structs loaded from YAML.
package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// App captures process-wide runtime settings such as name, environment, metrics, and logging levels.
type App struct {
	Name        string `yaml:"name"`
	Env         string `yaml:"env"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
}

// Feed describes the streaming market-data connection.
type Feed struct {
	URL       string `yaml:"url"`
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	// Underlying and Option name the watched instrument pair.
	Underlying string `yaml:"underlying"`
	Option     string `yaml:"option"`
	OptionType string `yaml:"option_type"` // call or put
}

// Poller configures the pull-based fallback feed.
type Poller struct {
	BaseURL        string `yaml:"base_url"`
	IntervalMs     int    `yaml:"interval_ms"`
	HistoryBars    int    `yaml:"history_bars"`
	ErrorThreshold int    `yaml:"error_threshold"`
}

// Delta groups the tunable knobs of the effective-delta engine.
type Delta struct {
	WindowMs     int     `yaml:"window_ms"`
	MinMovement  float64 `yaml:"min_movement"`
	MaxDeltaJump float64 `yaml:"max_delta_jump"`
	Alpha        float64 `yaml:"alpha"`
}

// Config collects every configuration leaf for easy marshaling from YAML.
type Config struct {
	App    App    `yaml:"app"`
	Feed   Feed   `yaml:"feed"`
	Poller Poller `yaml:"poller"`
	Delta  Delta  `yaml:"delta"`
}

// Load reads a YAML file from disk and hydrates a Config struct. Credentials
// may also come from the environment (optionally via a .env file), which
// takes precedence over the file values.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var config Config
	if err := yaml.NewDecoder(file).Decode(&config); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}

	_ = godotenv.Load() // best-effort
	if key := os.Getenv("FEED_API_KEY"); key != "" {
		config.Feed.APIKey = key
	}
	if secret := os.Getenv("FEED_API_SECRET"); secret != "" {
		config.Feed.APISecret = secret
	}
	return &config, nil
}

// Save persists a Config struct to disk as YAML.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal yaml: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
