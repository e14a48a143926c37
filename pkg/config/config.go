// Package config provides configuration loading and validation for the price estimator.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Default policy values. Class weights are policy, so they only seed the
// configuration and can be overridden per deployment.
const (
	DefaultFreshWindow        = 15 * time.Second
	DefaultStaleWindow        = 5 * time.Minute
	DefaultOutlierTolerance   = 0.05
	DefaultMinSourcesForFresh = 2
	DefaultAgreementThreshold = 0.98
	DefaultRecencyDecay       = 30 * time.Second
	DefaultHistorySize        = 32
	DefaultMaxWait            = 2 * time.Second
	DefaultMaxMaxWait         = 10 * time.Second
	DefaultSweepInterval      = time.Minute
)

// DefaultClassWeights are the reliability weights applied per source class.
var DefaultClassWeights = map[string]float64{
	"cex":        1.0,
	"aggregator": 0.9,
	"onchain":    0.7,
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// Load loads configuration from YAML file and environment variables.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	absPath, err := filepath.Abs(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	data, err := os.ReadFile(absPath) // #nosec G304 -- Path sanitized with filepath.Clean and filepath.Abs
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML configuration, expanding ${ENV} references and applying defaults.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

// applyDefaults sets default values for optional fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.HTTP.Addr == "" {
		cfg.Server.HTTP.Addr = ":8080"
	}
	if cfg.Server.WebSocket.Enabled && cfg.Server.WebSocket.Addr == "" {
		cfg.Server.WebSocket.Addr = ":8081"
	}
	if cfg.Server.MaxWait == 0 {
		cfg.Server.MaxWait = Duration(DefaultMaxWait)
	}
	if cfg.Server.MaxMaxWait == 0 {
		cfg.Server.MaxMaxWait = Duration(DefaultMaxMaxWait)
	}

	est := &cfg.Estimator
	if est.FreshWindow == 0 {
		est.FreshWindow = Duration(DefaultFreshWindow)
	}
	if est.StaleWindow == 0 {
		est.StaleWindow = Duration(DefaultStaleWindow)
	}
	if est.OutlierTolerance == 0 {
		est.OutlierTolerance = DefaultOutlierTolerance
	}
	if est.MinSourcesForFresh == 0 {
		est.MinSourcesForFresh = DefaultMinSourcesForFresh
	}
	if est.AgreementThreshold == 0 {
		est.AgreementThreshold = DefaultAgreementThreshold
	}
	if est.RecencyDecay == 0 {
		est.RecencyDecay = Duration(DefaultRecencyDecay)
	}
	if est.HistorySize == 0 {
		est.HistorySize = DefaultHistorySize
	}
	if est.SweepInterval == 0 {
		est.SweepInterval = Duration(DefaultSweepInterval)
	}
	if est.ClassWeights == nil {
		est.ClassWeights = make(map[string]float64, len(DefaultClassWeights))
	}
	for class, w := range DefaultClassWeights {
		if _, ok := est.ClassWeights[class]; !ok {
			est.ClassWeights[class] = w
		}
	}
	if est.SourceWeights == nil {
		est.SourceWeights = make(map[string]float64)
	}
	for _, src := range cfg.Sources {
		if src.Weight > 0 {
			if _, ok := est.SourceWeights[src.Name]; !ok {
				est.SourceWeights[src.Name] = src.Weight
			}
		}
	}

	if cfg.Cache.Redis.Prefix == "" {
		cfg.Cache.Redis.Prefix = "price-estimator:"
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9091"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
}

// EnabledSources returns the sources with enabled set.
func (c *Config) EnabledSources() []SourceConfig {
	out := make([]SourceConfig, 0, len(c.Sources))
	for _, s := range c.Sources {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}

// GetString retrieves a string value from the source configuration.
func (sc *SourceConfig) GetString(key, defaultValue string) string {
	if val, ok := sc.Config[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return defaultValue
}

// GetStringSlice retrieves a string slice from source config.
func (sc *SourceConfig) GetStringSlice(key string) []string {
	if val, ok := sc.Config[key]; ok {
		if slice, ok := val.([]interface{}); ok {
			result := make([]string, 0, len(slice))
			for _, item := range slice {
				if str, ok := item.(string); ok {
					result = append(result, str)
				}
			}
			return result
		}
	}
	return nil
}

// GetInt retrieves an integer from source config.
func (sc *SourceConfig) GetInt(key string, defaultValue int) int {
	if val, ok := sc.Config[key]; ok {
		if i, ok := val.(int); ok {
			return i
		}
	}
	return defaultValue
}
