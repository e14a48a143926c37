package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Estimator EstimatorConfig `yaml:"estimator"`
	Tokens    []TokenConfig   `yaml:"tokens"`
	Sources   []SourceConfig  `yaml:"sources"`
	Cache     CacheConfig     `yaml:"cache"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig configures the API surface around the estimator
type ServerConfig struct {
	HTTP      HTTPConfig `yaml:"http"`
	WebSocket WSConfig   `yaml:"websocket"`
	// MaxWait is the default deadline for an estimate request.
	MaxWait Duration `yaml:"max_wait"`
	// MaxMaxWait caps the deadline a client may ask for.
	MaxMaxWait Duration `yaml:"max_max_wait"`
}

// HTTPConfig configures the HTTP server
type HTTPConfig struct {
	Addr string    `yaml:"addr"`
	TLS  TLSConfig `yaml:"tls"`
}

// WSConfig configures the WebSocket server
type WSConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// TLSConfig holds TLS certificate configuration
type TLSConfig struct {
	Enabled bool   `yaml:"enabled"`
	Cert    string `yaml:"cert"`
	Key     string `yaml:"key"`
}

// EstimatorConfig holds the reconciliation and freshness policy.
type EstimatorConfig struct {
	FreshWindow        Duration           `yaml:"fresh_window"`
	StaleWindow        Duration           `yaml:"stale_window"`
	OutlierTolerance   float64            `yaml:"outlier_tolerance"`
	MinSourcesForFresh int                `yaml:"min_sources_for_fresh"`
	AgreementThreshold float64            `yaml:"agreement_threshold"`
	RecencyDecay       Duration           `yaml:"recency_decay"`
	HistorySize        int                `yaml:"history_size"`
	AdapterTimeout     Duration           `yaml:"adapter_timeout"`
	SweepInterval      Duration           `yaml:"sweep_interval"`
	SourceWeights      map[string]float64 `yaml:"source_weights"`
	ClassWeights       map[string]float64 `yaml:"class_weights"`
	PairClasses        []PairClassConfig  `yaml:"pair_classes"`
}

// PairClassConfig overrides the policy for pairs whose tokens are all listed in Symbols.
// Zero values inherit from EstimatorConfig.
type PairClassConfig struct {
	Name               string   `yaml:"name"`
	Symbols            []string `yaml:"symbols"`
	FreshWindow        Duration `yaml:"fresh_window"`
	StaleWindow        Duration `yaml:"stale_window"`
	OutlierTolerance   float64  `yaml:"outlier_tolerance"`
	MinSourcesForFresh int      `yaml:"min_sources_for_fresh"`
	AgreementThreshold float64  `yaml:"agreement_threshold"`
}

// TokenConfig declares a token known to the static identity resolver.
type TokenConfig struct {
	ChainID  uint64 `yaml:"chain_id"`
	Address  string `yaml:"address"`
	Symbol   string `yaml:"symbol"`
	Decimals int    `yaml:"decimals"`
}

// SourceConfig configures a price source
type SourceConfig struct {
	Type    string                 `yaml:"type"`
	Name    string                 `yaml:"name"`
	Enabled bool                   `yaml:"enabled"`
	Weight  float64                `yaml:"weight"`
	Config  map[string]interface{} `yaml:"config"`
}

// CacheConfig configures optional cache persistence.
type CacheConfig struct {
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig configures the redis snapshot store.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// MetricsConfig configures Prometheus metrics
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

// LoggingConfig configures logging
type LoggingConfig struct {
	Level  string        `yaml:"level"`
	Format string        `yaml:"format"`
	Output string        `yaml:"output"`
	File   LogFileConfig `yaml:"file"`
}

// LogFileConfig configures log file rotation
type LogFileConfig struct {
	MaxSize    int `yaml:"max_size"`
	MaxBackups int `yaml:"max_backups"`
	MaxAge     int `yaml:"max_age"`
}

// Duration is a wrapper around time.Duration for YAML parsing
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	td, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(td)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ToDuration converts Duration to time.Duration
func (d Duration) ToDuration() time.Duration {
	return time.Duration(d)
}
