package config

import (
	"fmt"
	"os"
	"strings"
)

// KnownSourceTypes lists the adapter families that can be configured.
var KnownSourceTypes = []string{"cex", "dex", "evm"}

// Validate checks configuration for errors
func Validate(cfg *Config) error {
	if err := validateServerConfig(&cfg.Server); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := validateEstimatorConfig(&cfg.Estimator); err != nil {
		return fmt.Errorf("estimator config: %w", err)
	}

	for i, tok := range cfg.Tokens {
		if err := validateTokenConfig(&tok); err != nil {
			return fmt.Errorf("token %d (%s): %w", i, tok.Symbol, err)
		}
	}

	if len(cfg.Sources) == 0 {
		return ErrNoSourcesConfigured
	}
	for i, source := range cfg.Sources {
		if err := validateSourceConfig(&source); err != nil {
			return fmt.Errorf("source %d (%s.%s): %w", i, source.Type, source.Name, err)
		}
	}
	if len(cfg.EnabledSources()) == 0 {
		return ErrNoSourcesEnabled
	}

	if cfg.Cache.Redis.Enabled && cfg.Cache.Redis.Addr == "" {
		return ErrRedisAddrRequired
	}

	if err := validateLoggingConfig(&cfg.Logging); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

func validateServerConfig(cfg *ServerConfig) error {
	if cfg.MaxWait <= 0 || cfg.MaxMaxWait < cfg.MaxWait {
		return fmt.Errorf("max_wait %s must be positive and <= max_max_wait %s",
			cfg.MaxWait.ToDuration(), cfg.MaxMaxWait.ToDuration())
	}

	if cfg.HTTP.TLS.Enabled {
		if cfg.HTTP.TLS.Cert == "" || cfg.HTTP.TLS.Key == "" {
			return ErrTLSConfigIncomplete
		}
		if _, err := os.Stat(cfg.HTTP.TLS.Cert); err != nil {
			return fmt.Errorf("%w: %s", ErrTLSCertNotFound, cfg.HTTP.TLS.Cert)
		}
		if _, err := os.Stat(cfg.HTTP.TLS.Key); err != nil {
			return fmt.Errorf("%w: %s", ErrTLSKeyNotFound, cfg.HTTP.TLS.Key)
		}
	}

	return nil
}

func validateEstimatorConfig(cfg *EstimatorConfig) error {
	if err := validatePolicy(cfg.FreshWindow, cfg.StaleWindow, cfg.OutlierTolerance,
		cfg.AgreementThreshold, cfg.MinSourcesForFresh); err != nil {
		return err
	}
	if cfg.HistorySize < 1 {
		return fmt.Errorf("history_size must be >= 1, got %d", cfg.HistorySize)
	}
	for name, w := range cfg.SourceWeights {
		if w < 0 {
			return fmt.Errorf("source_weights[%s]: %w", name, ErrSourceWeightMustBeNonNegative)
		}
	}
	for class, w := range cfg.ClassWeights {
		if w < 0 {
			return fmt.Errorf("class_weights[%s]: %w", class, ErrSourceWeightMustBeNonNegative)
		}
	}

	for i := range cfg.PairClasses {
		pc := cfg.PairClasses[i]
		if pc.Name == "" || len(pc.Symbols) == 0 {
			return fmt.Errorf("pair_classes[%d]: name and symbols must be specified", i)
		}
		fresh, stale := pc.FreshWindow, pc.StaleWindow
		if fresh == 0 {
			fresh = cfg.FreshWindow
		}
		if stale == 0 {
			stale = cfg.StaleWindow
		}
		tol, thr, minSrc := pc.OutlierTolerance, pc.AgreementThreshold, pc.MinSourcesForFresh
		if tol == 0 {
			tol = cfg.OutlierTolerance
		}
		if thr == 0 {
			thr = cfg.AgreementThreshold
		}
		if minSrc == 0 {
			minSrc = cfg.MinSourcesForFresh
		}
		if err := validatePolicy(fresh, stale, tol, thr, minSrc); err != nil {
			return fmt.Errorf("pair_classes[%s]: %w", pc.Name, err)
		}
	}

	return nil
}

func validatePolicy(fresh, stale Duration, tolerance, threshold float64, minSources int) error {
	if fresh <= 0 || stale < fresh {
		return ErrInvalidWindow
	}
	if tolerance < 0 || tolerance > 1 {
		return fmt.Errorf("outlier_tolerance %v: %w", tolerance, ErrInvalidFraction)
	}
	if threshold < 0 || threshold > 1 {
		return fmt.Errorf("agreement_threshold %v: %w", threshold, ErrInvalidFraction)
	}
	if minSources < 1 {
		return ErrInvalidMinSources
	}
	return nil
}

func validateTokenConfig(cfg *TokenConfig) error {
	if cfg.Address == "" {
		return fmt.Errorf("%w: address must be specified", ErrInvalidToken)
	}
	if cfg.Decimals < 0 || cfg.Decimals > 77 {
		return fmt.Errorf("%w: decimals %d out of range", ErrInvalidToken, cfg.Decimals)
	}
	if cfg.ChainID == 0 {
		return fmt.Errorf("%w: chain_id must be specified", ErrInvalidToken)
	}
	return nil
}

func validateSourceConfig(cfg *SourceConfig) error {
	if cfg.Type == "" {
		return ErrSourceTypeRequired
	}
	typeValid := false
	for _, t := range KnownSourceTypes {
		if strings.ToLower(cfg.Type) == t {
			typeValid = true
			break
		}
	}
	if !typeValid {
		return fmt.Errorf("%w: %s (must be one of: %s)", ErrUnknownSourceType, cfg.Type, strings.Join(KnownSourceTypes, ", "))
	}

	if cfg.Name == "" {
		return ErrSourceNameRequired
	}

	if cfg.Weight < 0 {
		return ErrSourceWeightMustBeNonNegative
	}

	return nil
}

func validateLoggingConfig(cfg *LoggingConfig) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	levelValid := false
	for _, l := range validLevels {
		if strings.ToLower(cfg.Level) == l {
			levelValid = true
			break
		}
	}
	if !levelValid {
		return fmt.Errorf("%w: %s (must be one of: %s)", ErrInvalidLogLevel, cfg.Level, strings.Join(validLevels, ", "))
	}

	formatValid := strings.ToLower(cfg.Format) == "json" || strings.ToLower(cfg.Format) == "text"
	if !formatValid {
		return fmt.Errorf("%w: %s (must be 'json' or 'text')", ErrInvalidLogFormat, cfg.Format)
	}

	return nil
}
