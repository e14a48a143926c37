// Package config provides configuration loading and validation for the price estimator.
package config

import "errors"

var (
	// ErrNoSourcesConfigured indicates that no price sources are configured.
	ErrNoSourcesConfigured = errors.New("at least one price source must be configured")
	// ErrNoSourcesEnabled indicates that no sources are enabled.
	ErrNoSourcesEnabled = errors.New("no sources enabled")
	// ErrSourceTypeRequired indicates that source type is required.
	ErrSourceTypeRequired = errors.New("source type is required")
	// ErrSourceNameRequired indicates that source name is required.
	ErrSourceNameRequired = errors.New("source name is required")
	// ErrUnknownSourceType indicates that the source type is unknown.
	ErrUnknownSourceType = errors.New("unknown source type")
	// ErrSourceWeightMustBeNonNegative indicates that source weight must be >= 0.
	ErrSourceWeightMustBeNonNegative = errors.New("weight must be >= 0")
	// ErrInvalidWindow indicates inconsistent freshness windows.
	ErrInvalidWindow = errors.New("stale_window must be >= fresh_window and both must be positive")
	// ErrInvalidFraction indicates a tolerance or threshold outside [0,1].
	ErrInvalidFraction = errors.New("value must be within [0,1]")
	// ErrInvalidMinSources indicates min_sources_for_fresh below 1.
	ErrInvalidMinSources = errors.New("min_sources_for_fresh must be >= 1")
	// ErrInvalidToken indicates a malformed token declaration.
	ErrInvalidToken = errors.New("invalid token")
	// ErrTLSConfigIncomplete indicates that TLS config is incomplete.
	ErrTLSConfigIncomplete = errors.New("TLS cert and key must be specified when TLS is enabled")
	// ErrTLSCertNotFound indicates that the TLS cert file was not found.
	ErrTLSCertNotFound = errors.New("TLS cert file not found")
	// ErrTLSKeyNotFound indicates that the TLS key file was not found.
	ErrTLSKeyNotFound = errors.New("TLS key file not found")
	// ErrRedisAddrRequired indicates that redis is enabled without an address.
	ErrRedisAddrRequired = errors.New("cache.redis.addr must be specified when redis is enabled")
	// ErrInvalidLogLevel indicates that the log level is invalid.
	ErrInvalidLogLevel = errors.New("invalid log level")
	// ErrInvalidLogFormat indicates that the log format is invalid.
	ErrInvalidLogFormat = errors.New("invalid log format")
)
