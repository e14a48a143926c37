package sources

import (
	"fmt"
	"strconv"
	"time"

	"tc.com/price-estimator/pkg/logging"
	"tc.com/price-estimator/pkg/token"
)

// GetLoggerFromConfig extracts logger from config map or returns a noop logger.
func GetLoggerFromConfig(config map[string]interface{}) *logging.Logger {
	if loggerInterface, ok := config["logger"]; ok {
		if logger, ok := loggerInterface.(*logging.Logger); ok {
			return logger
		}
	}
	return logging.NewNoopLogger()
}

// GetString returns a string config value or the default.
func GetString(config map[string]interface{}, key, defaultValue string) string {
	if v, ok := config[key].(string); ok && v != "" {
		return v
	}
	return defaultValue
}

// GetInt returns an integer config value or the default. YAML numbers may
// decode as int or float64.
func GetInt(config map[string]interface{}, key string, defaultValue int) int {
	switch v := config[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case uint64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

// GetFloat returns a float config value or the default.
func GetFloat(config map[string]interface{}, key string, defaultValue float64) float64 {
	switch v := config[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// GetDuration parses a duration string config value or returns the default.
func GetDuration(config map[string]interface{}, key string, defaultValue time.Duration) time.Duration {
	switch v := config[key].(type) {
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	case time.Duration:
		return v
	}
	return defaultValue
}

// GetChains parses config["chains"], a list of chain ids.
func GetChains(config map[string]interface{}) ([]token.ChainID, error) {
	raw, ok := config["chains"]
	if !ok {
		return nil, nil
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: chains must be a list of chain ids", ErrInvalidConfig)
	}
	chains := make([]token.ChainID, 0, len(list))
	for i, item := range list {
		id := GetInt(map[string]interface{}{"v": item}, "v", -1)
		if id <= 0 {
			return nil, fmt.Errorf("%w: chains[%d] is not a chain id", ErrInvalidConfig, i)
		}
		chains = append(chains, token.ChainID(id))
	}
	return chains, nil
}

// BaseOptionsFromConfig reads the options shared by all adapters:
// chains, requests_per_second, burst, max_retries, timeout and logger.
func BaseOptionsFromConfig(config map[string]interface{}, defaultChains []token.ChainID) (BaseOptions, error) {
	chains, err := GetChains(config)
	if err != nil {
		return BaseOptions{}, err
	}
	if len(chains) == 0 {
		chains = defaultChains
	}
	retries := GetInt(config, "max_retries", defaultMaxRetries)
	if retries < 0 {
		retries = 0
	}
	return BaseOptions{
		Chains:            chains,
		RequestsPerSecond: GetFloat(config, "requests_per_second", 0),
		Burst:             GetInt(config, "burst", 1),
		MaxRetries:        uint64(retries),
		HTTPClient:        newHTTPClient(GetDuration(config, "timeout", defaultHTTPTimeout)),
		Logger:            GetLoggerFromConfig(config),
	}, nil
}
