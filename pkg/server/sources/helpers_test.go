package sources

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tc.com/price-estimator/pkg/logging"
	"tc.com/price-estimator/pkg/token"
)

func TestGetChains(t *testing.T) {
	chains, err := GetChains(map[string]interface{}{
		"chains": []interface{}{1, float64(56), "8453"},
	})
	require.NoError(t, err)
	assert.Equal(t, []token.ChainID{token.Ethereum, token.Bsc, token.Base}, chains)

	_, err = GetChains(map[string]interface{}{"chains": "ethereum"})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = GetChains(map[string]interface{}{"chains": []interface{}{"mainnet"}})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	chains, err = GetChains(map[string]interface{}{})
	require.NoError(t, err)
	assert.Nil(t, chains)
}

func TestConfigGetters(t *testing.T) {
	cfg := map[string]interface{}{
		"s":   "value",
		"i":   float64(7),
		"f":   3,
		"d":   "250ms",
		"bad": "later",
	}
	assert.Equal(t, "value", GetString(cfg, "s", "x"))
	assert.Equal(t, "x", GetString(cfg, "missing", "x"))
	assert.Equal(t, 7, GetInt(cfg, "i", 0))
	assert.Equal(t, 3.0, GetFloat(cfg, "f", 0))
	assert.Equal(t, 250*time.Millisecond, GetDuration(cfg, "d", time.Second))
	assert.Equal(t, time.Second, GetDuration(cfg, "bad", time.Second))
}

func TestBaseOptionsFromConfig(t *testing.T) {
	logger := logging.NewNoopLogger()
	opts, err := BaseOptionsFromConfig(map[string]interface{}{
		"requests_per_second": 5,
		"burst":               2,
		"max_retries":         -3,
		"timeout":             "3s",
		"logger":              logger,
	}, []token.ChainID{token.Ethereum})
	require.NoError(t, err)

	assert.Equal(t, []token.ChainID{token.Ethereum}, opts.Chains)
	assert.Equal(t, 5.0, opts.RequestsPerSecond)
	assert.Equal(t, 2, opts.Burst)
	assert.Equal(t, uint64(0), opts.MaxRetries)
	assert.Equal(t, 3*time.Second, opts.HTTPClient.Timeout)
	assert.Same(t, logger, opts.Logger)
}

func TestGetLoggerFromConfig_Default(t *testing.T) {
	assert.NotNil(t, GetLoggerFromConfig(map[string]interface{}{"logger": "nope"}))
}
