package config

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(nil, envMap(nil))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.GatewayAddress)
	assert.Equal(t, 9001, cfg.GatewayPort)
	assert.Equal(t, 10, cfg.Workers)
	assert.Equal(t, ":8080", cfg.HTTPAddress)
	assert.Equal(t, []Market{
		{Ticker: "BTC-USD", Base: "BTC", Quote: "USD"},
		{Ticker: "ETH-USD", Base: "ETH", Quote: "USD"},
	}, cfg.Markets)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.Equal(t, "trades", cfg.KafkaTopic)
	assert.Equal(t, zerolog.InfoLevel, cfg.LogLevel)
	assert.False(t, cfg.Pretty)
}

func TestLoad_EnvAndFlags(t *testing.T) {
	env := envMap(map[string]string{
		"MATCHBOOK_GATEWAY_PORT":  "7000",
		"MATCHBOOK_KAFKA_BROKERS": "k1:9092, k2:9092",
		"MATCHBOOK_LOG_LEVEL":     "debug",
		"MATCHBOOK_MARKETS":       "sol/usdc",
		"MATCHBOOK_PRETTY":        "true",
	})

	cfg, err := load(nil, env)
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.GatewayPort)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, zerolog.DebugLevel, cfg.LogLevel)
	assert.Equal(t, []Market{{Ticker: "SOL-USDC", Base: "SOL", Quote: "USDC"}}, cfg.Markets)
	assert.True(t, cfg.Pretty)

	// Flags win over the environment.
	cfg, err = load([]string{"-gateway-port", "7100", "-log-level", "warn", "-http-address", ""}, env)
	require.NoError(t, err)
	assert.Equal(t, 7100, cfg.GatewayPort)
	assert.Equal(t, zerolog.WarnLevel, cfg.LogLevel)
	assert.Empty(t, cfg.HTTPAddress)
}

func TestLoad_Errors(t *testing.T) {
	_, err := load(nil, envMap(map[string]string{"MATCHBOOK_WORKERS": "many"}))
	assert.Error(t, err)

	_, err = load([]string{"-gateway-port", "70000"}, envMap(nil))
	assert.Error(t, err)

	_, err = load([]string{"-log-level", "loud"}, envMap(nil))
	assert.Error(t, err)

	_, err = load([]string{"-markets", "BTC"}, envMap(nil))
	assert.ErrorIs(t, err, ErrInvalidMarketList)

	_, err = load([]string{"-no-such-flag"}, envMap(nil))
	assert.Error(t, err)
}

func TestParseMarkets(t *testing.T) {
	tests := []struct {
		list string
		want []Market
		ok   bool
	}{
		{"BTC/USD", []Market{{"BTC-USD", "BTC", "USD"}}, true},
		{" btc/usd , eth/btc ", []Market{{"BTC-USD", "BTC", "USD"}, {"ETH-BTC", "ETH", "BTC"}}, true},
		{"", nil, false},
		{"BTC/", nil, false},
		{"/USD", nil, false},
		{"A/B/C", nil, false},
		{"BTC/USD,BTC/USD", nil, false},
	}
	for _, tc := range tests {
		t.Run(tc.list, func(t *testing.T) {
			got, err := ParseMarkets(tc.list)
			if !tc.ok {
				assert.ErrorIs(t, err, ErrInvalidMarketList)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
