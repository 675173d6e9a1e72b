package livefeed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveConfig_Defaults(t *testing.T) {
	resolved, err := resolveConfig(Config{Endpoint: "ws://localhost:8000/feeds/alerts/ws"})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxAttempts, resolved.MaxAttempts)
	assert.Equal(t, DefaultBaseDelay, resolved.BaseDelay)
	assert.Equal(t, DefaultMultiplier, resolved.Multiplier)
	assert.Equal(t, DefaultMaxDelay, resolved.MaxDelay)
	assert.Zero(t, resolved.Jitter)
	assert.False(t, resolved.DisableFallback)

	policy, err := resolved.Policy()
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicyParams(), policy.Params())
}

func TestResolveConfig_EnvFallback(t *testing.T) {
	t.Setenv("LIVEFEED_ENDPOINT", "ws://env-host:8000/feeds/alerts/ws")
	t.Setenv("LIVEFEED_FALLBACK_ENDPOINT", "http://env-host:8001/feeds/alerts/events")
	t.Setenv("LIVEFEED_DISABLE_FALLBACK", "true")
	t.Setenv("LIVEFEED_MAX_ATTEMPTS", "5")
	t.Setenv("LIVEFEED_BASE_DELAY", "250ms")
	t.Setenv("LIVEFEED_MULTIPLIER", "1.5")
	t.Setenv("LIVEFEED_MAX_DELAY", "10s")
	t.Setenv("LIVEFEED_JITTER", "0.1")
	t.Setenv("LIVEFEED_CODEC", "msgpack")

	resolved, err := resolveConfig(Config{})
	require.NoError(t, err)
	assert.Equal(t, "ws://env-host:8000/feeds/alerts/ws", resolved.Endpoint)
	assert.Equal(t, "http://env-host:8001/feeds/alerts/events", resolved.FallbackEndpoint)
	assert.True(t, resolved.DisableFallback)
	assert.Equal(t, 5, resolved.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, resolved.BaseDelay)
	assert.Equal(t, 1.5, resolved.Multiplier)
	assert.Equal(t, 10*time.Second, resolved.MaxDelay)
	assert.Equal(t, 0.1, resolved.Jitter)
	assert.Equal(t, "msgpack", resolved.Codec)
}

func TestResolveConfig_ExplicitOverridesEnv(t *testing.T) {
	t.Setenv("LIVEFEED_ENDPOINT", "ws://env-host/feeds/a/ws")
	t.Setenv("LIVEFEED_MAX_ATTEMPTS", "5")

	resolved, err := resolveConfig(Config{Endpoint: "ws://explicit/feeds/a/ws", MaxAttempts: 3})
	require.NoError(t, err)
	assert.Equal(t, "ws://explicit/feeds/a/ws", resolved.Endpoint)
	assert.Equal(t, 3, resolved.MaxAttempts)
}

func TestResolveConfig_MissingEndpoint(t *testing.T) {
	t.Setenv("LIVEFEED_ENDPOINT", "")
	_, err := resolveConfig(Config{})
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "endpoint", cfgErr.Field)
}

func TestResolveConfig_BadEnv(t *testing.T) {
	for key, value := range map[string]string{
		"LIVEFEED_MAX_ATTEMPTS":     "four",
		"LIVEFEED_BASE_DELAY":       "1 second",
		"LIVEFEED_MULTIPLIER":       "x2",
		"LIVEFEED_DISABLE_FALLBACK": "maybe",
	} {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := resolveConfig(Config{Endpoint: "ws://h/feeds/a/ws"})
			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, key, cfgErr.Field)
		})
	}
}

func TestConnectConfig_InvalidPolicy(t *testing.T) {
	_, err := ConnectConfig(t.Context(), Config{Endpoint: "ws://h/feeds/a/ws", Multiplier: 0.5})
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "multiplier", cfgErr.Field)
}

func TestConnectConfig_UnknownCodec(t *testing.T) {
	_, err := ConnectConfig(t.Context(), Config{Endpoint: "ws://h/feeds/a/ws", Codec: "xml"})
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "codec", cfgErr.Field)
}

func TestConnectConfig_Starts(t *testing.T) {
	persistent := newFakeAdapter(Persistent, accept)
	m, err := ConnectConfig(t.Context(), Config{Endpoint: "ws://h/feeds/a/ws", DisableFallback: true},
		WithPersistentAdapter(persistent))
	require.NoError(t, err)
	defer m.Disconnect()

	waitStatus(t, m.Statuses(t.Context()), 2*time.Second, connectedOn(Persistent))
}
