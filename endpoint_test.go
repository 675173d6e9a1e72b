package livefeed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeedEndpoint(t *testing.T) {
	tests := []struct {
		base, feed, want string
	}{
		{"http://localhost:8000", "alerts", "ws://localhost:8000/feeds/alerts/ws"},
		{"https://rock.example/", "alerts", "wss://rock.example/feeds/alerts/ws"},
		{"ws://rock.example/api", "east", "ws://rock.example/api/feeds/east/ws"},
	}
	for _, tt := range tests {
		got, err := FeedEndpoint(tt.base, tt.feed)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := FeedEndpoint("ftp://x", "alerts")
	assert.Error(t, err)
	_, err = FeedEndpoint("http://x", "a/b")
	assert.Error(t, err)
	_, err = FeedEndpoint("http://x", "")
	assert.Error(t, err)
}

func TestFallbackEndpoint(t *testing.T) {
	tests := []struct {
		primary, want string
	}{
		{"ws://localhost:8000/feeds/alerts/ws", "http://localhost:8000/feeds/alerts/events"},
		{"wss://rock.example/feeds/alerts/ws?token=x", "https://rock.example/feeds/alerts/events?token=x"},
	}
	for _, tt := range tests {
		got, err := FallbackEndpoint(tt.primary)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestFallbackEndpoint_Invalid(t *testing.T) {
	for _, primary := range []string{
		"http://localhost:8000/feeds/alerts/ws",
		"ws://localhost:8000/feeds/alerts",
		"ws://localhost:8000/feeds/alerts/wss",
	} {
		_, err := FallbackEndpoint(primary)
		var cfgErr *ConfigError
		assert.ErrorAs(t, err, &cfgErr, primary)
	}
}

func TestFeedEndpoint_FallbackRoundTrip(t *testing.T) {
	primary, err := FeedEndpoint("https://rock.example", "north")
	require.NoError(t, err)
	fallback, err := FallbackEndpoint(primary)
	require.NoError(t, err)
	assert.Equal(t, "https://rock.example/feeds/north/events", fallback)
}
