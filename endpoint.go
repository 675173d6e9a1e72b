package livefeed

import (
	"fmt"
	"net/url"
	"strings"
)

// Endpoint naming convention shared with the delivery server:
//
//	persistent: ws[s]://host[/prefix]/feeds/{feed}/ws
//	push-only:  http[s]://host[/prefix]/feeds/{feed}/events
const (
	PersistentSuffix = "/ws"
	PushOnlySuffix   = "/events"
)

// FeedEndpoint builds the persistent endpoint of feed under base, where base
// is an http(s) or ws(s) URL of the delivery server.
func FeedEndpoint(base, feed string) (string, error) {
	if feed == "" || strings.Contains(feed, "/") {
		return "", &ConfigError{Field: "feed", Reason: fmt.Sprintf("invalid feed name %q", feed)}
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", &ConfigError{Field: "endpoint", Reason: err.Error()}
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", &ConfigError{Field: "endpoint", Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/feeds/" + feed + PersistentSuffix
	return u.String(), nil
}

// FallbackEndpoint derives the push-only endpoint from a persistent one by
// swapping the scheme (ws->http, wss->https) and the "/ws" suffix for
// "/events". Query parameters are kept.
func FallbackEndpoint(primary string) (string, error) {
	u, err := url.Parse(primary)
	if err != nil {
		return "", &ConfigError{Field: "endpoint", Reason: err.Error()}
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return "", &ConfigError{Field: "endpoint", Reason: fmt.Sprintf("persistent endpoint must use ws or wss, got %q", u.Scheme)}
	}
	if !strings.HasSuffix(u.Path, PersistentSuffix) {
		return "", &ConfigError{Field: "endpoint", Reason: fmt.Sprintf("persistent endpoint path must end in %q, got %q", PersistentSuffix, u.Path)}
	}
	u.Path = strings.TrimSuffix(u.Path, PersistentSuffix) + PushOnlySuffix
	u.RawPath = ""
	return u.String(), nil
}
