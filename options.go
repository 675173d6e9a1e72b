package livefeed

import (
	"log/slog"

	"go.opentelemetry.io/otel/metric"
)

// Option configures a Manager.
type Option func(*managerOptions)

type managerOptions struct {
	logger           *slog.Logger
	codec            Codec
	persistent       Adapter
	pushOnly         Adapter
	fallbackEndpoint string
	noFallback       bool
	observerBuffer   int
	meter            metric.Meter
}

func managerDefaults() managerOptions {
	return managerOptions{
		logger:         slog.Default(),
		codec:          JSONCodec{},
		observerBuffer: defaultObserverBuffer,
	}
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *managerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithCodec sets the envelope codec of the persistent transport.
// The default is JSONCodec.
func WithCodec(c Codec) Option {
	return func(o *managerOptions) {
		o.codec = c
	}
}

// WithPersistentAdapter replaces the WebSocket adapter.
func WithPersistentAdapter(a Adapter) Option {
	return func(o *managerOptions) {
		o.persistent = a
	}
}

// WithPushOnlyAdapter replaces the SSE adapter.
func WithPushOnlyAdapter(a Adapter) Option {
	return func(o *managerOptions) {
		o.pushOnly = a
	}
}

// WithFallbackEndpoint sets the push-only endpoint explicitly instead of
// deriving it from the persistent one.
func WithFallbackEndpoint(endpoint string) Option {
	return func(o *managerOptions) {
		o.fallbackEndpoint = endpoint
	}
}

// WithoutFallback disables the push-only transport. Exhausting the
// persistent transport then leads straight to StateFailed.
func WithoutFallback() Option {
	return func(o *managerOptions) {
		o.noFallback = true
	}
}

// WithObserverBuffer sets how many events each observer may lag behind
// before it starts missing them. Default 64.
func WithObserverBuffer(n int) Option {
	return func(o *managerOptions) {
		o.observerBuffer = n
	}
}

// WithMeter sets the OpenTelemetry meter. The default is the global meter.
func WithMeter(meter metric.Meter) Option {
	return func(o *managerOptions) {
		o.meter = meter
	}
}
