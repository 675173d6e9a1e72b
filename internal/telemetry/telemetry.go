// Package telemetry holds the OpenTelemetry instruments shared by the
// connection manager and the loop supplier. Instruments come from the global
// meter provider unless one is given; with no SDK installed they are no-ops.
package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/rockwatch/livefeed"

// Metrics are the delivery-layer counters.
type Metrics struct {
	connectAttempts metric.Int64Counter
	transitions     metric.Int64Counter
	decodeErrors    metric.Int64Counter
	framesEmitted   metric.Int64Counter
	viewerDrops     metric.Int64Counter
}

// New creates the instruments on meter. A nil meter means the global one.
// Instrument creation errors are logged and leave a no-op instrument behind.
func New(meter metric.Meter) *Metrics {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	m := &Metrics{}
	m.connectAttempts = counter(meter, "livefeed.connect.attempts", "Transport open attempts")
	m.transitions = counter(meter, "livefeed.state.transitions", "Connection and channel state transitions")
	m.decodeErrors = counter(meter, "livefeed.decode.errors", "Envelopes dropped as malformed")
	m.framesEmitted = counter(meter, "livefeed.frames.emitted", "Frames emitted by loop channels")
	m.viewerDrops = counter(meter, "livefeed.viewer.drops", "Frames a slow viewer missed")
	return m
}

func counter(meter metric.Meter, name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		slog.Default().With("component", "telemetry").Warn("create counter failed", "name", name, "error", err)
		c, _ = otel.Meter(instrumentationName).Int64Counter(name)
	}
	return c
}

// ConnectAttempt counts one open attempt on a transport.
func (m *Metrics) ConnectAttempt(transport string, ok bool) {
	m.connectAttempts.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("transport", transport),
		attribute.Bool("ok", ok),
	))
}

// Transition counts a state change of a connection or channel.
func (m *Metrics) Transition(scope, state string) {
	m.transitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("scope", scope),
		attribute.String("state", state),
	))
}

// DecodeError counts a malformed envelope.
func (m *Metrics) DecodeError(transport string) {
	m.decodeErrors.Add(context.Background(), 1, metric.WithAttributes(attribute.String("transport", transport)))
}

// FrameEmitted counts one tick of a loop channel.
func (m *Metrics) FrameEmitted(channel string) {
	m.framesEmitted.Add(context.Background(), 1, metric.WithAttributes(attribute.String("channel", channel)))
}

// ViewerDrop counts a frame a viewer missed because its buffer was full.
func (m *Metrics) ViewerDrop(channel string) {
	m.viewerDrops.Add(context.Background(), 1, metric.WithAttributes(attribute.String("channel", channel)))
}
