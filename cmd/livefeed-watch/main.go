// livefeed-watch connects to a feed and prints its connection status and
// every envelope it receives.
//
// Configuration via environment variables:
//
//	LIVEFEED_ENDPOINT  persistent endpoint, e.g. ws://localhost:8000/feeds/rockfall/ws
//	LIVEFEED_CODEC     json (default) or msgpack
//
// plus the LIVEFEED_* reconnect variables read by livefeed.ConnectConfig.
//
// Usage:
//
//	LIVEFEED_ENDPOINT=ws://localhost:8000/feeds/rockfall/ws go run ./cmd/livefeed-watch
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"

	"github.com/rockwatch/livefeed"
)

type alert struct {
	Level   string `json:"level"`
	Channel string `json:"channel"`
	Message string `json:"message"`
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	m, err := livefeed.ConnectConfig(ctx, livefeed.Config{
		// All fields read from LIVEFEED_* env vars by default
	}, livefeed.WithLogger(logger))
	if err != nil {
		logger.Error("connect", "error", err)
		os.Exit(1)
	}
	defer m.Disconnect()

	go func() {
		for st := range m.Statuses(ctx) {
			attrs := []any{"state", st.State.String(), "transport", st.Transport.String(), "endpoint", st.Endpoint}
			if st.Attempt > 0 {
				attrs = append(attrs, "attempt", st.Attempt, "backoff", st.Backoff)
			}
			if st.Err != nil {
				attrs = append(attrs, "error", st.Err)
			}
			logger.Info("status", attrs...)
		}
	}()

	logDiag := livefeed.LogDiagnostics(logger)
	go func() {
		for d := range m.Diagnostics(ctx) {
			logDiag(d)
		}
	}()

	d := livefeed.NewDispatcher(logDiag)
	_ = d.Handle(livefeed.KindAlert, func(ctx context.Context, env livefeed.Envelope) error {
		var a alert
		if err := env.UnmarshalPayload(&a); err != nil {
			return err
		}
		logger.Warn("ALERT", "level", a.Level, "channel", a.Channel, "message", a.Message, "at", env.Timestamp())
		return nil
	})
	printRaw := func(ctx context.Context, env livefeed.Envelope) error {
		logger.Info(env.Tag(), "id", env.ID(), "payload", string(env.Payload()))
		return nil
	}
	for _, k := range []livefeed.Kind{livefeed.KindDetection, livefeed.KindRiskUpdate, livefeed.KindChannelStatus, livefeed.KindHeartbeat, livefeed.KindUnknown} {
		_ = d.Handle(k, printRaw)
	}

	if err := d.Run(ctx, m.Messages(ctx)); err != nil && ctx.Err() == nil {
		logger.Error("dispatch", "error", err)
	}
	logger.Info("shutting down")
}
