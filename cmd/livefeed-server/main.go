// livefeed-server serves the camera loop channels and the rockfall feeds.
//
// Usage:
//
//	go run ./cmd/livefeed-server -config livefeed.yaml
//
// Every setting can be overridden through LIVEFEED_* environment variables;
// see internal/config.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rockwatch/livefeed/internal/config"
	"github.com/rockwatch/livefeed/internal/logging"
	"github.com/rockwatch/livefeed/journal"
	"github.com/rockwatch/livefeed/loop"
	"github.com/rockwatch/livefeed/server"
)

// journalFlushTimeout covers the writer's own flush window plus closing
// its sinks.
const journalFlushTimeout = 3 * time.Second

func main() {
	path := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	if err := run(*path); err != nil {
		fmt.Fprintln(os.Stderr, "livefeed-server:", err)
		os.Exit(1)
	}
}

func run(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	logger, err := logging.New(os.Stderr, cfg.Log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	supplier := loop.New(loop.WithLogger(logging.Component(logger, "loop")))
	defer supplier.Close()

	for _, cc := range cfg.Channels {
		src, err := source(ctx, cc)
		if err != nil {
			return fmt.Errorf("channel %q: %w", cc.ID, err)
		}
		_, err = supplier.Register(ctx, loop.ChannelConfig{
			ID:        cc.ID,
			Title:     cc.Title,
			Source:    src,
			Autostart: cc.Autostart,
		})
		var unavailable *loop.SourceUnavailable
		switch {
		case errors.As(err, &unavailable):
			// The channel stays registered in the error state until reset.
			logger.Warn("channel source unavailable", "channel", cc.ID, "error", err)
		case err != nil:
			return err
		}
	}

	opts := []server.Option{
		server.WithLogger(logging.Component(logger, "server")),
		server.WithFeeds(cfg.Feeds...),
		server.WithHeartbeat(cfg.Heartbeat),
		server.WithControlLimit(cfg.Control.RPS, cfg.Control.Burst),
		server.WithReconnectHint(cfg.Reconnect.Params()),
	}

	var sinks []journal.Sink
	if cfg.Journal.Driver != "" {
		sqlSink, err := journal.OpenSQL(ctx, cfg.Journal.Driver, cfg.Journal.DSN)
		if err != nil {
			return fmt.Errorf("journal: %w", err)
		}
		sinks = append(sinks, sqlSink)
		opts = append(opts, server.WithHistory(sqlSink))
	}
	if cfg.MQTT.Broker != "" {
		mqttSink, err := journal.DialMQTT(ctx, journal.MQTTConfig{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         cfg.MQTT.QoS,
		}, logging.Component(logger, "mqtt"))
		if err != nil {
			// Status publishing is optional; the service runs without it.
			logger.Warn("mqtt unavailable", "broker", cfg.MQTT.Broker, "error", err)
		} else {
			sinks = append(sinks, mqttSink)
		}
	}

	var writer *journal.Writer
	if len(sinks) > 0 {
		writer = journal.NewWriter(logging.Component(logger, "journal"), 0, sinks...)
		opts = append(opts, server.WithJournal(writer))
	}

	srv := server.New(supplier, opts...)
	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// The journal outlives the request context so shutdown transitions are
	// still flushed.
	journalCtx, stopJournal := context.WithCancel(context.Background())
	if writer != nil {
		writer.Start(journalCtx)
	}
	go srv.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Listen, "channels", len(cfg.Channels), "feeds", strings.Join(cfg.Feeds, ","))
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		stopJournal()
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	// Ends push subscriptions and channel streams first so Shutdown only
	// waits on short requests.
	srv.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	supplier.Close()

	stopJournal()
	if writer != nil {
		select {
		case <-writer.Done():
		case <-time.After(journalFlushTimeout):
			logger.Warn("journal flush timed out")
		}
	}
	return nil
}

func source(ctx context.Context, cc config.ChannelConfig) (loop.Source, error) {
	switch cc.Source {
	case config.SourceS3:
		return loop.NewS3Source(ctx, loop.S3Config{
			Bucket:   cc.Bucket,
			Prefix:   cc.Prefix,
			Region:   cc.Region,
			Endpoint: cc.Endpoint,
			Suffix:   strings.TrimPrefix(cc.Pattern, "*"),
			FPS:      cc.FPS,
		})
	case config.SourceDir, "":
		return &loop.DirSource{Dir: cc.Dir, Pattern: cc.Pattern, FPS: cc.FPS}, nil
	default:
		return nil, fmt.Errorf("unknown source %q", cc.Source)
	}
}
