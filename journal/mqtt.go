package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// MQTTConfig configures the broker connection of an MQTTSink.
type MQTTConfig struct {
	Broker      string // host:port or a full URL such as tcp://host:1883
	ClientID    string // generated when empty
	TopicPrefix string // default "livefeed"
	QoS         byte
	Timeout     time.Duration // connect and publish wait, default 5s
}

// publisher is the part of mqtt.Client the sink uses.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTSink publishes each event, retained, to
// {prefix}/channels/{channel}/status so late subscribers see the current
// state of every channel.
type MQTTSink struct {
	client  publisher
	conn    mqtt.Client
	prefix  string
	qos     byte
	timeout time.Duration
}

// DialMQTT connects to the broker. The client reconnects on its own after
// a lost connection.
func DialMQTT(ctx context.Context, cfg MQTTConfig, logger *slog.Logger) (*MQTTSink, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt broker is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = mqttDefaults(cfg)

	broker := cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		logger.Info("mqtt connection established", "broker", broker, "client_id", cfg.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost, will auto-reconnect", "broker", broker, "error", err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if err := wait(ctx, token, cfg.Timeout); err != nil {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect %s: %w", broker, err)
	}

	s := newMQTTSink(client, cfg)
	s.conn = client
	return s, nil
}

func newMQTTSink(p publisher, cfg MQTTConfig) *MQTTSink {
	cfg = mqttDefaults(cfg)
	return &MQTTSink{client: p, prefix: cfg.TopicPrefix, qos: cfg.QoS, timeout: cfg.Timeout}
}

func mqttDefaults(cfg MQTTConfig) MQTTConfig {
	if cfg.ClientID == "" {
		cfg.ClientID = "livefeed-" + uuid.NewString()[:8]
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "livefeed"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return cfg
}

func (s *MQTTSink) Name() string { return "mqtt" }

// Topic returns the status topic of channel.
func (s *MQTTSink) Topic(channel string) string {
	return s.prefix + "/channels/" + channel + "/status"
}

func (s *MQTTSink) Write(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	token := s.client.Publish(s.Topic(e.Channel), s.qos, true, payload)
	if err := wait(ctx, token, s.timeout); err != nil {
		return fmt.Errorf("publish %s: %w", s.Topic(e.Channel), err)
	}
	return nil
}

func (s *MQTTSink) Close() error {
	if s.conn != nil && s.conn.IsConnected() {
		s.conn.Disconnect(250)
	}
	return nil
}

func wait(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return errors.New("timed out")
	case <-ctx.Done():
		return ctx.Err()
	}
}
