package livefeed

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec encodes and decodes envelopes independently of the transport. Codecs
// are stateless and safe for concurrent use.
type Codec interface {
	// Name identifies the codec in config and logs ("json", "msgpack").
	Name() string

	// Binary reports whether encoded envelopes must travel as binary frames.
	Binary() bool

	Encode(env Envelope) ([]byte, error)

	// Decode returns a *ProtocolError for any malformed input.
	Decode(data []byte) (Envelope, error)
}

// CodecByName returns the codec registered under name.
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return JSONCodec{}, nil
	case "msgpack":
		return MsgpackCodec{}, nil
	default:
		return nil, &ConfigError{Field: "codec", Reason: fmt.Sprintf("unknown codec %q", name)}
	}
}

// timestampLayouts are tried in order when decoding. The zoneless layout
// accepts ISO-8601 timestamps produced without an offset; they are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

func parseTimestamp(raw string) (time.Time, error) {
	var lastErr error
	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, raw)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// jsonEnvelope is the JSON wire format:
// {"id": ..., "kind": ..., "payload": ..., "timestamp": ISO-8601}.
type jsonEnvelope struct {
	ID        string          `json:"id,omitempty"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp string          `json:"timestamp"`
}

// JSONCodec is the default text codec, and the only one the push-only
// transport carries.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Binary() bool { return false }

func (JSONCodec) Encode(env Envelope) ([]byte, error) {
	payload := env.payload
	if len(payload) == 0 {
		payload = json.RawMessage(`null`)
	}
	return json.Marshal(jsonEnvelope{
		ID:        env.id,
		Kind:      env.Tag(),
		Payload:   payload,
		Timestamp: formatTimestamp(env.timestamp),
	})
}

func (JSONCodec) Decode(data []byte) (Envelope, error) {
	var wire jsonEnvelope
	if err := json.Unmarshal(data, &wire); err != nil {
		return Envelope{}, &ProtocolError{Reason: "malformed envelope", Raw: data, Cause: err}
	}
	return fromWire(wire.ID, wire.Kind, wire.Payload, wire.Timestamp, data)
}

// msgpackEnvelope mirrors jsonEnvelope; the payload stays JSON bytes so that
// envelopes round-trip between codecs unchanged.
type msgpackEnvelope struct {
	ID        string `msgpack:"id,omitempty"`
	Kind      string `msgpack:"kind"`
	Payload   []byte `msgpack:"payload"`
	Timestamp string `msgpack:"timestamp"`
}

// MsgpackCodec is a compact binary codec for the persistent transport.
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string { return "msgpack" }

func (MsgpackCodec) Binary() bool { return true }

func (MsgpackCodec) Encode(env Envelope) ([]byte, error) {
	data, err := msgpack.Marshal(msgpackEnvelope{
		ID:        env.id,
		Kind:      env.Tag(),
		Payload:   env.payload,
		Timestamp: formatTimestamp(env.timestamp),
	})
	if err != nil {
		return nil, fmt.Errorf("msgpack encode: %w", err)
	}
	return data, nil
}

func (MsgpackCodec) Decode(data []byte) (Envelope, error) {
	var wire msgpackEnvelope
	if err := msgpack.Unmarshal(data, &wire); err != nil {
		return Envelope{}, &ProtocolError{Reason: "malformed envelope", Raw: data, Cause: err}
	}
	if len(wire.Payload) > 0 && !json.Valid(wire.Payload) {
		return Envelope{}, &ProtocolError{Reason: "payload is not valid JSON", Raw: data}
	}
	return fromWire(wire.ID, wire.Kind, wire.Payload, wire.Timestamp, data)
}

func fromWire(id, tag string, payload []byte, ts string, raw []byte) (Envelope, error) {
	if tag == "" {
		return Envelope{}, &ProtocolError{Reason: "missing kind", Raw: raw}
	}
	if ts == "" {
		return Envelope{}, &ProtocolError{Reason: "missing timestamp", Raw: raw}
	}
	t, err := parseTimestamp(ts)
	if err != nil {
		return Envelope{}, &ProtocolError{Reason: "invalid timestamp", Raw: raw, Cause: err}
	}
	if len(payload) == 0 {
		payload = []byte(`null`)
	}
	return Envelope{
		id:        id,
		kind:      ParseKind(tag),
		tag:       tag,
		payload:   append(json.RawMessage(nil), payload...),
		timestamp: t,
	}, nil
}
