package livefeed

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind is the discriminator of an Envelope. The vocabulary is fixed; wire tags
// outside it decode to KindUnknown and keep their original tag.
type Kind int

const (
	KindUnknown Kind = iota
	KindAlert
	KindDetection
	KindRiskUpdate
	KindChannelStatus
	KindHeartbeat
)

var kindTags = [...]string{
	KindUnknown:       "unknown",
	KindAlert:         "alert",
	KindDetection:     "detection",
	KindRiskUpdate:    "risk_update",
	KindChannelStatus: "channel_status",
	KindHeartbeat:     "heartbeat",
}

func (k Kind) String() string {
	if int(k) >= 0 && int(k) < len(kindTags) {
		return kindTags[k]
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// ParseKind maps a wire tag to a Kind. Unrecognized tags yield KindUnknown.
func ParseKind(tag string) Kind {
	for k, t := range kindTags {
		if k != int(KindUnknown) && t == tag {
			return Kind(k)
		}
	}
	return KindUnknown
}

// Envelope is the uniform message exchanged over every transport. It is
// immutable once constructed; accessors return copies of the payload.
type Envelope struct {
	id        string
	kind      Kind
	tag       string
	payload   json.RawMessage
	timestamp time.Time
}

// NewEnvelope builds an envelope of a known kind. The body is marshaled to
// JSON; a nil body becomes an empty object.
func NewEnvelope(kind Kind, body any) (Envelope, error) {
	if kind == KindUnknown {
		return Envelope{}, errors.New("use NewUnknownEnvelope for unrecognized kinds")
	}
	payload, err := marshalPayload(body)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		id:        generateID(),
		kind:      kind,
		tag:       kind.String(),
		payload:   payload,
		timestamp: time.Now().UTC(),
	}, nil
}

// NewUnknownEnvelope builds an envelope carrying a tag outside the known
// vocabulary. It is mostly useful for relaying what was received.
func NewUnknownEnvelope(tag string, body any) (Envelope, error) {
	if tag == "" {
		return Envelope{}, errors.New("envelope tag must not be empty")
	}
	payload, err := marshalPayload(body)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		id:        generateID(),
		kind:      ParseKind(tag),
		tag:       tag,
		payload:   payload,
		timestamp: time.Now().UTC(),
	}, nil
}

func marshalPayload(body any) (json.RawMessage, error) {
	switch b := body.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if !json.Valid(b) {
			return nil, errors.New("payload is not valid JSON")
		}
		return bytes.Clone(b), nil
	default:
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		return data, nil
	}
}

// ID returns the envelope identifier, empty if the sender didn't set one.
func (e Envelope) ID() string { return e.id }

// Kind returns the discriminator.
func (e Envelope) Kind() Kind { return e.kind }

// Tag returns the wire tag. For KindUnknown it is the tag that was received.
func (e Envelope) Tag() string {
	if e.tag == "" {
		return e.kind.String()
	}
	return e.tag
}

// Payload returns a copy of the raw JSON payload.
func (e Envelope) Payload() json.RawMessage { return bytes.Clone(e.payload) }

// Timestamp returns the time the envelope was created by its sender.
func (e Envelope) Timestamp() time.Time { return e.timestamp }

// UnmarshalPayload decodes the payload into v.
func (e Envelope) UnmarshalPayload(v any) error {
	if len(e.payload) == 0 {
		return errors.New("envelope has no payload")
	}
	return json.Unmarshal(e.payload, v)
}

// generateID returns a new unique envelope ID.
func generateID() string {
	return uuid.New().String()
}
