package livefeed

import "context"

// Mode is the capability of a transport.
type Mode int

const (
	// Persistent transports are bidirectional (WebSocket).
	Persistent Mode = iota
	// PushOnly transports only carry server-to-client envelopes (SSE).
	PushOnly
)

func (m Mode) String() string {
	switch m {
	case Persistent:
		return "persistent"
	case PushOnly:
		return "push-only"
	default:
		return "unknown"
	}
}

// Adapter opens streams of encoded envelopes against an endpoint.
// Implementations: WebSocketAdapter (Persistent), SSEAdapter (PushOnly).
type Adapter interface {
	// Mode reports the capability of the streams this adapter opens.
	Mode() Mode

	// Open dials endpoint and returns once the stream is usable.
	// Failures are returned as *TransportError.
	Open(ctx context.Context, endpoint string) (Stream, error)
}

// Stream receives encoded envelopes. Recv is called from a single goroutine;
// Close may be called concurrently with Recv and unblocks it.
type Stream interface {
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// Duplex is a Stream that can also send. Only Persistent adapters return one.
type Duplex interface {
	Stream
	Send(ctx context.Context, data []byte) error
}
