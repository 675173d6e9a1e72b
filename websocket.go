package livefeed

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultPingInterval     = 30 * time.Second
	defaultWriteTimeout     = 10 * time.Second
)

// WebSocketAdapter implements the Persistent transport over gorilla/websocket.
type WebSocketAdapter struct {
	// Dialer is used to open connections. Nil means a dialer with a 10s
	// handshake timeout.
	Dialer *websocket.Dialer

	// Header is sent with the opening handshake.
	Header http.Header

	// Binary sends envelopes as binary frames instead of text frames.
	// It must match the codec in use.
	Binary bool

	// PingInterval is the keepalive period. Zero means 30s, negative
	// disables pings.
	PingInterval time.Duration
}

// NewWebSocketAdapter returns an adapter whose frame type matches codec.
func NewWebSocketAdapter(codec Codec) *WebSocketAdapter {
	return &WebSocketAdapter{Binary: codec.Binary()}
}

func (a *WebSocketAdapter) Mode() Mode { return Persistent }

func (a *WebSocketAdapter) Open(ctx context.Context, endpoint string) (Stream, error) {
	dialer := a.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: defaultHandshakeTimeout}
	}

	conn, resp, err := dialer.DialContext(ctx, endpoint, a.Header)
	if err != nil {
		reason := err.Error()
		if resp != nil {
			reason = resp.Status + ": " + reason
		}
		return nil, &TransportError{Transport: Persistent, URL: endpoint, Reason: reason, Cause: err}
	}

	msgType := websocket.TextMessage
	if a.Binary {
		msgType = websocket.BinaryMessage
	}
	s := &wsStream{
		url:     endpoint,
		conn:    conn,
		msgType: msgType,
		done:    make(chan struct{}),
	}

	interval := a.PingInterval
	if interval == 0 {
		interval = defaultPingInterval
	}
	if interval > 0 {
		go s.heartbeatLoop(interval)
	}
	return s, nil
}

// wsStream is one open WebSocket connection.
type wsStream struct {
	url     string
	conn    *websocket.Conn
	msgType int

	mu        sync.Mutex // protects conn writes
	done      chan struct{}
	closeOnce sync.Once
}

func (s *wsStream) Recv(ctx context.Context) ([]byte, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		select {
		case <-s.done:
			return nil, &TransportError{Transport: Persistent, URL: s.url, Reason: "stream closed", Cause: err}
		default:
		}
		reason := "read failed"
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			reason = "closed by server"
		}
		return nil, &TransportError{Transport: Persistent, URL: s.url, Reason: reason, Cause: err}
	}
	return data, nil
}

func (s *wsStream) Send(ctx context.Context, data []byte) error {
	select {
	case <-s.done:
		return &TransportError{Transport: Persistent, URL: s.url, Reason: "stream closed", Cause: ErrNotConnected}
	default:
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultWriteTimeout)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return &TransportError{Transport: Persistent, URL: s.url, Reason: "set write deadline", Cause: err}
	}
	if err := s.conn.WriteMessage(s.msgType, data); err != nil {
		return &TransportError{Transport: Persistent, URL: s.url, Reason: "write failed", Cause: err}
	}
	return nil
}

func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = s.conn.Close()
		if errors.Is(err, websocket.ErrCloseSent) {
			err = nil
		}
	})
	return err
}

func (s *wsStream) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(defaultWriteTimeout)); err != nil {
				return
			}
		}
	}
}
