// Package server is the HTTP side of the delivery layer: it pushes feed
// envelopes over WebSocket and SSE, streams loop channels as MJPEG and
// exposes channel control and status.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rockwatch/livefeed"
	"github.com/rockwatch/livefeed/journal"
	"github.com/rockwatch/livefeed/loop"
)

const (
	defaultKeepalive = 15 * time.Second
	writeTimeout     = 10 * time.Second
	pingInterval     = 30 * time.Second
	streamBuffer     = 8
)

// History serves past channel events.
type History interface {
	Recent(ctx context.Context, channel string, limit int) ([]journal.Event, error)
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithJournal records every channel transition to w.
func WithJournal(w *journal.Writer) Option {
	return func(s *Server) { s.journal = w }
}

// WithHistory serves GET /channels/{id}/events from h.
func WithHistory(h History) Option {
	return func(s *Server) { s.history = h }
}

// WithFeeds names the feeds that receive heartbeats and channel status
// envelopes. Clients may still subscribe to any feed name.
func WithFeeds(feeds ...string) Option {
	return func(s *Server) { s.feeds = feeds }
}

// WithHeartbeat sets the heartbeat period. Zero disables heartbeats.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) { s.heartbeat = d }
}

// WithKeepalive sets the SSE keepalive period.
func WithKeepalive(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.keepalive = d
		}
	}
}

// WithControlLimit throttles the control endpoint per remote address.
func WithControlLimit(rps float64, burst int) Option {
	return func(s *Server) {
		if rps > 0 && burst > 0 {
			s.limiter = newControlLimiter(rps, burst)
		}
	}
}

// WithReconnectHint advertises the reconnect parameters clients should use
// in /api/status.
func WithReconnectHint(p livefeed.PolicyParams) Option {
	return func(s *Server) { s.reconnect = p }
}

// WithHubBuffer sets the per-subscriber envelope buffer.
func WithHubBuffer(n int) Option {
	return func(s *Server) { s.hubBuffer = n }
}

// Server serves the feeds and the channels of one loop supplier.
type Server struct {
	supplier  *loop.Supplier
	hub       *Hub
	journal   *journal.Writer
	history   History
	limiter   *controlLimiter
	logger    *slog.Logger
	upgrader  websocket.Upgrader
	feeds     []string
	heartbeat time.Duration
	keepalive time.Duration
	reconnect livefeed.PolicyParams
	hubBuffer int
	started   time.Time
	mux       *http.ServeMux

	// ctx ends with Close; long-lived handlers stop on it.
	ctx  context.Context
	stop context.CancelFunc
}

// New builds a server over supplier and subscribes to its channel
// transitions.
func New(supplier *loop.Supplier, opts ...Option) *Server {
	s := &Server{
		supplier:  supplier,
		logger:    slog.Default(),
		feeds:     []string{"rockfall"},
		keepalive: defaultKeepalive,
		reconnect: livefeed.DefaultPolicyParams(),
		limiter:   newControlLimiter(5, 10),
		started:   time.Now(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.stop = context.WithCancel(context.Background())
	s.logger = s.logger.With("component", "server")
	s.hub = NewHub(s.logger, s.hubBuffer)

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("GET /feeds/{feed}/ws", s.handleFeedSocket)
	s.mux.HandleFunc("GET /feeds/{feed}/events", s.handleFeedEvents)
	s.mux.HandleFunc("GET /channels/{id}/stream", s.handleStream)
	s.mux.HandleFunc("GET /channels/{id}/status", s.handleChannelStatus)
	s.mux.HandleFunc("GET /channels/{id}/events", s.handleChannelEvents)
	s.mux.HandleFunc("POST /channels/{id}/control", s.handleControl)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)

	supplier.OnTransition(s.onTransition)
	return s
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler { return s.mux }

// Hub returns the feed hub, for publishing envelopes from inside the process.
func (s *Server) Hub() *Hub { return s.hub }

// Run sends heartbeats and sweeps the control limiter until ctx is
// cancelled, then closes the hub, ending every push subscription.
func (s *Server) Run(ctx context.Context) {
	defer s.Close()
	go s.limiter.sweep(ctx)

	if s.heartbeat <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sendHeartbeat()
		}
	}
}

type heartbeatPayload struct {
	UptimeSeconds float64           `json:"uptimeSeconds"`
	Channels      map[string]string `json:"channels"`
}

func (s *Server) sendHeartbeat() {
	body := heartbeatPayload{
		UptimeSeconds: time.Since(s.started).Seconds(),
		Channels:      make(map[string]string),
	}
	for _, st := range s.supplier.Statuses() {
		body.Channels[st.ID] = st.State.String()
	}
	env, err := livefeed.NewEnvelope(livefeed.KindHeartbeat, body)
	if err != nil {
		s.logger.Error("build heartbeat", "error", err)
		return
	}
	s.broadcast(env)
}

func (s *Server) broadcast(env livefeed.Envelope) {
	for _, feed := range s.feeds {
		s.hub.Publish(feed, env)
	}
}

type channelStatusPayload struct {
	Channel string `json:"channel"`
	From    string `json:"from"`
	To      string `json:"to"`
	Cursor  int    `json:"cursor"`
	Error   string `json:"error,omitempty"`
}

// onTransition runs on the channel's goroutine; it only enqueues.
func (s *Server) onTransition(t loop.Transition) {
	body := channelStatusPayload{
		Channel: t.Channel,
		From:    t.From.String(),
		To:      t.To.String(),
		Cursor:  t.Cursor,
	}
	if t.Err != nil {
		body.Error = t.Err.Error()
	}
	env, err := livefeed.NewEnvelope(livefeed.KindChannelStatus, body)
	if err != nil {
		s.logger.Error("build channel status", "channel", t.Channel, "error", err)
	} else {
		s.broadcast(env)
	}
	if s.journal != nil {
		s.journal.Record(journal.FromTransition(t))
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorBody{Error: msg})
}

// Close ends every push subscription and every channel stream, so an
// http.Server shutdown that follows does not wait on them. Run calls it on
// return.
func (s *Server) Close() {
	s.stop()
	s.hub.Close()
}
