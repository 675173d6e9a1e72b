package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rockwatch/livefeed"
)

// handleFeedSocket is the persistent endpoint of a feed. Outbound envelopes
// use the codec named by ?codec= (json by default). Inbound frames are
// decoded by frame type: text as JSON, binary as msgpack. Well-formed
// envelopes are rebroadcast to the feed; malformed ones are logged and
// dropped without closing the connection.
func (s *Server) handleFeedSocket(w http.ResponseWriter, r *http.Request) {
	feed := r.PathValue("feed")
	codec, err := livefeed.CodecByName(r.URL.Query().Get("codec"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// subscribed before the handshake completes so nothing published after
	// the client sees the connection open is missed
	sub := s.hub.Subscribe(feed)
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Cancel()
		s.logger.Warn("websocket upgrade failed", "feed", feed, "error", err)
		return
	}
	logger := s.logger.With("feed", feed, "remote", r.RemoteAddr, "transport", "ws")
	logger.Info("client connected", "codec", codec.Name())

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeSocket(conn, codec, sub)
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("read ended", "error", err)
			}
			break
		}
		dec := livefeed.Codec(livefeed.JSONCodec{})
		if msgType == websocket.BinaryMessage {
			dec = livefeed.MsgpackCodec{}
		}
		env, err := dec.Decode(data)
		if err != nil {
			var perr *livefeed.ProtocolError
			if errors.As(err, &perr) {
				logger.Warn("dropping malformed envelope", "reason", perr.Reason, "size", len(data))
				continue
			}
			logger.Warn("dropping envelope", "error", err)
			continue
		}
		s.hub.Publish(feed, env)
	}

	sub.Cancel()
	<-writerDone
	logger.Info("client disconnected")
}

// writeSocket is the only writer of conn.
func (s *Server) writeSocket(conn *websocket.Conn, codec livefeed.Codec, sub *Subscription) {
	defer conn.Close()

	msgType := websocket.TextMessage
	if codec.Binary() {
		msgType = websocket.BinaryMessage
	}
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case v, ok := <-sub.C:
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
				return
			}
			env, ok := v.(livefeed.Envelope)
			if !ok {
				continue
			}
			data, err := codec.Encode(env)
			if err != nil {
				s.logger.Error("encode envelope", "kind", env.Tag(), "error", err)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(msgType, data); err != nil {
				sub.Cancel()
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				sub.Cancel()
				return
			}
		}
	}
}

// handleFeedEvents is the push-only endpoint of a feed: envelopes are JSON
// events on a text/event-stream, with periodic keepalive comments.
func (s *Server) handleFeedEvents(w http.ResponseWriter, r *http.Request) {
	feed := r.PathValue("feed")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub := s.hub.Subscribe(feed)
	defer sub.Cancel()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	logger := s.logger.With("feed", feed, "remote", r.RemoteAddr, "transport", "sse")
	logger.Info("client connected")
	defer logger.Info("client disconnected")

	keepalive := time.NewTicker(s.keepalive)
	defer keepalive.Stop()
	codec := livefeed.JSONCodec{}
	for {
		select {
		case <-r.Context().Done():
			return
		case v, ok := <-sub.C:
			if !ok {
				return
			}
			env, ok := v.(livefeed.Envelope)
			if !ok {
				continue
			}
			data, err := codec.Encode(env)
			if err != nil {
				logger.Error("encode envelope", "kind", env.Tag(), "error", err)
				continue
			}
			if err := livefeed.WriteSSE(w, data); err != nil {
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if err := livefeed.WriteSSEKeepalive(w); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
