package server

import (
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"time"

	"github.com/rockwatch/livefeed/loop"
)

// handleStream serves a channel as multipart/x-mixed-replace, one JPEG part
// per emitted frame. A viewer joins at the shared cursor; while the channel
// is stopped or in maintenance the response stays open and idle. The
// response ends when the client leaves or the server closes.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.channel(w, r)
	if !ok {
		return
	}
	if st := ch.Status(); st.State == loop.StateError {
		writeError(w, http.StatusServiceUnavailable, "channel unavailable: "+errString(st.Err))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stopOnClose := context.AfterFunc(s.ctx, cancel)
	defer stopOnClose()

	frames := ch.Subscribe(ctx, streamBuffer)
	mw := multipart.NewWriter(w)
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mw.Boundary())
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.logger.Debug("viewer attached", "channel", ch.ID(), "remote", r.RemoteAddr)
	for f := range frames {
		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":   {"image/jpeg"},
			"Content-Length": {strconv.Itoa(len(f.Data))},
		})
		if err != nil {
			return
		}
		if _, err := part.Write(f.Data); err != nil {
			return
		}
		flusher.Flush()
	}
}

func (s *Server) handleChannelStatus(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.channel(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, ch.Status())
}

func (s *Server) handleChannelEvents(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.channel(w, r)
	if !ok {
		return
	}
	if s.history == nil {
		writeError(w, http.StatusNotFound, "journal disabled")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	events, err := s.history.Recent(r.Context(), ch.ID(), limit)
	if err != nil {
		s.logger.Error("read channel events", "channel", ch.ID(), "error", err)
		writeError(w, http.StatusInternalServerError, "journal unavailable")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

type controlRequest struct {
	Action string `json:"action"`
}

// handleControl applies start, stop, maintenance, resume or reset.
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.allow(r) {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "too many control requests")
		return
	}
	ch, ok := s.channel(w, r)
	if !ok {
		return
	}

	var req controlRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid control request")
		return
	}

	var err error
	ctx := r.Context()
	switch req.Action {
	case "start":
		err = ch.Start(ctx)
	case "stop":
		err = ch.Stop(ctx)
	case "maintenance":
		err = ch.SetMaintenance(ctx, true)
	case "resume":
		err = ch.SetMaintenance(ctx, false)
	case "reset":
		err = ch.Reset(ctx)
	default:
		writeError(w, http.StatusBadRequest, "unknown action "+strconv.Quote(req.Action))
		return
	}

	var unavailable *loop.SourceUnavailable
	switch {
	case err == nil:
	case errors.Is(err, loop.ErrChannelFailed):
		writeError(w, http.StatusConflict, "channel is in error; reset it first")
		return
	case errors.As(err, &unavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case errors.Is(err, loop.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "server shutting down")
		return
	default:
		s.logger.Error("channel control failed", "channel", ch.ID(), "action", req.Action, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Info("channel control", "channel", ch.ID(), "action", req.Action, "remote", remoteIP(r))
	writeJSON(w, http.StatusOK, ch.Status())
}

type serviceStatus struct {
	Status        string        `json:"status"`
	UptimeSeconds float64       `json:"uptimeSeconds"`
	Feeds         []string      `json:"feeds"`
	Reconnect     reconnectHint `json:"reconnect"`
	Channels      []loop.Status `json:"channels"`
	JournalDrops  uint64        `json:"journalDropped"`
}

type reconnectHint struct {
	MaxAttempts int     `json:"maxAttempts"`
	BaseDelayMs int64   `json:"baseDelayMs"`
	Multiplier  float64 `json:"multiplier"`
	MaxDelayMs  int64   `json:"maxDelayMs"`
	Jitter      float64 `json:"jitter"`
}

// handleStatus reports service health: "ok", or "degraded" while any
// channel is in error.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	out := serviceStatus{
		Status:        "ok",
		UptimeSeconds: time.Since(s.started).Seconds(),
		Feeds:         s.feeds,
		Reconnect: reconnectHint{
			MaxAttempts: s.reconnect.MaxAttempts,
			BaseDelayMs: s.reconnect.BaseDelay.Milliseconds(),
			Multiplier:  s.reconnect.Multiplier,
			MaxDelayMs:  s.reconnect.MaxDelay.Milliseconds(),
			Jitter:      s.reconnect.Jitter,
		},
		Channels: s.supplier.Statuses(),
	}
	for _, st := range out.Channels {
		if st.State == loop.StateError {
			out.Status = "degraded"
		}
	}
	if s.journal != nil {
		out.JournalDrops = s.journal.Dropped()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) channel(w http.ResponseWriter, r *http.Request) (*loop.Channel, bool) {
	ch, err := s.supplier.Channel(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return nil, false
	}
	return ch, true
}

func errString(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
