package server

import (
	"log/slog"
	"sync"

	"github.com/cskr/pubsub"

	"github.com/rockwatch/livefeed"
)

const defaultHubBuffer = 64

// Hub fans envelopes out to the subscribers of each feed. A subscriber whose
// buffer is full misses envelopes; publishing never waits for it.
type Hub struct {
	mu     sync.Mutex
	ps     *pubsub.PubSub
	closed bool
	logger *slog.Logger
}

// NewHub returns a hub whose subscribers buffer up to capacity envelopes.
func NewHub(logger *slog.Logger, capacity int) *Hub {
	if capacity <= 0 {
		capacity = defaultHubBuffer
	}
	return &Hub{ps: pubsub.New(capacity), logger: logger}
}

func topic(feed string) string { return "feed:" + feed }

// Publish delivers env to every current subscriber of feed.
func (h *Hub) Publish(feed string, env livefeed.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.logger.Debug("publish", "feed", feed, "kind", env.Tag(), "id", env.ID())
	h.ps.TryPub(env, topic(feed))
}

// Subscription is one subscriber of a feed.
type Subscription struct {
	C <-chan any

	hub  *Hub
	raw  chan any
	once sync.Once
}

// Subscribe registers a subscriber of feed. C is closed after Cancel or
// when the hub closes.
func (h *Hub) Subscribe(feed string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		raw := make(chan any)
		close(raw)
		return &Subscription{C: raw, hub: h, raw: raw}
	}
	raw := h.ps.Sub(topic(feed))
	h.logger.Debug("subscribe", "feed", feed)
	return &Subscription{C: raw, hub: h, raw: raw}
}

// Cancel unsubscribes. It is safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		defer s.hub.mu.Unlock()
		if !s.hub.closed {
			s.hub.ps.Unsub(s.raw)
		}
	})
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	h.ps.Shutdown()
}
