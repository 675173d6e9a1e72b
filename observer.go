package livefeed

import (
	"context"
	"sync"

	"github.com/cskr/pubsub"
)

const (
	topicStatus     = "status"
	topicMessage    = "message"
	topicDiagnostic = "diagnostic"
)

const defaultObserverBuffer = 64

// hub fans events out to observers. Publishing never blocks: an observer
// whose buffer is full misses the event.
type hub struct {
	mu       sync.Mutex
	ps       *pubsub.PubSub
	capacity int
	closed   bool
	done     chan struct{}
}

func newHub(capacity int) *hub {
	if capacity <= 0 {
		capacity = defaultObserverBuffer
	}
	return &hub{
		ps:       pubsub.New(capacity),
		capacity: capacity,
		done:     make(chan struct{}),
	}
}

func (h *hub) publish(topic string, v any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.ps.TryPub(v, topic)
}

// close ends every observer sequence.
func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.done)
	h.ps.Shutdown()
}

// subscribe returns a typed sequence of the events on topic. The sequence
// ends when ctx is cancelled or the hub closes. If initial is non-nil it is
// delivered first.
func subscribe[T any](ctx context.Context, h *hub, topic string, initial *T) <-chan T {
	out := make(chan T, h.capacity)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		if initial != nil {
			out <- *initial
		}
		close(out)
		return out
	}
	raw := h.ps.Sub(topic)
	h.mu.Unlock()

	if initial != nil {
		out <- *initial
	}

	go func() {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			if !h.closed {
				h.ps.Unsub(raw)
			}
			h.mu.Unlock()
		case <-h.done:
		}
	}()

	go func() {
		defer close(out)
		// raw must be drained until pubsub closes it.
		for v := range raw {
			t, ok := v.(T)
			if !ok {
				continue
			}
			select {
			case out <- t:
			case <-ctx.Done():
			}
		}
	}()
	return out
}
