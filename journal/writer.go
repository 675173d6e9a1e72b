package journal

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultCapacity = 256
	maxAttempts     = 3
	retryStep       = 300 * time.Millisecond
)

// Writer queues events and writes them to every sink from one goroutine.
// Record never blocks; when the queue is full the event is dropped.
type Writer struct {
	logger *slog.Logger
	sinks  []Sink
	queue  chan Event
	retry  time.Duration

	dropped atomic.Uint64
	once    sync.Once
	done    chan struct{}
}

// NewWriter returns a writer over sinks. capacity <= 0 selects 256.
func NewWriter(logger *slog.Logger, capacity int, sinks ...Sink) *Writer {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		logger: logger,
		sinks:  sinks,
		queue:  make(chan Event, capacity),
		retry:  retryStep,
		done:   make(chan struct{}),
	}
}

// Record enqueues e and reports whether it was accepted.
func (w *Writer) Record(e Event) bool {
	select {
	case w.queue <- e:
		return true
	default:
		w.dropped.Add(1)
		w.logger.Warn("journal queue full, event dropped", "channel", e.Channel, "to", e.To)
		return false
	}
}

// Dropped returns the number of events Record refused.
func (w *Writer) Dropped() uint64 { return w.dropped.Load() }

// Start runs the write loop until ctx is cancelled. Events still queued at
// that point are flushed with a short grace period before Done closes.
func (w *Writer) Start(ctx context.Context) {
	w.once.Do(func() {
		go w.run(ctx)
	})
}

// Done is closed once the write loop has exited and the sinks are closed.
func (w *Writer) Done() <-chan struct{} { return w.done }

func (w *Writer) run(ctx context.Context) {
	defer close(w.done)
	defer w.closeSinks()
	for {
		select {
		case <-ctx.Done():
			w.flush()
			return
		case e := <-w.queue:
			w.write(ctx, e)
		}
	}
}

func (w *Writer) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case e := <-w.queue:
			for _, s := range w.sinks {
				if err := s.Write(ctx, e); err != nil {
					w.logger.Error("journal flush failed", "sink", s.Name(), "error", err)
				}
			}
		default:
			return
		}
	}
}

func (w *Writer) write(ctx context.Context, e Event) {
	for _, s := range w.sinks {
		w.writeWithRetry(ctx, s, e)
	}
}

func (w *Writer) writeWithRetry(ctx context.Context, s Sink, e Event) {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := s.Write(ctx, e)
		if err == nil {
			return
		}
		w.logger.Error("journal write failed", "sink", s.Name(), "event", e.ID, "attempt", attempt, "error", err)
		if attempt == maxAttempts {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempt) * w.retry):
		}
	}
}

func (w *Writer) closeSinks() {
	for _, s := range w.sinks {
		if err := s.Close(); err != nil {
			w.logger.Warn("close journal sink", "sink", s.Name(), "error", err)
		}
	}
}
