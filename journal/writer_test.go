package journal

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memorySink struct {
	mu       sync.Mutex
	name     string
	events   []Event
	failures int // Write fails this many times before succeeding
	calls    int
	closed   bool
	block    chan struct{}
}

func (s *memorySink) Name() string { return s.name }

func (s *memorySink) Write(ctx context.Context, e Event) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		return errors.New("store unavailable")
	}
	s.events = append(s.events, e)
	return nil
}

func (s *memorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *memorySink) snapshot() ([]Event, int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...), s.calls, s.closed
}

func quietLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestWriter_WritesEveryEventToEverySink(t *testing.T) {
	a := &memorySink{name: "a"}
	b := &memorySink{name: "b"}
	w := NewWriter(quietLogger(), 16, a, b)

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)
	for i := range 5 {
		require.True(t, w.Record(Event{ID: string(rune('a' + i)), Channel: "east"}))
	}

	require.Eventually(t, func() bool {
		ea, _, _ := a.snapshot()
		eb, _, _ := b.snapshot()
		return len(ea) == 5 && len(eb) == 5
	}, time.Second, 5*time.Millisecond)

	events, _, _ := a.snapshot()
	for i, e := range events {
		assert.Equal(t, string(rune('a'+i)), e.ID, "events out of order")
	}

	cancel()
	<-w.Done()
	_, _, closed := a.snapshot()
	assert.True(t, closed)
}

func TestWriter_RetriesFailedWrites(t *testing.T) {
	flaky := &memorySink{name: "flaky", failures: 2}
	w := NewWriter(quietLogger(), 4, flaky)
	w.retry = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	w.Record(Event{ID: "1"})

	require.Eventually(t, func() bool {
		events, _, _ := flaky.snapshot()
		return len(events) == 1
	}, time.Second, time.Millisecond)
	_, calls, _ := flaky.snapshot()
	assert.Equal(t, 3, calls)
}

func TestWriter_GivesUpAfterMaxAttempts(t *testing.T) {
	broken := &memorySink{name: "broken", failures: 100}
	w := NewWriter(quietLogger(), 4, broken)
	w.retry = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	w.Record(Event{ID: "1"})
	w.Record(Event{ID: "2"})

	require.Eventually(t, func() bool {
		_, calls, _ := broken.snapshot()
		return calls == 2*maxAttempts
	}, time.Second, time.Millisecond)
}

func TestWriter_RecordNeverBlocks(t *testing.T) {
	slow := &memorySink{name: "slow", block: make(chan struct{})}
	w := NewWriter(quietLogger(), 2, slow)

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 10 {
			w.Record(Event{Channel: "east"})
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a full queue")
	}
	assert.GreaterOrEqual(t, w.Dropped(), uint64(7))

	close(slow.block)
	cancel()
	<-w.Done()
}

func TestWriter_FlushesQueueOnShutdown(t *testing.T) {
	sink := &memorySink{name: "mem"}
	w := NewWriter(quietLogger(), 8, sink)
	for range 3 {
		w.Record(Event{Channel: "west"})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.Start(ctx)
	<-w.Done()

	events, _, closed := sink.snapshot()
	assert.Len(t, events, 3)
	assert.True(t, closed)
}
