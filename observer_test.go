package livefeed

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_FanOut(t *testing.T) {
	h := newHub(8)
	defer h.close()

	ctx := context.Background()
	a := subscribe[int](ctx, h, "n", nil)
	b := subscribe[int](ctx, h, "n", nil)

	h.publish("n", 1)
	h.publish("n", 2)
	h.publish("other", 3)

	for _, ch := range []<-chan int{a, b} {
		assert.Equal(t, 1, <-ch)
		assert.Equal(t, 2, <-ch)
	}
}

func TestHub_InitialValue(t *testing.T) {
	h := newHub(8)
	defer h.close()

	initial := "current"
	ch := subscribe(context.Background(), h, "s", &initial)
	h.publish("s", "next")
	assert.Equal(t, "current", <-ch)
	assert.Equal(t, "next", <-ch)
}

func TestHub_SlowObserverDoesNotBlock(t *testing.T) {
	h := newHub(2)
	defer h.close()

	ch := subscribe[int](context.Background(), h, "n", nil)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			h.publish("n", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow observer")
	}
	assert.Equal(t, 0, <-ch)
}

func TestHub_UnsubscribeOnCancel(t *testing.T) {
	h := newHub(8)
	defer h.close()

	ctx, cancel := context.WithCancel(context.Background())
	ch := subscribe[int](ctx, h, "n", nil)
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, time.Millisecond)
}

func TestHub_CloseEndsSequences(t *testing.T) {
	h := newHub(8)
	ch := subscribe[int](context.Background(), h, "n", nil)
	h.close()
	h.close()
	h.publish("n", 1)

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("sequence not closed")
	}

	late := subscribe[int](context.Background(), h, "n", nil)
	_, ok := <-late
	assert.False(t, ok)
}
