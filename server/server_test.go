package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rockwatch/livefeed"
	"github.com/rockwatch/livefeed/journal"
	"github.com/rockwatch/livefeed/loop"
)

var quiet = slog.New(slog.DiscardHandler)

func testFrames(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = []byte(fmt.Sprintf("jpeg-%02d", i))
	}
	return out
}

func staticSource(t *testing.T, n int, fps float64) loop.Source {
	t.Helper()
	seq, err := loop.NewSequence(testFrames(n), fps)
	require.NoError(t, err)
	return &loop.StaticSource{Label: "test", Sequence: seq}
}

// brokenSource fails until fixed is set.
type brokenSource struct {
	fixed atomic.Bool
	seq   *loop.Sequence
}

func (s *brokenSource) Name() string { return "broken" }

func (s *brokenSource) Load(ctx context.Context) (*loop.Sequence, error) {
	if !s.fixed.Load() {
		return nil, &loop.SourceUnavailable{Source: s.Name(), Reason: "no frames"}
	}
	return s.seq, nil
}

type fixture struct {
	srv *Server
	sup *loop.Supplier
	ts  *httptest.Server
}

// newFixture serves east and west (5 frames at 50fps, stopped) plus extra.
func newFixture(t *testing.T, extra []loop.ChannelConfig, opts ...Option) *fixture {
	t.Helper()
	sup := loop.New(loop.WithLogger(quiet))
	cfgs := append([]loop.ChannelConfig{
		{ID: "east", Title: "East Camera", Source: staticSource(t, 5, 50)},
		{ID: "west", Title: "West Camera", Source: staticSource(t, 5, 50)},
	}, extra...)
	for _, cfg := range cfgs {
		_, _ = sup.Register(context.Background(), cfg)
	}

	srv := New(sup, append([]Option{WithLogger(quiet)}, opts...)...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() { _ = sup.Close() })
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, sup: sup, ts: ts}
}

func (f *fixture) control(t *testing.T, id, action string) (*http.Response, map[string]any) {
	t.Helper()
	body := fmt.Sprintf(`{"action":%q}`, action)
	resp, err := http.Post(f.ts.URL+"/channels/"+id+"/control", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

// nextEnvelope waits for the next envelope of kind on sub.
func nextEnvelope(t *testing.T, sub *Subscription, kind livefeed.Kind) livefeed.Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case v, ok := <-sub.C:
			require.True(t, ok, "subscription ended")
			if env := v.(livefeed.Envelope); env.Kind() == kind {
				return env
			}
		case <-deadline:
			t.Fatalf("no %s envelope", kind)
		}
	}
}

func TestControl_Actions(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.control(t, "east", "start")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "active", body["state"])
	assert.Equal(t, "East Camera", body["title"])

	resp, body = f.control(t, "east", "maintenance")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "maintenance", body["state"])

	resp, body = f.control(t, "east", "resume")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "active", body["state"])

	resp, body = f.control(t, "east", "stop")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "stopped", body["state"])
	assert.Equal(t, 0.0, body["cursorFraction"])

	west, err := f.sup.Channel("west")
	require.NoError(t, err)
	assert.Equal(t, loop.StateStopped, west.Status().State, "control is per channel")
}

func TestControl_Errors(t *testing.T) {
	broken := &brokenSource{}
	f := newFixture(t, []loop.ChannelConfig{{ID: "north", Source: broken}})

	resp, _ := f.control(t, "south", "start")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body := f.control(t, "east", "rewind")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "unknown action")

	r, err := http.Post(f.ts.URL+"/channels/east/control", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	r.Body.Close()
	assert.Equal(t, http.StatusBadRequest, r.StatusCode)

	resp, _ = f.control(t, "north", "start")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = f.control(t, "north", "reset")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	seq, err := loop.NewSequence(testFrames(3), 10)
	require.NoError(t, err)
	broken.seq = seq
	broken.fixed.Store(true)
	resp, body = f.control(t, "north", "reset")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "stopped", body["state"])

	resp, _ = f.control(t, "north", "start")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestControl_RateLimited(t *testing.T) {
	f := newFixture(t, nil, WithControlLimit(0.001, 2))

	for range 2 {
		resp, _ := f.control(t, "east", "start")
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, _ := f.control(t, "east", "stop")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
}

func TestStatus(t *testing.T) {
	f := newFixture(t, nil, WithFeeds("alerts"))

	var st struct {
		Status    string           `json:"status"`
		Feeds     []string         `json:"feeds"`
		Channels  []map[string]any `json:"channels"`
		Reconnect struct {
			MaxAttempts int `json:"maxAttempts"`
		} `json:"reconnect"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, f.ts.URL+"/api/status", &st))
	assert.Equal(t, "ok", st.Status)
	assert.Equal(t, []string{"alerts"}, st.Feeds)
	assert.Equal(t, 4, st.Reconnect.MaxAttempts)
	require.Len(t, st.Channels, 2)
	assert.Equal(t, "east", st.Channels[0]["id"])
	assert.Equal(t, 0.1, st.Channels[0]["loopLengthSeconds"])

	var ch map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, f.ts.URL+"/channels/west/status", &ch))
	assert.Equal(t, "stopped", ch["state"])
	assert.Equal(t, 50.0, ch["rateFps"])

	assert.Equal(t, http.StatusNotFound, getJSON(t, f.ts.URL+"/channels/south/status", nil))
}

func TestStatus_DegradedWhileChannelFailed(t *testing.T) {
	f := newFixture(t, []loop.ChannelConfig{{ID: "north", Source: &brokenSource{}}})

	var st map[string]any
	getJSON(t, f.ts.URL+"/api/status", &st)
	assert.Equal(t, "degraded", st["status"])
}

func TestTransitions_BroadcastAndJournaled(t *testing.T) {
	sink := &recordingSink{}
	w := journal.NewWriter(quiet, 16, sink)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	w.Start(ctx)

	f := newFixture(t, nil, WithJournal(w), WithFeeds("rockfall", "ops"))
	rockfall := f.srv.Hub().Subscribe("rockfall")
	ops := f.srv.Hub().Subscribe("ops")
	defer rockfall.Cancel()
	defer ops.Cancel()

	resp, _ := f.control(t, "west", "start")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	for _, sub := range []*Subscription{rockfall, ops} {
		env := nextEnvelope(t, sub, livefeed.KindChannelStatus)
		var body channelStatusPayload
		require.NoError(t, env.UnmarshalPayload(&body))
		assert.Equal(t, "west", body.Channel)
		assert.Equal(t, "stopped", body.From)
		assert.Equal(t, "active", body.To)
	}

	require.Eventually(t, func() bool { return len(sink.events()) == 1 }, time.Second, 5*time.Millisecond)
	e := sink.events()[0]
	assert.Equal(t, "west", e.Channel)
	assert.Equal(t, "active", e.To)
}

func TestRun_Heartbeat(t *testing.T) {
	f := newFixture(t, nil, WithHeartbeat(20*time.Millisecond))
	sub := f.srv.Hub().Subscribe("rockfall")
	defer sub.Cancel()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.srv.Run(ctx)
	}()

	env := nextEnvelope(t, sub, livefeed.KindHeartbeat)
	var body heartbeatPayload
	require.NoError(t, env.UnmarshalPayload(&body))
	assert.Equal(t, map[string]string{"east": "stopped", "west": "stopped"}, body.Channels)

	cancel()
	<-done
	for range sub.C {
	}
}

func TestChannelEvents(t *testing.T) {
	history := &fakeHistory{events: []journal.Event{{ID: "1", Channel: "east", To: "active"}}}
	f := newFixture(t, nil, WithHistory(history))

	var events []journal.Event
	require.Equal(t, http.StatusOK, getJSON(t, f.ts.URL+"/channels/east/events?limit=5", &events))
	require.Len(t, events, 1)
	assert.Equal(t, "active", events[0].To)
	history.mu.Lock()
	assert.Equal(t, 5, history.lastLimit)
	history.mu.Unlock()

	assert.Equal(t, http.StatusBadRequest, getJSON(t, f.ts.URL+"/channels/east/events?limit=0", nil))

	plain := newFixture(t, nil)
	assert.Equal(t, http.StatusNotFound, getJSON(t, plain.ts.URL+"/channels/east/events", nil))
}

type recordingSink struct {
	mu  sync.Mutex
	got []journal.Event
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Write(ctx context.Context, e journal.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, e)
	return nil
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) events() []journal.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]journal.Event(nil), s.got...)
}

type fakeHistory struct {
	mu        sync.Mutex
	events    []journal.Event
	lastLimit int
}

func (h *fakeHistory) Recent(ctx context.Context, channel string, limit int) ([]journal.Event, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastLimit = limit
	var out []journal.Event
	for _, e := range h.events {
		if e.Channel == channel {
			out = append(out, e)
		}
	}
	return out, nil
}
