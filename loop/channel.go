package loop

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rockwatch/livefeed/internal/telemetry"
)

// State is the lifecycle state of a channel.
type State int

const (
	StateStopped State = iota
	StateActive
	StateMaintenance
	StateError
)

var stateNames = [...]string{
	StateStopped:     "stopped",
	StateActive:      "active",
	StateMaintenance: "maintenance",
	StateError:       "error",
}

func (s State) String() string {
	if int(s) >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Frame is one emission of a channel.
type Frame struct {
	Channel string
	Index   int
	Data    []byte // shared, read-only
	At      time.Time
}

// Status is a snapshot of a channel.
type Status struct {
	ID      string
	Title   string
	State   State
	Cursor  int // index of the next frame to emit
	Length  int
	Rate    float64
	Err     error
	Dropped uint64 // frames viewers missed because their buffer was full
}

// CursorFraction is the playback position within the loop, in [0, 1).
func (s Status) CursorFraction() float64 {
	if s.Length == 0 {
		return 0
	}
	return float64(s.Cursor) / float64(s.Length)
}

// LoopLength is the playback length of one loop.
func (s Status) LoopLength() time.Duration {
	if s.Rate <= 0 {
		return 0
	}
	return time.Duration(float64(s.Length) * float64(time.Second) / s.Rate)
}

type statusJSON struct {
	ID                string  `json:"id"`
	Title             string  `json:"title,omitempty"`
	State             State   `json:"state"`
	CursorFraction    float64 `json:"cursorFraction"`
	RateFPS           float64 `json:"rateFps"`
	LoopLengthSeconds float64 `json:"loopLengthSeconds"`
	Error             string  `json:"error,omitempty"`
	Dropped           uint64  `json:"droppedFrames"`
}

func (s Status) MarshalJSON() ([]byte, error) {
	out := statusJSON{
		ID:                s.ID,
		Title:             s.Title,
		State:             s.State,
		CursorFraction:    s.CursorFraction(),
		RateFPS:           s.Rate,
		LoopLengthSeconds: s.LoopLength().Seconds(),
		Dropped:           s.Dropped,
	}
	if s.Err != nil {
		out.Error = s.Err.Error()
	}
	return json.Marshal(out)
}

// Transition is a lifecycle change of a channel.
type Transition struct {
	Channel string
	From    State
	To      State
	Cursor  int
	Err     error
	At      time.Time
}

type op int

const (
	opStart op = iota
	opStop
	opMaintenance
	opResume
	opReset
	opFail
)

type command struct {
	op    op
	seq   *Sequence
	err   error
	reply chan error
}

type viewer struct {
	ch chan Frame
}

// Channel is one named loop feed. A single goroutine owns its cursor and
// lifecycle state; every other caller goes through the control methods.
type Channel struct {
	id        string
	title     string
	source    Source
	autostart bool
	maxLag    time.Duration
	logger    *slog.Logger
	metrics   *telemetry.Metrics
	notify    func(Transition)

	ctl    chan command
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.RWMutex // guards the snapshot below; written only by run
	seq      *Sequence
	state    State
	cursor   int
	err      error
	resumeTo State

	viewersMu sync.Mutex
	viewers   map[*viewer]struct{}
	closed    bool
	dropped   atomic.Uint64
}

func newChannel(cfg ChannelConfig, o options, notify func(Transition)) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		id:        cfg.ID,
		title:     cfg.Title,
		source:    cfg.Source,
		autostart: cfg.Autostart,
		maxLag:    o.maxLag,
		logger:    o.logger.With("component", "loop", "channel", cfg.ID),
		metrics:   o.metrics,
		notify:    notify,
		ctl:       make(chan command),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		viewers:   make(map[*viewer]struct{}),
	}
}

// ID returns the channel name.
func (c *Channel) ID() string { return c.id }

// Title returns the display name.
func (c *Channel) Title() string { return c.title }

// Status returns a snapshot of the channel.
func (c *Channel) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := Status{
		ID:      c.id,
		Title:   c.title,
		State:   c.state,
		Cursor:  c.cursor,
		Err:     c.err,
		Dropped: c.dropped.Load(),
	}
	if c.seq != nil {
		st.Length = c.seq.Len()
		st.Rate = c.seq.FPS()
	}
	return st
}

// Start begins emission from the current cursor. Starting a channel in
// maintenance resumes it.
func (c *Channel) Start(ctx context.Context) error {
	return c.do(ctx, command{op: opStart})
}

// Stop halts emission and rewinds the cursor to 0. A pending timing wait is
// abandoned immediately.
func (c *Channel) Stop(ctx context.Context) error {
	return c.do(ctx, command{op: opStop})
}

// SetMaintenance freezes (on) or releases (off) the channel. While frozen the
// cursor does not move and nothing is emitted. Releasing returns the channel
// to the state it was in before.
func (c *Channel) SetMaintenance(ctx context.Context, on bool) error {
	if on {
		return c.do(ctx, command{op: opMaintenance})
	}
	return c.do(ctx, command{op: opResume})
}

// Reset reloads the source. On success the channel leaves StateError and is
// Stopped, or Active when it was registered with autostart. On failure it
// enters StateError.
func (c *Channel) Reset(ctx context.Context) error {
	seq, err := c.source.Load(ctx)
	if err != nil {
		if ferr := c.do(ctx, command{op: opFail, err: err}); ferr != nil {
			return ferr
		}
		return err
	}
	return c.do(ctx, command{op: opReset, seq: seq})
}

func (c *Channel) do(ctx context.Context, cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case c.ctl <- cmd:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe returns the frames emitted from now on. A new viewer starts at
// the shared cursor. The sequence ends when ctx is cancelled or the channel
// is closed. A viewer whose buffer is full misses frames instead of
// slowing the channel.
func (c *Channel) Subscribe(ctx context.Context, buffer int) <-chan Frame {
	if buffer < 1 {
		buffer = 1
	}
	v := &viewer{ch: make(chan Frame, buffer)}

	c.viewersMu.Lock()
	if c.closed {
		c.viewersMu.Unlock()
		close(v.ch)
		return v.ch
	}
	c.viewers[v] = struct{}{}
	c.viewersMu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-c.done:
			return
		}
		c.viewersMu.Lock()
		defer c.viewersMu.Unlock()
		if _, ok := c.viewers[v]; ok {
			delete(c.viewers, v)
			close(v.ch)
		}
	}()
	return v.ch
}

// Viewers returns the number of current subscribers.
func (c *Channel) Viewers() int {
	c.viewersMu.Lock()
	defer c.viewersMu.Unlock()
	return len(c.viewers)
}

// Done is closed once the channel goroutine has exited.
func (c *Channel) Done() <-chan struct{} { return c.done }

func (c *Channel) close() {
	c.cancel()
	<-c.done
}

// start launches the scheduling goroutine. seq is nil when the initial load
// failed with loadErr.
func (c *Channel) start(seq *Sequence, loadErr error) {
	c.mu.Lock()
	c.seq = seq
	c.state = StateStopped
	if loadErr != nil {
		c.state = StateError
		c.err = loadErr
	}
	c.mu.Unlock()

	go c.run()
}

// schedule tracks the emission deadline of the next frame: frame n after
// base is due at base + n/fps.
type schedule struct {
	timer *time.Timer
	base  time.Time
	n     int64
}

func (s *schedule) arm(d time.Duration) <-chan time.Time {
	if s.timer == nil {
		s.timer = time.NewTimer(d)
	} else {
		s.timer.Reset(d)
	}
	return s.timer.C
}

func (s *schedule) disarm() {
	if s.timer != nil {
		s.timer.Stop()
	}
}

func (c *Channel) run() {
	defer c.shutdown()

	var sched schedule
	defer sched.disarm()
	var tick <-chan time.Time

	c.mu.RLock()
	failed := c.state == StateError
	c.mu.RUnlock()
	if failed {
		c.logger.Error("source unavailable", "error", c.Status().Err)
	} else if c.autostart {
		c.transition(StateActive, nil)
		sched.base, sched.n = time.Now(), 0
		tick = sched.arm(0)
	}

	for {
		select {
		case <-c.ctx.Done():
			return

		case cmd := <-c.ctl:
			active, err := c.apply(cmd)
			switch {
			case active && (tick == nil || cmd.op == opReset):
				sched.base, sched.n = time.Now(), 0
				tick = sched.arm(0)
			case !active && tick != nil:
				sched.disarm()
				tick = nil
			}
			cmd.reply <- err

		case now := <-tick:
			c.emit(now)
			sched.n++
			due := sched.base.Add(c.seq.offset(sched.n))
			if lag := now.Sub(due); lag > c.maxLag {
				c.logger.Warn("emission fell behind, rebasing", "lag", lag)
				sched.base, sched.n = now, 1
				due = now.Add(c.seq.offset(1))
			}
			tick = sched.arm(time.Until(due))
		}
	}
}

// apply executes a control command and reports whether the channel should
// be emitting afterwards.
func (c *Channel) apply(cmd command) (bool, error) {
	c.mu.RLock()
	state := c.state
	c.mu.RUnlock()

	switch cmd.op {
	case opStart:
		if state == StateError {
			return false, ErrChannelFailed
		}
		if state != StateActive {
			c.transition(StateActive, nil)
		}
		return true, nil

	case opStop:
		if state == StateError {
			return false, ErrChannelFailed
		}
		c.mu.Lock()
		c.cursor = 0
		c.mu.Unlock()
		if state != StateStopped {
			c.transition(StateStopped, nil)
		}
		return false, nil

	case opMaintenance:
		if state == StateError {
			return false, ErrChannelFailed
		}
		if state != StateMaintenance {
			c.mu.Lock()
			c.resumeTo = state
			c.mu.Unlock()
			c.transition(StateMaintenance, nil)
		}
		return false, nil

	case opResume:
		if state == StateError {
			return false, ErrChannelFailed
		}
		if state != StateMaintenance {
			return state == StateActive, nil
		}
		c.mu.RLock()
		to := c.resumeTo
		c.mu.RUnlock()
		c.transition(to, nil)
		return to == StateActive, nil

	case opReset:
		c.mu.Lock()
		c.seq = cmd.seq
		c.cursor = 0
		c.err = nil
		c.mu.Unlock()
		to := StateStopped
		if c.autostart {
			to = StateActive
		}
		c.transition(to, nil)
		c.logger.Info("source reloaded", "frames", cmd.seq.Len(), "fps", cmd.seq.FPS())
		return to == StateActive, nil

	case opFail:
		c.mu.Lock()
		c.err = cmd.err
		c.mu.Unlock()
		c.logger.Error("source unavailable", "error", cmd.err)
		c.transition(StateError, cmd.err)
		return false, nil
	}
	return state == StateActive, nil
}

// emit broadcasts the frame at the cursor and advances it, wrapping to 0
// after the last frame.
func (c *Channel) emit(now time.Time) {
	c.mu.Lock()
	idx := c.cursor
	c.cursor = (idx + 1) % c.seq.Len()
	data := c.seq.Frame(idx)
	c.mu.Unlock()

	f := Frame{Channel: c.id, Index: idx, Data: data, At: now}
	c.metrics.FrameEmitted(c.id)

	c.viewersMu.Lock()
	defer c.viewersMu.Unlock()
	for v := range c.viewers {
		select {
		case v.ch <- f:
		default:
			c.dropped.Add(1)
			c.metrics.ViewerDrop(c.id)
		}
	}
}

func (c *Channel) transition(to State, err error) {
	c.mu.Lock()
	from := c.state
	c.state = to
	cursor := c.cursor
	c.mu.Unlock()

	c.metrics.Transition("channel", to.String())
	c.logger.Info("channel state changed", "from", from.String(), "to", to.String(), "cursor", cursor)
	if c.notify != nil {
		c.notify(Transition{Channel: c.id, From: from, To: to, Cursor: cursor, Err: err, At: time.Now()})
	}
}

func (c *Channel) shutdown() {
	c.viewersMu.Lock()
	c.closed = true
	for v := range c.viewers {
		delete(c.viewers, v)
		close(v.ch)
	}
	c.viewersMu.Unlock()
	close(c.done)
}
