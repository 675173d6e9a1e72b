package livefeed

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/rockwatch/livefeed/internal/telemetry"
)

// State is the public state of a Manager's logical connection.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
	StateFailed
	StateUsingFallback
)

var stateNames = [...]string{
	StateConnecting:    "connecting",
	StateConnected:     "connected",
	StateDisconnected:  "disconnected",
	StateFailed:        "failed",
	StateUsingFallback: "using_fallback",
}

func (s State) String() string {
	if int(s) >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", s)
}

// Status is one state transition of a Manager.
type Status struct {
	State     State
	Transport Mode
	Endpoint  string

	// Attempt is the number of consecutive failed opens on Transport.
	// It is always 0 when State is StateConnected.
	Attempt int

	// Backoff is the wait before the next attempt. Set on Disconnected.
	Backoff time.Duration

	// Err is the failure that caused the transition, if any. Exhaustion of
	// a transport is reported as *ExhaustionError.
	Err error

	Timestamp time.Time
}

// Fallback reports whether the status refers to the push-only transport.
func (s Status) Fallback() bool { return s.Transport == PushOnly }

type wake int

const (
	wakeElapsed wake = iota
	wakeKicked
	wakeClosed
)

// Manager owns one logical connection. It drives attempts against the
// persistent transport, falls back to the push-only transport when the
// persistent one is exhausted, and fans status, envelopes and diagnostics
// out to observers.
type Manager struct {
	policy     ReconnectPolicy
	primary    string
	fallback   string
	codec      Codec
	persistent Adapter
	pushOnly   Adapter
	logger     *slog.Logger
	metrics    *telemetry.Metrics
	hub        *hub

	mu       sync.Mutex
	status   Status
	stream   Stream
	attempts int
	closed   bool

	// abortOpen cancels the attempt in flight; nil outside Open.
	abortOpen context.CancelFunc

	kick   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Connect validates policy and endpoint and starts the connection state
// machine in the background. It returns before the first attempt completes.
// Invalid input is reported as *ConfigError and no attempt is made.
//
// endpoint is the persistent (ws/wss) endpoint. Unless WithoutFallback or
// WithFallbackEndpoint is given, the push-only endpoint is derived from it
// with FallbackEndpoint.
//
// The manager runs until Disconnect is called or ctx is cancelled.
func Connect(ctx context.Context, endpoint string, policy ReconnectPolicy, opts ...Option) (*Manager, error) {
	if !policy.valid() {
		return nil, &ConfigError{Field: "policy", Reason: "policy must be built with NewReconnectPolicy"}
	}
	if endpoint == "" {
		return nil, &ConfigError{Field: "endpoint", Reason: "endpoint is required"}
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, &ConfigError{Field: "endpoint", Reason: err.Error()}
	}

	o := managerDefaults()
	for _, opt := range opts {
		opt(&o)
	}
	if o.codec == nil {
		return nil, &ConfigError{Field: "codec", Reason: "codec must not be nil"}
	}

	fallback := ""
	if !o.noFallback {
		fallback = o.fallbackEndpoint
		if fallback == "" {
			derived, err := FallbackEndpoint(endpoint)
			if err != nil {
				return nil, err
			}
			fallback = derived
		}
	}

	persistent := o.persistent
	if persistent == nil {
		persistent = NewWebSocketAdapter(o.codec)
	}
	if persistent.Mode() != Persistent {
		return nil, &ConfigError{Field: "persistentAdapter", Reason: fmt.Sprintf("adapter mode is %s", persistent.Mode())}
	}
	pushOnly := o.pushOnly
	if pushOnly == nil {
		pushOnly = &SSEAdapter{}
	}

	runCtx, cancel := context.WithCancel(ctx)
	m := &Manager{
		policy:     policy,
		primary:    endpoint,
		fallback:   fallback,
		codec:      o.codec,
		persistent: persistent,
		pushOnly:   pushOnly,
		logger:     o.logger.With("component", "livefeed", "endpoint", endpoint),
		metrics:    telemetry.New(o.meter),
		hub:        newHub(o.observerBuffer),
		status:     Status{State: StateConnecting, Transport: Persistent, Endpoint: endpoint, Timestamp: time.Now()},
		kick:       make(chan struct{}, 1),
		ctx:        runCtx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	go m.run()
	return m, nil
}

// ConnectConfig resolves cfg (filling empty fields from LIVEFEED_* env vars)
// and calls Connect. Options given here override the ones cfg implies.
func ConnectConfig(ctx context.Context, cfg Config, opts ...Option) (*Manager, error) {
	resolved, err := resolveConfig(cfg)
	if err != nil {
		return nil, err
	}
	policy, err := resolved.Policy()
	if err != nil {
		return nil, err
	}
	codec, err := CodecByName(resolved.Codec)
	if err != nil {
		return nil, err
	}

	base := []Option{WithCodec(codec)}
	if resolved.FallbackEndpoint != "" {
		base = append(base, WithFallbackEndpoint(resolved.FallbackEndpoint))
	}
	if resolved.DisableFallback {
		base = append(base, WithoutFallback())
	}
	return Connect(ctx, resolved.Endpoint, policy, append(base, opts...)...)
}

func (m *Manager) run() {
	defer m.finish()

	mode := Persistent
	for {
		if m.takeKick() {
			mode = m.rewind()
		}
		if m.ctx.Err() != nil {
			return
		}

		endpoint, adapter := m.target(mode)
		m.setStatus(Status{State: StateConnecting, Transport: mode, Endpoint: endpoint, Attempt: m.Attempts()})

		stream, release, err := m.open(adapter, endpoint)
		if m.ctx.Err() != nil {
			if stream != nil {
				stream.Close()
				release()
			}
			return
		}
		if m.takeKick() {
			// Reconnect during the open. A persistent session that opened
			// anyway is what it asked for; anything else starts over.
			if err != nil || mode != Persistent {
				if stream != nil {
					stream.Close()
					release()
				}
				mode = m.rewind()
				continue
			}
			m.logger.Info("manual reconnect")
		}
		m.metrics.ConnectAttempt(mode.String(), err == nil)

		if err == nil {
			kicked, lost := m.serve(mode, endpoint, stream)
			release()
			if m.ctx.Err() != nil {
				return
			}
			if kicked {
				mode = m.rewind()
				continue
			}
			m.logger.Warn("connection lost", "transport", mode.String(), "error", lost)
			d := m.policy.delay(0)
			m.setStatus(Status{State: StateDisconnected, Transport: mode, Endpoint: endpoint, Backoff: d, Err: lost})
			switch m.sleep(d) {
			case wakeClosed:
				return
			case wakeKicked:
				mode = m.rewind()
			}
			continue
		}

		n := m.failed()
		m.logger.Debug("attempt failed", "transport", mode.String(), "attempt", n, "error", err)

		if n < m.policy.maxAttempts {
			d := m.policy.delay(n - 1)
			m.setStatus(Status{State: StateDisconnected, Transport: mode, Endpoint: endpoint, Attempt: n, Backoff: d, Err: err})
			switch m.sleep(d) {
			case wakeClosed:
				return
			case wakeKicked:
				mode = m.rewind()
			}
			continue
		}

		exhausted := &ExhaustionError{Transport: mode, Attempts: n, Last: err}
		if mode == Persistent && m.fallback != "" {
			d := m.policy.delay(n - 1)
			m.setStatus(Status{State: StateDisconnected, Transport: mode, Endpoint: endpoint, Attempt: n, Backoff: d, Err: exhausted})
			switch m.sleep(d) {
			case wakeClosed:
				return
			case wakeKicked:
				mode = m.rewind()
				continue
			}
			mode = PushOnly
			m.resetAttempts()
			m.logger.Warn("persistent transport exhausted, switching to push-only", "attempts", n, "fallback", m.fallback)
			m.setStatus(Status{State: StateUsingFallback, Transport: PushOnly, Endpoint: m.fallback, Err: exhausted})
			continue
		}

		m.logger.Error("transport exhausted", "transport", mode.String(), "attempts", n, "error", err)
		m.setStatus(Status{State: StateFailed, Transport: mode, Endpoint: endpoint, Attempt: n, Err: exhausted})
		select {
		case <-m.ctx.Done():
			return
		case <-m.kick:
			mode = m.rewind()
		}
	}
}

// serve pumps one open stream until it fails, a Reconnect arrives or the
// manager stops. lost is nil unless the stream failed.
func (m *Manager) serve(mode Mode, endpoint string, stream Stream) (kicked bool, lost error) {
	m.mu.Lock()
	m.stream = stream
	m.mu.Unlock()
	m.setStatus(Status{State: StateConnected, Transport: mode, Endpoint: endpoint})
	m.logger.Info("connected", "transport", mode.String(), "url", endpoint)

	recvErr := make(chan error, 1)
	go func() {
		for {
			data, err := stream.Recv(m.ctx)
			if err != nil {
				recvErr <- err
				return
			}
			m.deliver(mode, data)
		}
	}()

	select {
	case lost = <-recvErr:
	case <-m.kick:
		kicked = true
	case <-m.ctx.Done():
	}

	m.mu.Lock()
	m.stream = nil
	m.mu.Unlock()
	stream.Close()
	if lost == nil {
		<-recvErr
	}
	return kicked, lost
}

// deliver decodes one inbound frame. A malformed frame is reported as a
// diagnostic and dropped; the stream stays open.
func (m *Manager) deliver(mode Mode, data []byte) {
	env, err := m.codecFor(mode).Decode(data)
	if err != nil {
		m.metrics.DecodeError(mode.String())
		m.logger.Warn("dropping malformed envelope", "transport", mode.String(), "error", err)
		m.hub.publish(topicDiagnostic, Diagnostic{
			Kind:      ErrDecodeFailure,
			Transport: mode,
			Cause:     err,
			Raw:       data,
			Timestamp: time.Now(),
		})
		return
	}
	m.hub.publish(topicMessage, env)
}

// codecFor returns the codec used on mode. Event streams are text, so the
// push-only transport always carries JSON.
func (m *Manager) codecFor(mode Mode) Codec {
	if mode == PushOnly && m.codec.Binary() {
		return JSONCodec{}
	}
	return m.codec
}

func (m *Manager) target(mode Mode) (string, Adapter) {
	if mode == PushOnly {
		return m.fallback, m.pushOnly
	}
	return m.primary, m.persistent
}

// open runs one attempt under its own context so Reconnect can abandon a
// stalled handshake. On success the returned release ends that context and
// must be called once the stream is closed.
func (m *Manager) open(adapter Adapter, endpoint string) (Stream, context.CancelFunc, error) {
	ctx, cancel := context.WithCancel(m.ctx)
	m.mu.Lock()
	m.abortOpen = cancel
	m.mu.Unlock()

	stream, err := adapter.Open(ctx, endpoint)

	m.mu.Lock()
	m.abortOpen = nil
	m.mu.Unlock()
	if err != nil {
		cancel()
		return nil, nil, err
	}
	return stream, cancel, nil
}

func (m *Manager) takeKick() bool {
	select {
	case <-m.kick:
		return true
	default:
		return false
	}
}

func (m *Manager) sleep(d time.Duration) wake {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return wakeElapsed
	case <-m.kick:
		return wakeKicked
	case <-m.ctx.Done():
		return wakeClosed
	}
}

// rewind returns the state machine to the persistent transport with a
// fresh counter.
func (m *Manager) rewind() Mode {
	m.resetAttempts()
	m.logger.Info("manual reconnect")
	return Persistent
}

func (m *Manager) failed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	return m.attempts
}

func (m *Manager) resetAttempts() {
	m.mu.Lock()
	m.attempts = 0
	m.mu.Unlock()
}

// setStatus records and publishes s. The counter reset on Connected happens
// under the same lock that publishes the transition.
func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setStatusLocked(s)
}

func (m *Manager) setStatusLocked(s Status) {
	if s.State == StateConnected {
		m.attempts = 0
		s.Attempt = 0
	}
	s.Timestamp = time.Now()
	m.status = s
	m.metrics.Transition("connection", s.State.String())
	m.hub.publish(topicStatus, s)
}

func (m *Manager) finish() {
	m.mu.Lock()
	m.closed = true
	m.setStatusLocked(Status{State: StateDisconnected, Transport: m.status.Transport, Endpoint: m.status.Endpoint, Attempt: m.attempts})
	m.mu.Unlock()

	m.hub.close()
	m.logger.Info("disconnected")
	close(m.done)
}

// Send encodes env and writes it on the active transport. It succeeds only
// while connected over the persistent transport; otherwise the envelope is
// dropped and an error wrapping ErrNotConnected, ErrSendUnavailable or
// ErrManagerClosed is returned. Nothing is queued.
func (m *Manager) Send(ctx context.Context, env Envelope) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if m.status.Transport != Persistent {
		m.mu.Unlock()
		return fmt.Errorf("send %s: %w", env.Tag(), ErrSendUnavailable)
	}
	if m.status.State != StateConnected || m.stream == nil {
		state := m.status.State
		m.mu.Unlock()
		return fmt.Errorf("send %s while %s: %w", env.Tag(), state, ErrNotConnected)
	}
	duplex, ok := m.stream.(Duplex)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("send %s: %w", env.Tag(), ErrSendUnavailable)
	}

	data, err := m.codec.Encode(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Tag(), err)
	}
	if err := duplex.Send(ctx, data); err != nil {
		m.hub.publish(topicDiagnostic, Diagnostic{
			Kind:      ErrTransportWrite,
			Transport: Persistent,
			Cause:     err,
			Timestamp: time.Now(),
		})
		return err
	}
	return nil
}

// Reconnect abandons any backoff wait, pending handshake or open session,
// resets the attempt counter and retries the persistent transport
// immediately. It is the only way out of StateFailed and back from the
// fallback transport.
func (m *Manager) Reconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	m.attempts = 0
	select {
	case m.kick <- struct{}{}:
	default:
	}
	if m.abortOpen != nil {
		m.abortOpen()
	}
	return nil
}

// Disconnect cancels any pending wait, closes the active transport and
// reports StateDisconnected. Every observer sequence ends afterwards.
// Calling it more than once is a no-op.
func (m *Manager) Disconnect() error {
	m.cancel()
	<-m.done
	return nil
}

// Done is closed once the manager has stopped.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Status returns the latest status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Attempts returns the consecutive failed opens on the current transport.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// UsingFallback reports whether the manager has switched to the push-only
// transport.
func (m *Manager) UsingFallback() bool {
	return m.Status().Fallback()
}

// Statuses returns the status transitions from now on, starting with the
// current status. The sequence ends when ctx is cancelled or the manager
// stops. A slow reader misses transitions instead of stalling the manager.
func (m *Manager) Statuses(ctx context.Context) <-chan Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	current := m.status
	return subscribe(ctx, m.hub, topicStatus, &current)
}

// Messages returns the envelopes received from now on, in transport order.
func (m *Manager) Messages(ctx context.Context) <-chan Envelope {
	return subscribe[Envelope](ctx, m.hub, topicMessage, nil)
}

// Diagnostics returns errors that have no caller to be returned to, such as
// malformed inbound envelopes.
func (m *Manager) Diagnostics(ctx context.Context) <-chan Diagnostic {
	return subscribe[Diagnostic](ctx, m.hub, topicDiagnostic, nil)
}
