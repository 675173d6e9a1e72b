package loop

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/rockwatch/livefeed/internal/telemetry"
)

// DefaultMaxLag is how far emission may fall behind its schedule before the
// channel gives up catching up and restarts its timing baseline.
const DefaultMaxLag = time.Second

// ChannelConfig describes a channel to register.
type ChannelConfig struct {
	ID        string
	Title     string
	Source    Source
	Autostart bool
}

// Option configures a Supplier.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	meter   metric.Meter
	metrics *telemetry.Metrics
	maxLag  time.Duration
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMeter sets the OpenTelemetry meter. The default is the global meter.
func WithMeter(meter metric.Meter) Option {
	return func(o *options) {
		o.meter = meter
	}
}

// WithMaxLag overrides DefaultMaxLag.
func WithMaxLag(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.maxLag = d
		}
	}
}

// Supplier owns a set of independently scheduled channels.
//
// Each channel runs its own goroutine; a slow, stopped or failed channel has
// no effect on the others.
type Supplier struct {
	opts options

	mu        sync.RWMutex
	channels  map[string]*Channel
	order     []string
	listeners []func(Transition)
	closed    bool
}

// New returns an empty supplier.
func New(opts ...Option) *Supplier {
	o := options{logger: slog.Default(), maxLag: DefaultMaxLag}
	for _, opt := range opts {
		opt(&o)
	}
	o.metrics = telemetry.New(o.meter)
	return &Supplier{
		opts:     o,
		channels: make(map[string]*Channel),
	}
}

// OnTransition registers fn for the lifecycle transitions of every channel.
// fn runs on the channel's own goroutine and must not block.
func (s *Supplier) OnTransition(fn func(Transition)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Supplier) notify(t Transition) {
	s.mu.RLock()
	listeners := s.listeners
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(t)
	}
}

// Register loads the channel's source and starts its scheduling goroutine.
// A source that fails to load still registers the channel, in StateError;
// the load error is returned alongside it.
func (s *Supplier) Register(ctx context.Context, cfg ChannelConfig) (*Channel, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("channel id is required")
	}
	if cfg.Source == nil {
		return nil, fmt.Errorf("channel %q: source is required", cfg.ID)
	}

	if err := s.checkRegister(cfg.ID); err != nil {
		return nil, err
	}
	seq, err := cfg.Source.Load(ctx)

	s.mu.Lock()
	if err := s.checkRegisterLocked(cfg.ID); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	ch := newChannel(cfg, s.opts, s.notify)
	s.channels[cfg.ID] = ch
	s.order = append(s.order, cfg.ID)
	ch.start(seq, err)
	s.mu.Unlock()

	if err != nil {
		s.notify(Transition{Channel: cfg.ID, From: StateStopped, To: StateError, Err: err, At: time.Now()})
		return ch, err
	}
	s.opts.logger.Info("channel registered", "channel", cfg.ID, "source", cfg.Source.Name(), "frames", seq.Len(), "fps", seq.FPS())
	return ch, nil
}

func (s *Supplier) checkRegister(id string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkRegisterLocked(id)
}

func (s *Supplier) checkRegisterLocked(id string) error {
	if s.closed {
		return ErrClosed
	}
	if _, exists := s.channels[id]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateChannel, id)
	}
	return nil
}

// Channel returns the channel registered under id.
func (s *Supplier) Channel(id string) (*Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownChannel, id)
	}
	return ch, nil
}

// Channels returns the channels in registration order.
func (s *Supplier) Channels() []*Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Channel, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.channels[id])
	}
	return out
}

// Statuses returns a snapshot of every channel in registration order.
func (s *Supplier) Statuses() []Status {
	channels := s.Channels()
	out := make([]Status, 0, len(channels))
	for _, ch := range channels {
		out = append(out, ch.Status())
	}
	return out
}

// Close stops every channel and ends all viewer sequences.
func (s *Supplier) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	channels := make([]*Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, ch)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, ch := range channels {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch.close()
		}()
	}
	wg.Wait()
	return nil
}
