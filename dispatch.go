package livefeed

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// HandlerFunc handles one received envelope.
type HandlerFunc func(ctx context.Context, env Envelope) error

// Dispatcher routes envelopes to handlers by kind. Handlers run one at a
// time in arrival order. Failures have no caller to be returned to, so they
// go to the error handler given to NewDispatcher.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[Kind]HandlerFunc // kind → handler; KindUnknown is the catch-all
	running  bool
	onError  func(Diagnostic)
}

// NewDispatcher returns an empty dispatcher. onError may be nil.
func NewDispatcher(onError func(Diagnostic)) *Dispatcher {
	if onError == nil {
		onError = func(Diagnostic) {}
	}
	return &Dispatcher{
		handlers: make(map[Kind]HandlerFunc),
		onError:  onError,
	}
}

// Handle registers fn for kind. Registering KindUnknown sets the handler for
// envelopes whose tag is not in the known vocabulary. Handlers must be
// registered before Run.
func (d *Dispatcher) Handle(kind Kind, fn HandlerFunc) error {
	if fn == nil {
		return fmt.Errorf("nil handler for kind %q", kind)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return ErrAlreadyRunning
	}
	if _, exists := d.handlers[kind]; exists {
		return fmt.Errorf("handler already registered for kind %q", kind)
	}
	d.handlers[kind] = fn
	return nil
}

func (d *Dispatcher) lookup(kind Kind) (HandlerFunc, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	fn, ok := d.handlers[kind]
	return fn, ok
}

// Run consumes msgs until it is closed or ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, msgs <-chan Envelope) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return ErrAlreadyRunning
	}
	d.running = true
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-msgs:
			if !ok {
				return nil
			}
			d.dispatch(ctx, env)
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, env Envelope) {
	fn, ok := d.lookup(env.Kind())
	if !ok {
		d.onError(Diagnostic{
			Kind:      ErrNoHandler,
			Cause:     fmt.Errorf("no handler for kind %q (id %s)", env.Tag(), env.ID()),
			Timestamp: time.Now(),
		})
		return
	}
	if err := fn(ctx, env); err != nil {
		d.onError(Diagnostic{
			Kind:      ErrHandlerFailure,
			Cause:     fmt.Errorf("handle %s %s: %w", env.Tag(), env.ID(), err),
			Timestamp: time.Now(),
		})
	}
}
