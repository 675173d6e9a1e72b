// Package journal records channel lifecycle events to durable or broadcast
// sinks without blocking the channels that produce them.
package journal

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/rockwatch/livefeed/loop"
)

// Event is one recorded channel transition.
type Event struct {
	ID      string    `json:"id"`
	Channel string    `json:"channel"`
	From    string    `json:"from"`
	To      string    `json:"to"`
	Cursor  int       `json:"cursor"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

// FromTransition converts a loop transition into an Event with a fresh ID.
func FromTransition(t loop.Transition) Event {
	e := Event{
		ID:      uuid.NewString(),
		Channel: t.Channel,
		From:    t.From.String(),
		To:      t.To.String(),
		Cursor:  t.Cursor,
		At:      t.At,
	}
	if t.Err != nil {
		e.Error = t.Err.Error()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	return e
}

// Sink stores or forwards events.
type Sink interface {
	Name() string
	Write(ctx context.Context, e Event) error
	Close() error
}
