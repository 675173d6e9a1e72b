package livefeed

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Sentinel errors for manager state.
var (
	ErrNotConnected    = errors.New("manager is not connected")
	ErrSendUnavailable = errors.New("send is unavailable on the active transport")
	ErrManagerClosed   = errors.New("manager is closed")
	ErrAlreadyRunning  = errors.New("dispatcher is already running")
)

// ConfigError reports an invalid policy or parameter. It is returned before
// any connection attempt is made.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error [%s]: %s", e.Field, e.Reason)
}

// TransportError represents a transient failure to open or keep a transport.
// The manager retries these per its ReconnectPolicy.
type TransportError struct {
	Transport Mode
	URL       string
	Reason    string
	Cause     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error [%s %s]: %s", e.Transport, e.URL, e.Reason)
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}

// ProtocolError reports a single malformed envelope. It never closes the
// connection the envelope arrived on.
type ProtocolError struct {
	Reason string
	Raw    []byte
	Cause  error
}

func (e *ProtocolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("protocol error: %s", e.Reason)
}

func (e *ProtocolError) Unwrap() error {
	return e.Cause
}

// ExhaustionError is attached to status events when a transport used up its
// attempts. It is reported, never returned to callers.
type ExhaustionError struct {
	Transport Mode
	Attempts  int
	Last      error
}

func (e *ExhaustionError) Error() string {
	return fmt.Sprintf("%s transport exhausted after %d attempts: %v", e.Transport, e.Attempts, e.Last)
}

func (e *ExhaustionError) Unwrap() error {
	return e.Last
}

// ErrorKind classifies diagnostics that cannot be returned to a caller.
type ErrorKind int

const (
	ErrDecodeFailure  ErrorKind = iota // inbound envelope couldn't be decoded
	ErrTransportWrite                  // failed to write to the active transport
	ErrNoHandler                       // dispatcher had no handler for a kind
	ErrHandlerFailure                  // dispatcher handler returned an error
)

var errorKindNames = [...]string{
	ErrDecodeFailure:  "ErrDecodeFailure",
	ErrTransportWrite: "ErrTransportWrite",
	ErrNoHandler:      "ErrNoHandler",
	ErrHandlerFailure: "ErrHandlerFailure",
}

func (k ErrorKind) String() string {
	if int(k) >= 0 && int(k) < len(errorKindNames) {
		return errorKindNames[k]
	}
	return fmt.Sprintf("ErrorKind(%d)", k)
}

// Diagnostic is an error event published on a manager's diagnostic stream.
type Diagnostic struct {
	Kind      ErrorKind
	Transport Mode
	Cause     error
	Raw       []byte // raw payload (for decode failures)
	Timestamp time.Time
}

func (d *Diagnostic) Error() string {
	if d.Cause != nil {
		return fmt.Sprintf("%s: %v (transport=%s)", d.Kind, d.Cause, d.Transport)
	}
	return fmt.Sprintf("%s (transport=%s)", d.Kind, d.Transport)
}

func (d *Diagnostic) Unwrap() error {
	return d.Cause
}

// LogDiagnostics returns a function that logs diagnostics to the given logger.
// It is meant to be fed from Manager.Diagnostics.
func LogDiagnostics(logger *slog.Logger) func(Diagnostic) {
	return func(d Diagnostic) {
		attrs := []any{"kind", d.Kind.String(), "transport", d.Transport.String()}
		if d.Cause != nil {
			attrs = append(attrs, "error", d.Cause)
		}
		if len(d.Raw) > 0 {
			attrs = append(attrs, "raw_len", len(d.Raw))
		}
		logger.Warn("livefeed diagnostic", attrs...)
	}
}
