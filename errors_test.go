package livefeed

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestConfigError_Error(t *testing.T) {
	err := &ConfigError{Field: "maxAttempts", Reason: "must be >= 1, got 0"}
	want := "config error [maxAttempts]: must be >= 1, got 0"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestTransportError_Error(t *testing.T) {
	err := &TransportError{Transport: Persistent, URL: "ws://localhost:8000/feeds/a/ws", Reason: "connection refused"}
	want := "transport error [persistent ws://localhost:8000/feeds/a/ws]: connection refused"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestTransportError_ErrorsAs(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := fmt.Errorf("wrapped: %w", &TransportError{Transport: PushOnly, Reason: "refused", Cause: cause})
	var trErr *TransportError
	if !errors.As(err, &trErr) {
		t.Fatal("errors.As should match TransportError")
	}
	if trErr.Transport != PushOnly {
		t.Errorf("Transport = %v, want %v", trErr.Transport, PushOnly)
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is should reach the cause")
	}
}

func TestExhaustionError(t *testing.T) {
	last := &TransportError{Transport: Persistent, Reason: "refused"}
	err := &ExhaustionError{Transport: Persistent, Attempts: 4, Last: last}
	if !strings.Contains(err.Error(), "after 4 attempts") {
		t.Errorf("Error() = %q, should mention attempts", err.Error())
	}
	var trErr *TransportError
	if !errors.As(err, &trErr) {
		t.Error("errors.As should reach the last transport error")
	}
}

func TestProtocolError_Unwrap(t *testing.T) {
	cause := errors.New("unexpected end of JSON input")
	err := &ProtocolError{Reason: "malformed envelope", Cause: cause}
	if !errors.Is(err, cause) {
		t.Error("errors.Is should match the cause")
	}
	if got := (&ProtocolError{Reason: "missing kind"}).Error(); got != "protocol error: missing kind" {
		t.Errorf("Error() = %q", got)
	}
}

func TestSentinelErrors(t *testing.T) {
	wrapped := fmt.Errorf("send alert: %w", ErrSendUnavailable)
	if !errors.Is(wrapped, ErrSendUnavailable) {
		t.Error("errors.Is should match ErrSendUnavailable")
	}
	if errors.Is(wrapped, ErrNotConnected) {
		t.Error("errors.Is should not match ErrNotConnected")
	}
}

func TestDiagnostic_Error(t *testing.T) {
	d := &Diagnostic{Kind: ErrDecodeFailure, Transport: PushOnly, Cause: errors.New("bad json")}
	want := "ErrDecodeFailure: bad json (transport=push-only)"
	if got := d.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorKind_String(t *testing.T) {
	tests := []struct {
		kind ErrorKind
		want string
	}{
		{ErrDecodeFailure, "ErrDecodeFailure"},
		{ErrTransportWrite, "ErrTransportWrite"},
		{ErrNoHandler, "ErrNoHandler"},
		{ErrHandlerFailure, "ErrHandlerFailure"},
		{ErrorKind(99), "ErrorKind(99)"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}

func TestLogDiagnostics(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	LogDiagnostics(logger)(Diagnostic{
		Kind:      ErrDecodeFailure,
		Transport: Persistent,
		Cause:     errors.New("invalid character"),
		Raw:       []byte("{oops"),
		Timestamp: time.Now(),
	})

	output := buf.String()
	if !strings.Contains(output, "ErrDecodeFailure") {
		t.Errorf("LogDiagnostics output = %q, should contain error kind", output)
	}
	if !strings.Contains(output, "raw_len=5") {
		t.Errorf("LogDiagnostics output = %q, should contain raw length", output)
	}
}
