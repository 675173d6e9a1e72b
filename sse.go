package livefeed

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
)

const maxEventSize = 1 << 20

// SSEAdapter implements the PushOnly transport over Server-Sent Events.
// Envelopes travel as the data field of each event and are always JSON.
type SSEAdapter struct {
	// Client issues the event-stream request. Nil means a client whose
	// transport waits at most 10s for response headers. Client.Timeout
	// must be zero or it will cut the stream.
	Client *http.Client

	// Header is added to the request.
	Header http.Header
}

func (a *SSEAdapter) Mode() Mode { return PushOnly }

// Open issues the event-stream request. ctx bounds the whole stream, not
// only the handshake; Close cancels it.
func (a *SSEAdapter) Open(ctx context.Context, endpoint string) (Stream, error) {
	client := a.Client
	if client == nil {
		client = defaultSSEClient()
	}

	streamCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		cancel()
		return nil, &TransportError{Transport: PushOnly, URL: endpoint, Reason: "build request", Cause: err}
	}
	for k, vs := range a.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := client.Do(req)
	if err != nil {
		cancel()
		return nil, &TransportError{Transport: PushOnly, URL: endpoint, Reason: err.Error(), Cause: err}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, &TransportError{Transport: PushOnly, URL: endpoint, Reason: fmt.Sprintf("unexpected status %s", resp.Status)}
	}
	if mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mt != "text/event-stream" {
		resp.Body.Close()
		cancel()
		return nil, &TransportError{Transport: PushOnly, URL: endpoint, Reason: fmt.Sprintf("unexpected content type %q", mt)}
	}

	reader := bufio.NewReaderSize(resp.Body, 64*1024)
	return &sseStream{url: endpoint, body: resp.Body, reader: reader, cancel: cancel}, nil
}

func defaultSSEClient() *http.Client {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.ResponseHeaderTimeout = defaultHandshakeTimeout
	return &http.Client{Transport: t}
}

// sseStream parses an event stream. Only the data field is used; event,
// id and retry fields are ignored, comments are skipped.
type sseStream struct {
	url    string
	body   io.ReadCloser
	reader *bufio.Reader
	cancel context.CancelFunc
}

func (s *sseStream) Recv(ctx context.Context) ([]byte, error) {
	var data bytes.Buffer
	hasData := false
	for {
		line, err := s.readLine()
		if err != nil {
			return nil, &TransportError{Transport: PushOnly, URL: s.url, Reason: "read failed", Cause: err}
		}

		if len(line) == 0 {
			if hasData {
				return data.Bytes(), nil
			}
			continue
		}
		if line[0] == ':' {
			continue
		}

		field, value, _ := bytes.Cut(line, []byte(":"))
		value = bytes.TrimPrefix(value, []byte(" "))
		if string(field) != "data" {
			continue
		}
		if hasData {
			data.WriteByte('\n')
		}
		if data.Len()+len(value) > maxEventSize {
			return nil, &TransportError{Transport: PushOnly, URL: s.url, Reason: "event exceeds size limit"}
		}
		data.Write(value)
		hasData = true
	}
}

func (s *sseStream) readLine() ([]byte, error) {
	line, err := s.reader.ReadBytes('\n')
	if err != nil {
		if err == io.EOF && len(line) > 0 {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	line = bytes.TrimSuffix(line, []byte("\n"))
	line = bytes.TrimSuffix(line, []byte("\r"))
	return line, nil
}

func (s *sseStream) Close() error {
	s.cancel()
	return s.body.Close()
}

// keepaliveComment is what servers write to hold idle event streams open.
const keepaliveComment = ": keepalive\n\n"

// WriteSSE writes data as one event-stream event. Each line of data becomes a
// data field.
func WriteSSE(w io.Writer, data []byte) error {
	var buf bytes.Buffer
	for _, line := range bytes.Split(data, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	_, err := w.Write(buf.Bytes())
	return err
}

// WriteSSEKeepalive writes a comment line that SSE readers skip.
func WriteSSEKeepalive(w io.Writer) error {
	_, err := io.WriteString(w, keepaliveComment)
	return err
}
