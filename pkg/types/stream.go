package types //nolint:revive // package name is intentional

import (
	"io"
	"sync/atomic"
)

// Stream wraps a live upstream byte stream handed through the pipeline.
// Dialect names the SSE event vocabulary of the bytes; ContentType is the
// upstream Content-Type header.
type Stream struct {
	Body        io.ReadCloser
	ContentType string
	Dialect     Protocol

	// forwarded flips once the first byte has been written toward the
	// client. Retries are forbidden after that point.
	forwarded atomic.Bool
}

// NewStream wraps body in a Stream.
func NewStream(body io.ReadCloser, contentType string, dialect Protocol) *Stream {
	return &Stream{Body: body, ContentType: contentType, Dialect: dialect}
}

// MarkForwarded records that output has reached the client.
func (s *Stream) MarkForwarded() { s.forwarded.Store(true) }

// Forwarded reports whether any byte has reached the client.
func (s *Stream) Forwarded() bool { return s.forwarded.Load() }

// Close releases the upstream body.
func (s *Stream) Close() error {
	if s.Body == nil {
		return nil
	}
	return s.Body.Close()
}
