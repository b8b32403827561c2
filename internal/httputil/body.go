// Package httputil provides helpers for working with HTTP payloads and URLs.
package httputil

import (
	"errors"
	"io"
	"strings"
)

const (
	// DefaultMaxBodyBytes caps request and upstream response bodies to 10MB.
	DefaultMaxBodyBytes int64 = 10 * 1024 * 1024
)

var ErrBodyTooLarge = errors.New("body too large")

// ReadLimitedBody reads up to maxBytes from reader and returns
// ErrBodyTooLarge when exceeded.
func ReadLimitedBody(reader io.Reader, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		return io.ReadAll(reader)
	}

	limited := io.LimitReader(reader, maxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return body, err
	}
	if int64(len(body)) > maxBytes {
		body = body[:int(maxBytes)]
		return body, ErrBodyTooLarge
	}
	return body, nil
}

// JoinURL appends endpoint to base without double slashes. An absolute
// endpoint (scheme included) replaces the base entirely.
func JoinURL(base, endpoint string) string {
	if endpoint == "" {
		return base
	}
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	base = strings.TrimRight(base, "/")
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	return base + endpoint
}
