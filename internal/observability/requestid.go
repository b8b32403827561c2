package observability

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strings"
)

// RequestIDHeader is the HTTP header carrying the request correlation ID.
// Inbound values are echoed back when well-formed.
const RequestIDHeader = "X-Request-Id"

const maxRequestIDLen = 128

type requestIDKey struct{}
type groupIDKey struct{}

// GenerateRequestID returns a new unique request ID.
func GenerateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "req-fallback"
	}
	return hex.EncodeToString(b)
}

// ContextWithRequestID stores the per-attempt request ID.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestIDFromContext extracts the request ID, or "" when absent.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// ContextWithGroupID stores the client request ID shared by all retry
// attempts of one inbound request.
func ContextWithGroupID(ctx context.Context, groupID string) context.Context {
	return context.WithValue(ctx, groupIDKey{}, groupID)
}

// GroupIDFromContext extracts the client request ID; it falls back to the
// request ID so snapshots always group.
func GroupIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(groupIDKey{}).(string); ok && id != "" {
		return id
	}
	return RequestIDFromContext(ctx)
}

// RequestIDMiddleware echoes or assigns the request ID and stores both the
// request ID and the group ID in the context.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if sanitized, ok := sanitizeRequestID(requestID); ok {
			requestID = sanitized
		} else {
			requestID = GenerateRequestID()
		}

		w.Header().Set(RequestIDHeader, requestID)

		ctx := ContextWithRequestID(r.Context(), requestID)
		ctx = ContextWithGroupID(ctx, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// sanitizeRequestID accepts client-supplied IDs only when they are short and
// contain no header-splitting characters.
func sanitizeRequestID(value string) (string, bool) {
	value = strings.TrimSpace(value)
	if value == "" || len(value) > maxRequestIDLen {
		return "", false
	}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return "", false
		}
	}
	return value, true
}
