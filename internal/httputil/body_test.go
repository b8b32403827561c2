package httputil

import (
	"errors"
	"strings"
	"testing"
)

func TestReadLimitedBody_AllowsWithinLimit(t *testing.T) {
	body, err := ReadLimitedBody(strings.NewReader("hello"), 10)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if string(body) != "hello" {
		t.Fatalf("unexpected body: %s", string(body))
	}
}

func TestReadLimitedBody_RejectsOversize(t *testing.T) {
	body, err := ReadLimitedBody(strings.NewReader("helloworld"), 5)
	if !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("expected ErrBodyTooLarge, got %v", err)
	}
	if string(body) != "hello" {
		t.Fatalf("unexpected body: %s", string(body))
	}
}

func TestJoinURL(t *testing.T) {
	tests := []struct {
		base     string
		endpoint string
		want     string
	}{
		{"https://api.example.com/v1", "/chat/completions", "https://api.example.com/v1/chat/completions"},
		{"https://api.example.com/v1/", "/chat/completions", "https://api.example.com/v1/chat/completions"},
		{"https://api.example.com/v1", "chat/completions", "https://api.example.com/v1/chat/completions"},
		{"https://api.example.com/v1", "", "https://api.example.com/v1"},
		{"https://api.example.com/v1", "https://other.example.com/responses", "https://other.example.com/responses"},
	}
	for _, tt := range tests {
		if got := JoinURL(tt.base, tt.endpoint); got != tt.want {
			t.Errorf("JoinURL(%q, %q) = %q, want %q", tt.base, tt.endpoint, got, tt.want)
		}
	}
}
