package resilience

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"explicit", NewTransientError(errors.New("server overloaded"), 503), true},
		{"wrapped", fmt.Errorf("list contacts: %w", NewTransientError(errors.New("slow down"), 429)), true},
		{"validation", errors.New("invalid input: missing field"), false},
		{"connection reset", fmt.Errorf("write tcp: %w", syscall.ECONNRESET), true},
		{"connection refused", fmt.Errorf("dial tcp: %w", syscall.ECONNREFUSED), true},
		{"network timeout", &net.DNSError{IsTimeout: true, Err: "timeout"}, true},
		{"dns not found", &net.DNSError{IsNotFound: true, Err: "no such host"}, false},
		{"flattened reset", errors.New("read: connection reset by peer"), true},
		{"flattened tls", errors.New("net/http: TLS handshake timeout"), true},
		{"flattened eof", errors.New("unexpected EOF"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, IsTransientHTTPStatus(code), "HTTP %d", code)
	}
	for _, code := range []int{200, 201, 400, 401, 403, 404, 409, 422} {
		assert.False(t, IsTransientHTTPStatus(code), "HTTP %d", code)
	}
}

func TestTransientError_Chain(t *testing.T) {
	inner := errors.New("root cause")
	te := NewTransientError(inner, 500)

	assert.ErrorIs(t, te, inner)
	assert.Equal(t, "root cause", te.Error())

	wrapped := fmt.Errorf("list jobs: %w", NewTransientError(errors.New("slow down"), 429))
	assert.Equal(t, 429, StatusCode(wrapped))
	assert.True(t, IsRateLimited(wrapped))
	assert.False(t, IsRateLimited(te))
	assert.Zero(t, StatusCode(errors.New("plain")))
	assert.Zero(t, RetryAfter(errors.New("plain")))
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"7", 7 * time.Second},
		{" 2 ", 2 * time.Second},
		{"0", 0},
		{"-3", 0},
		{"soon", 0},
		{now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second},
		{now.Add(-time.Minute).Format(http.TimeFormat), 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseRetryAfter(tt.in, now), "Retry-After %q", tt.in)
	}
}

func TestFromResponse(t *testing.T) {
	resp := &http.Response{StatusCode: http.StatusTooManyRequests, Header: http.Header{}}
	resp.Header.Set("Retry-After", "3")

	err := fmt.Errorf("source_a: %w", FromResponse(resp, errors.New("status 429")))
	assert.True(t, IsTransient(err))
	assert.True(t, IsRateLimited(err))
	assert.Equal(t, 3*time.Second, RetryAfter(err))
}
