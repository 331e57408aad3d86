package transport

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestRetryDelay(t *testing.T) {
	t.Parallel()
	base := errors.New("too many requests")

	wrapped := fmt.Errorf("send batch: %w", RetryAfter(base, 7*time.Second))
	d, ok := RetryDelay(wrapped)
	if !ok || d != 7*time.Second {
		t.Fatalf("RetryDelay = %v, %v; want 7s, true", d, ok)
	}
	if !errors.Is(wrapped, base) {
		t.Fatalf("expected wrapped error to unwrap to base")
	}

	if _, ok := RetryDelay(base); ok {
		t.Fatalf("plain error must not carry a retry delay")
	}
	if RetryAfter(nil, time.Second) != nil {
		t.Fatalf("RetryAfter(nil) must stay nil")
	}
	if d, _ := RetryDelay(RetryAfter(base, -time.Second)); d != 0 {
		t.Fatalf("negative delay should clamp to 0, got %v", d)
	}
}

func TestUserDisplayName(t *testing.T) {
	t.Parallel()
	tests := []struct {
		u    User
		want string
	}{
		{User{ID: 1, FirstName: "Anna", Username: "anna"}, "Anna"},
		{User{ID: 2, Username: "bob"}, "@bob"},
		{User{ID: 3}, ""},
	}
	for _, tt := range tests {
		if got := tt.u.DisplayName(); got != tt.want {
			t.Fatalf("DisplayName(%+v) = %q, want %q", tt.u, got, tt.want)
		}
	}
}
