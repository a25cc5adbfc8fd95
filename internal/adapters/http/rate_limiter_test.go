package http

import (
	"testing"
	"time"
)

func TestAttemptLimiterWindow(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := NewAttemptLimiter(2, time.Minute)
	rl.now = func() time.Time { return now }

	if !rl.Allow("A") || !rl.Allow("A") {
		t.Fatal("first two attempts must pass")
	}
	if rl.Allow("A") {
		t.Fatal("third attempt inside the window must be refused")
	}
	if !rl.Allow("B") {
		t.Fatal("users are limited independently")
	}

	now = now.Add(61 * time.Second)
	if !rl.Allow("A") {
		t.Fatal("window did not slide")
	}

	rl.Allow("A")
	rl.Forget("A")
	if !rl.Allow("A") {
		t.Fatal("forget must reset the user")
	}
}

func TestAttemptLimiterDisabled(t *testing.T) {
	var nilLimiter *AttemptLimiter
	if !nilLimiter.Allow("A") {
		t.Fatal("nil limiter allows everything")
	}
	nilLimiter.Forget("A")

	rl := NewAttemptLimiter(0, time.Minute)
	for range 100 {
		if !rl.Allow("A") {
			t.Fatal("zero limit allows everything")
		}
	}
}
