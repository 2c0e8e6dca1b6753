// ABOUTME: Tests for the reconnect backoff sequence
// ABOUTME: Delays double from the base, cap at the max and restart after Reset

package agentd

import (
	"testing"
	"time"
)

func TestBackoff(t *testing.T) {
	bo := NewBackoff(time.Second, 60*time.Second)

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		60 * time.Second,
		60 * time.Second,
	}
	for i, w := range want {
		if got := bo.Next(); got != w {
			t.Errorf("attempt %d: got %v, want %v", i, got, w)
		}
	}
}

func TestBackoffReset(t *testing.T) {
	bo := NewBackoff(time.Second, 60*time.Second)
	bo.Next()
	bo.Next()
	bo.Next()
	bo.Reset()

	if got := bo.Next(); got != time.Second {
		t.Errorf("after reset: got %v, want 1s", got)
	}
}

func TestBackoffNeverOverflows(t *testing.T) {
	bo := NewBackoff(time.Second, time.Minute)
	for range 100 {
		if got := bo.Next(); got <= 0 || got > time.Minute {
			t.Fatalf("delay out of range: %v", got)
		}
	}
}
