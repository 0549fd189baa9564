package agent

import (
	"testing"
	"time"
)

func TestBackoffDoublesAndCaps(t *testing.T) {
	b := &Backoff{Initial: time.Second, Max: 30 * time.Second}

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Fatalf("attempt %d: got %s, want %s", i, got, w)
		}
	}
}

func TestBackoffResetRestoresInitial(t *testing.T) {
	b := &Backoff{Initial: time.Second, Max: 30 * time.Second}
	for i := 0; i < 10; i++ {
		b.Next()
	}
	b.Reset()
	if got := b.Next(); got != time.Second {
		t.Fatalf("after reset: got %s, want 1s", got)
	}
}
