package sandbox

import (
	"testing"
	"time"
)

func TestBackoffDelaySchedule(t *testing.T) {
	b := Backoff{Base: 1000 * time.Millisecond, Max: 60000 * time.Millisecond}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1000 * time.Millisecond},
		{2, 2000 * time.Millisecond},
		{3, 4000 * time.Millisecond},
		{10, 60000 * time.Millisecond},
	}

	for _, tt := range tests {
		if got := b.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoffMonotonicAndBounded(t *testing.T) {
	b := Backoff{Base: 50 * time.Millisecond, Max: 2 * time.Second}

	prev := time.Duration(0)
	for attempt := 1; attempt <= 20; attempt++ {
		d := b.Delay(attempt)
		if d < prev {
			t.Fatalf("Delay(%d) = %v is less than Delay(%d) = %v", attempt, d, attempt-1, prev)
		}
		if d > b.Max {
			t.Fatalf("Delay(%d) = %v exceeds max %v", attempt, d, b.Max)
		}
		prev = d
	}
}

func TestBackoffZeroBaseDisablesDelay(t *testing.T) {
	b := Backoff{}
	if got := b.Delay(5); got != 0 {
		t.Errorf("Delay with zero base = %v, want 0", got)
	}
}
