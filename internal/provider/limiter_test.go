package provider

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLimiterBlocksAtCapacity(t *testing.T) {
	limiter := NewLimiter("test", 1)

	release, err := limiter.Acquire(context.Background())
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := limiter.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded while full, got %v", err)
	}

	release()
	release()

	again, err := limiter.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	again()
}

func TestLimiterMinimumSize(t *testing.T) {
	if got := NewLimiter("test", 0).Size(); got != 1 {
		t.Fatalf("expected size 1, got %d", got)
	}
}
