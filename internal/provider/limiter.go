package provider

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Limiter caps concurrent calls to one vendor endpoint. It is shared by every connection
// and request using the provider.
type Limiter struct {
	name string
	size int64
	sem  *semaphore.Weighted
}

// NewLimiter creates a limiter admitting up to size concurrent calls. Sizes below one admit one.
func NewLimiter(name string, size int) *Limiter {
	if size < 1 {
		size = 1
	}
	return &Limiter{
		name: name,
		size: int64(size),
		sem:  semaphore.NewWeighted(int64(size)),
	}
}

// Acquire blocks until a slot is free or ctx is done. The returned func releases the slot
// and is safe to call more than once.
func (l *Limiter) Acquire(ctx context.Context) (func(), error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%s: wait for rate-limit slot: %w", l.name, err)
	}
	var once sync.Once
	return func() {
		once.Do(func() { l.sem.Release(1) })
	}, nil
}

// Size reports the configured ceiling.
func (l *Limiter) Size() int {
	return int(l.size)
}
