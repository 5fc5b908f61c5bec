package device

import (
	"context"
	"sync"
)

// keyedMutex serializes work per key. Waiters give up when their context
// ends.
type keyedMutex struct {
	mu       sync.Mutex
	inflight map[string]chan struct{}
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{inflight: make(map[string]chan struct{})}
}

// Lock waits until key is free and claims it. The returned function
// releases it.
func (k *keyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	for {
		k.mu.Lock()
		busy, ok := k.inflight[key]
		if !ok {
			done := make(chan struct{})
			k.inflight[key] = done
			k.mu.Unlock()
			return func() {
				k.mu.Lock()
				delete(k.inflight, key)
				k.mu.Unlock()
				close(done)
			}, nil
		}
		k.mu.Unlock()

		select {
		case <-busy:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len returns the number of held keys.
func (k *keyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.inflight)
}
