package services

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKeyedLockSerializesSameKey(t *testing.T) {
	kl := newKeyedLock()

	var active int32
	var maxActive int32
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := kl.Lock("instance-1")
			n := atomic.AddInt32(&active, 1)
			if n > atomic.LoadInt32(&maxActive) {
				atomic.StoreInt32(&maxActive, n)
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxActive, "same-key operations must never run concurrently")
}

func TestKeyedLockAllowsDifferentKeysConcurrently(t *testing.T) {
	kl := newKeyedLock()

	start := make(chan struct{})
	var wg sync.WaitGroup
	results := make(chan string, 2)

	for _, key := range []string{"a", "b"} {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			<-start
			unlock := kl.Lock(key)
			results <- key
			unlock()
		}(key)
	}
	close(start)
	wg.Wait()
	close(results)

	seen := map[string]bool{}
	for k := range results {
		seen[k] = true
	}
	assert.True(t, seen["a"] && seen["b"])
}
