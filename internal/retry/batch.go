// internal/retry/batch.go
package retry

import (
	"context"
	"log"
	"math/rand"
	"sort"
	"sync"
	"time"
)

// BatchOptions configures Batch. The defaults are a contention-avoidance
// policy, not a throughput knob: each upsert holds a pooled connection, so
// small chunks with jittered starts keep concurrent sync runs inside the
// store's lock budget instead of cascading lock-wait timeouts.
type BatchOptions struct {
	ChunkSize  int           // operations run concurrently per chunk (default 2)
	ChunkPause time.Duration // pause between chunks to let the pool recover (default 300ms)
	OpJitter   time.Duration // max random delay before each operation (default 50ms)
	Retry      Options       // per-operation retry policy
}

func (o BatchOptions) withDefaults() BatchOptions {
	if o.ChunkSize == 0 {
		o.ChunkSize = 2
	}
	if o.ChunkPause == 0 {
		o.ChunkPause = 300 * time.Millisecond
	}
	if o.OpJitter == 0 {
		o.OpJitter = 50 * time.Millisecond
	}
	return o
}

// Batch runs n operations in small concurrent chunks, each operation under
// its own Do retry, and returns the indexes that succeeded in ascending
// order. A permanent failure of one operation never fails the whole batch.
func Batch(ctx context.Context, n int, opts BatchOptions, op func(i int) error) []int {
	if n == 0 {
		return nil
	}
	opts = opts.withDefaults()

	var (
		mu        sync.Mutex
		succeeded []int
	)

	for start := 0; start < n; start += opts.ChunkSize {
		end := start + opts.ChunkSize
		if end > n {
			end = n
		}

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()

				// Desynchronize chunk members so they don't hit the
				// store in lockstep.
				time.Sleep(time.Duration(rand.Int63n(int64(opts.OpJitter))))

				if err := Do(ctx, func() error { return op(i) }, opts.Retry); err != nil {
					log.Printf("⚠️ batch operation %d failed: %v", i, err)
					return
				}
				mu.Lock()
				succeeded = append(succeeded, i)
				mu.Unlock()
			}(i)
		}
		wg.Wait()

		if end < n {
			select {
			case <-ctx.Done():
				sort.Ints(succeeded)
				return succeeded
			case <-time.After(opts.ChunkPause):
			}
		}
	}

	sort.Ints(succeeded)
	return succeeded
}
