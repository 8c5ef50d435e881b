// internal/retry/retry.go
package retry

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/lib/pq"
)

// Options configures Do.
type Options struct {
	MaxRetries   int           // retries after the first attempt (default 3)
	InitialDelay time.Duration // default 100ms
	MaxDelay     time.Duration // cap on any single delay (default 5s)
	Name         string        // operation name for logging
}

func (o Options) withDefaults() Options {
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.InitialDelay == 0 {
		o.InitialDelay = 100 * time.Millisecond
	}
	if o.MaxDelay == 0 {
		o.MaxDelay = 5 * time.Second
	}
	if o.Name == "" {
		o.Name = "operation"
	}
	return o
}

// Delay returns the base backoff delay for the given attempt (0-based):
// InitialDelay doubled per attempt, capped at MaxDelay. Jitter is added
// separately in Do so the base curve stays non-decreasing.
func Delay(attempt int, opts Options) time.Duration {
	opts = opts.withDefaults()
	d := opts.InitialDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= opts.MaxDelay {
			return opts.MaxDelay
		}
	}
	if d > opts.MaxDelay {
		return opts.MaxDelay
	}
	return d
}

// IsTransient classifies errors worth retrying: serialization/deadlock/lock
// failures from Postgres, connection-level network errors and timeouts.
// Everything else is treated as permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"55P03", // lock_not_available
			"57014": // query_canceled (lock/statement timeout)
			return true
		}
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := err.Error()
	for _, marker := range []string{
		"connection refused",
		"connection reset",
		"i/o timeout",
		"no route to host",
		"host unreachable",
		"lock wait timeout",
		"deadlock detected",
		"bad connection",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Do runs op, retrying transient failures with exponential backoff plus
// random jitter. Permanent errors and exhausted retries surface the last
// error unchanged.
func Do(ctx context.Context, op func() error, opts Options) error {
	opts = opts.withDefaults()

	var lastErr error
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}

		if !IsTransient(lastErr) || attempt == opts.MaxRetries {
			if attempt > 0 {
				log.Printf("⚠️ %s failed permanently after %d attempts: %v", opts.Name, attempt+1, lastErr)
			}
			return lastErr
		}

		delay := Delay(attempt, opts) + time.Duration(rand.Int63n(int64(time.Second)))
		if delay > opts.MaxDelay {
			delay = opts.MaxDelay
		}
		log.Printf("⚠️ %s failed (attempt %d/%d): %v, retrying in %s",
			opts.Name, attempt+1, opts.MaxRetries+1, lastErr, delay.Round(time.Millisecond))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}
