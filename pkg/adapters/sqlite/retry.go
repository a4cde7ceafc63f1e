package sqlite

import (
	"context"
	"math/rand"
	"strings"
	"time"
)

// retryPolicy bounds retries of transient SQLite errors.
type retryPolicy struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

var defaultRetryPolicy = retryPolicy{
	maxRetries: 3,
	baseDelay:  50 * time.Millisecond,
	maxDelay:   500 * time.Millisecond,
}

// transientMarkers are substrings of modernc.org/sqlite error messages for
// lock contention and WAL short reads.
var transientMarkers = []string{
	"SQLITE_BUSY",
	"SQLITE_LOCKED",
	"IOERR_SHORT_READ",
	"database is locked",
	"database table is locked",
	"(5)",
	"(6)",
	"(522)",
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// retry runs fn until it succeeds, fails with a non-transient error, exhausts the
// policy or ctx is done.
func (p retryPolicy) retry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if err = fn(); err == nil || !isTransient(err) {
			return err
		}
		if attempt == p.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.delay(attempt)):
		}
	}
	return err
}

// delay is baseDelay * 2^attempt capped at maxDelay, plus up to baseDelay of jitter.
func (p retryPolicy) delay(attempt int) time.Duration {
	d := p.baseDelay << uint(attempt)
	if d > p.maxDelay {
		d = p.maxDelay
	}
	return d + time.Duration(rand.Int63n(int64(p.baseDelay)))
}
