package adapter

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultRetryAttempts = 3
	DefaultRetryBackoff  = 2 * time.Second

	// requests per second against a remote service; both upstreams throttle
	// well below this.
	defaultRateLimit = 8
)

// Retryer wraps remote calls with a token-bucket rate limit and bounded
// exponential backoff. Only ErrRateLimited and ErrTransient are retried;
// every other error has a bespoke handler upstream.
type Retryer struct {
	attempts int
	backoff  time.Duration
	limiter  *rate.Limiter
	log      *slog.Logger
}

func NewRetryer(attempts int, backoff time.Duration, log *slog.Logger) *Retryer {
	if attempts <= 0 {
		attempts = DefaultRetryAttempts
	}
	if backoff <= 0 {
		backoff = DefaultRetryBackoff
	}
	if log == nil {
		log = slog.Default()
	}

	return &Retryer{
		attempts: attempts,
		backoff:  backoff,
		limiter:  rate.NewLimiter(rate.Limit(defaultRateLimit), defaultRateLimit*2),
		log:      log,
	}
}

// Do runs fn, retrying retryable failures with jittered backoff. fn must be
// idempotent: GETs always are, mutating calls only when they carry a
// client-supplied id.
func (r *Retryer) Do(ctx context.Context, op string, fn func() error) error {
	var lastErr error

	wait := r.backoff

	for attempt := 0; attempt < r.attempts; attempt++ {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if !Retryable(lastErr) {
			return lastErr
		}

		// full jitter keeps concurrent passes from retrying in lockstep
		sleep := time.Duration(rand.Int63n(int64(wait))) + wait/2
		wait *= 2

		r.log.Warn("retrying operation", "op", op, "attempt", attempt+1, "wait", sleep, "error", lastErr)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}

	return lastErr
}

// Retryable reports whether an error is worth another attempt.
func Retryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTransient)
}
