package embedding

import (
	"context"
	"math/rand/v2"
	"time"

	"codecoach/internal/logging"
)

// =============================================================================
// DECORATORS: PER-CALL TIMEOUT AND RETRY
// =============================================================================

type timeoutEngine struct {
	inner   Engine
	timeout time.Duration
}

// WithTimeout bounds every Embed call of e by d.
func WithTimeout(e Engine, d time.Duration) Engine {
	return &timeoutEngine{inner: e, timeout: d}
}

func (t *timeoutEngine) Embed(ctx context.Context, text string, mode Mode) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.inner.Embed(ctx, text, mode)
}

func (t *timeoutEngine) Name() string { return t.inner.Name() }

type retryEngine struct {
	inner    Engine
	attempts int
	base     time.Duration
	sleep    func(context.Context, time.Duration) error
}

// WithRetry retries failed Embed calls of e with jittered exponential backoff.
// maxRetries counts the extra attempts after the first one.
func WithRetry(e Engine, maxRetries int, base time.Duration) Engine {
	return &retryEngine{inner: e, attempts: maxRetries + 1, base: base, sleep: sleepCtx}
}

func (r *retryEngine) Embed(ctx context.Context, text string, mode Mode) ([]float32, error) {
	var lastErr error
	for attempt := 0; attempt < r.attempts; attempt++ {
		if attempt > 0 {
			delay := CalculateBackoff(r.base, attempt)
			logging.EmbeddingWarn("%s: retry %d/%d in %v after: %v", r.inner.Name(), attempt, r.attempts-1, delay, lastErr)
			if err := r.sleep(ctx, delay); err != nil {
				return nil, unavailable(r.inner.Name(), err)
			}
		}
		vec, err := r.inner.Embed(ctx, text, mode)
		if err == nil {
			return vec, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (r *retryEngine) Name() string { return r.inner.Name() }

// CalculateBackoff returns 2^attempt * base, capped at 30s, with ±25% jitter.
func CalculateBackoff(base time.Duration, attempt int) time.Duration {
	if attempt <= 0 || base <= 0 {
		return 0
	}
	if attempt > 30 {
		attempt = 30
	}
	backoff := base * time.Duration(1<<uint(attempt))
	if backoff > 30*time.Second || backoff <= 0 {
		backoff = 30 * time.Second
	}
	jitter := time.Duration(rand.Int64N(int64(backoff)/2)) - backoff/4
	return backoff + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
