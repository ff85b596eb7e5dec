package sttprovider

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/dawrv/asr-core/pkg/asrcore"
)

// TranscribeWithRetry runs provider.Transcribe under the given retry
// policy. Exported so callers outside this package (the streaming engine)
// get the same bounded-backoff behavior without duplicating it.
func TranscribeWithRetry(ctx context.Context, policy RetryPolicy, provider Provider, segment []float32, boostWords []string) (*asrcore.TranscriptResult, error) {
	return retry(ctx, policy, func(ctx context.Context) (*asrcore.TranscriptResult, error) {
		return provider.Transcribe(ctx, segment, boostWords)
	})
}

// RetryPolicy bounds the exponential backoff applied to retryable provider
// errors: auth failures are fatal and never retried, every other kind gets
// up to MaxAttempts tries.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	Jitter         bool
}

// DefaultRetryPolicy returns the "maximum 3 attempts per utterance" backoff schedule.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    MaxAttempts,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     800 * time.Millisecond,
		BackoffFactor:  2.0,
		Jitter:         true,
	}
}

// retry runs fn up to policy.MaxAttempts times, sleeping with exponential
// backoff between attempts. It stops immediately on ErrProviderAuthFailed or
// on context cancellation.
func retry[T any](ctx context.Context, policy RetryPolicy, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	backoff := policy.InitialBackoff
	var lastErr error

	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if errors.Is(err, asrcore.ErrProviderAuthFailed) {
			return zero, err
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if attempt == attempts-1 {
			break
		}

		sleep := backoff
		if policy.Jitter {
			sleep = time.Duration(float64(sleep) * (0.5 + rand.Float64()))
		}
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return zero, ctx.Err()
		}

		backoff = time.Duration(float64(backoff) * policy.BackoffFactor)
		if policy.MaxBackoff > 0 && backoff > policy.MaxBackoff {
			backoff = policy.MaxBackoff
		}
	}
	return zero, lastErr
}
