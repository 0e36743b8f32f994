package llm

import (
	"context"
	"math"
	"math/rand"
	"time"

	"appforge/pkg/llm/llmerrors"
	"appforge/pkg/logx"
)

// RetryingClient wraps a Client with classified-error retry. The retry policy
// comes from the error taxonomy: transient and parse errors back off and
// retry, rate-limit and security errors surface immediately.
type RetryingClient struct {
	inner  Client
	logger *logx.Logger
}

// NewRetryingClient wraps the given client with retry behavior.
func NewRetryingClient(inner Client) *RetryingClient {
	return &RetryingClient{
		inner:  inner,
		logger: logx.NewLogger("llm-retry"),
	}
}

// Complete implements Client.
func (r *RetryingClient) Complete(ctx context.Context, in Request) (Response, error) {
	var lastErr error

	for attempt := 0; ; attempt++ {
		resp, err := r.inner.Complete(ctx, in)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		cfg := llmerrors.GetRetryConfig(err)
		if attempt >= cfg.MaxRetries {
			return Response{}, lastErr
		}

		delay := backoffDelay(cfg, attempt)
		r.logger.Warn("completion attempt %d failed (%s), retrying in %v: %v",
			attempt+1, llmerrors.TypeOf(err), delay, err)

		select {
		case <-ctx.Done():
			return Response{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, ctx.Err(), "canceled while waiting to retry")
		case <-time.After(delay):
		}
	}
}

// Stream implements Client. Only the initial connection is retried; once
// chunks are flowing a mid-stream error surfaces to the consumer.
func (r *RetryingClient) Stream(ctx context.Context, in Request) (<-chan StreamChunk, error) {
	var lastErr error

	for attempt := 0; ; attempt++ {
		ch, err := r.inner.Stream(ctx, in)
		if err == nil {
			return ch, nil
		}
		lastErr = err

		cfg := llmerrors.GetRetryConfig(err)
		if attempt >= cfg.MaxRetries {
			return nil, lastErr
		}

		delay := backoffDelay(cfg, attempt)
		r.logger.Warn("stream attempt %d failed (%s), retrying in %v: %v",
			attempt+1, llmerrors.TypeOf(err), delay, err)

		select {
		case <-ctx.Done():
			return nil, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, ctx.Err(), "canceled while waiting to retry")
		case <-time.After(delay):
		}
	}
}

// ModelName implements Client.
func (r *RetryingClient) ModelName() string {
	return r.inner.ModelName()
}

func backoffDelay(cfg llmerrors.RetryConfig, attempt int) time.Duration {
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.BackoffFactor, float64(attempt))
	if max := float64(cfg.MaxDelay); delay > max {
		delay = max
	}
	if cfg.Jitter {
		// Up to 25% jitter to avoid synchronized retries.
		delay += delay * 0.25 * rand.Float64() //nolint:gosec // jitter does not need crypto randomness
	}
	return time.Duration(delay)
}
