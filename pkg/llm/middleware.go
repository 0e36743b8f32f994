package llm

import (
	"context"
	"time"

	"appforge/pkg/config"
	"appforge/pkg/limiter"
	"appforge/pkg/llm/llmerrors"
	"appforge/pkg/metrics"
	"appforge/pkg/utils"
)

// limitedClient enforces per-model token, budget and concurrency limits
// before forwarding to the provider.
type limitedClient struct {
	inner   Client
	limiter *limiter.Limiter
	counter *utils.TokenCounter
	model   config.ModelCfg
}

// NewLimitedClient wraps a client with per-model quota enforcement.
func NewLimitedClient(inner Client, lim *limiter.Limiter, counter *utils.TokenCounter, model config.ModelCfg) Client {
	return &limitedClient{inner: inner, limiter: lim, counter: counter, model: model}
}

func (c *limitedClient) reserve(in Request) error {
	estimate := in.MaxTokens
	for i := range in.Messages {
		estimate += c.counter.CountTokens(in.Messages[i].Content)
	}
	return c.limiter.Reserve(c.model.Name, estimate)
}

func (c *limitedClient) recordUsage(usage Usage) {
	cost := float64(usage.InputTokens)/1e6*c.model.InputCostPerM +
		float64(usage.OutputTokens)/1e6*c.model.OutputCostPerM
	if cost > 0 {
		c.limiter.RecordCost(c.model.Name, cost)
	}
}

// Complete implements Client.
func (c *limitedClient) Complete(ctx context.Context, in Request) (Response, error) {
	if err := c.reserve(in); err != nil {
		return Response{}, err
	}
	if err := c.limiter.AcquireSession(c.model.Name); err != nil {
		return Response{}, err
	}
	defer c.limiter.ReleaseSession(c.model.Name)

	resp, err := c.inner.Complete(ctx, in)
	if err == nil {
		c.recordUsage(resp.Usage)
	}
	return resp, err
}

// Stream implements Client. The session slot is held until the stream ends.
func (c *limitedClient) Stream(ctx context.Context, in Request) (<-chan StreamChunk, error) {
	if err := c.reserve(in); err != nil {
		return nil, err
	}
	if err := c.limiter.AcquireSession(c.model.Name); err != nil {
		return nil, err
	}

	inner, err := c.inner.Stream(ctx, in)
	if err != nil {
		c.limiter.ReleaseSession(c.model.Name)
		return nil, err
	}

	out := make(chan StreamChunk, 8)
	go func() {
		defer close(out)
		defer c.limiter.ReleaseSession(c.model.Name)
		var outputChars int
		for chunk := range inner {
			outputChars += len(chunk.Content)
			out <- chunk
		}
		// Streams do not report usage; approximate output cost from length.
		c.recordUsage(Usage{OutputTokens: outputChars / 4})
	}()
	return out, nil
}

// ModelName implements Client.
func (c *limitedClient) ModelName() string {
	return c.inner.ModelName()
}

// meteredClient records request counts, durations, token usage and throttle
// events for one agent's traffic.
type meteredClient struct {
	inner    Client
	recorder *metrics.Recorder
	agentID  string
}

// NewMeteredClient wraps a client with Prometheus instrumentation.
func NewMeteredClient(inner Client, recorder *metrics.Recorder, agentID string) Client {
	return &meteredClient{inner: inner, recorder: recorder, agentID: agentID}
}

// Complete implements Client.
func (c *meteredClient) Complete(ctx context.Context, in Request) (Response, error) {
	start := time.Now()
	resp, err := c.inner.Complete(ctx, in)
	c.record(start, resp.Usage, err)
	return resp, err
}

// Stream implements Client.
func (c *meteredClient) Stream(ctx context.Context, in Request) (<-chan StreamChunk, error) {
	start := time.Now()
	inner, err := c.inner.Stream(ctx, in)
	if err != nil {
		c.record(start, Usage{}, err)
		return nil, err
	}

	out := make(chan StreamChunk, 8)
	go func() {
		defer close(out)
		var streamErr error
		for chunk := range inner {
			if chunk.Error != nil {
				streamErr = chunk.Error
			}
			out <- chunk
		}
		c.record(start, Usage{}, streamErr)
	}()
	return out, nil
}

// ModelName implements Client.
func (c *meteredClient) ModelName() string {
	return c.inner.ModelName()
}

func (c *meteredClient) record(start time.Time, usage Usage, err error) {
	status := "ok"
	errorType := ""
	if err != nil {
		status = "error"
		errorType = llmerrors.TypeOf(err).String()
		if llmerrors.IsRateLimit(err) {
			c.recorder.RecordThrottle(c.inner.ModelName(), rateLimitReason(err))
		}
	}
	c.recorder.RecordRequest(c.inner.ModelName(), c.agentID, status, errorType, time.Since(start))
	if usage.InputTokens > 0 || usage.OutputTokens > 0 {
		c.recorder.RecordTokens(c.inner.ModelName(), c.agentID, usage.InputTokens, usage.OutputTokens)
	}
}

func rateLimitReason(err error) string {
	if detail := llmerrors.RateLimitOf(err); detail != nil {
		return detail.LimitType
	}
	return "requests"
}
