// Package limiter provides rate limiting and budget enforcement for inference
// calls with per-model token buckets.
package limiter

import (
	"fmt"
	"sync"
	"time"

	"appforge/pkg/config"
	"appforge/pkg/llm/llmerrors"
)

// Limiter manages rate limiting and budget enforcement across configured models.
type Limiter struct {
	models map[string]*ModelLimiter
	mu     sync.RWMutex
	stopCh chan struct{}
}

// ModelLimiter enforces token, budget, and concurrency limits for one model.
type ModelLimiter struct {
	mu                 sync.Mutex
	name               string
	maxTokensPerMinute int
	maxBudgetPerDayUSD float64
	maxConcurrent      int
	currentTokens      int
	spentTodayUSD      float64
	activeSessions     int
	lastRefill         time.Time
}

// NewLimiter creates a rate limiter configured with the provided model limits.
func NewLimiter(cfg *config.Config) *Limiter {
	l := &Limiter{
		models: make(map[string]*ModelLimiter),
		stopCh: make(chan struct{}),
	}

	for i := range cfg.Models {
		model := &cfg.Models[i]
		l.models[model.Name] = &ModelLimiter{
			name:               model.Name,
			maxTokensPerMinute: model.MaxTPM,
			maxBudgetPerDayUSD: model.DailyBudget,
			maxConcurrent:      model.MaxConnections,
			currentTokens:      model.MaxTPM, // start with a full bucket
			lastRefill:         time.Now(),
		}
	}

	go l.dailyResetLoop()
	return l
}

// Stop terminates the daily reset timer.
func (l *Limiter) Stop() {
	close(l.stopCh)
}

// Reserve attempts to reserve tokens for the given model. A denial is
// returned as a classified rate limit error carrying structured detail.
func (l *Limiter) Reserve(model string, tokens int) error {
	l.mu.RLock()
	ml, exists := l.models[model]
	l.mu.RUnlock()

	if !exists {
		return fmt.Errorf("model %s not configured", model)
	}
	return ml.reserve(tokens)
}

// AcquireSession reserves a concurrency slot for the model. Callers must pair
// with ReleaseSession.
func (l *Limiter) AcquireSession(model string) error {
	l.mu.RLock()
	ml, exists := l.models[model]
	l.mu.RUnlock()

	if !exists {
		return fmt.Errorf("model %s not configured", model)
	}

	ml.mu.Lock()
	defer ml.mu.Unlock()
	if ml.maxConcurrent > 0 && ml.activeSessions >= ml.maxConcurrent {
		return llmerrors.NewRateLimitError(llmerrors.RateLimitDetail{
			LimitType: "concurrency",
			Limit:     ml.maxConcurrent,
			Suggestions: []string{
				"Wait for an active generation to finish before starting another.",
			},
		}, fmt.Sprintf("model %s concurrency limit reached", ml.name))
	}
	ml.activeSessions++
	return nil
}

// ReleaseSession releases a concurrency slot for the model.
func (l *Limiter) ReleaseSession(model string) {
	l.mu.RLock()
	ml, exists := l.models[model]
	l.mu.RUnlock()
	if !exists {
		return
	}

	ml.mu.Lock()
	defer ml.mu.Unlock()
	if ml.activeSessions > 0 {
		ml.activeSessions--
	}
}

// RecordCost adds a completed request's cost to the model's daily spend.
func (l *Limiter) RecordCost(model string, usd float64) {
	l.mu.RLock()
	ml, exists := l.models[model]
	l.mu.RUnlock()
	if !exists {
		return
	}

	ml.mu.Lock()
	defer ml.mu.Unlock()
	ml.spentTodayUSD += usd
}

func (ml *ModelLimiter) reserve(tokens int) error {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	ml.refillLocked()

	if ml.maxBudgetPerDayUSD > 0 && ml.spentTodayUSD >= ml.maxBudgetPerDayUSD {
		return llmerrors.NewRateLimitError(llmerrors.RateLimitDetail{
			LimitType: "budget",
			Period:    "day",
			Suggestions: []string{
				"Daily budget is exhausted; resume generation tomorrow or raise the budget.",
			},
		}, fmt.Sprintf("model %s daily budget exceeded", ml.name))
	}

	if ml.maxTokensPerMinute <= 0 {
		return nil // unlimited
	}

	if tokens > ml.currentTokens {
		return llmerrors.NewRateLimitError(llmerrors.RateLimitDetail{
			LimitType: "tokens",
			Limit:     ml.maxTokensPerMinute,
			Period:    "minute",
			Suggestions: []string{
				"Wait for the token bucket to refill, then resume generation.",
			},
		}, fmt.Sprintf("model %s token rate limit exceeded", ml.name))
	}

	ml.currentTokens -= tokens
	return nil
}

// refillLocked tops up the token bucket proportionally to elapsed time.
func (ml *ModelLimiter) refillLocked() {
	if ml.maxTokensPerMinute <= 0 {
		return
	}
	elapsed := time.Since(ml.lastRefill)
	if elapsed <= 0 {
		return
	}

	refill := int(float64(ml.maxTokensPerMinute) * elapsed.Minutes())
	if refill > 0 {
		ml.currentTokens += refill
		if ml.currentTokens > ml.maxTokensPerMinute {
			ml.currentTokens = ml.maxTokensPerMinute
		}
		ml.lastRefill = time.Now()
	}
}

// dailyResetLoop clears budget spend shortly after midnight UTC.
func (l *Limiter) dailyResetLoop() {
	for {
		now := time.Now().UTC()
		next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
		select {
		case <-l.stopCh:
			return
		case <-time.After(time.Until(next)):
			l.mu.RLock()
			for _, ml := range l.models {
				ml.mu.Lock()
				ml.spentTodayUSD = 0
				ml.mu.Unlock()
			}
			l.mu.RUnlock()
		}
	}
}

// Stats reports current utilization per model, keyed by model name.
func (l *Limiter) Stats() map[string]map[string]any {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[string]map[string]any, len(l.models))
	for name, ml := range l.models {
		ml.mu.Lock()
		out[name] = map[string]any{
			"tokens_available": ml.currentTokens,
			"spent_today_usd":  ml.spentTodayUSD,
			"active_sessions":  ml.activeSessions,
		}
		ml.mu.Unlock()
	}
	return out
}
