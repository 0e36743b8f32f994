package limiter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appforge/pkg/config"
	"appforge/pkg/llm/llmerrors"
)

func testConfig() *config.Config {
	return &config.Config{
		Models: []config.ModelCfg{
			{Name: "fast", Provider: config.ProviderAnthropic, MaxTPM: 1000, MaxConnections: 2, DailyBudget: 5.0},
			{Name: "local", Provider: config.ProviderOllama},
		},
	}
}

func TestReserveWithinBucket(t *testing.T) {
	l := NewLimiter(testConfig())
	defer l.Stop()

	assert.NoError(t, l.Reserve("fast", 400))
	assert.NoError(t, l.Reserve("fast", 400))
}

func TestReserveDeniedAsRateLimitError(t *testing.T) {
	l := NewLimiter(testConfig())
	defer l.Stop()

	require.NoError(t, l.Reserve("fast", 1000))
	err := l.Reserve("fast", 500)
	require.Error(t, err)
	assert.True(t, llmerrors.IsRateLimit(err))

	detail := llmerrors.RateLimitOf(err)
	require.NotNil(t, detail)
	assert.Equal(t, "tokens", detail.LimitType)
	assert.Equal(t, 1000, detail.Limit)
}

func TestUnlimitedModel(t *testing.T) {
	l := NewLimiter(testConfig())
	defer l.Stop()

	assert.NoError(t, l.Reserve("local", 1_000_000))
}

func TestBudgetExceeded(t *testing.T) {
	l := NewLimiter(testConfig())
	defer l.Stop()

	l.RecordCost("fast", 6.0)
	err := l.Reserve("fast", 1)
	require.Error(t, err)
	detail := llmerrors.RateLimitOf(err)
	require.NotNil(t, detail)
	assert.Equal(t, "budget", detail.LimitType)
}

func TestConcurrencyLimit(t *testing.T) {
	l := NewLimiter(testConfig())
	defer l.Stop()

	require.NoError(t, l.AcquireSession("fast"))
	require.NoError(t, l.AcquireSession("fast"))
	err := l.AcquireSession("fast")
	require.Error(t, err)
	assert.True(t, llmerrors.IsRateLimit(err))

	l.ReleaseSession("fast")
	assert.NoError(t, l.AcquireSession("fast"))
}

func TestUnknownModel(t *testing.T) {
	l := NewLimiter(testConfig())
	defer l.Stop()

	err := l.Reserve("mystery", 1)
	require.Error(t, err)
	assert.False(t, llmerrors.IsRateLimit(err))
}
