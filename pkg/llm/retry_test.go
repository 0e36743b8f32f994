package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appforge/pkg/llm/llmerrors"
)

func TestRetryingClientRetriesTransient(t *testing.T) {
	mock := NewMockClient(
		MockError(llmerrors.NewError(llmerrors.ErrorTypeTransient, "connection reset")),
		MockText("recovered"),
	)

	resp, err := NewRetryingClient(mock).Complete(context.Background(), NewRequest(UserMessage("hi")))
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Content)
	assert.Len(t, mock.Requests(), 2)
}

func TestRetryingClientDoesNotRetryRateLimit(t *testing.T) {
	mock := NewMockClient(
		MockError(llmerrors.NewRateLimitError(llmerrors.RateLimitDetail{LimitType: "tokens"}, "quota exhausted")),
		MockText("should never be reached"),
	)

	_, err := NewRetryingClient(mock).Complete(context.Background(), NewRequest(UserMessage("hi")))
	require.Error(t, err)
	assert.True(t, llmerrors.IsRateLimit(err))
	assert.Len(t, mock.Requests(), 1)
}

func TestRetryingClientDoesNotRetrySecurity(t *testing.T) {
	mock := NewMockClient(
		MockError(llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeSecurity, 401, "bad key")),
	)

	_, err := NewRetryingClient(mock).Complete(context.Background(), NewRequest(UserMessage("hi")))
	require.Error(t, err)
	assert.True(t, llmerrors.IsSecurity(err))
	assert.Len(t, mock.Requests(), 1)
}

func TestRetryingClientGivesUpAfterMaxRetries(t *testing.T) {
	transient := llmerrors.NewError(llmerrors.ErrorTypeTransient, "still down")
	mock := NewMockClient(MockError(transient))

	_, err := NewRetryingClient(mock).Complete(context.Background(), NewRequest(UserMessage("hi")))
	require.Error(t, err)

	maxRetries := llmerrors.DefaultRetryConfigs[llmerrors.ErrorTypeTransient].MaxRetries
	assert.Len(t, mock.Requests(), maxRetries+1)
}
