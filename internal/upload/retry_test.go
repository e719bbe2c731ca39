package upload

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudsync/dbxuploader/internal/cloudapi"
)

func TestRetryPolicy_SucceedsWithoutRetryingOnFirstSuccess(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3}
	attempts := 0

	err := p.Do(context.Background(), func(attempt int) error {
		attempts++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryPolicy_RetriesTransientUntilSuccess(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5}
	attempts := 0

	err := p.Do(context.Background(), func(attempt int) error {
		attempts++
		if attempts < 3 {
			return cloudapi.Transient("op", "timeout", nil)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryPolicy_DoesNotRetryNonTransientErrors(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5}
	attempts := 0

	err := p.Do(context.Background(), func(attempt int) error {
		attempts++
		return cloudapi.Persistent("op", "quota exceeded", nil)
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryPolicy_ExhaustsAttemptsAndSurfacesTerminalError(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3}
	attempts := 0

	err := p.Do(context.Background(), func(attempt int) error {
		attempts++
		return cloudapi.Transient("op", "timeout", nil)
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryPolicy_ResumeFailedIsNotRetried(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5}
	attempts := 0

	err := p.Do(context.Background(), func(attempt int) error {
		attempts++
		return cloudapi.ResumeFailed("op", "session not found")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryPolicy_DefaultMaxAttemptsAppliesWhenUnset(t *testing.T) {
	p := RetryPolicy{}
	attempts := 0

	err := p.Do(context.Background(), func(attempt int) error {
		attempts++
		return cloudapi.Transient("op", "timeout", nil)
	})

	require.Error(t, err)
	assert.Equal(t, DefaultMaxAttempts, attempts)
}
