package fbapi

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/adstap/pkg/errors"
)

func rateLimitError() *APIError {
	return &APIError{
		Status:      400,
		Code:        adsInsightsCode,
		Subcode:     rateLimitSubcode,
		Message:     "User request limit reached",
		IsTransient: true,
		UsageHeader: `{"123":[{"estimated_time_to_regain_access":5}]}`,
	}
}

func TestClassify(t *testing.T) {
	t.Run("vendor transient flag", func(t *testing.T) {
		d := Classify(&APIError{Status: 400, IsTransient: true})
		assert.True(t, d.Retry)
		assert.Equal(t, ReasonTransient, d.Reason)
	})

	t.Run("transient subcode", func(t *testing.T) {
		d := Classify(&APIError{Status: 400, Code: 1, Subcode: transientSubcode})
		assert.True(t, d.Retry)
		assert.Equal(t, ReasonTransient, d.Reason)
	})

	t.Run("server fault", func(t *testing.T) {
		d := Classify(&APIError{Status: 500, Message: "unknown"})
		assert.True(t, d.Retry)
		assert.Equal(t, ReasonTransient, d.Reason)
	})

	t.Run("connection error", func(t *testing.T) {
		err := errors.New(errors.ErrorTypeConnection, "connection reset")
		d := Classify(err)
		assert.True(t, d.Retry)
		assert.Equal(t, ReasonTransient, d.Reason)
	})

	t.Run("rate limit with usable hint", func(t *testing.T) {
		d := Classify(rateLimitError())
		assert.True(t, d.Retry)
		assert.Equal(t, ReasonRateLimit, d.Reason)
		assert.Equal(t, 5*time.Minute, d.Wait)
	})

	t.Run("rate limit without header is fatal", func(t *testing.T) {
		e := rateLimitError()
		e.UsageHeader = ""
		d := Classify(e)
		assert.False(t, d.Retry)
		assert.Equal(t, ReasonFatal, d.Reason)
	})

	t.Run("rate limit with malformed header is fatal", func(t *testing.T) {
		e := rateLimitError()
		e.UsageHeader = "not json"
		d := Classify(e)
		assert.False(t, d.Retry)
		assert.Equal(t, ReasonFatal, d.Reason)
	})

	t.Run("relevance_score is permanent even when flagged transient", func(t *testing.T) {
		d := Classify(&APIError{Status: 400, Code: 100, Message: relevanceScoreMessage, IsTransient: true})
		assert.False(t, d.Retry)
		assert.Equal(t, ReasonPermanentField, d.Reason)
	})

	t.Run("unclassified client error is fatal", func(t *testing.T) {
		d := Classify(&APIError{Status: 400, Code: 190, Message: "Invalid OAuth access token"})
		assert.False(t, d.Retry)
		assert.Equal(t, ReasonFatal, d.Reason)
	})
}

func TestParseUsageHeader(t *testing.T) {
	usages := parseUsageHeader(`{"123":[{"estimated_time_to_regain_access":7},{"estimated_time_to_regain_access":0}]}`)
	require.Len(t, usages, 2)
	assert.Equal(t, "123", usages[0].AccountID)

	assert.Nil(t, parseUsageHeader(""))
	assert.Nil(t, parseUsageHeader("{broken"))
}

func TestRetryPolicy_RateLimitSleepsHintThenRetriesOnce(t *testing.T) {
	var sleeps []time.Duration
	policy := NewRetryPolicy(5, time.Second, 5.0, 5*time.Minute).
		WithSleep(func(_ context.Context, d time.Duration) error {
			sleeps = append(sleeps, d)
			return nil
		})

	t.Run("second attempt succeeds", func(t *testing.T) {
		sleeps = nil
		calls := 0
		err := policy.Do(context.Background(), "insights_submit", func() error {
			calls++
			if calls == 1 {
				return rateLimitError()
			}
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, 2, calls)
		require.Len(t, sleeps, 1)
		assert.Equal(t, 5*time.Minute, sleeps[0], "the wait must come from the usage header")
	})

	t.Run("still limited after the wait surfaces the error", func(t *testing.T) {
		sleeps = nil
		calls := 0
		err := policy.Do(context.Background(), "insights_submit", func() error {
			calls++
			return rateLimitError()
		})

		require.Error(t, err)
		assert.Equal(t, 2, calls, "the hinted wait buys exactly one retry")
		assert.Len(t, sleeps, 1)
	})
}

func TestRetryPolicy_TransientBackoff(t *testing.T) {
	var sleeps []time.Duration
	policy := NewRetryPolicy(5, time.Second, 5.0, 5*time.Minute).
		WithSleep(func(_ context.Context, d time.Duration) error {
			sleeps = append(sleeps, d)
			return nil
		})

	calls := 0
	err := policy.Do(context.Background(), "campaigns", func() error {
		calls++
		return &APIError{Status: 500}
	})

	require.Error(t, err)
	assert.Equal(t, 5, calls)
	assert.Equal(t, []time.Duration{
		time.Second, 5 * time.Second, 25 * time.Second, 125 * time.Second,
	}, sleeps)
}

func TestRetryPolicy_BackoffDelayIsCapped(t *testing.T) {
	policy := NewRetryPolicy(10, time.Second, 5.0, 5*time.Minute)
	assert.Equal(t, 5*time.Minute, policy.backoffDelay(9))
}

func TestRetryPolicy_PermanentFieldErrorIsActionable(t *testing.T) {
	policy := NewRetryPolicy(5, time.Second, 5.0, 5*time.Minute).
		WithSleep(func(_ context.Context, _ time.Duration) error {
			t.Fatal("a permanent field error must never sleep or retry")
			return nil
		})

	calls := 0
	err := policy.Do(context.Background(), "insights_submit", func() error {
		calls++
		return &APIError{Status: 400, Code: 100, Message: relevanceScoreMessage}
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, errors.IsType(err, errors.ErrorTypeFieldPermanent))
	assert.Contains(t, err.Error(), "relevance_score")
}

func TestRetryPolicy_FatalPropagatesImmediately(t *testing.T) {
	policy := DefaultRetryPolicy()

	calls := 0
	err := policy.Do(context.Background(), "campaigns", func() error {
		calls++
		return &APIError{Status: 400, Code: 190, Message: "Invalid OAuth access token"}
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
