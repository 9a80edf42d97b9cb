package fbapi

import (
	"context"
	"math"
	"time"

	gojson "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/ajitpratap0/adstap/pkg/errors"
	"github.com/ajitpratap0/adstap/pkg/logger"
	"github.com/ajitpratap0/adstap/pkg/metrics"
)

// Vendor error signatures.
const (
	// rateLimitSubcode flags the business use-case rate limit
	rateLimitSubcode = 2446079
	// transientSubcode flags an unknown-but-temporary server fault
	transientSubcode = 99

	adsInsightsCode    = 80000
	customAudienceCode = 80003
	adsManagementCode  = 80004
)

// relevanceScoreMessage is the exact message the vendor returns for the
// prematurely deprecated relevance_score field. It arrives flagged as
// transient but is a documented permanent failure.
const relevanceScoreMessage = "(#100) relevance_score is not valid for fields param. " +
	"please check https://developers.facebook.com/docs/marketing-api/reference/ads-insights/ for all valid values"

const relevanceScoreAdvice = "the remote API has deprecated the 'relevance_score' insights field; " +
	"deselect relevance_score from the stream's field selection and run again"

// Reason classifies why a failed call is (or is not) retried.
type Reason string

const (
	// ReasonTransient retries with exponential backoff
	ReasonTransient Reason = "transient"
	// ReasonRateLimit retries once after the vendor-supplied wait
	ReasonRateLimit Reason = "rate_limit"
	// ReasonPermanentField never retries; the operator must deselect a field
	ReasonPermanentField Reason = "permanent_field"
	// ReasonFatal never retries
	ReasonFatal Reason = "fatal"
)

// RetryDecision is the per-error verdict of the classifier. It is derived
// fresh for every failure and never persisted.
type RetryDecision struct {
	Retry  bool
	Wait   time.Duration
	Reason Reason
}

// RateLimitUsage is one usage record from the rate-limit disclosure header.
type RateLimitUsage struct {
	AccountID                      string
	EstimatedMinutesToRegainAccess int
}

// parseUsageHeader decodes the X-Business-Use-Case-Usage header, a JSON
// mapping from account id to usage records. Malformed or empty headers
// yield nil; the classifier treats a rate limit without a usable wait
// hint as non-retryable.
func parseUsageHeader(header string) []RateLimitUsage {
	if header == "" {
		return nil
	}

	var raw map[string][]struct {
		EstimatedTimeToRegainAccess int `json:"estimated_time_to_regain_access"`
	}
	if err := gojson.Unmarshal([]byte(header), &raw); err != nil {
		return nil
	}

	var usages []RateLimitUsage
	for accountID, records := range raw {
		for _, rec := range records {
			usages = append(usages, RateLimitUsage{
				AccountID:                      accountID,
				EstimatedMinutesToRegainAccess: rec.EstimatedTimeToRegainAccess,
			})
		}
	}
	return usages
}

// Classify inspects a failed call and decides whether and how to retry.
//
// Priority order: the relevance_score carve-out first (it masquerades as
// transient), then the business rate-limit signature with a usable wait
// hint, then structurally transient faults, then fatal.
func Classify(err error) RetryDecision {
	apiErr, ok := asAPIError(err)
	if !ok {
		// Transport-level failures (connection reset, EOF) are transient;
		// anything already classified keeps its verdict.
		if errors.IsType(err, errors.ErrorTypeConnection) {
			return RetryDecision{Retry: true, Reason: ReasonTransient}
		}
		return RetryDecision{Reason: ReasonFatal}
	}

	if apiErr.Message == relevanceScoreMessage {
		return RetryDecision{Reason: ReasonPermanentField}
	}

	if isRateLimitSignature(apiErr) {
		for _, usage := range parseUsageHeader(apiErr.UsageHeader) {
			if usage.EstimatedMinutesToRegainAccess > 0 {
				return RetryDecision{
					Retry:  true,
					Wait:   time.Duration(usage.EstimatedMinutesToRegainAccess) * time.Minute,
					Reason: ReasonRateLimit,
				}
			}
		}
		// Rate limited but no usable hint: surfacing beats guessing a wait.
		return RetryDecision{Reason: ReasonFatal}
	}

	if apiErr.IsTransient || apiErr.Subcode == transientSubcode || apiErr.Status >= 500 {
		return RetryDecision{Retry: true, Reason: ReasonTransient}
	}

	return RetryDecision{Reason: ReasonFatal}
}

func isRateLimitSignature(e *APIError) bool {
	switch e.Code {
	case adsInsightsCode, customAudienceCode, adsManagementCode:
		return e.Subcode == rateLimitSubcode
	default:
		return false
	}
}

func asAPIError(err error) (*APIError, bool) {
	for err != nil {
		if apiErr, ok := err.(*APIError); ok {
			return apiErr, true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = unwrapper.Unwrap()
	}
	return nil, false
}

// RetryPolicy retries remote calls according to the classifier's verdict:
// exponential backoff for transient faults, a single vendor-hinted wait for
// rate limits, immediate propagation for everything else.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration

	logger *zap.Logger
	sleep  func(context.Context, time.Duration) error
}

// NewRetryPolicy creates a retry policy with the given backoff parameters.
func NewRetryPolicy(maxAttempts int, initialDelay time.Duration, multiplier float64, maxDelay time.Duration) *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  maxAttempts,
		InitialDelay: initialDelay,
		Multiplier:   multiplier,
		MaxDelay:     maxDelay,
		logger:       logger.With(zap.String("component", "retry")),
		sleep:        sleepContext,
	}
}

// DefaultRetryPolicy matches the vendor guidance: 5 attempts, 1s initial
// delay growing fivefold, capped at 5 minutes.
func DefaultRetryPolicy() *RetryPolicy {
	return NewRetryPolicy(5, time.Second, 5.0, 5*time.Minute)
}

// WithSleep overrides the sleep function, for tests.
func (rp *RetryPolicy) WithSleep(sleep func(context.Context, time.Duration) error) *RetryPolicy {
	rp.sleep = sleep
	return rp
}

// Do runs fn, absorbing retryable failures. On exhaustion or a fatal
// classification the underlying error propagates unchanged, except the
// permanent-field carve-out which is wrapped with operator guidance.
func (rp *RetryPolicy) Do(ctx context.Context, op string, fn func() error) error {
	attempt := 0
	rateLimitRetried := false

	for {
		err := fn()
		if err == nil {
			return nil
		}

		decision := Classify(err)
		switch decision.Reason {
		case ReasonPermanentField:
			return errors.Wrap(err, errors.ErrorTypeFieldPermanent, relevanceScoreAdvice)

		case ReasonRateLimit:
			// The hinted wait buys exactly one more attempt. If the quota
			// is still exhausted afterwards, surface it.
			if rateLimitRetried {
				return err
			}
			rateLimitRetried = true
			metrics.Retries.WithLabelValues(string(ReasonRateLimit)).Inc()
			metrics.RateLimitWaitSeconds.Add(decision.Wait.Seconds())
			rp.logger.Warn("rate limited, honoring vendor wait hint",
				zap.String("op", op),
				zap.Duration("wait", decision.Wait))
			if serr := rp.sleep(ctx, decision.Wait); serr != nil {
				return serr
			}

		case ReasonTransient:
			attempt++
			if attempt >= rp.MaxAttempts {
				return err
			}
			delay := rp.backoffDelay(attempt - 1)
			metrics.Retries.WithLabelValues(string(ReasonTransient)).Inc()
			rp.logger.Info("transient failure, backing off",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
			if serr := rp.sleep(ctx, delay); serr != nil {
				return serr
			}

		default:
			return err
		}
	}
}

// backoffDelay computes the jitterless exponential delay for an attempt.
func (rp *RetryPolicy) backoffDelay(attempt int) time.Duration {
	delay := float64(rp.InitialDelay) * math.Pow(rp.Multiplier, float64(attempt))
	if delay > float64(rp.MaxDelay) {
		delay = float64(rp.MaxDelay)
	}
	return time.Duration(delay)
}

// sleepContext sleeps for d unless the context is cancelled first.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
