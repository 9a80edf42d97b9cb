package fbapi

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/adstap/pkg/errors"
	"github.com/ajitpratap0/adstap/pkg/logger"
	"github.com/ajitpratap0/adstap/pkg/metrics"
)

// Async job deadlines. A job that has not started within the start window
// is abandoned early; a started job gets the full finish window.
const (
	DefaultJobStartTimeout  = 2 * time.Minute
	DefaultJobFinishTimeout = 30 * time.Minute
	DefaultPollInterval     = 10 * time.Second
	MaxPollInterval         = 5 * time.Minute
)

// AsyncJobRunner drives one asynchronous insights report through the remote
// state machine: submit, poll with a doubling interval, and hand back a
// results pager once the job completes.
type AsyncJobRunner struct {
	client        *Client
	stream        string
	startTimeout  time.Duration
	finishTimeout time.Duration
	pollInterval  time.Duration
	logger        *zap.Logger

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// NewAsyncJobRunner creates a runner with the default deadlines. stream
// names the stream the jobs belong to, for logs and metrics.
func NewAsyncJobRunner(client *Client, stream string) *AsyncJobRunner {
	return &AsyncJobRunner{
		client:        client,
		stream:        stream,
		startTimeout:  DefaultJobStartTimeout,
		finishTimeout: DefaultJobFinishTimeout,
		pollInterval:  DefaultPollInterval,
		logger:        logger.With(zap.String("component", "asyncjob"), zap.String("stream", stream)),
		now:           time.Now,
		sleep:         sleepContext,
	}
}

// WithClock overrides the clock and sleep functions, for tests.
func (r *AsyncJobRunner) WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) *AsyncJobRunner {
	r.now = now
	r.sleep = sleep
	return r
}

// CompletedJob is a finished report job whose rows are ready to page.
type CompletedJob struct {
	ReportRunID string
	Results     *Paginator
}

// Run submits an insights report for one account and window and polls it to
// completion. Timeout errors are terminal and carry the phase (start or
// finish) in their details; they are never retried, because resubmitting a
// stuck report is the caller's decision.
func (r *AsyncJobRunner) Run(ctx context.Context, accountID string, params InsightsParams) (*CompletedJob, error) {
	timer := metrics.NewTimer()

	reportRunID, err := r.client.SubmitInsightsJob(ctx, accountID, params)
	if err != nil {
		timer.ObserveJob(r.stream, "submit_failed")
		return nil, err
	}

	jobLog := r.logger.With(
		zap.String("report_run_id", reportRunID),
		zap.String("since", params.TimeRange.Since),
		zap.String("until", params.TimeRange.Until))
	jobLog.Info("insights job submitted")

	submittedAt := r.now()
	interval := r.pollInterval

	for {
		status, err := r.client.PollJob(ctx, reportRunID)
		if err != nil {
			timer.ObserveJob(r.stream, "poll_failed")
			return nil, err
		}

		elapsed := r.now().Sub(submittedAt)
		jobLog.Debug("insights job polled",
			zap.String("status", status.Status),
			zap.Int("percent_complete", status.PercentComplete),
			zap.Duration("elapsed", elapsed))

		switch status.Status {
		case JobStatusCompleted:
			timer.ObserveJob(r.stream, "completed")
			jobLog.Info("insights job completed", zap.Duration("elapsed", elapsed))
			return &CompletedJob{
				ReportRunID: reportRunID,
				Results:     r.client.JobResultsPager(reportRunID, params.Limit),
			}, nil

		case JobStatusFailed, JobStatusSkipped:
			timer.ObserveJob(r.stream, "failed")
			return nil, errors.New(errors.ErrorTypeData,
				fmt.Sprintf("insights job %s ended in status %q", reportRunID, status.Status)).
				WithDetail("report_run_id", reportRunID).
				WithDetail("window_since", params.TimeRange.Since).
				WithDetail("window_until", params.TimeRange.Until)
		}

		// Start timeout first: a job showing zero progress past the start
		// window is stuck regardless of the finish deadline.
		if status.PercentComplete == 0 && elapsed > r.startTimeout {
			timer.ObserveJob(r.stream, "start_timeout")
			return nil, r.timeoutError(reportRunID, params, "start", elapsed)
		}
		if elapsed > r.finishTimeout {
			timer.ObserveJob(r.stream, "finish_timeout")
			return nil, r.timeoutError(reportRunID, params, "finish", elapsed)
		}

		if err := r.sleep(ctx, interval); err != nil {
			return nil, err
		}
		interval *= 2
		if interval > MaxPollInterval {
			interval = MaxPollInterval
		}
	}
}

func (r *AsyncJobRunner) timeoutError(reportRunID string, params InsightsParams, phase string, elapsed time.Duration) error {
	return errors.New(errors.ErrorTypeJobTimeout,
		fmt.Sprintf("insights job %s exceeded its %s deadline after %s", reportRunID, phase, elapsed.Round(time.Second))).
		WithDetail("report_run_id", reportRunID).
		WithDetail("phase", phase).
		WithDetail("window_since", params.TimeRange.Since).
		WithDetail("window_until", params.TimeRange.Until)
}
