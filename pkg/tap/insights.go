package tap

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/adstap/pkg/fbapi"
	"github.com/ajitpratap0/adstap/pkg/logger"
	"github.com/ajitpratap0/adstap/pkg/metrics"
	"github.com/ajitpratap0/adstap/pkg/models"
	"github.com/ajitpratap0/adstap/pkg/observability"
)

const (
	insightsLevel     = "ad"
	insightsPageLimit = 100
	dateLayout        = "2006-01-02"
)

// InsightsStream extracts day-granular performance reports through the
// asynchronous job protocol. Each breakdown variant shares this logic,
// differing only in its breakdown list and the extra primary-key fields
// those breakdowns add.
//
// The scheduler re-requests a lookback window before the bookmark so rows
// attributed after their day was first extracted are picked up; re-emitted
// days never lower the bookmark.
type InsightsStream struct {
	desc       Descriptor
	client     *fbapi.Client
	runner     *fbapi.AsyncJobRunner
	store      *BookmarkStore
	accountID  string
	fields     []string
	bufferDays int
	endDate    time.Time
	hasEnd     bool
	logger     *zap.Logger

	now func() time.Time
}

// NewInsightsStream creates an insights stream for one account and variant.
func NewInsightsStream(client *fbapi.Client, store *BookmarkStore, accountID string, desc Descriptor, selected []string, bufferDays int, endDate time.Time, hasEnd bool) *InsightsStream {
	if len(selected) == 0 {
		selected = desc.DefaultFields
	}
	return &InsightsStream{
		desc:       desc,
		client:     client,
		runner:     fbapi.NewAsyncJobRunner(client, desc.Name),
		store:      store,
		accountID:  accountID,
		fields:     withAutomaticFields(desc, selected),
		bufferDays: bufferDays,
		endDate:    endDate,
		hasEnd:     hasEnd,
		logger:     logger.ForStream(desc.Name, accountID),
		now:        time.Now,
	}
}

// Descriptor implements Stream.
func (s *InsightsStream) Descriptor() Descriptor { return s.desc }

// WithClock overrides the clock, for tests.
func (s *InsightsStream) WithClock(now func() time.Time) *InsightsStream {
	s.now = now
	return s
}

// Sync implements Stream. One day is one job: the full window is decomposed
// into contiguous single-day chunks, each submitted, polled to completion,
// streamed, and bookmarked before the next day is touched. A failed day
// leaves its bookmark unadvanced so the next run retries it.
func (s *InsightsStream) Sync(ctx context.Context, emit Emitter) error {
	ctx, span := observability.StartSpan(ctx, "stream.sync",
		observability.String("stream", s.desc.Name),
		observability.String("account_id", s.accountID))
	var err error
	defer func() { observability.EndSpan(span, err) }()

	// Guard on the resume point before the lookback buffer widens it: a
	// bookmark at or past yesterday means the trailing day is still
	// accumulating attributed rows. Checkpoint and come back later.
	resume := dateOnly(s.store.Get(s.desc.Name, s.accountID).UTC())
	yesterday := dateOnly(s.now().UTC()).AddDate(0, 0, -1)
	if !resume.Before(yesterday) {
		s.logger.Info("insights window has not closed yet, skipping",
			zap.Time("resume", resume))
		err = emit(Event{State: s.store.Snapshot()})
		return err
	}

	start, until := s.window()

	for _, window := range DayChunks(start, until) {
		if err = s.syncDay(ctx, window, emit); err != nil {
			return err
		}
	}
	return nil
}

// window resolves the stream's extraction range: bookmark minus the
// attribution buffer, up to now or the configured end date.
func (s *InsightsStream) window() (start, until time.Time) {
	start = dateOnly(s.store.Get(s.desc.Name, s.accountID).UTC()).AddDate(0, 0, -s.bufferDays)

	until = dateOnly(s.now().UTC())
	if s.hasEnd && s.endDate.Before(until) {
		until = dateOnly(s.endDate)
	}
	return start, until
}

// syncDay runs one day's report job and emits its rows followed by a state
// checkpoint.
func (s *InsightsStream) syncDay(ctx context.Context, window fbapi.TimeRange, emit Emitter) error {
	job, err := s.runner.Run(ctx, s.accountID, fbapi.InsightsParams{
		Level:                    insightsLevel,
		Fields:                   s.projection(),
		Breakdowns:               s.desc.Breakdowns,
		ActionBreakdowns:         defaultActionBreakdowns,
		ActionAttributionWindows: defaultAttributionWindows,
		TimeIncrement:            1,
		Limit:                    insightsPageLimit,
		TimeRange:                window,
	})
	if err != nil {
		return err
	}

	var minStop time.Time
	stops := map[string]bool{}
	rows := 0

	err = job.Results.Each(ctx, func(row map[string]interface{}) error {
		if raw, ok := row["date_stop"].(string); ok {
			stops[raw] = true
			if stop, perr := time.Parse(dateLayout, raw); perr == nil {
				if minStop.IsZero() || stop.Before(minStop) {
					minStop = stop
				}
			}
		}
		rows++
		metrics.RecordsExtracted.WithLabelValues(s.desc.Name).Inc()
		return emit(Event{Record: models.NewRecord(s.desc.Name, s.accountID, row)})
	})
	if err != nil {
		return err
	}

	if len(stops) > 1 {
		// A single-day window should report one date_stop. Keep the minimum
		// so the resume point stays conservative.
		s.logger.Warn("single-day job reported divergent date_stop values",
			zap.String("since", window.Since),
			zap.Int("distinct_values", len(stops)))
	}

	// An empty day bookmarks on the requested until so it is not retried
	// forever.
	candidate := minStop
	if candidate.IsZero() {
		candidate, _ = time.Parse(dateLayout, window.Until)
	}
	s.store.Advance(s.desc.Name, s.accountID, candidate)

	s.logger.Debug("insights day synced",
		zap.String("since", window.Since),
		zap.Int("rows", rows))
	return emit(Event{State: s.store.Snapshot()})
}

// projection is the requested field list: the selection minus the breakdown
// dimensions the report endpoint rejects in the fields parameter. Those
// dimensions still arrive in the rows and remain primary-key components.
func (s *InsightsStream) projection() []string {
	out := make([]string, 0, len(s.fields))
	for _, f := range s.fields {
		if invalidInsightsFields[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}

// DayChunks decomposes [start, until] into contiguous, non-overlapping
// single-day inclusive windows. An until before start yields no chunks.
func DayChunks(start, until time.Time) []fbapi.TimeRange {
	var chunks []fbapi.TimeRange
	for d := dateOnly(start); !d.After(dateOnly(until)); d = d.AddDate(0, 0, 1) {
		day := d.Format(dateLayout)
		chunks = append(chunks, fbapi.TimeRange{Since: day, Until: day})
	}
	return chunks
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
