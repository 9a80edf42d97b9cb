package tap

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/adstap/pkg/fbapi"
)

func TestDayChunks_LookbackScenario(t *testing.T) {
	// start_date 2017-01-31 with a 28 day attribution buffer.
	start := date("2017-01-31").AddDate(0, 0, -28)
	chunks := DayChunks(start, date("2017-01-31"))

	require.NotEmpty(t, chunks)
	assert.Equal(t, "2017-01-03", chunks[0].Since)
	assert.Equal(t, "2017-01-03", chunks[0].Until)

	require.GreaterOrEqual(t, len(chunks), 5)
	assert.Equal(t, "2017-01-07", chunks[4].Since)
	assert.Equal(t, "2017-01-07", chunks[4].Until)
}

func TestDayChunks_ContiguousSingleDayWindows(t *testing.T) {
	start := date("2017-01-03")
	end := date("2017-01-31")
	chunks := DayChunks(start, end)

	require.Len(t, chunks, 29)
	for i, c := range chunks {
		assert.Equal(t, c.Since, c.Until, "every window is a single day")
		if i > 0 {
			prev, err := time.Parse("2006-01-02", chunks[i-1].Until)
			require.NoError(t, err)
			cur, err := time.Parse("2006-01-02", c.Since)
			require.NoError(t, err)
			assert.Equal(t, prev.AddDate(0, 0, 1), cur,
				"windows must be contiguous and non-overlapping")
		}
	}
	assert.Equal(t, "2017-01-03", chunks[0].Since)
	assert.Equal(t, "2017-01-31", chunks[len(chunks)-1].Until)
}

func TestDayChunks_EmptyWhenUntilPrecedesStart(t *testing.T) {
	assert.Empty(t, DayChunks(date("2017-02-01"), date("2017-01-01")))
}

func TestInsightsStream_WindowAppliesBuffer(t *testing.T) {
	store := NewBookmarkStore(nil, date("2017-01-31"))
	s := NewInsightsStream(nil, store, "123", Catalog()["ads_insights"], nil, 28, time.Time{}, false).
		WithClock(func() time.Time { return date("2017-03-15") })

	start, until := s.window()
	assert.Equal(t, date("2017-01-03"), start)
	assert.Equal(t, date("2017-03-15"), until)
}

func TestInsightsStream_WindowHonorsEndDate(t *testing.T) {
	store := NewBookmarkStore(nil, date("2017-01-31"))
	s := NewInsightsStream(nil, store, "123", Catalog()["ads_insights"], nil, 28, date("2017-02-10"), true).
		WithClock(func() time.Time { return date("2017-03-15") })

	_, until := s.window()
	assert.Equal(t, date("2017-02-10"), until)
}

// insightsServer fakes the report-job protocol for whole-stream syncs. Each
// submitted day completes on its first poll; rowsByDay maps a window's since
// date to the date_stop values of the rows that day returns.
func insightsServer(t *testing.T, rowsByDay map[string][]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v18.0/act_123/insights":
			require.NoError(t, r.ParseForm())
			var window fbapi.TimeRange
			require.NoError(t, gojson.Unmarshal([]byte(r.Form.Get("time_range")), &window))
			fmt.Fprintf(w, `{"report_run_id":"run-%s"}`, window.Since)
		case strings.HasSuffix(r.URL.Path, "/insights"):
			day := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v18.0/run-"), "/insights")
			fmt.Fprint(w, `{"data":[`)
			for i, stop := range rowsByDay[day] {
				if i > 0 {
					fmt.Fprint(w, ",")
				}
				fmt.Fprintf(w, `{"ad_id":"a%d","date_start":%q,"date_stop":%q}`, i+1, day, stop)
			}
			fmt.Fprint(w, `]}`)
		case strings.HasPrefix(r.URL.Path, "/v18.0/run-"):
			id := strings.TrimPrefix(r.URL.Path, "/v18.0/")
			fmt.Fprintf(w, `{"id":%q,"async_status":"Job Completed","async_percent_completion":100}`, id)
		default:
			t.Errorf("unexpected request path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func splitEvents(events []*Event) (records []*Event, states []Bookmarks) {
	for _, ev := range events {
		if ev.Record != nil {
			records = append(records, ev)
		}
		if ev.State != nil {
			states = append(states, ev.State)
		}
	}
	return records, states
}

func TestInsightsStream_BookmarkFromMinDateStop(t *testing.T) {
	server := insightsServer(t, map[string][]string{
		"2017-03-09": {"2017-03-09"},
		"2017-03-10": {"2017-03-10", "2017-03-10"},
		"2017-03-11": {"2017-03-11"},
	})
	defer server.Close()

	store := NewBookmarkStore(Bookmarks{
		"ads_insights": {"123": "2017-03-10T00:00:00Z"},
	}, date("2017-01-01"))

	s := NewInsightsStream(newGraphClient(server), store, "123", Catalog()["ads_insights"],
		nil, 1, date("2017-03-11"), true).
		WithClock(func() time.Time { return date("2017-03-15") })

	events, err := collectEvents(t, s)
	require.NoError(t, err)

	records, states := splitEvents(events)
	assert.Len(t, records, 4)
	require.Len(t, states, 3, "every day checkpoints after its rows")

	// The re-fetched lookback day does not regress the bookmark.
	assert.Equal(t, "2017-03-10T00:00:00Z", states[0]["ads_insights"]["123"])
	// Later days advance it to their observed date_stop.
	assert.Equal(t, "2017-03-11T00:00:00Z", states[2]["ads_insights"]["123"])
	assert.Equal(t, date("2017-03-11"), store.Get("ads_insights", "123"))
}

func TestInsightsStream_EmptyDayAdvancesToWindowUntil(t *testing.T) {
	server := insightsServer(t, map[string][]string{})
	defer server.Close()

	store := NewBookmarkStore(nil, date("2017-03-09"))
	s := NewInsightsStream(newGraphClient(server), store, "123", Catalog()["ads_insights"],
		nil, 1, date("2017-03-11"), true).
		WithClock(func() time.Time { return date("2017-03-15") })

	events, err := collectEvents(t, s)
	require.NoError(t, err)

	records, states := splitEvents(events)
	assert.Empty(t, records)
	assert.Len(t, states, 4, "empty days still checkpoint")

	// Each empty day bookmarks on its requested until, so none of them is
	// retried on the next run.
	assert.Equal(t, date("2017-03-11"), store.Get("ads_insights", "123"))
}

func TestInsightsStream_DivergentDateStopKeepsMinimum(t *testing.T) {
	server := insightsServer(t, map[string][]string{
		"2017-03-09": {"2017-03-09", "2017-03-12"},
	})
	defer server.Close()

	store := NewBookmarkStore(nil, date("2017-03-10"))
	s := NewInsightsStream(newGraphClient(server), store, "123", Catalog()["ads_insights"],
		nil, 1, date("2017-03-09"), true).
		WithClock(func() time.Time { return date("2017-03-15") })

	_, err := collectEvents(t, s)
	require.NoError(t, err)

	assert.Equal(t, date("2017-03-09"), store.Get("ads_insights", "123"),
		"the conservative minimum wins over a stray later date_stop")
}

func TestInsightsStream_UnclosedWindowEmitsOnlyState(t *testing.T) {
	now := date("2017-03-15")
	store := NewBookmarkStore(Bookmarks{
		"ads_insights": {"123": "2017-03-15T00:00:00Z"},
	}, date("2017-01-01"))

	s := NewInsightsStream(nil, store, "123", Catalog()["ads_insights"], nil, 1, time.Time{}, false).
		WithClock(func() time.Time { return now })

	var records, states int
	err := s.Sync(context.Background(), func(ev Event) error {
		if ev.Record != nil {
			records++
		}
		if ev.State != nil {
			states++
		}
		return nil
	})

	require.NoError(t, err)
	assert.Zero(t, records)
	assert.Equal(t, 1, states)
}

func TestInsightsStream_GuardUsesUnbufferedResumePoint(t *testing.T) {
	// The bookmark sits at yesterday; the 28 day lookback would place the
	// buffered start well before it, but the trailing day is still open so
	// no job may be submitted. The nil client proves no call is attempted.
	now := date("2017-03-15")
	store := NewBookmarkStore(Bookmarks{
		"ads_insights": {"123": "2017-03-14T00:00:00Z"},
	}, date("2017-01-01"))

	s := NewInsightsStream(nil, store, "123", Catalog()["ads_insights"], nil, 28, time.Time{}, false).
		WithClock(func() time.Time { return now })

	events, err := collectEvents(t, s)
	require.NoError(t, err)

	_, states := splitEvents(events)
	require.Len(t, events, 1)
	assert.Len(t, states, 1)
	assert.Equal(t, "2017-03-14T00:00:00Z", states[0]["ads_insights"]["123"])
}

func TestInsightsStream_ProjectionExcludesBreakdownDimensions(t *testing.T) {
	desc := Catalog()["ads_insights_age_and_gender"]
	s := NewInsightsStream(nil, nil, "123", desc, nil, 28, time.Time{}, false)

	projection := s.projection()
	assert.NotContains(t, projection, "age")
	assert.NotContains(t, projection, "gender")
	assert.Contains(t, projection, "impressions")

	// The excluded dimensions still key the emitted rows.
	assert.Contains(t, desc.PrimaryKeys, "age")
	assert.Contains(t, desc.PrimaryKeys, "gender")
}

func TestCatalog_InsightsVariants(t *testing.T) {
	catalog := Catalog()

	for _, name := range []string{
		"ads_insights", "ads_insights_age_and_gender", "ads_insights_country",
		"ads_insights_platform_and_device", "ads_insights_region", "ads_insights_dma",
	} {
		desc, ok := catalog[name]
		require.True(t, ok, name)
		assert.Subset(t, desc.PrimaryKeys, []string{"campaign_id", "adset_id", "ad_id", "date_start"})
		assert.Equal(t, "date_start", desc.ReplicationKey)
	}

	assert.Equal(t, []string{"dma"}, catalog["ads_insights_dma"].Breakdowns)
}
