// Package fbapi implements the Marketing API client used by the tap: cursor
// pagination, the retry/rate-limit policy, and the asynchronous report job
// protocol.
package fbapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	gojson "github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/ajitpratap0/adstap/pkg/errors"
	"github.com/ajitpratap0/adstap/pkg/logger"
	"github.com/ajitpratap0/adstap/pkg/metrics"
)

// DefaultBaseURL is the Graph API host.
const DefaultBaseURL = "https://graph.facebook.com"

// usageHeader is the rate-limit usage disclosure header.
const usageHeader = "X-Business-Use-Case-Usage"

// Client is a Marketing API client. All calls go through the retry policy,
// so callers see only terminal errors.
type Client struct {
	baseURL string
	version string
	http    *http.Client
	retry   *RetryPolicy
	logger  *zap.Logger
}

// NewClient creates a client authenticating with the given access token.
func NewClient(accessToken, version string, retry *RetryPolicy) *Client {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})
	httpClient := oauth2.NewClient(context.Background(), ts)
	httpClient.Timeout = 30 * time.Second

	if retry == nil {
		retry = DefaultRetryPolicy()
	}

	return &Client{
		baseURL: DefaultBaseURL,
		version: version,
		http:    httpClient,
		retry:   retry,
		logger:  logger.With(zap.String("component", "fbapi")),
	}
}

// SetBaseURL overrides the API host, for tests.
func (c *Client) SetBaseURL(base string) {
	c.baseURL = strings.TrimSuffix(base, "/")
}

// Page is one page of a cursor-paginated response.
type Page struct {
	Data   []map[string]interface{} `json:"data"`
	Paging *Paging                  `json:"paging,omitempty"`
}

// Paging carries the cursor pointers of a page.
type Paging struct {
	Cursors *Cursors `json:"cursors,omitempty"`
	Next    string   `json:"next,omitempty"`
}

// Cursors holds opaque pagination cursors.
type Cursors struct {
	Before string `json:"before,omitempty"`
	After  string `json:"after,omitempty"`
}

// APIError is a structured Marketing API error response. It preserves the
// machine-readable code, subcode, and transient flag the retry policy
// classifies on, plus the rate-limit usage header when present.
type APIError struct {
	Status      int
	Code        int
	Subcode     int
	Kind        string
	Message     string
	IsTransient bool
	UsageHeader string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("marketing api error (status %d, code %d, subcode %d): %s",
		e.Status, e.Code, e.Subcode, e.Message)
}

// errorEnvelope is the wire shape of an error response.
type errorEnvelope struct {
	Error struct {
		Message     string `json:"message"`
		Type        string `json:"type"`
		Code        int    `json:"code"`
		Subcode     int    `json:"error_subcode"`
		IsTransient bool   `json:"is_transient"`
	} `json:"error"`
}

// ListAdAccounts returns the ad accounts visible to the token. Used during
// the account-discovery handshake before any stream runs.
func (c *Client) ListAdAccounts(ctx context.Context) ([]map[string]interface{}, error) {
	pager := c.newPager("adaccounts", c.versionedURL("me/adaccounts"), url.Values{
		"fields": []string{"id,account_id,name"},
	})

	var accounts []map[string]interface{}
	for {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		if page == nil {
			return accounts, nil
		}
		accounts = append(accounts, page...)
	}
}

// NewEntityPager pages an account-level entity list (campaigns, adsets,
// ads, adcreatives). A non-zero since adds a server-side updated_time
// filter so unchanged entities are never shipped.
func (c *Client) NewEntityPager(accountID, endpoint string, fields []string, since time.Time, limit int) *Paginator {
	params := url.Values{}
	params.Set("fields", strings.Join(fields, ","))
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if !since.IsZero() {
		filter := []map[string]interface{}{{
			"field":    "updated_time",
			"operator": "GREATER_THAN",
			"value":    since.Unix(),
		}}
		encoded, _ := gojson.Marshal(filter)
		params.Set("filtering", string(encoded))
	}

	return c.newPager(endpoint, c.versionedURL(fmt.Sprintf("act_%s/%s", accountID, endpoint)), params)
}

// NewEdgePager pages a child edge of an object, e.g. a campaign's ads.
func (c *Client) NewEdgePager(objectID, edge string, fields []string, limit int) *Paginator {
	params := url.Values{}
	if len(fields) > 0 {
		params.Set("fields", strings.Join(fields, ","))
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	return c.newPager(edge, c.versionedURL(fmt.Sprintf("%s/%s", objectID, edge)), params)
}

// GetObject reads a single object with the given field projection. Entity
// streams use this to hydrate full records after the filter pass.
func (c *Client) GetObject(ctx context.Context, objectID string, fields []string) (map[string]interface{}, error) {
	params := url.Values{}
	params.Set("fields", strings.Join(fields, ","))

	var out map[string]interface{}
	if err := c.get(ctx, "object", c.versionedURL(objectID), params, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// TimeRange is an inclusive date window, formatted YYYY-MM-DD.
type TimeRange struct {
	Since string `json:"since"`
	Until string `json:"until"`
}

// InsightsParams parameterizes one asynchronous insights report job.
type InsightsParams struct {
	Level                    string
	Fields                   []string
	Breakdowns               []string
	ActionBreakdowns         []string
	ActionAttributionWindows []string
	TimeIncrement            int
	Limit                    int
	TimeRange                TimeRange
}

// encode renders the params the way the API expects: lists comma-joined,
// the time range as a JSON object.
func (p InsightsParams) encode() url.Values {
	v := url.Values{}
	v.Set("level", p.Level)
	v.Set("fields", strings.Join(p.Fields, ","))
	if len(p.Breakdowns) > 0 {
		v.Set("breakdowns", strings.Join(p.Breakdowns, ","))
	}
	if len(p.ActionBreakdowns) > 0 {
		v.Set("action_breakdowns", strings.Join(p.ActionBreakdowns, ","))
	}
	if len(p.ActionAttributionWindows) > 0 {
		v.Set("action_attribution_windows", strings.Join(p.ActionAttributionWindows, ","))
	}
	if p.TimeIncrement > 0 {
		v.Set("time_increment", fmt.Sprintf("%d", p.TimeIncrement))
	}
	if p.Limit > 0 {
		v.Set("limit", fmt.Sprintf("%d", p.Limit))
	}
	tr, _ := gojson.Marshal(p.TimeRange)
	v.Set("time_range", string(tr))
	return v
}

// SubmitInsightsJob submits an async insights report and returns the report
// run id to poll.
func (c *Client) SubmitInsightsJob(ctx context.Context, accountID string, params InsightsParams) (string, error) {
	var out struct {
		ReportRunID string `json:"report_run_id"`
	}
	rawurl := c.versionedURL(fmt.Sprintf("act_%s/insights", accountID))
	if err := c.post(ctx, "insights_submit", rawurl, params.encode(), &out); err != nil {
		return "", err
	}
	if out.ReportRunID == "" {
		return "", errors.New(errors.ErrorTypeData, "insights submission returned no report_run_id")
	}
	return out.ReportRunID, nil
}

// Remote job status values.
const (
	JobStatusNotStarted = "Job Not Started"
	JobStatusStarted    = "Job Started"
	JobStatusRunning    = "Job Running"
	JobStatusCompleted  = "Job Completed"
	JobStatusFailed     = "Job Failed"
	JobStatusSkipped    = "Job Skipped"
)

// JobStatus is one polling read of an async report job.
type JobStatus struct {
	ID              string `json:"id"`
	Status          string `json:"async_status"`
	PercentComplete int    `json:"async_percent_completion"`
}

// PollJob reads the current status of an async report job.
func (c *Client) PollJob(ctx context.Context, reportRunID string) (*JobStatus, error) {
	params := url.Values{}
	params.Set("fields", "id,async_status,async_percent_completion")

	var status JobStatus
	if err := c.get(ctx, "insights_poll", c.versionedURL(reportRunID), params, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// JobResultsPager pages the rows of a completed report job.
func (c *Client) JobResultsPager(reportRunID string, limit int) *Paginator {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	return c.newPager("insights_results", c.versionedURL(fmt.Sprintf("%s/insights", reportRunID)), params)
}

func (c *Client) versionedURL(path string) string {
	return fmt.Sprintf("%s/%s/%s", c.baseURL, c.version, strings.TrimPrefix(path, "/"))
}

// get performs a GET wrapped by the retry policy.
func (c *Client) get(ctx context.Context, op, rawurl string, params url.Values, out interface{}) error {
	return c.retry.Do(ctx, op, func() error {
		return c.doOnce(ctx, http.MethodGet, op, rawurl, params, out)
	})
}

// post performs a form POST wrapped by the retry policy.
func (c *Client) post(ctx context.Context, op, rawurl string, params url.Values, out interface{}) error {
	return c.retry.Do(ctx, op, func() error {
		return c.doOnce(ctx, http.MethodPost, op, rawurl, params, out)
	})
}

// doOnce performs a single HTTP exchange. Non-2xx responses become typed
// APIErrors carrying the vendor code, subcode, transient flag, and the
// rate-limit usage header for the retry policy to classify.
func (c *Client) doOnce(ctx context.Context, method, op, rawurl string, params url.Values, out interface{}) error {
	var req *http.Request
	var err error

	switch method {
	case http.MethodPost:
		req, err = http.NewRequestWithContext(ctx, method, rawurl, strings.NewReader(params.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	default:
		u := rawurl
		if len(params) > 0 {
			u = rawurl + "?" + params.Encode()
		}
		req, err = http.NewRequestWithContext(ctx, method, u, nil)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to create request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.APICalls.WithLabelValues(op, "error").Inc()
		return errors.Wrap(err, errors.ErrorTypeConnection, "request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.APICalls.WithLabelValues(op, "error").Inc()
		return c.parseAPIError(resp)
	}

	metrics.APICalls.WithLabelValues(op, "success").Inc()

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := gojson.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "failed to decode response")
	}
	return nil
}

func (c *Client) parseAPIError(resp *http.Response) *APIError {
	apiErr := &APIError{
		Status:      resp.StatusCode,
		UsageHeader: resp.Header.Get(usageHeader),
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		apiErr.Message = fmt.Sprintf("unreadable error body: %v", err)
		return apiErr
	}

	var envelope errorEnvelope
	if err := gojson.Unmarshal(body, &envelope); err != nil || envelope.Error.Message == "" {
		apiErr.Message = strings.TrimSpace(string(body))
		return apiErr
	}

	apiErr.Code = envelope.Error.Code
	apiErr.Subcode = envelope.Error.Subcode
	apiErr.Kind = envelope.Error.Type
	apiErr.Message = envelope.Error.Message
	apiErr.IsTransient = envelope.Error.IsTransient
	return apiErr
}
