// Package ace implements the client for the FlightDeck ACE IoT API, the
// upstream source of all sensor samples.
//
// The API serves bearer-token-authenticated JSON pages of
// {points: [...], next_cursor: string|null}; a null cursor means end of
// data for the requested window. A 401-class response is an authentication
// failure and is reported distinctly from an empty page: callers must never
// treat the two alike.
package ace

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/xtxerr/vitald/internal/errors"
	"github.com/xtxerr/vitald/internal/logging"
	"github.com/xtxerr/vitald/internal/timeseries"
)

var log = logging.Component("ace")

// Options configures the client.
type Options struct {
	// BaseURL is the API base, e.g. https://flightdeck.aceiot.cloud/api.
	BaseURL string

	// Token is the rotatable bearer token, injected as an opaque string.
	// Rotation has no protocol impact; a stale token manifests purely as
	// ErrAuthFailed.
	Token string

	// PageSize is the requested page size.
	PageSize int

	// RequestTimeout bounds a single HTTP request.
	RequestTimeout time.Duration

	// MaxRetries is the number of retries on transient failures.
	MaxRetries int

	// RetryBackoff is the initial backoff between retries.
	RetryBackoff time.Duration
}

// Client fetches paginated timeseries data from the ACE API.
type Client struct {
	baseURL    string
	token      string
	pageSize   int
	maxRetries int
	backoff    time.Duration
	hc         *http.Client
}

// NewClient creates a new ACE API client.
func NewClient(opts Options) *Client {
	if opts.PageSize <= 0 {
		opts.PageSize = 5000
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 2 * time.Second
	}

	return &Client{
		baseURL:    opts.BaseURL,
		token:      opts.Token,
		pageSize:   opts.PageSize,
		maxRetries: opts.MaxRetries,
		backoff:    opts.RetryBackoff,
		hc:         &http.Client{Timeout: opts.RequestTimeout},
	}
}

// Page is one page of upstream samples.
type Page struct {
	// Points are the decoded raw points; individual points may still fail
	// validation (see Point.Sample).
	Points []Point

	// NextCursor is the pagination cursor for the following page, empty
	// at end of data.
	NextCursor string
}

// Point is a raw upstream sample before validation.
type Point struct {
	Name  string    `json:"name"`
	Time  Timestamp `json:"time"`
	Value *float64  `json:"value"`
}

// Sample validates the point and converts it into a Sample for the given
// site. A point missing its name, timestamp or value, or carrying a
// non-finite value, is rejected.
func (p Point) Sample(site string) (timeseries.Sample, error) {
	if p.Name == "" {
		return timeseries.Sample{}, errors.NewMissingField("name")
	}
	if p.Time == 0 {
		return timeseries.Sample{}, errors.NewMissingField("time")
	}
	if p.Value == nil {
		return timeseries.Sample{}, errors.NewMissingField("value")
	}
	if math.IsNaN(*p.Value) || math.IsInf(*p.Value, 0) {
		return timeseries.Sample{}, errors.Wrapf(errors.ErrInvalidSample, "point %s: non-finite value", p.Name)
	}

	return timeseries.Sample{
		Site:        site,
		Point:       p.Name,
		TimestampMs: int64(p.Time),
		Value:       *p.Value,
	}, nil
}

// Timestamp decodes the upstream timestamp field, which is either an
// epoch-ms number or an RFC 3339 string, into epoch milliseconds.
type Timestamp int64

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		*t = 0
		return nil
	}

	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return fmt.Errorf("parse timestamp %q: %w", s, err)
		}
		*t = Timestamp(parsed.UnixMilli())
		return nil
	}

	n, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("parse timestamp %s: %w", b, err)
	}
	*t = Timestamp(int64(n))
	return nil
}

// pageResponse is the upstream page envelope.
type pageResponse struct {
	Points     []Point `json:"points"`
	NextCursor *string `json:"next_cursor"`
}

// FetchPage fetches a single page of raw samples for a site and time
// window. Pass the cursor from the previous page, or empty for the first.
// Transient failures are retried with capped backoff inside the call;
// exhausted retries surface as ErrUnavailable or ErrTimeout, and 401-class
// responses as ErrAuthFailed.
func (c *Client) FetchPage(ctx context.Context, site string, start, end time.Time, cursor string) (*Page, error) {
	q := url.Values{}
	q.Set("start_time", start.UTC().Format(time.RFC3339))
	q.Set("end_time", end.UTC().Format(time.RFC3339))
	q.Set("page_size", strconv.Itoa(c.pageSize))
	q.Set("raw_data", "true")
	if cursor != "" {
		q.Set("cursor", cursor)
	}

	u := fmt.Sprintf("%s/sites/%s/timeseries/paginated?%s", c.baseURL, url.PathEscape(site), q.Encode())

	body, err := c.get(ctx, u)
	if err != nil {
		return nil, err
	}

	var resp pageResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode page: %w", err)
	}

	page := &Page{Points: resp.Points}
	if resp.NextCursor != nil {
		page.NextCursor = *resp.NextCursor
	}
	return page, nil
}

// sitesResponse is the upstream site listing envelope.
type sitesResponse struct {
	Sites []struct {
		Name string `json:"name"`
	} `json:"sites"`
}

// Sites returns the names of all sites known upstream.
func (c *Client) Sites(ctx context.Context) ([]string, error) {
	body, err := c.get(ctx, c.baseURL+"/sites")
	if err != nil {
		return nil, err
	}

	var resp sitesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode sites: %w", err)
	}

	names := make([]string, 0, len(resp.Sites))
	for _, s := range resp.Sites {
		if s.Name != "" {
			names = append(names, s.Name)
		}
	}
	return names, nil
}

// get performs an authenticated GET with bounded retries on transient
// failures. No lock is held across the call.
func (c *Client) get(ctx context.Context, u string) ([]byte, error) {
	backoff := c.backoff

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, errors.Wrap(errors.ErrTimeout, ctx.Err().Error())
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		body, retriable, err := c.getOnce(ctx, u)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retriable {
			return nil, err
		}
		log.Warn("transient upstream failure", "url", u, "attempt", attempt+1, "error", err)
	}

	return nil, lastErr
}

func (c *Client) getOnce(ctx context.Context, u string) (body []byte, retriable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, errors.Wrap(errors.ErrTimeout, ctx.Err().Error())
		}
		return nil, true, errors.Wrap(errors.ErrUnavailable, err.Error())
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, false, errors.Wrapf(errors.ErrAuthFailed, "status %d", resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, true, errors.Wrapf(errors.ErrUnavailable, "status %d", resp.StatusCode)
	default:
		return nil, false, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, errors.Wrap(errors.ErrUnavailable, err.Error())
	}
	return body, false, nil
}
