package lunar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	appLog "festcal/internal/log"
	"festcal/internal/model"
)

const maxRemoteBody = 64 << 10

// remoteResponse is the JSON body expected from a lunar data source:
//
//	{"dates": ["2025-10-06"], "leap_month_absent": false}
type remoteResponse struct {
	Dates           []string `json:"dates"`
	LeapMonthAbsent bool     `json:"leap_month_absent"`
}

// RemoteSource queries an HTTP data source:
//
//	GET <url>?year=2025&month=8&day=15&leap=false
type RemoteSource struct {
	source  model.ConversionSource
	name    string
	baseURL string
	client  *http.Client
}

// NewRemoteSource creates an HTTP strategy tagged with source. The client
// timeout is a backstop; the chain applies its own per-attempt budget.
func NewRemoteSource(source model.ConversionSource, name, baseURL string, timeout time.Duration) *RemoteSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if name == "" {
		name = string(source)
	}
	return &RemoteSource{
		source:  source,
		name:    name,
		baseURL: baseURL,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (r *RemoteSource) Source() model.ConversionSource { return r.source }

// Convert implements Strategy.
func (r *RemoteSource) Convert(ctx context.Context, d Date) ([]time.Time, error) {
	if r.baseURL == "" {
		return nil, errors.New("remote source URL is empty")
	}
	u, err := url.Parse(r.baseURL)
	if err != nil {
		return nil, fmt.Errorf("remote source %s: parse url: %w", r.name, err)
	}
	q := u.Query()
	q.Set("year", strconv.Itoa(d.Year))
	q.Set("month", strconv.Itoa(d.Month))
	q.Set("day", strconv.Itoa(d.Day))
	q.Set("leap", strconv.FormatBool(d.Leap))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	appLog.Debug("lunar remote lookup", "source", r.name, "url", redactURL(r.baseURL), "date", d.String())

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote source %s: %w", r.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("remote source %s: unexpected status %s", r.name, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteBody))
	if err != nil {
		return nil, fmt.Errorf("remote source %s: read body: %w", r.name, err)
	}

	var payload remoteResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("remote source %s: decode: %w", r.name, err)
	}
	if d.Leap && payload.LeapMonthAbsent {
		return nil, fmt.Errorf("%w: %s (per %s)", ErrNoLeapMonth, d, r.name)
	}

	out := make([]time.Time, 0, len(payload.Dates))
	for _, s := range payload.Dates {
		t, err := model.ParseDate(s)
		if err != nil {
			return nil, fmt.Errorf("remote source %s: %w", r.name, err)
		}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("remote source %s: %w", r.name, ErrEmptyResult)
	}
	return out, nil
}

// redactURL hides paths and query strings (which may carry API keys) in
// logs. Example:
//
//	https://api.example.com/lunar?key=abcd -> https://api.example.com/...(redacted)
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "lunar://...(redacted)"
	}
	return u.Scheme + "://" + u.Host + "/...(redacted)"
}
