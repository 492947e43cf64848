// Package archive downloads hourly event files from the public GitHub event
// archive.
package archive

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ghlake/ghlake/pkg/types"
)

// DefaultBaseURL is the public archive endpoint.
const DefaultBaseURL = "https://data.gharchive.org"

const maxErrorBody = 512

// HTTPError represents a non-2xx archive response.
type HTTPError struct {
	StatusCode int
	URL        string
	Body       string // first 512 bytes
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("archive: HTTP %d for %s: %s", e.StatusCode, e.URL, e.Body)
}

// Downloader fetches the raw gzip bytes of one archive hour.
type Downloader interface {
	Download(ctx context.Context, day types.Day, hour int) ([]byte, error)
}

// Client is a plain GET client for the archive. It does not retry: a failed
// hour is reported to the caller, which records it and moves on.
type Client struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
}

// Option configures Client behavior.
type Option func(*Client)

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithUserAgent sets the User-Agent header sent with every request.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// New creates a Client for baseURL. An empty baseURL selects DefaultBaseURL.
func New(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		userAgent: "ghlake",
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// URL returns the archive URL of one hour. The archive does not zero-pad
// the hour: 2024-01-15 hour 3 is "2024-01-15-3.json.gz".
func (c *Client) URL(day types.Day, hour int) string {
	return fmt.Sprintf("%s/%s-%d.json.gz", c.baseURL, day.String(), hour)
}

// Download returns the raw bytes of one archive hour. Non-2xx responses
// return *HTTPError.
func (c *Client) Download(ctx context.Context, day types.Day, hour int) ([]byte, error) {
	if hour < 0 || hour >= types.HoursPerDay {
		return nil, fmt.Errorf("archive: %w: %d", types.ErrInvalidHour, hour)
	}
	url := c.URL(day, hour)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("archive: failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("archive: GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &HTTPError{StatusCode: resp.StatusCode, URL: url, Body: string(body)}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("archive: failed to read %s: %w", url, err)
	}
	return data, nil
}
