package fetch

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/SYSNET-LUMS/urlmeter/internal/domain"
)

const maxRedirects = 10

// Fetcher performs one measurement probe. The engine depends on this
// interface so tests can substitute a fake.
type Fetcher interface {
	Fetch(ctx context.Context, url string) domain.FetchOutcome
}

// Options configures the HTTP measurement client.
type Options struct {
	// Timeout bounds one request end to end, including redirects and body
	// transfer.
	Timeout time.Duration

	// UserAgent is sent on every request.
	UserAgent string

	// Decompress switches the byte count from wire bytes (content-encoding
	// left untouched, emulating actual network transfer) to decoded bytes.
	Decompress bool
}

// Client measures URLs over plain HTTP. It is a probe: it streams the body to
// a counter and never buffers the payload.
type Client struct {
	client *http.Client
	opts   Options
}

// NewClient creates a measurement client.
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "measure-bot/1.0"
	}
	transport := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxIdleConns:        200,
		IdleConnTimeout:     90 * time.Second,
		// When counting wire bytes we must see the body exactly as it came
		// off the network, so the transport is not allowed to decode it.
		DisableCompression: !opts.Decompress,
	}
	return &Client{
		client: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
		opts: opts,
	}
}

// Fetch performs one GET and measures the bytes received. Failures of any
// kind are reported in the outcome, never as a Go error: the probe always
// returns normally.
func (c *Client) Fetch(ctx context.Context, url string) domain.FetchOutcome {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.FetchOutcome{Err: "bad request: " + err.Error()}
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	if !c.opts.Decompress {
		req.Header.Set("Accept-Encoding", "gzip, deflate")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return domain.FetchOutcome{Err: err.Error()}
	}
	defer resp.Body.Close()

	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		// The transfer died mid-stream; treat it like any other transport
		// failure rather than reporting a partial count as authoritative.
		return domain.FetchOutcome{Err: "body read: " + err.Error()}
	}

	return domain.FetchOutcome{
		StatusCode: resp.StatusCode,
		Bytes:      n,
		Headers:    flattenHeaders(resp.Header),
	}
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vals := range h {
		if len(vals) > 0 {
			out[strings.ToLower(k)] = vals[0]
		}
	}
	return out
}
