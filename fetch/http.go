package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/sethgrid/pester"
)

// Doer abstracts https://pkg.go.dev/net/http#Client.Do.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

var htmlTooManyRequests = []byte("<title>429 Too Many Requests</title>")

// NewClient returns an HTTP client with the given timeout. It performs a
// single attempt per call, retries are left to a Retrier.
func NewClient(timeout time.Duration) *pester.Client {
	client := pester.New()
	client.MaxRetries = 1
	client.Backoff = pester.DefaultBackoff
	client.RetryOnHTTP429 = false
	client.KeepLog = false
	client.Timeout = timeout
	return client
}

// CheckResponse classifies a response. Rate limit answers (including an
// HTML error page with a 429 title) yield a RateLimitError, 404 and 410
// yield ErrNotFound, other client errors are permanent and server errors
// are transient.
func CheckResponse(resp *http.Response, body []byte) error {
	link := ""
	if resp.Request != nil && resp.Request.URL != nil {
		link = resp.Request.URL.String()
	}
	serr := &StatusError{StatusCode: resp.StatusCode, URL: link}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{Err: serr, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case bytes.Contains(body, htmlTooManyRequests):
		return &RateLimitError{Err: fmt.Errorf("rate limit page while fetching %s", link)}
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		return fmt.Errorf("%s: %w", link, ErrNotFound)
	case resp.StatusCode == http.StatusRequestTimeout:
		return serr
	case resp.StatusCode >= 500:
		return serr
	case resp.StatusCode >= 400:
		return Permanent(serr)
	}
	return nil
}

// parseRetryAfter understands the delay-seconds form of Retry-After.
func parseRetryAfter(s string) time.Duration {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

// DoBytes performs req with ctx, checks the response and returns the body.
// Transport errors are returned as is and count as transient.
func DoBytes(ctx context.Context, client Doer, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if err := CheckResponse(resp, body); err != nil {
		return nil, err
	}
	return body, nil
}

// DoJSON is like DoBytes, but decodes the body into v. A body that does not
// decode is a permanent failure.
func DoJSON(ctx context.Context, client Doer, req *http.Request, v any) error {
	body, err := DoBytes(ctx, client, req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return Permanent(fmt.Errorf("decode %s: %w", req.URL, err))
	}
	return nil
}
