// Package httputil provides the resilient HTTP client used for every call to
// the WhatsApp gateway: a hard per-attempt timeout plus bounded retry with a
// linearly increasing delay for transient (network, 5xx) failures.
package httputil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

// Timeout classes. A health probe must fail fast, a QR fetch may legitimately
// take longer on a cold gateway.
const (
	HealthTimeout  = 5 * time.Second
	DefaultTimeout = 30 * time.Second
	QRTimeout      = 15 * time.Second

	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 1 * time.Second
)

// TimeoutError reports an attempt that exceeded its deadline. Timed-out
// attempts are never retried.
type TimeoutError struct {
	URL     string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request to %s timed out after %s", e.URL, e.Timeout)
}

// Client wraps a resty client with the retry policy described above.
type Client struct {
	rc          *resty.Client
	timeout     time.Duration
	maxAttempts int
	baseDelay   time.Duration
}

// NewClient creates a client with the given per-attempt timeout, attempt
// ceiling and base retry delay. The delay before attempt N+1 is baseDelay*N.
func NewClient(timeout time.Duration, maxAttempts int, baseDelay time.Duration) *Client {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Client{
		rc:          resty.New().SetTimeout(timeout),
		timeout:     timeout,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
	}
}

// NewHealthClient returns the fast-fail variant used to gate the pairing flow.
func NewHealthClient() *Client {
	return NewClient(HealthTimeout, 1, DefaultBaseDelay)
}

// NewDefaultClient returns the general-purpose gateway client.
func NewDefaultClient() *Client {
	return NewClient(DefaultTimeout, DefaultMaxAttempts, DefaultBaseDelay)
}

// NewQRClient returns the client used for QR fetches.
func NewQRClient() *Client {
	return NewClient(QRTimeout, DefaultMaxAttempts, DefaultBaseDelay)
}

// SetHeader sets a header applied to every request made through this client.
func (c *Client) SetHeader(name, value string) *Client {
	c.rc.SetHeader(name, value)
	return c
}

// Execute performs an HTTP request with the client's retry policy. configure,
// if non-nil, is called on each attempt's request to set headers, body and
// result targets.
//
// Behavior:
//   - a timed-out attempt fails with *TimeoutError and is not retried;
//   - network-level failures are retried up to the attempt ceiling;
//   - responses >= 500 are retried the same way, and the final attempt's
//     response (even if 5xx) is returned to the caller;
//   - all other responses (2xx, 4xx) are returned immediately.
func (c *Client) Execute(ctx context.Context, method, url string, configure func(*resty.Request)) (*resty.Response, error) {
	var resp *resty.Response
	var err error

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		req := c.rc.R().SetContext(ctx)
		if configure != nil {
			configure(req)
		}

		resp, err = req.Execute(method, url)

		if err != nil {
			if isTimeout(err) {
				return nil, &TimeoutError{URL: url, Timeout: c.timeout}
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if attempt == c.maxAttempts {
				return nil, fmt.Errorf("request to %s failed after %d attempts: %w", url, attempt, err)
			}
		} else if resp.StatusCode() < 500 || attempt == c.maxAttempts {
			return resp, nil
		}

		delay := c.baseDelay * time.Duration(attempt)
		log.Warn().
			Str("url", url).
			Int("attempt", attempt).
			Int("maxAttempts", c.maxAttempts).
			Dur("delay", delay).
			Msg("Transient gateway failure, retrying")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return resp, err
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
