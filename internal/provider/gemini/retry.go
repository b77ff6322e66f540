package gemini

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/eugener/ccmux/internal/provider"
)

// maxRetries bounds 429 retries per request.
const maxRetries = 3

// doWithRetry issues the request built by build, retrying on 429 when the
// error body carries a server-specified delay. Requests without a parseable
// delay fail immediately.
func (c *Client) doWithRetry(ctx context.Context, build func() (*http.Request, error)) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		req, err := build()
		if err != nil {
			return nil, err
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusTooManyRequests {
			return resp, nil
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()

		delay, ok := retryDelay(body)
		if !ok || attempt >= maxRetries {
			return nil, &provider.APIError{Provider: c.name, StatusCode: resp.StatusCode, Body: string(body)}
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// retryDelay extracts the server-specified retry delay from a 429 error body.
// RetryInfo wins; a cloudcode RATE_LIMIT_EXCEEDED ErrorInfo falls back to its
// quotaResetDelay, defaulting to 10s.
func retryDelay(body []byte) (time.Duration, bool) {
	details := gjson.GetBytes(body, "error.details")

	var delay time.Duration
	var found bool
	details.ForEach(func(_, detail gjson.Result) bool {
		if !strings.HasSuffix(detail.Get("@type").String(), "google.rpc.RetryInfo") {
			return true
		}
		if d, ok := parseGoogleDuration(detail.Get("retryDelay").String()); ok {
			delay, found = d, true
			return false
		}
		return true
	})
	if found {
		return delay, true
	}

	details.ForEach(func(_, detail gjson.Result) bool {
		if !strings.HasSuffix(detail.Get("@type").String(), "google.rpc.ErrorInfo") {
			return true
		}
		if detail.Get("reason").String() != "RATE_LIMIT_EXCEEDED" {
			return true
		}
		if !strings.Contains(detail.Get("domain").String(), "cloudcode-pa.googleapis.com") {
			return true
		}
		if d, ok := parseGoogleDuration(detail.Get("metadata.quotaResetDelay").String()); ok {
			delay = d
		} else {
			delay = 10 * time.Second
		}
		found = true
		return false
	})
	return delay, found
}

// parseGoogleDuration parses the protobuf duration strings Google error
// payloads use, e.g. "3.02s", "60s", "900ms".
func parseGoogleDuration(s string) (time.Duration, bool) {
	if ms, ok := strings.CutSuffix(s, "ms"); ok {
		f, err := strconv.ParseFloat(ms, 64)
		if err != nil {
			return 0, false
		}
		return time.Duration(f * float64(time.Millisecond)), true
	}
	if sec, ok := strings.CutSuffix(s, "s"); ok {
		f, err := strconv.ParseFloat(sec, 64)
		if err != nil {
			return 0, false
		}
		return time.Duration(f * float64(time.Second)), true
	}
	return 0, false
}
