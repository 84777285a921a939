// Package rest is the shared HTTP client for every upstream the pipeline
// polls. Each call runs through the resilience guard under the client's
// upstream name.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"listing-sniper/internal/resilience"

	"go.uber.org/zap"
)

const (
	maxBodyBytes  = 8 << 20
	maxErrorBytes = 2048
)

// StatusError is a non-2xx response. A 429 unwraps to resilience.ErrThrottled.
type StatusError struct {
	Code       int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Code, e.Body)
}

func (e *StatusError) Unwrap() error {
	if e.Code == http.StatusTooManyRequests {
		return resilience.ErrThrottled
	}
	return nil
}

func (e *StatusError) RetryAfterDelay() time.Duration {
	return e.RetryAfter
}

type Client struct {
	baseURL   string
	upstream  string
	http      *http.Client
	guard     *resilience.Guard
	log       *zap.Logger
	userAgent string
}

func New(baseURL, upstream string, timeout time.Duration, guard *resilience.Guard, log *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		upstream: upstream,
		http: &http.Client{
			Timeout: timeout,
		},
		guard:     guard,
		log:       log,
		userAgent: "listing-sniper/1.0",
	}
}

func (c *Client) Upstream() string {
	return c.upstream
}

// Response is a raw body with the headers needed to decode it.
type Response struct {
	Body        []byte
	ContentType string
}

// GetRaw fetches path and returns the undecoded body. path may be absolute.
func (c *Client) GetRaw(ctx context.Context, path string) (Response, error) {
	var out Response
	err := c.guard.Do(ctx, c.upstream, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(path), nil)
		if err != nil {
			return err
		}
		body, header, err := c.do(req)
		if err != nil {
			return err
		}
		out = Response{Body: body, ContentType: header.Get("Content-Type")}
		return nil
	})
	return out, err
}

func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	return c.guard.Do(ctx, c.upstream, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(path), nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		body, _, err := c.do(req)
		if err != nil {
			return err
		}
		return json.Unmarshal(body, out)
	})
}

func (c *Client) PostJSON(ctx context.Context, path string, payload, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.guard.Do(ctx, c.upstream, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(path), bytes.NewReader(raw))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		body, _, err := c.do(req)
		if err != nil {
			return err
		}
		if out == nil {
			return nil
		}
		return json.Unmarshal(body, out)
	})
}

func (c *Client) do(req *http.Request) ([]byte, http.Header, error) {
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBytes))
		return nil, nil, &StatusError{
			Code:       resp.StatusCode,
			Body:       string(body),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, nil, err
	}
	return body, resp.Header, nil
}

func (c *Client) url(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL + path
}

func parseRetryAfter(raw string) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(raw); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
