// Package httpx holds the HTTP plumbing shared by the REST adapters.
package httpx

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"astral-proxy/internal/domain"
)

// UserAgent is sent with every outbound request.
const UserAgent = "Astral WebSocketServer/1.0"

// maxResponseBody is the maximum response body size we read from REST APIs.
const maxResponseBody = 2 * 1024 * 1024 // 2 MB

// Default connection pool settings: a handful of hosts, short requests.
const (
	defaultMaxIdleConns        = 10
	defaultMaxIdleConnsPerHost = 4
	defaultMaxConnsPerHost     = 8
	defaultIdleConnTimeout     = 90 * time.Second
	defaultTimeout             = 10 * time.Second
)

// NewPooledTransport creates an http.Transport with connection pooling.
func NewPooledTransport(connTimeout time.Duration) *http.Transport {
	if connTimeout <= 0 {
		connTimeout = defaultTimeout
	}
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: connTimeout,
		MaxIdleConns:          defaultMaxIdleConns,
		MaxIdleConnsPerHost:   defaultMaxIdleConnsPerHost,
		MaxConnsPerHost:       defaultMaxConnsPerHost,
		IdleConnTimeout:       defaultIdleConnTimeout,
		ForceAttemptHTTP2:     true,
	}
}

// NewHTTPClient creates an *http.Client with pooled transport whose overall
// deadline is timeout (10s when zero).
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{
		Transport: NewPooledTransport(timeout),
		Timeout:   timeout,
	}
}

// Response is a fully read HTTP response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool { return r.Status >= 200 && r.Status < 300 }

// Get performs a GET request and reads the body (with limit). Non-2xx
// statuses are not errors here; callers decide with OK or StatusError.
func Get(ctx context.Context, client *http.Client, url string, headers map[string]string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", UserAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

// StatusError maps a non-2xx response to a domain error. The returned error
// carries the status for domain.StatusOf.
func StatusError(r *Response) error {
	detail := &domain.APIStatusError{Status: r.Status, Body: r.Body}
	switch {
	case r.Status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: rate limited", detail)
	case r.Status == http.StatusUnauthorized || r.Status == http.StatusForbidden:
		return fmt.Errorf("%w: key rejected", detail)
	case r.Status >= 500:
		return fmt.Errorf("%w: %w", detail, domain.ErrProviderError)
	default:
		return detail
	}
}
