// Package winstreak talks to the backend's REST API outside the socket.
package winstreak

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"astral-proxy/internal/adapter/httpx"
	"astral-proxy/internal/domain"
	"astral-proxy/internal/usecase/ratelimit"
)

// Client queries the user endpoint for key status and rate budget.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// New creates a Client for baseURL (e.g. https://api.winstreak.ws).
func New(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpx.NewHTTPClient(timeout),
		logger:  logger,
	}
}

type userResponse struct {
	RateLimit *struct {
		MaxRequests       float64 `json:"maxRequests"`
		RemainingRequests float64 `json:"remainingRequests"`
		ResetTime         float64 `json:"resetTime"`
	} `json:"rate_limit"`
}

func (c *Client) userURL(key string) string {
	return c.baseURL + "/v1/user?key=" + url.QueryEscape(key)
}

// FetchRateInfo returns the budget the backend grants key. ResetTime is the
// window length in seconds.
func (c *Client) FetchRateInfo(ctx context.Context, key string) (ratelimit.Info, error) {
	resp, err := httpx.Get(ctx, c.http, c.userURL(key), nil)
	if err != nil {
		return ratelimit.Info{}, domain.WrapOp("winstreak.FetchRateInfo", err)
	}
	if !resp.OK() {
		return ratelimit.Info{}, domain.WrapOp("winstreak.FetchRateInfo", httpx.StatusError(resp))
	}

	var body userResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return ratelimit.Info{}, fmt.Errorf("winstreak.FetchRateInfo: %w: %v", domain.ErrDecode, err)
	}
	if body.RateLimit == nil {
		return ratelimit.Info{}, fmt.Errorf("winstreak.FetchRateInfo: %w: missing rate_limit", domain.ErrDecode)
	}

	rl := body.RateLimit
	info := ratelimit.Info{
		Max:       int(rl.MaxRequests),
		Remaining: int(rl.RemainingRequests),
		Window:    time.Duration(rl.ResetTime) * time.Second,
	}
	if info.Max <= 0 {
		info.Max = ratelimit.DefaultInfo().Max
	}
	if info.Window <= 0 {
		info.Window = ratelimit.DefaultInfo().Window
	}
	return info, nil
}

// ValidateKey reports whether the backend accepts key. Transport failures
// are returned as errors; any HTTP answer is a result.
func (c *Client) ValidateKey(ctx context.Context, key string) (domain.KeyValidation, error) {
	resp, err := httpx.Get(ctx, c.http, c.userURL(key), nil)
	if err != nil {
		return domain.KeyValidation{}, domain.WrapOp("winstreak.ValidateKey", err)
	}
	c.logger.Debug("key validated", "status", resp.Status)
	return domain.KeyValidation{Valid: resp.OK(), Status: resp.Status}, nil
}
