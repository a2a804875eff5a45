// Package urchin looks up community-reported tags for a player.
package urchin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"astral-proxy/internal/adapter/httpx"
	"astral-proxy/internal/domain"
	"astral-proxy/internal/infra/config"
)

const defaultTimeout = 5 * time.Second

var shortNames = map[string]string{
	"legit_sniper":      "LS",
	"possible_sniper":   "PS",
	"sniper":            "S",
	"confirmed_cheater": "✔C",
	"blatant_cheater":   "BC",
	"closet_cheater":    "CC",
	"caution":           "⚠",
	"info":              "ℹ",
	"account":           "⚐",
}

// ShortName maps a report type to the glyph shown in tags. Unknown types
// pass through unchanged.
func ShortName(kind string) string {
	if s, ok := shortNames[strings.ToLower(kind)]; ok {
		return s
	}
	return kind
}

// Client is a paced, best-effort tag source.
type Client struct {
	baseURL string
	key     string
	timeout time.Duration
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New creates a Client from cfg.
func New(cfg config.UrchinConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 2
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		key:     cfg.Key,
		timeout: timeout,
		http:    httpx.NewHTTPClient(timeout),
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		logger:  logger,
	}
}

type tagsResponse struct {
	Tags []struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"tags"`
}

// Tags returns the reports for playerID. A player without reports yields an
// empty slice and no error.
func (c *Client) Tags(ctx context.Context, playerID string) ([]domain.RemoteTag, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, domain.WrapOp("urchin.Tags", err)
	}

	u := c.baseURL + "/api/urchin?uuid=" + url.QueryEscape(domain.NormalizePlayerID(playerID))
	if c.key != "" {
		u += "&key=" + url.QueryEscape(c.key)
	}
	resp, err := httpx.Get(ctx, c.http, u, nil)
	if err != nil {
		return nil, domain.NewSubSystemError("urchin", "urchin.Tags", domain.ErrProviderError, err.Error())
	}
	if resp.Status == http.StatusNotFound {
		return nil, nil
	}
	if !resp.OK() {
		return nil, domain.WrapOp("urchin.Tags", httpx.StatusError(resp))
	}

	var body tagsResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, fmt.Errorf("urchin.Tags: %w: %v", domain.ErrDecode, err)
	}
	out := make([]domain.RemoteTag, 0, len(body.Tags))
	for _, t := range body.Tags {
		if t.Type == "" {
			continue
		}
		out = append(out, domain.RemoteTag{Name: ShortName(t.Type), Description: t.Reason})
	}
	c.logger.Debug("urchin tags fetched", "player", playerID, "count", len(out))
	return out, nil
}
